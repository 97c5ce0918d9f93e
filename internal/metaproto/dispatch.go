package metaproto

import (
	"github.com/wangmice/tinc/internal/daemonerr"
	"github.com/wangmice/tinc/internal/registry"
)

// requestSpec describes one request code's dispatch requirements: the
// minimum connection state it is legal in, its argument count, and its
// handler. Whether a request is rebroadcast is decided by
// Code.Rebroadcastable, not by this table.
type requestSpec struct {
	minState registry.ConnState
	arity    int
	handler  func(*Engine, *registry.Connection, Line) error
}

// dispatchTable is built once; lookups are by Code.
var dispatchTable = map[Code]requestSpec{
	CodeID:         {minState: registry.StateConnect, arity: 2, handler: (*Engine).handleHandshakeLine},
	CodeMetaKey:    {minState: registry.StateIDSent, arity: 1, handler: (*Engine).handleHandshakeLine},
	CodeChallenge:  {minState: registry.StateAwaitMetaKey, arity: 1, handler: (*Engine).handleHandshakeLine},
	CodeChalReply:  {minState: registry.StateAwaitChallenge, arity: 1, handler: (*Engine).handleHandshakeLine},
	CodeAck:        {minState: registry.StateAuthenticated, arity: 0, handler: (*Engine).handleHandshakeLine},
	CodePing:       {minState: registry.StateActive, arity: 0, handler: (*Engine).handlePing},
	CodePong:       {minState: registry.StateActive, arity: 0, handler: (*Engine).handlePong},
	CodeTermReq:    {minState: registry.StateActive, arity: 0, handler: (*Engine).handleTermReq},
	CodeAddSubnet:  {minState: registry.StateActive, arity: 2, handler: (*Engine).handleAddSubnet},
	CodeDelSubnet:  {minState: registry.StateActive, arity: 2, handler: (*Engine).handleDelSubnet},
	CodeAddEdge:    {minState: registry.StateActive, arity: 3, handler: (*Engine).handleAddEdge},
	CodeDelEdge:    {minState: registry.StateActive, arity: 2, handler: (*Engine).handleDelEdge},
	CodeAddNode:    {minState: registry.StateActive, arity: 1, handler: (*Engine).handleAddNode},
	CodeDelNode:    {minState: registry.StateActive, arity: 1, handler: (*Engine).handleDelNode},
	CodeKeyChanged: {minState: registry.StateActive, arity: 0, handler: (*Engine).handleKeyChanged},
	CodeReqKey:     {minState: registry.StateActive, arity: 1, handler: (*Engine).handleReqKey},
	CodeAnsKey:     {minState: registry.StateActive, arity: 2, handler: (*Engine).handleAnsKey},
	CodeStatus:     {minState: registry.StateActive, arity: 1, handler: (*Engine).handleStatus},
	CodeError:      {minState: registry.StateConnect, arity: 0, handler: (*Engine).handleError},
}

// dispatch looks up and validates a request before invoking its
// handler, enforcing the state-ordering and rebroadcast rules in one
// place.
func (e *Engine) dispatch(conn *registry.Connection, line Line) error {
	code := Code(line.Code)
	spec, ok := dispatchTable[code]
	if !ok {
		return daemonerr.Newf(daemonerr.KindProtocol, "unknown request code %d from %q", line.Code, conn.Name)
	}

	if len(line.Tokens) < spec.arity {
		return daemonerr.Newf(daemonerr.KindProtocol, "%s from %q: expected at least %d arguments, got %d",
			code, conn.Name, spec.arity, len(line.Tokens))
	}

	// AUTHENTICATED is accepted alongside ACTIVE: the topology dump a
	// connection sends immediately on reaching AUTHENTICATED can
	// arrive at the peer before that peer's own ACK completes
	// the symmetric handshake on this side.
	if spec.minState == registry.StateActive && conn.State() != registry.StateActive && conn.State() != registry.StateAuthenticated {
		return daemonerr.Newf(daemonerr.KindProtocol, "%s from %q before handshake completed (state %s)", code, conn.Name, conn.State())
	}

	if err := spec.handler(e, conn, line); err != nil {
		return err
	}

	if code.Rebroadcastable() {
		e.table.BroadcastExcept(conn.Name, line.Raw)
	}

	return nil
}
