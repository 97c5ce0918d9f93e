package metaproto

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/wangmice/tinc/internal/daemonerr"
	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
	"github.com/wangmice/tinc/internal/registry"
)

// inboundLine pairs a parsed Line with the connection it arrived on,
// the unit of work the main loop's single consumer goroutine pulls
// off Inbound.
type inboundLine struct {
	conn *registry.Connection
	line Line
}

// Engine runs one reader/writer goroutine pair per Connection,
// supervised by a shared tomb.v2.Tomb, and funnels every parsed
// request into a single
// channel so exactly one goroutine, the main loop, ever calls
// dispatch. A reader goroutine does mutate the registry itself in one
// case: it removes its connection from the table when the socket
// closes.
type Engine struct {
	self   string
	table  *registry.Table
	logger *logrus.Logger
	peers  PeerDirectory
	keys   metacrypt.KeyAgreement
	hasher metacrypt.Hasher

	// hsMu guards handshakes: Adopt runs on the accept-loop and
	// dial goroutines while the main loop reads during PumpOne.
	hsMu       sync.Mutex
	handshakes map[string]*Handshake

	Inbound chan inboundLine

	t tomb.Tomb
}

// NewEngine constructs an Engine bound to table, identifying this
// daemon as self.
func NewEngine(self string, table *registry.Table, logger *logrus.Logger, peers PeerDirectory, keys metacrypt.KeyAgreement, hasher metacrypt.Hasher) *Engine {
	return &Engine{
		self:       self,
		table:      table,
		logger:     logger,
		peers:      peers,
		keys:       keys,
		hasher:     hasher,
		handshakes: make(map[string]*Handshake),
		Inbound:    make(chan inboundLine, 256),
	}
}

// Adopt registers conn with the engine, starts its handshake, and
// spawns its reader/writer goroutines over nc. For outgoing
// connections the caller has already dialed; for inbound ones nc is
// the accepted socket.
func (e *Engine) Adopt(conn *registry.Connection, nc net.Conn) error {
	if err := e.table.Insert(conn); err != nil {
		return err
	}

	hs := NewHandshake(conn, e.self, e.keys, e.hasher, e.peers, e.table.Topology(), e.logger)
	e.hsMu.Lock()
	e.handshakes[conn.Name] = hs
	e.hsMu.Unlock()

	e.t.Go(func() error { return e.readLoop(conn, nc) })
	e.t.Go(func() error { return e.writeLoop(conn, nc) })

	return hs.Start()
}

// readLoop scans meta-lines off nc and pushes parsed requests onto
// Inbound until the connection dies or the engine is torn down.
func (e *Engine) readLoop(conn *registry.Connection, nc net.Conn) error {
	scanner := NewScanner(nc)

	for scanner.Scan() {
		raw := scanner.Text()

		line, err := ParseLine(raw)
		if err != nil {
			e.logger.WithError(err).WithField("peer", conn.Name).Warn("dropping malformed meta-line")
			continue
		}

		select {
		case e.Inbound <- inboundLine{conn: conn, line: line}:
		case <-e.t.Dying():
			return nil
		}
	}

	e.table.Remove(conn.Name)
	e.dropHandshake(conn.Name)
	return scanner.Err()
}

// writeLoop drains conn's outbound queue onto nc.
func (e *Engine) writeLoop(conn *registry.Connection, nc net.Conn) error {
	w := bufio.NewWriter(nc)

	for {
		select {
		case line, ok := <-conn.Outbound():
			if !ok {
				return nil
			}

			if _, err := w.WriteString(line + "\n"); err != nil {
				return daemonerr.New(daemonerr.KindIO, err)
			}

			if err := w.Flush(); err != nil {
				return daemonerr.New(daemonerr.KindIO, err)
			}

		case <-e.t.Dying():
			return nil
		}
	}
}

// PumpOne consumes and dispatches exactly one inbound request. The
// main loop calls this from its own select statement so
// that request handling interleaves with signal draining and timed
// tasks on a single goroutine.
func (e *Engine) PumpOne(item inboundLine) {
	conn := item.conn
	line := item.line

	var err error
	// A connection that has reached AUTHENTICATED already dumps its
	// own topology before
	// its peer's ACK necessarily arrives back, so the peer must accept
	// rebroadcastable requests one step earlier than ACTIVE to avoid a
	// handshake-ordering race between the two symmetric sides.
	pastHandshake := conn.State() == registry.StateActive || conn.State() == registry.StateAuthenticated
	if !pastHandshake || Code(line.Code).handshakeCode() {
		hs := e.handshake(conn.Name)
		if hs == nil {
			e.logger.WithField("peer", conn.Name).Error("no handshake context for connection")
			e.table.Remove(conn.Name)
			return
		}
		err = hs.Step(line)
	} else {
		err = e.dispatch(conn, line)
	}

	if err != nil {
		e.logger.WithError(err).WithField("peer", conn.Name).Warn("meta-protocol error, closing connection")
		e.table.Remove(conn.Name)
		e.dropHandshake(conn.Name)
	}
}

// handshake returns the handshake context for name, or nil.
func (e *Engine) handshake(name string) *Handshake {
	e.hsMu.Lock()
	defer e.hsMu.Unlock()
	return e.handshakes[name]
}

func (e *Engine) dropHandshake(name string) {
	e.hsMu.Lock()
	defer e.hsMu.Unlock()
	delete(e.handshakes, name)
}

// handshakeCode reports whether a code belongs to the authentication
// phase rather than the post-ACTIVE request set.
func (c Code) handshakeCode() bool {
	switch c {
	case CodeID, CodeMetaKey, CodeChallenge, CodeChalReply, CodeAck:
		return true
	default:
		return false
	}
}

// Stop tears down every connection goroutine.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

// --- post-ACTIVE request handlers ---

func (e *Engine) handleHandshakeLine(conn *registry.Connection, line Line) error {
	hs := e.handshake(conn.Name)
	if hs == nil {
		return daemonerr.Newf(daemonerr.KindProtocol, "no handshake context for %q", conn.Name)
	}
	return hs.Step(line)
}

func (e *Engine) handlePing(conn *registry.Connection, _ Line) error {
	conn.Touch()
	conn.Enqueue(strconv.Itoa(int(CodePong)))
	return nil
}

func (e *Engine) handlePong(conn *registry.Connection, _ Line) error {
	conn.Touch()
	return nil
}

func (e *Engine) handleTermReq(conn *registry.Connection, _ Line) error {
	e.table.Remove(conn.Name)
	e.dropHandshake(conn.Name)
	return nil
}

func (e *Engine) handleAddSubnet(conn *registry.Connection, line Line) error {
	node, cidr := line.Tokens[0], line.Tokens[1]
	return e.table.Topology().AddSubnet(node, cidr)
}

func (e *Engine) handleDelSubnet(conn *registry.Connection, line Line) error {
	node, cidr := line.Tokens[0], line.Tokens[1]
	e.table.Topology().DelSubnet(node, cidr)
	return nil
}

func (e *Engine) handleAddEdge(conn *registry.Connection, line Line) error {
	from, to := line.Tokens[0], line.Tokens[1]
	weight, err := strconv.Atoi(line.Tokens[2])
	if err != nil {
		return daemonerr.New(daemonerr.KindProtocol, err)
	}

	e.table.Topology().AddEdge(from, to, weight, 0)
	return nil
}

func (e *Engine) handleDelEdge(conn *registry.Connection, line Line) error {
	from, to := line.Tokens[0], line.Tokens[1]
	e.table.Topology().DelEdge(from, to)
	return nil
}

func (e *Engine) handleAddNode(conn *registry.Connection, line Line) error {
	name := line.Tokens[0]
	fingerprint, udpAddr := "", ""
	if len(line.Tokens) > 1 {
		fingerprint = line.Tokens[1]
	}
	if len(line.Tokens) > 2 {
		udpAddr = line.Tokens[2]
	}

	e.table.Topology().AddNode(name, fingerprint, udpAddr)
	return nil
}

func (e *Engine) handleDelNode(conn *registry.Connection, line Line) error {
	if e.table.Topology().Node(line.Tokens[0]) == nil {
		e.logger.WithField("node", line.Tokens[0]).Debug("DEL_NODE for unknown node, ignoring")
	}
	e.table.Topology().DelNode(line.Tokens[0])
	return nil
}

func (e *Engine) handleKeyChanged(conn *registry.Connection, _ Line) error {
	e.logger.WithField("peer", conn.Name).Debug("peer reports key change")
	return nil
}

func (e *Engine) handleReqKey(conn *registry.Connection, line Line) error {
	target := e.table.LookupByName(line.Tokens[0])
	if target == nil {
		return daemonerr.Newf(daemonerr.KindProtocol, "REQ_KEY for unknown node %q", line.Tokens[0])
	}

	target.Enqueue(fmt.Sprintf("%d %s", CodeAnsKey, conn.Name))
	return nil
}

func (e *Engine) handleAnsKey(conn *registry.Connection, line Line) error {
	target := e.table.LookupByName(line.Tokens[0])
	if target == nil {
		return nil
	}

	target.Enqueue(line.Raw)
	return nil
}

func (e *Engine) handleStatus(conn *registry.Connection, _ Line) error {
	conn.Touch()
	return nil
}

func (e *Engine) handleError(conn *registry.Connection, _ Line) error {
	e.table.Remove(conn.Name)
	e.dropHandshake(conn.Name)
	return nil
}
