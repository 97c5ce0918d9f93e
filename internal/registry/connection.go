// Package registry owns the connection table and topology graph.
// Nothing here is safe to call from a signal handler. Most mutation
// happens on the main loop goroutine, but not all of it: a
// connection's reader goroutine removes it from the table when its
// socket closes, and the control channel's PURGE and RETRY mutate the
// topology and table from the control goroutine. The mutexes
// serialize those calls; control-channel dumps read via snapshots.
package registry

import (
	"sync"
	"time"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// ConnState is the meta-protocol handshake state machine's state.
type ConnState int

const (
	StateConnect ConnState = iota
	StateIDSent
	StateAwaitID
	StateAwaitMetaKey
	StateAwaitChallenge
	StateAwaitChalReply
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateIDSent:
		return "ID_SENT"
	case StateAwaitID:
		return "AWAIT_ID"
	case StateAwaitMetaKey:
		return "AWAIT_METAKEY"
	case StateAwaitChallenge:
		return "AWAIT_CHALLENGE"
	case StateAwaitChalReply:
		return "AWAIT_CHAL_REPLY"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// rank gives a monotonic ordering used to enforce handshake
// monotonicity: a connection never regresses except via
// a transition to CLOSED.
func (s ConnState) rank() int {
	if s == StateClosed {
		return 1 << 30
	}

	return int(s)
}

// CanTransition reports whether moving from s to next is legal under
// the monotonicity invariant.
func (s ConnState) CanTransition(next ConnState) bool {
	if next == StateClosed {
		return true
	}

	return next.rank() >= s.rank()
}

// Connection is one per adjacent meta-peer.
type Connection struct {
	Name     string
	Addr     string
	Port     int
	Outgoing bool // true if this daemon initiated the connection

	mu               sync.Mutex
	state            ConnState
	active           bool
	authenticated    bool
	pinged           bool
	termreqSent      bool
	expectedResponse int
	lastActivity     time.Time
	peerVersion      string
	options          uint32

	outbound chan string

	// Cipher is the per-connection cipher context, owned exclusively
	// by this Connection and released on disconnect. The concrete
	// type lives in internal/metaproto.
	Cipher interface{ Close() }
}

// NewConnection constructs a Connection in the CONNECT state with a
// bounded outbound queue.
func NewConnection(name, addr string, port int, outgoing bool) *Connection {
	return &Connection{
		Name:         name,
		Addr:         addr,
		Port:         port,
		Outgoing:     outgoing,
		state:        StateConnect,
		lastActivity: time.Now(),
		outbound:     make(chan string, 256),
	}
}

// State returns the current handshake state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves the connection to next, enforcing monotonicity.
func (c *Connection) Transition(next ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransition(next) {
		return daemonerr.Newf(daemonerr.KindProtocol,
			"illegal handshake transition %s -> %s for %q", c.state, next, c.Name)
	}

	c.state = next
	if next == StateActive {
		c.active = true
	}

	if next == StateClosed {
		c.active = false
	}

	return nil
}

// IsActive reports whether the connection accepts topology/traffic
// requests and is eligible for broadcast fan-out.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsAuthenticated reports whether the handshake has at least reached
// AUTHENTICATED.
func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated || c.state.rank() >= StateAuthenticated.rank() && c.state != StateClosed
}

// Touch records activity now, resetting the PING idle timer.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// IdleSince returns how long it has been since the last recorded
// activity.
func (c *Connection) IdleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// SetPeerVersion records the peer's advertised software version.
func (c *Connection) SetPeerVersion(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerVersion = v
}

// PeerVersion returns the peer's advertised software version.
func (c *Connection) PeerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVersion
}

// Enqueue pushes a line onto this connection's outbound byte queue. It
// never blocks the caller: a full queue drops the oldest entry to
// make room (the connection is in trouble regardless and liveness
// checks will close it).
func (c *Connection) Enqueue(line string) {
	select {
	case c.outbound <- line:
	default:
		select {
		case <-c.outbound:
		default:
		}
		select {
		case c.outbound <- line:
		default:
		}
	}
}

// Outbound exposes the outbound channel for the writer goroutine.
func (c *Connection) Outbound() <-chan string {
	return c.outbound
}

// OutboundLen reports how many lines are still queued for the writer
// goroutine, used by shutdown's bounded flush to tell whether a
// connection has drained.
func (c *Connection) OutboundLen() int {
	return len(c.outbound)
}

// Close marks the connection CLOSED and releases its cipher context.
func (c *Connection) Close() {
	c.mu.Lock()
	c.state = StateClosed
	c.active = false
	cipher := c.Cipher
	c.Cipher = nil
	c.mu.Unlock()

	if cipher != nil {
		cipher.Close()
	}
}
