package metaproto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/daemonerr"
	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
	"github.com/wangmice/tinc/internal/registry"
)

// ProtocolVersion is advertised in the ID line.
const ProtocolVersion = "17.3"

// challengeNonceLen is the size of the random nonce sent in CHALLENGE.
const challengeNonceLen = 32

// PeerDirectory resolves a peer name to its long-term public key, the
// equivalent of the daemon's loaded host config files.
type PeerDirectory interface {
	Lookup(name string) (pub [32]byte, known bool)
}

// cipherPair bundles the two independent session ciphers a meta
// connection carries: one keyed by the session key this side
// generated (used to seal outgoing CHALLENGE/CHAL_REPLY material, the
// direction the peer will Open with its recvCipher), and one keyed by
// the session key the peer generated (used to open material the peer
// sealed). Real tinc keeps one cipher context per direction for the
// same reason — the two directions never share a key.
type cipherPair struct {
	send *metacrypt.RefSessionCipher
	recv *metacrypt.RefSessionCipher
}

func (p *cipherPair) Close() {
	if p.send != nil {
		p.send.Close()
	}
	if p.recv != nil {
		p.recv.Close()
	}
}

// Handshake drives one Connection through the CONNECT..ACTIVE state
// machine. Exactly one Handshake exists per Connection. Engine.Adopt
// calls Start; every later Step runs on the main loop goroutine via
// Engine.PumpOne.
type Handshake struct {
	conn *registry.Connection
	self string

	keys   metacrypt.KeyAgreement
	hasher metacrypt.Hasher
	peers  PeerDirectory
	topo   *registry.Topology

	ciphers   cipherPair
	sentNonce []byte

	// id is a time-sortable correlation ID, logged at each handshake
	// transition so a checkpoint trail for one
	// handshake can be reconstructed from syslog even when several
	// connections are mid-handshake concurrently.
	id     ulid.ULID
	logger *logrus.Logger
}

// NewHandshake builds a Handshake for conn, identifying this daemon as
// self to the peer. topo may be nil in tests that only exercise the
// state machine itself; it is only read from at the AUTHENTICATED step
// to dump local topology. logger may be nil, in which case
// transition logging is skipped.
func NewHandshake(conn *registry.Connection, self string, keys metacrypt.KeyAgreement, hasher metacrypt.Hasher, peers PeerDirectory, topo *registry.Topology, logger *logrus.Logger) *Handshake {
	return &Handshake{conn: conn, self: self, keys: keys, hasher: hasher, peers: peers, topo: topo, id: ulid.Make(), logger: logger}
}

// logTransition records one handshake state change at debug level,
// tagged with the handshake's correlation ID and the connection's
// peer name, so a single handshake's progress is traceable across
// syslog lines even when several connections are handshaking at once.
func (h *Handshake) logTransition(from, to registry.ConnState) {
	if h.logger == nil {
		return
	}

	h.logger.WithFields(logrus.Fields{
		"handshake_id": h.id.String(),
		"peer":         h.conn.Name,
		"from":         from,
		"to":           to,
	}).Debug("handshake transition")
}

// Start sends the first line for an outgoing connection: the ID line
// that moves CONNECT to ID_SENT. Inbound connections instead move to
// AWAIT_ID and wait passively for the peer's ID.
func (h *Handshake) Start() error {
	if !h.conn.Outgoing {
		if err := h.conn.Transition(registry.StateAwaitID); err != nil {
			return err
		}
		h.logTransition(registry.StateConnect, registry.StateAwaitID)
		return nil
	}

	if err := h.conn.Transition(registry.StateIDSent); err != nil {
		return err
	}
	h.logTransition(registry.StateConnect, registry.StateIDSent)

	h.conn.Enqueue(fmt.Sprintf("%d %s %s 0", CodeID, h.self, ProtocolVersion))
	return nil
}

// Step feeds one received Line into the state machine, enqueuing any
// response lines on the connection, and returns an error if the line
// is illegal for the current state.
func (h *Handshake) Step(line Line) error {
	switch line.Code {
	case int(CodeID):
		return h.onID(line)
	case int(CodeMetaKey):
		return h.onMetaKey(line)
	case int(CodeChallenge):
		return h.onChallenge(line)
	case int(CodeChalReply):
		return h.onChalReply(line)
	case int(CodeAck):
		return h.onAck(line)
	default:
		return daemonerr.Newf(daemonerr.KindProtocol, "unexpected request code %d in state %s", line.Code, h.conn.State())
	}
}

// onID handles receipt of an ID line in AWAIT_ID (inbound, passive
// peer) or ID_SENT (outbound, active peer). It generates
// this side's half of the session key material and sends it as
// METAKEY.
func (h *Handshake) onID(line Line) error {
	state := h.conn.State()
	if state != registry.StateAwaitID && state != registry.StateIDSent {
		return daemonerr.Newf(daemonerr.KindProtocol, "ID received in state %s", state)
	}

	if len(line.Tokens) < 2 {
		return daemonerr.New(daemonerr.KindProtocol, errMalformedLine("ID"))
	}

	name, version := line.Tokens[0], line.Tokens[1]
	if name != h.conn.Name {
		return daemonerr.Newf(daemonerr.KindAuth, "ID name %q does not match expected peer %q", name, h.conn.Name)
	}

	if !versionCompatible(version) {
		return daemonerr.Newf(daemonerr.KindIncompatibleVersion, "peer %q advertises incompatible version %q", name, version)
	}

	h.conn.SetPeerVersion(version)

	if _, known := h.peers.Lookup(name); !known {
		return daemonerr.Newf(daemonerr.KindAuth, "no host key on file for %q", name)
	}

	if err := h.conn.Transition(registry.StateAwaitMetaKey); err != nil {
		return err
	}
	h.logTransition(state, registry.StateAwaitMetaKey)

	if !h.conn.Outgoing {
		// The passive side replies with its own ID before sending METAKEY.
		h.conn.Enqueue(fmt.Sprintf("%d %s %s 0", CodeID, h.self, ProtocolVersion))
	}

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return daemonerr.New(daemonerr.KindCrypto, err)
	}

	var key [32]byte
	copy(key[:], sessionKey)
	h.ciphers.send = metacrypt.NewRefSessionCipher(key)
	h.conn.Cipher = &h.ciphers

	sealed, err := h.keys.Encrypt(name, sessionKey)
	if err != nil {
		return daemonerr.New(daemonerr.KindCrypto, err)
	}

	h.conn.Enqueue(fmt.Sprintf("%d %s", CodeMetaKey, hex.EncodeToString(sealed)))
	return nil
}

// onMetaKey handles receipt of the peer's sealed session key: the key
// material the peer generated for messages it sends us, adopted here
// as the recv half of the cipher pair.
func (h *Handshake) onMetaKey(line Line) error {
	if h.conn.State() != registry.StateAwaitMetaKey {
		return daemonerr.Newf(daemonerr.KindProtocol, "METAKEY received in state %s", h.conn.State())
	}

	if len(line.Tokens) < 1 {
		return daemonerr.New(daemonerr.KindProtocol, errMalformedLine("METAKEY"))
	}

	sealed, err := hex.DecodeString(line.Tokens[0])
	if err != nil {
		return daemonerr.New(daemonerr.KindProtocol, err)
	}

	sessionKey, err := h.keys.Decrypt(sealed)
	if err != nil {
		return daemonerr.New(daemonerr.KindAuth, err)
	}

	var key [32]byte
	copy(key[:], sessionKey)
	h.ciphers.recv = metacrypt.NewRefSessionCipher(key)

	if err := h.conn.Transition(registry.StateAwaitChallenge); err != nil {
		return err
	}
	h.logTransition(registry.StateAwaitMetaKey, registry.StateAwaitChallenge)

	nonce := make([]byte, challengeNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return daemonerr.New(daemonerr.KindCrypto, err)
	}
	h.sentNonce = nonce

	h.conn.Enqueue(fmt.Sprintf("%d %s", CodeChallenge, hex.EncodeToString(h.ciphers.send.Seal(nonce))))
	return nil
}

// onChallenge handles receipt of the peer's nonce challenge, replying
// with its hash. The
// challenge was sealed with the peer's send cipher, which is this
// side's recv cipher.
func (h *Handshake) onChallenge(line Line) error {
	state := h.conn.State()
	if state != registry.StateAwaitChallenge && state != registry.StateAwaitChalReply {
		return daemonerr.Newf(daemonerr.KindProtocol, "CHALLENGE received in state %s", state)
	}

	if len(line.Tokens) < 1 {
		return daemonerr.New(daemonerr.KindProtocol, errMalformedLine("CHALLENGE"))
	}

	sealed, err := hex.DecodeString(line.Tokens[0])
	if err != nil {
		return daemonerr.New(daemonerr.KindProtocol, err)
	}

	if h.ciphers.recv == nil {
		return daemonerr.New(daemonerr.KindProtocol, errNoCipher)
	}

	nonce, err := h.ciphers.recv.Open(sealed)
	if err != nil {
		return daemonerr.New(daemonerr.KindAuth, err)
	}

	if state == registry.StateAwaitChallenge {
		if err := h.conn.Transition(registry.StateAwaitChalReply); err != nil {
			return err
		}
		h.logTransition(registry.StateAwaitChallenge, registry.StateAwaitChalReply)
	}

	h.conn.Enqueue(fmt.Sprintf("%d %s", CodeChalReply, hex.EncodeToString(h.hasher.Hash(nonce))))
	return nil
}

// onChalReply verifies the peer correctly hashed our nonce and, once
// satisfied, moves to AUTHENTICATED.
func (h *Handshake) onChalReply(line Line) error {
	if h.conn.State() != registry.StateAwaitChalReply {
		return daemonerr.Newf(daemonerr.KindProtocol, "CHAL_REPLY received in state %s", h.conn.State())
	}

	if len(line.Tokens) < 1 {
		return daemonerr.New(daemonerr.KindProtocol, errMalformedLine("CHAL_REPLY"))
	}

	digest, err := hex.DecodeString(line.Tokens[0])
	if err != nil {
		return daemonerr.New(daemonerr.KindProtocol, err)
	}

	want := h.hasher.Hash(h.sentNonce)
	if len(digest) != len(want) || subtle.ConstantTimeCompare(digest, want) != 1 {
		return daemonerr.New(daemonerr.KindAuth, errChallengeMismatch)
	}

	if err := h.conn.Transition(registry.StateAuthenticated); err != nil {
		return err
	}
	h.logTransition(registry.StateAwaitChalReply, registry.StateAuthenticated)

	h.conn.Enqueue(strconv.Itoa(int(CodeAck)))
	h.dumpLocalTopology()
	return nil
}

// dumpLocalTopology enqueues this side's known ADD_NODE/ADD_SUBNET/
// ADD_EDGE lines directly onto conn (not a table-wide broadcast: the
// dump is addressed only to the newly-authenticated peer).
func (h *Handshake) dumpLocalTopology() {
	if h.topo == nil {
		return
	}

	for _, n := range h.topo.Nodes() {
		h.conn.Enqueue(fmt.Sprintf("%d %s %s %s", CodeAddNode, n.Name, n.Fingerprint, n.UDPAddr))

		for _, cidr := range n.Subnets {
			h.conn.Enqueue(fmt.Sprintf("%d %s %s", CodeAddSubnet, n.Name, cidr))
		}
	}

	for _, e := range h.topo.Edges() {
		h.conn.Enqueue(fmt.Sprintf("%d %s %s %d", CodeAddEdge, e.From, e.To, e.Weight))
	}
}

// onAck completes the handshake once both challenge directions have
// authenticated: AUTHENTICATED moves to ACTIVE on ACK.
func (h *Handshake) onAck(line Line) error {
	if h.conn.State() != registry.StateAuthenticated {
		return daemonerr.Newf(daemonerr.KindProtocol, "ACK received in state %s", h.conn.State())
	}

	if err := h.conn.Transition(registry.StateActive); err != nil {
		return err
	}
	h.logTransition(registry.StateAuthenticated, registry.StateActive)
	return nil
}

func versionCompatible(peerVersion string) bool {
	major := strings.SplitN(peerVersion, ".", 2)[0]
	ourMajor := strings.SplitN(ProtocolVersion, ".", 2)[0]
	return major == ourMajor
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

func errMalformedLine(code string) error {
	return handshakeError(code + ": malformed line")
}

const (
	errNoCipher          = handshakeError("no session cipher established")
	errChallengeMismatch = handshakeError("challenge reply digest mismatch")
)
