package metaproto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
	"github.com/wangmice/tinc/internal/registry"
)

// mapPeerDirectory is a test PeerDirectory backed by a plain map.
type mapPeerDirectory map[string][32]byte

func (m mapPeerDirectory) Lookup(name string) ([32]byte, bool) {
	pub, ok := m[name]
	return pub, ok
}

// drive pumps every currently queued outbound line on from into to's
// handshake, returning the number of lines processed.
func drive(t *testing.T, from *registry.Connection, to *Handshake) int {
	t.Helper()

	n := 0
	for {
		select {
		case raw := <-from.Outbound():
			line, err := ParseLine(raw)
			require.NoError(t, err)
			require.NoError(t, to.Step(line))
			n++
		default:
			return n
		}
	}
}

func TestHandshakeFullRoundTrip(t *testing.T) {
	aliceKeys, err := metacrypt.NewRefKeyAgreement("alice")
	require.NoError(t, err)
	bobKeys, err := metacrypt.NewRefKeyAgreement("bob")
	require.NoError(t, err)

	aliceKeys.Trust("bob", bobKeys.PublicKey())
	bobKeys.Trust("alice", aliceKeys.PublicKey())

	peers := mapPeerDirectory{
		"alice": aliceKeys.PublicKey(),
		"bob":   bobKeys.PublicKey(),
	}

	hasher := metacrypt.RefHasher{}

	aliceConn := registry.NewConnection("bob", "10.0.0.2", 655, true)
	bobConn := registry.NewConnection("alice", "10.0.0.1", 655, false)
	require.NoError(t, bobConn.Transition(registry.StateAwaitID))

	aliceHS := NewHandshake(aliceConn, "alice", aliceKeys, hasher, peers, nil, nil)
	bobHS := NewHandshake(bobConn, "bob", bobKeys, hasher, peers, nil, nil)

	require.NoError(t, aliceHS.Start())
	require.Equal(t, registry.StateIDSent, aliceConn.State())

	// Drain until both sides reach ACTIVE or the exchange stalls.
	for i := 0; i < 10; i++ {
		a := drive(t, aliceConn, bobHS)
		b := drive(t, bobConn, aliceHS)
		if a == 0 && b == 0 {
			break
		}
	}

	require.Equal(t, registry.StateActive, aliceConn.State())
	require.Equal(t, registry.StateActive, bobConn.State())
	require.True(t, aliceConn.IsActive())
	require.True(t, bobConn.IsActive())
}

func TestHandshakeStartMovesInboundToAwaitID(t *testing.T) {
	aliceKeys, err := metacrypt.NewRefKeyAgreement("alice")
	require.NoError(t, err)
	hasher := metacrypt.RefHasher{}

	conn := registry.NewConnection("alice", "10.0.0.1", 655, false)
	hs := NewHandshake(conn, "bob", aliceKeys, hasher, mapPeerDirectory{}, nil, nil)

	require.NoError(t, hs.Start())
	require.Equal(t, registry.StateAwaitID, conn.State())
	require.Equal(t, 0, conn.OutboundLen())
}

func TestHandshakeRejectsUnknownPeer(t *testing.T) {
	aliceKeys, err := metacrypt.NewRefKeyAgreement("alice")
	require.NoError(t, err)
	hasher := metacrypt.RefHasher{}

	bobConn := registry.NewConnection("alice", "10.0.0.1", 655, false)
	require.NoError(t, bobConn.Transition(registry.StateAwaitID))

	bobHS := NewHandshake(bobConn, "bob", aliceKeys, hasher, mapPeerDirectory{}, nil, nil)

	line, err := ParseLine("0 alice 17.3 0")
	require.NoError(t, err)
	require.Error(t, bobHS.Step(line))
}

func TestHandshakeRejectsOutOfOrderChalReply(t *testing.T) {
	aliceKeys, err := metacrypt.NewRefKeyAgreement("alice")
	require.NoError(t, err)
	hasher := metacrypt.RefHasher{}

	conn := registry.NewConnection("bob", "10.0.0.2", 655, true)
	hs := NewHandshake(conn, "alice", aliceKeys, hasher, mapPeerDirectory{"bob": aliceKeys.PublicKey()}, nil, nil)

	line, err := ParseLine("3 aabbcc")
	require.NoError(t, err)
	require.Error(t, hs.Step(line))
}
