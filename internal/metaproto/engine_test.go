package metaproto

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
	"github.com/wangmice/tinc/internal/registry"
)

// TestEngineAdoptCompletesHandshakeOverPipe wires two Engines together
// over a net.Pipe and drives real goroutines end to end, rather than
// stepping the Handshake by hand as in handshake_test.go.
func TestEngineAdoptCompletesHandshakeOverPipe(t *testing.T) {
	aliceKeys, err := metacrypt.NewRefKeyAgreement("alice")
	require.NoError(t, err)
	bobKeys, err := metacrypt.NewRefKeyAgreement("bob")
	require.NoError(t, err)
	aliceKeys.Trust("bob", bobKeys.PublicKey())
	bobKeys.Trust("alice", aliceKeys.PublicKey())

	peers := mapPeerDirectory{"alice": aliceKeys.PublicKey(), "bob": bobKeys.PublicKey()}
	hasher := metacrypt.RefHasher{}

	logger, _ := test.NewNullLogger()

	aliceTopo := registry.NewTopology("alice")
	aliceTable := registry.NewTable(aliceTopo, logger)
	aliceEngine := NewEngine("alice", aliceTable, logger, peers, aliceKeys, hasher)

	bobTopo := registry.NewTopology("bob")
	bobTable := registry.NewTable(bobTopo, logger)
	bobEngine := NewEngine("bob", bobTable, logger, peers, bobKeys, hasher)

	clientConn, serverConn := net.Pipe()

	aliceConn := registry.NewConnection("bob", "pipe", 0, true)
	bobConn := registry.NewConnection("alice", "pipe", 0, false)
	require.NoError(t, bobConn.Transition(registry.StateAwaitID))

	require.NoError(t, aliceEngine.Adopt(aliceConn, clientConn))
	require.NoError(t, bobEngine.Adopt(bobConn, serverConn))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case item := <-aliceEngine.Inbound:
			aliceEngine.PumpOne(item)
		case item := <-bobEngine.Inbound:
			bobEngine.PumpOne(item)
		case <-time.After(50 * time.Millisecond):
		}

		if aliceConn.State() == registry.StateActive && bobConn.State() == registry.StateActive {
			break
		}
	}

	require.Equal(t, registry.StateActive, aliceConn.State())
	require.Equal(t, registry.StateActive, bobConn.State())

	clientConn.Close()
	serverConn.Close()

	// Closing the pipe unblocks the reader goroutines with a
	// connection-closed error rather than a clean io.EOF; Stop's only
	// job here is to reap the goroutines, not to assert a clean exit.
	_ = aliceEngine.Stop()
	_ = bobEngine.Stop()
}
