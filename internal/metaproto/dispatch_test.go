package metaproto

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/wangmice/tinc/internal/registry"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Table, *logrus.Logger) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	topo := registry.NewTopology("self")
	table := registry.NewTable(topo, logger)

	e := NewEngine("self", table, logger, mapPeerDirectory{}, nil, nil)
	return e, table, logger
}

func mustActiveConn(t *testing.T, table *registry.Table, name string) *registry.Connection {
	t.Helper()

	conn := registry.NewConnection(name, "10.0.0.1", 655, true)
	require.NoError(t, table.Insert(conn))
	require.NoError(t, conn.Transition(registry.StateIDSent))
	require.NoError(t, conn.Transition(registry.StateAwaitMetaKey))
	require.NoError(t, conn.Transition(registry.StateAwaitChallenge))
	require.NoError(t, conn.Transition(registry.StateAwaitChalReply))
	require.NoError(t, conn.Transition(registry.StateAuthenticated))
	require.NoError(t, conn.Transition(registry.StateActive))
	return conn
}

func TestDispatchUnknownCodeErrors(t *testing.T) {
	e, table, _ := newTestEngine(t)
	conn := mustActiveConn(t, table, "bob")

	line := Line{Code: 99, Tokens: nil, Raw: "99"}
	require.Error(t, e.dispatch(conn, line))
}

func TestDispatchArityMismatchErrors(t *testing.T) {
	e, table, _ := newTestEngine(t)
	conn := mustActiveConn(t, table, "bob")

	line, err := ParseLine("10 10.0.0.0/24") // ADD_SUBNET needs node+cidr
	require.NoError(t, err)
	require.Error(t, e.dispatch(conn, line))
}

func TestDispatchRejectsTopologyRequestBeforeActive(t *testing.T) {
	e, table, _ := newTestEngine(t)
	conn := registry.NewConnection("bob", "10.0.0.1", 655, true)
	require.NoError(t, table.Insert(conn))

	line, err := ParseLine("10 bob 10.0.0.0/24")
	require.NoError(t, err)
	require.Error(t, e.dispatch(conn, line))
}

func TestDispatchAddSubnetBroadcastsExceptOrigin(t *testing.T) {
	e, table, _ := newTestEngine(t)
	origin := mustActiveConn(t, table, "bob")
	other := mustActiveConn(t, table, "carol")

	line, err := ParseLine("10 bob 10.0.0.0/24")
	require.NoError(t, err)
	require.NoError(t, e.dispatch(origin, line))

	require.Equal(t, []string{"10.0.0.0/24"}, table.Topology().Node("bob").Subnets)

	select {
	case got := <-other.Outbound():
		require.Equal(t, "10 bob 10.0.0.0/24", got)
	default:
		t.Fatal("expected rebroadcast to carol")
	}

	select {
	case <-origin.Outbound():
		t.Fatal("origin must not receive its own broadcast")
	default:
	}
}

func TestDispatchPingRepliesPong(t *testing.T) {
	e, table, _ := newTestEngine(t)
	conn := mustActiveConn(t, table, "bob")

	line, err := ParseLine("8")
	require.NoError(t, err)
	require.NoError(t, e.dispatch(conn, line))

	select {
	case got := <-conn.Outbound():
		require.Equal(t, "9", got)
	default:
		t.Fatal("expected PONG reply")
	}
}
