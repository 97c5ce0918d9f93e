package registry

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	topo := NewTopology("self")
	return NewTable(topo, logrus.New())
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.Insert(NewConnection("alpha", "10.0.0.1", 655, false)))
	err := tbl.Insert(NewConnection("alpha", "10.0.0.2", 655, false))
	require.Error(t, err)
}

func TestBroadcastExceptSuppressesOrigin(t *testing.T) {
	tbl := newTestTable(t)

	a := NewConnection("a", "", 0, false)
	b := NewConnection("b", "", 0, false)
	c := NewConnection("c", "", 0, false)
	require.NoError(t, a.Transition(StateActive))
	require.NoError(t, b.Transition(StateActive))
	require.NoError(t, c.Transition(StateActive))

	require.NoError(t, tbl.Insert(a))
	require.NoError(t, tbl.Insert(b))
	require.NoError(t, tbl.Insert(c))

	tbl.BroadcastExcept("a", "ADD_SUBNET x 10.1.0.0/16")

	select {
	case line := <-a.Outbound():
		t.Fatalf("origin connection should not receive its own broadcast, got %q", line)
	default:
	}

	for _, conn := range []*Connection{b, c} {
		select {
		case line := <-conn.Outbound():
			require.Equal(t, "ADD_SUBNET x 10.1.0.0/16", line)
		default:
			t.Fatalf("expected %s to receive the broadcast", conn.Name)
		}
	}
}

func TestBroadcastSkipsInactiveConnections(t *testing.T) {
	tbl := newTestTable(t)

	handshaking := NewConnection("pending", "", 0, false)
	require.NoError(t, tbl.Insert(handshaking))

	tbl.BroadcastExcept("origin", "ADD_NODE x fp addr")

	select {
	case <-handshaking.Outbound():
		t.Fatal("non-active connection must not receive broadcast fan-out")
	default:
	}
}

func TestRemoveRecomputesNexthops(t *testing.T) {
	topo := NewTopology("self")
	tbl := NewTable(topo, logrus.New())

	topo.AddEdge("self", "mid", 1, 0)
	topo.AddEdge("mid", "far", 1, 0)
	require.Equal(t, "mid", topo.Node("far").Nexthop)

	mid := NewConnection("mid", "", 0, false)
	require.NoError(t, tbl.Insert(mid))

	topo.DelEdge("mid", "far")
	tbl.Remove("mid")

	require.Empty(t, topo.Node("far").Nexthop)
}

func TestScanReturnsNaturalOrder(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Insert(NewConnection("node10", "", 0, false)))
	require.NoError(t, tbl.Insert(NewConnection("node2", "", 0, false)))

	scanned := tbl.Scan()
	require.Len(t, scanned, 2)
	require.Equal(t, "node2", scanned[0].Name)
	require.Equal(t, "node10", scanned[1].Name)
}
