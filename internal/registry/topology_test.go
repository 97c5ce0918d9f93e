package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDelSubnetIsIdempotentRoundTrip(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("alpha", "fp1", "1.2.3.4:655")

	require.NoError(t, topo.AddSubnet("alpha", "10.1.0.0/16"))
	require.NoError(t, topo.AddSubnet("alpha", "10.1.0.0/16")) // idempotent re-add

	topo.DelSubnet("alpha", "10.1.0.0/16")
	require.Empty(t, topo.Node("alpha").Subnets)

	topo.DelSubnet("alpha", "10.1.0.0/16") // idempotent absent delete, no panic
}

func TestOverlappingSubnetRejected(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("alpha", "fp1", "")
	topo.AddNode("bravo", "fp2", "")

	require.NoError(t, topo.AddSubnet("alpha", "10.1.0.0/16"))
	err := topo.AddSubnet("bravo", "10.1.1.0/24")
	require.Error(t, err)
}

func TestTwoSuccessiveAddEdgeYieldSameEdgeSet(t *testing.T) {
	topo := NewTopology("self")
	topo.AddEdge("self", "alpha", 1, 0)
	topo.AddEdge("self", "alpha", 1, 0)

	require.Len(t, topo.Edges(), 1)
}

func TestNexthopBFS(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("a", "", "")
	topo.AddNode("b", "", "")
	topo.AddNode("c", "", "")

	topo.AddEdge("self", "a", 1, 0)
	topo.AddEdge("a", "b", 1, 0)
	topo.AddEdge("b", "c", 1, 0)

	require.Equal(t, "a", topo.Node("a").Nexthop)
	require.Equal(t, "a", topo.Node("b").Nexthop)
	require.Equal(t, "a", topo.Node("c").Nexthop)
}

func TestNexthopTieBreakByAscendingName(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("zeta", "", "")
	topo.AddNode("alpha", "", "")
	topo.AddNode("target", "", "")

	topo.AddEdge("self", "zeta", 1, 0)
	topo.AddEdge("self", "alpha", 1, 0)
	topo.AddEdge("zeta", "target", 1, 0)
	topo.AddEdge("alpha", "target", 1, 0)

	require.Equal(t, "alpha", topo.Node("target").Nexthop)
}

func TestDelNodeRemovesSubnetsAndEdges(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("alpha", "", "")
	require.NoError(t, topo.AddSubnet("alpha", "10.1.0.0/16"))
	topo.AddEdge("self", "alpha", 1, 0)

	topo.DelNode("alpha")

	require.Nil(t, topo.Node("alpha"))
	require.NoError(t, topo.AddSubnet("bravo", "10.1.0.0/16")) // freed up
}

func TestNodesSortedNaturally(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("node10", "", "")
	topo.AddNode("node2", "", "")
	topo.AddNode("node1", "", "")

	names := []string{}
	for _, n := range topo.Nodes() {
		names = append(names, n.Name)
	}

	require.Equal(t, []string{"node1", "node2", "node10", "self"}, names)
}

func TestSetTapCountersFlowsIntoSnapshots(t *testing.T) {
	topo := NewTopology("self")
	topo.SetTapCounters("self", 10, 1000, 20, 2000)

	n := topo.Node("self")
	require.NotNil(t, n)
	require.Equal(t, uint64(10), n.Counters.InPackets())
	require.Equal(t, uint64(1000), n.Counters.InBytes())
	require.Equal(t, uint64(20), n.Counters.OutPackets())
	require.Equal(t, uint64(2000), n.Counters.OutBytes())

	// Unknown names are ignored rather than creating phantom nodes.
	topo.SetTapCounters("ghost", 1, 1, 1, 1)
	require.Nil(t, topo.Node("ghost"))
}

func TestNodeReturnsSnapshotNotLiveReference(t *testing.T) {
	topo := NewTopology("self")
	topo.AddNode("peer", "fp", "10.0.0.2:655")
	require.NoError(t, topo.AddSubnet("peer", "10.1.0.0/16"))

	snap := topo.Node("peer")
	snap.Subnets = append(snap.Subnets, "10.2.0.0/16")
	snap.Fingerprint = "mutated"

	fresh := topo.Node("peer")
	require.Equal(t, []string{"10.1.0.0/16"}, fresh.Subnets)
	require.Equal(t, "fp", fresh.Fingerprint)
}
