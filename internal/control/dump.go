package control

import (
	"fmt"

	"github.com/wangmice/tinc/internal/registry"
)

// DumpNodes renders the node table as a DUMP_NODES block, each line
// space-separated and natural-sorted by the registry, terminated by
// the sentinel.
func DumpNodes(topo *registry.Topology) []string {
	nodes := topo.Nodes()
	lines := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		lines = append(lines, fmt.Sprintf("%s %s %s %s %s", CmdControl, CmdDumpNodes, n.Name, n.Fingerprint, n.Nexthop))
	}
	lines = append(lines, sentinel(CmdDumpNodes))
	return lines
}

// DumpEdges renders the edge set as a DUMP_EDGES block.
func DumpEdges(topo *registry.Topology) []string {
	edges := topo.Edges()
	lines := make([]string, 0, len(edges)+1)
	for _, e := range edges {
		lines = append(lines, fmt.Sprintf("%s %s %s %s %d", CmdControl, CmdDumpEdges, e.From, e.To, e.Weight))
	}
	lines = append(lines, sentinel(CmdDumpEdges))
	return lines
}

// DumpSubnets renders every node's claimed subnets as a DUMP_SUBNETS
// block.
func DumpSubnets(topo *registry.Topology) []string {
	var lines []string
	for _, n := range topo.Nodes() {
		for _, cidr := range n.Subnets {
			lines = append(lines, fmt.Sprintf("%s %s %s %s", CmdControl, CmdDumpSubnets, cidr, n.Name))
		}
	}
	lines = append(lines, sentinel(CmdDumpSubnets))
	return lines
}

// DumpConnections renders the live connection table as a
// DUMP_CONNECTIONS block.
func DumpConnections(table *registry.Table) []string {
	conns := table.Scan()
	lines := make([]string, 0, len(conns)+1)
	for _, c := range conns {
		lines = append(lines, fmt.Sprintf("%s %s %s %s", CmdControl, CmdDumpConnections, c.Name, c.State()))
	}
	lines = append(lines, sentinel(CmdDumpConnections))
	return lines
}

// DumpTraffic renders per-node cumulative counters as a DUMP_TRAFFIC
// block ("CONTROL DUMP_TRAFFIC alpha 10 ...
// followed by sentinel CONTROL DUMP_TRAFFIC").
func DumpTraffic(topo *registry.Topology) []string {
	nodes := topo.Nodes()
	lines := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		c := n.Counters
		lines = append(lines, fmt.Sprintf("%s %s %s %d %d %d %d",
			CmdControl, CmdDumpTraffic, n.Name, c.InPackets(), c.InBytes(), c.OutPackets(), c.OutBytes()))
	}
	lines = append(lines, sentinel(CmdDumpTraffic))
	return lines
}
