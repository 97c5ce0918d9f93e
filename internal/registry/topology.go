package registry

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/fvbommel/sortorder"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// nodeIndex and edgeIndex are stable arena indices: weak references
// (nexthop, edge endpoints) are
// validated against the arena on use rather than held as raw pointers.
type nodeIndex int

const noIndex nodeIndex = -1

// Node is a reachable VPN participant, possibly non-adjacent.
type Node struct {
	Name        string
	Fingerprint string
	UDPAddr     string
	Subnets     []string // CIDR strings owned by this node

	// Nexthop is a weak reference into the connection registry: the
	// name of the Connection to use to reach this node, or "" if
	// unreachable. Recomputed by recomputeNexthops.
	Nexthop string

	Counters Counters
}

// Counters holds the eight cumulative byte/packet values tracked per
// node: in/out x packets/bytes x tap/socket.
type Counters struct {
	InPacketsTap   uint64
	InBytesTap     uint64
	OutPacketsTap  uint64
	OutBytesTap    uint64
	InPacketsSock  uint64
	InBytesSock    uint64
	OutPacketsSock uint64
	OutBytesSock   uint64
}

// InPackets and InBytes/OutPackets/OutBytes give the tap+socket totals
// the control channel's DUMP_TRAFFIC reports.
func (c Counters) InPackets() uint64  { return c.InPacketsTap + c.InPacketsSock }
func (c Counters) InBytes() uint64    { return c.InBytesTap + c.InBytesSock }
func (c Counters) OutPackets() uint64 { return c.OutPacketsTap + c.OutPacketsSock }
func (c Counters) OutBytes() uint64   { return c.OutBytesTap + c.OutBytesSock }

// Edge is a directed meta-adjacency.
type Edge struct {
	From, To string
	Weight   int
	Options  uint32
}

// Topology is the arena-backed node/edge/subnet graph.
// SelfName identifies which node is "us" for nexthop BFS purposes.
// Mutation happens mostly on the main loop goroutine; the control
// channel's PURGE also deletes nodes from the control goroutine. The
// RWMutex serializes those calls and the control channel's dump
// reads, which only ever see snapshots.
type Topology struct {
	SelfName string

	mu       sync.RWMutex
	nodes    []*Node
	byName   map[string]nodeIndex
	edges    []Edge
	subnetOf map[string]string // CIDR -> owning node name, for disjointness checks
}

// NewTopology constructs an empty Topology rooted at selfName.
func NewTopology(selfName string) *Topology {
	t := &Topology{
		SelfName: selfName,
		byName:   make(map[string]nodeIndex),
		subnetOf: make(map[string]string),
	}
	t.ensureNode(selfName)
	return t
}

func (t *Topology) ensureNode(name string) nodeIndex {
	if idx, ok := t.byName[name]; ok {
		return idx
	}

	idx := nodeIndex(len(t.nodes))
	t.nodes = append(t.nodes, &Node{Name: name})
	t.byName[name] = idx
	return idx
}

// Node returns a snapshot of the node named name, or nil if unknown.
func (t *Topology) Node(name string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodeSnapshot(name)
}

func (t *Topology) nodeSnapshot(name string) *Node {
	idx, ok := t.byName[name]
	if !ok {
		return nil
	}

	n := *t.nodes[idx]
	n.Subnets = append([]string(nil), t.nodes[idx].Subnets...)
	return &n
}

// AddNode handles an ADD_NODE broadcast (idempotent).
func (t *Topology) AddNode(name, fingerprint, udpAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.ensureNode(name)
	n := t.nodes[idx]
	n.Fingerprint = fingerprint
	n.UDPAddr = udpAddr
}

// DelNode handles a DEL_NODE broadcast. Removing an absent node is a
// no-op (the caller is expected to log it at debug level).
func (t *Topology) DelNode(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byName[name]
	if !ok {
		return
	}

	n := t.nodes[idx]
	for _, cidr := range n.Subnets {
		delete(t.subnetOf, cidr)
	}

	filtered := t.edges[:0]
	for _, e := range t.edges {
		if e.From != name && e.To != name {
			filtered = append(filtered, e)
		}
	}
	t.edges = filtered

	delete(t.byName, name)
	// The arena slot is left in place (never compacted) so any
	// in-flight weak index references stay valid; Node() simply stops
	// resolving the name.
	t.recomputeNexthops()
}

// AddSubnet claims cidr for node. Re-adding the exact claim node
// already holds is a no-op; any other overlap with an existing claim,
// including another prefix of the same node, returns a Duplicate error
// (the caller disconnects the later claimant on error).
func (t *Topology) AddSubnet(node, cidr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, exists := t.subnetOf[cidr]
	if exists {
		if owner == node {
			return nil // idempotent re-add
		}

		return daemonerr.Newf(daemonerr.KindDuplicate,
			"subnet %s already claimed by %q, rejecting claim from %q", cidr, owner, node)
	}

	if err := checkDisjoint(t.subnetOf, cidr); err != nil {
		return err
	}

	idx := t.ensureNode(node)
	n := t.nodes[idx]
	n.Subnets = append(n.Subnets, cidr)
	t.subnetOf[cidr] = node

	return nil
}

// DelSubnet releases cidr from node. Deleting an absent claim is a
// no-op.
func (t *Topology) DelSubnet(node, cidr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, ok := t.subnetOf[cidr]
	if !ok || owner != node {
		return
	}

	delete(t.subnetOf, cidr)

	idx, ok := t.byName[node]
	if !ok {
		return
	}

	n := t.nodes[idx]
	for i, s := range n.Subnets {
		if s == cidr {
			n.Subnets = append(n.Subnets[:i], n.Subnets[i+1:]...)
			break
		}
	}
}

func checkDisjoint(subnetOf map[string]string, cidr string) error {
	_, newNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return daemonerr.New(daemonerr.KindProtocol, err)
	}

	for existing := range subnetOf {
		_, existingNet, err := net.ParseCIDR(existing)
		if err != nil {
			continue
		}

		if newNet.Contains(existingNet.IP) || existingNet.Contains(newNet.IP) {
			return daemonerr.Newf(daemonerr.KindDuplicate,
				"subnet %s overlaps existing claim %s", cidr, existing)
		}
	}

	return nil
}

// AddEdge adds a directed adjacency, idempotently, and recomputes
// nexthops.
func (t *Topology) AddEdge(from, to string, weight int, options uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.edges {
		if e.From == from && e.To == to {
			t.edges[i].Weight = weight
			t.edges[i].Options = options
			t.recomputeNexthops()
			return
		}
	}

	t.ensureNode(from)
	t.ensureNode(to)
	t.edges = append(t.edges, Edge{From: from, To: to, Weight: weight, Options: options})
	t.recomputeNexthops()
}

// DelEdge removes a directed adjacency. Deleting an absent one is a
// no-op.
func (t *Topology) DelEdge(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.edges {
		if e.From == from && e.To == to {
			t.edges = append(t.edges[:i], t.edges[i+1:]...)
			t.recomputeNexthops()
			return
		}
	}
}

// Edges returns a copy of the current edge set.
func (t *Topology) Edges() []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// Nodes returns snapshots of all known nodes, sorted lexicographically
// by name (natural order), the order the dump operations emit them in.
func (t *Topology) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, 0, len(t.nodes))
	for name := range t.byName {
		out = append(out, t.nodeSnapshot(name))
	}

	sort.Slice(out, func(i, j int) bool {
		return sortorder.NaturalLess(out[i].Name, out[j].Name)
	})

	return out
}

// SetTapCounters overwrites name's tap-side cumulative counters from a
// device stats read. Unknown names are ignored.
func (t *Topology) SetTapCounters(name string, inPkts, inBytes, outPkts, outBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byName[name]
	if !ok {
		return
	}

	c := &t.nodes[idx].Counters
	c.InPacketsTap = inPkts
	c.InBytesTap = inBytes
	c.OutPacketsTap = outPkts
	c.OutBytesTap = outBytes
}

// RecomputeNexthops rebuilds nexthop pointers after an external event
// (a connection closing) invalidates them.
func (t *Topology) RecomputeNexthops() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeNexthops()
}

// recomputeNexthops rebuilds every non-self node's Nexthop pointer by
// BFS from SelfName over the edge set, breaking ties by ascending peer
// name. Callers hold mu.
func (t *Topology) recomputeNexthops() {
	adjacency := make(map[string][]string)
	for _, e := range t.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	for from := range adjacency {
		sort.Strings(adjacency[from])
	}

	// distance/nexthop via BFS from self; the nexthop for a node
	// reached at distance 1 is the node itself (direct peer); for
	// greater distances it's inherited from the first hop on the
	// shortest path, which BFS naturally provides by propagating the
	// frontier's originating first-hop label.
	type frontierEntry struct {
		name    string
		nexthop string
	}

	visited := map[string]bool{t.SelfName: true}
	nexthop := make(map[string]string)

	queue := []frontierEntry{}
	for _, peer := range adjacency[t.SelfName] {
		if !visited[peer] {
			visited[peer] = true
			nexthop[peer] = peer
			queue = append(queue, frontierEntry{name: peer, nexthop: peer})
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range adjacency[cur.name] {
			if visited[next] {
				continue
			}

			visited[next] = true
			nexthop[next] = cur.nexthop
			queue = append(queue, frontierEntry{name: next, nexthop: cur.nexthop})
		}
	}

	for name, idx := range t.byName {
		if name == t.SelfName {
			continue
		}

		t.nodes[idx].Nexthop = nexthop[name]
	}
}

// String renders an edge for debug dumps.
func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (weight=%d)", e.From, e.To, e.Weight)
}
