package registry

import (
	"sort"
	"sync"

	"github.com/fvbommel/sortorder"
	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// Table is the connection registry: exactly one Connection per
// remote name, exclusive owner of cipher contexts and sockets.
type Table struct {
	mu     sync.RWMutex
	byName map[string]*Connection
	topo   *Topology
	logger *logrus.Logger
}

// NewTable constructs an empty registry bound to topo.
func NewTable(topo *Topology, logger *logrus.Logger) *Table {
	return &Table{
		byName: make(map[string]*Connection),
		topo:   topo,
		logger: logger,
	}
}

// Insert adds conn to the registry. Fails with Duplicate if the name
// already exists.
func (t *Table) Insert(conn *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[conn.Name]; exists {
		return daemonerr.Newf(daemonerr.KindDuplicate, "connection %q already registered", conn.Name)
	}

	t.byName[conn.Name] = conn
	return nil
}

// Remove releases conn's cipher context, closes its socket, and
// purges any topology nexthops referencing it by recomputing shortest
// paths from the current edge set.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	conn, ok := t.byName[name]
	if ok {
		delete(t.byName, name)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	conn.Close()

	if t.topo != nil {
		t.topo.RecomputeNexthops()
	}
}

// LookupByName returns the connection named name, or nil.
func (t *Table) LookupByName(name string) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[name]
}

// Scan returns all connections, sorted by name, for admin dumps.
func (t *Table) Scan() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Connection, 0, len(t.byName))
	for _, c := range t.byName {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		return sortorder.NaturalLess(out[i].Name, out[j].Name)
	})

	return out
}

// BroadcastExcept enqueues line on every active connection except
// origin (origin may be "" to mean "from ourselves", broadcasting to
// everyone). This is the only fan-out primitive; line is never sent
// back on origin.
func (t *Table) BroadcastExcept(origin, line string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for name, c := range t.byName {
		if name == origin {
			continue
		}

		if !c.IsActive() {
			continue
		}

		c.Enqueue(line)
	}
}

// Topology returns the bound topology graph.
func (t *Table) Topology() *Topology {
	return t.topo
}
