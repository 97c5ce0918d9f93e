package main

import (
	"sort"
	"time"

	"github.com/fvbommel/sortorder"
)

// Row is one rendered line of the observer's table: a node's
// cumulative counters plus derived per-second rates,
// computed from the delta against the
// previous poll over the elapsed wall-clock interval.
type Row struct {
	Name string

	InPackets, InBytes, OutPackets, OutBytes uint64

	InRate, OutRate float64 // bytes/sec

	// Known marks whether Name appeared in the most recent poll;
	// a row that drops out of a poll stays in the table with its
	// last counters and is rendered dim rather than vanishing.
	Known bool
}

// SortMode selects which column Rows are ordered by, bound to the
// observer's key set (n/i/I/o/O/t/T).
type SortMode int

const (
	SortName SortMode = iota
	SortInBytes
	SortInPackets
	SortOutBytes
	SortOutPackets
	SortTotalBytes
	SortTotalPackets
)

// snapshotState accumulates poll history so Rows can derive rates. A
// node that stops appearing in dumps keeps its last counters in known,
// rendered dim, rather than vanishing from the table.
type snapshotState struct {
	prev     map[string]NodeTraffic
	known    map[string]Row
	prevTime time.Time
}

func newSnapshotState() *snapshotState {
	return &snapshotState{
		prev:  make(map[string]NodeTraffic),
		known: make(map[string]Row),
	}
}

// Update folds a fresh DUMP_TRAFFIC poll into rows, sorted by mode.
// Rates divide the counter delta by the wall-clock interval between
// this poll and the previous one, not by the requested refresh delay.
func (s *snapshotState) Update(polled []NodeTraffic, now time.Time, mode SortMode) []Row {
	elapsed := now.Sub(s.prevTime).Seconds()
	if s.prevTime.IsZero() || elapsed <= 0 {
		elapsed = 0
	}

	for name, row := range s.known {
		row.Known = false
		row.InRate = 0
		row.OutRate = 0
		s.known[name] = row
	}

	for _, nt := range polled {
		row := Row{
			Name:       nt.Name,
			InPackets:  nt.InPackets,
			InBytes:    nt.InBytes,
			OutPackets: nt.OutPackets,
			OutBytes:   nt.OutBytes,
			Known:      true,
		}

		if prev, ok := s.prev[nt.Name]; ok && elapsed > 0 {
			row.InRate = deltaRate(prev.InBytes, nt.InBytes, elapsed)
			row.OutRate = deltaRate(prev.OutBytes, nt.OutBytes, elapsed)
		}

		s.known[nt.Name] = row
	}

	next := make(map[string]NodeTraffic, len(polled))
	for _, nt := range polled {
		next[nt.Name] = nt
	}
	s.prev = next
	s.prevTime = now

	rows := make([]Row, 0, len(s.known))
	for _, row := range s.known {
		rows = append(rows, row)
	}

	sortRows(rows, mode)
	return rows
}

func deltaRate(prev, cur uint64, elapsed float64) float64 {
	if cur < prev {
		// Counter reset (peer restarted): treat as no rate this tick
		// rather than reporting a bogus negative/huge value.
		return 0
	}
	return float64(cur-prev) / elapsed
}

func sortRows(rows []Row, mode SortMode) {
	sort.Slice(rows, func(i, j int) bool {
		switch mode {
		case SortInBytes:
			return rows[i].InBytes > rows[j].InBytes
		case SortInPackets:
			return rows[i].InPackets > rows[j].InPackets
		case SortOutBytes:
			return rows[i].OutBytes > rows[j].OutBytes
		case SortOutPackets:
			return rows[i].OutPackets > rows[j].OutPackets
		case SortTotalBytes:
			return rows[i].InBytes+rows[i].OutBytes > rows[j].InBytes+rows[j].OutBytes
		case SortTotalPackets:
			return rows[i].InPackets+rows[i].OutPackets > rows[j].InPackets+rows[j].OutPackets
		default:
			return sortorder.NaturalLess(rows[i].Name, rows[j].Name)
		}
	})
}
