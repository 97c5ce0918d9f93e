package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotUpdateFirstPollHasZeroRate(t *testing.T) {
	s := newSnapshotState()
	rows := s.Update([]NodeTraffic{{Name: "alice", InBytes: 1000, OutBytes: 500}}, time.Now(), SortName)

	require.Len(t, rows, 1)
	require.Equal(t, float64(0), rows[0].InRate)
	require.True(t, rows[0].Known)
}

func TestSnapshotUpdateDerivesRate(t *testing.T) {
	s := newSnapshotState()
	t0 := time.Now()

	s.Update([]NodeTraffic{{Name: "alice", InBytes: 1000, OutBytes: 500}}, t0, SortName)
	rows := s.Update([]NodeTraffic{{Name: "alice", InBytes: 3000, OutBytes: 1500}}, t0.Add(2*time.Second), SortName)

	require.Len(t, rows, 1)
	require.InDelta(t, 1000, rows[0].InRate, 0.001)
	require.InDelta(t, 500, rows[0].OutRate, 0.001)
}

func TestSnapshotUpdateHandlesCounterReset(t *testing.T) {
	s := newSnapshotState()
	t0 := time.Now()

	s.Update([]NodeTraffic{{Name: "alice", InBytes: 5000}}, t0, SortName)
	rows := s.Update([]NodeTraffic{{Name: "alice", InBytes: 100}}, t0.Add(time.Second), SortName)

	require.Equal(t, float64(0), rows[0].InRate)
}

func TestSnapshotRetainsDroppedNodesDim(t *testing.T) {
	s := newSnapshotState()
	t0 := time.Now()

	s.Update([]NodeTraffic{
		{Name: "alice", InBytes: 1000},
		{Name: "bravo", InBytes: 2000},
	}, t0, SortName)
	rows := s.Update([]NodeTraffic{{Name: "bravo", InBytes: 3000}}, t0.Add(time.Second), SortName)

	require.Len(t, rows, 2)
	require.Equal(t, "alice", rows[0].Name)
	require.False(t, rows[0].Known)
	require.Equal(t, uint64(1000), rows[0].InBytes)
	require.Equal(t, float64(0), rows[0].InRate)
	require.True(t, rows[1].Known)
	require.InDelta(t, 1000, rows[1].InRate, 0.001)
}

func TestSortRowsByTotalBytes(t *testing.T) {
	rows := []Row{
		{Name: "small", InBytes: 10, OutBytes: 10},
		{Name: "big", InBytes: 1000, OutBytes: 1000},
	}

	sortRows(rows, SortTotalBytes)

	require.Equal(t, "big", rows[0].Name)
	require.Equal(t, "small", rows[1].Name)
}

func TestSortRowsByNameIsNatural(t *testing.T) {
	rows := []Row{{Name: "node10"}, {Name: "node2"}, {Name: "node1"}}

	sortRows(rows, SortName)

	require.Equal(t, []string{"node1", "node2", "node10"}, []string{rows[0].Name, rows[1].Name, rows[2].Name})
}
