package mainloop

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/wangmice/tinc/internal/daemonstate"
	"github.com/wangmice/tinc/internal/dataplane"
	"github.com/wangmice/tinc/internal/metaproto"
	"github.com/wangmice/tinc/internal/registry"
	"github.com/wangmice/tinc/internal/scripts"
	"github.com/wangmice/tinc/internal/sigdispatch"
)

func newTestLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()

	logger, _ := test.NewNullLogger()
	topo := registry.NewTopology("self")
	table := registry.NewTable(topo, logger)
	engine := metaproto.NewEngine("self", table, logger, nil, nil, nil)
	state := daemonstate.New(0)
	sig := sigdispatch.New(logger)
	recon := metaproto.NewReconnector()
	runner := scripts.NewRunner("", "self", logger)

	return New(cfg, state, sig, engine, table, recon, runner, dataplane.Noop{}, logger, "self", "test", nil, nil)
}

func TestCheckKeyRolloverFlatInterval(t *testing.T) {
	l := newTestLoop(t, Config{KeyExpire: time.Minute})
	l.lastKeyRollover = time.Now().Add(-2 * time.Minute)

	before := l.lastKeyRollover
	l.checkKeyRollover(time.Now())
	require.True(t, l.lastKeyRollover.After(before))
}

func TestCheckKeyRolloverFlatIntervalNotYetDue(t *testing.T) {
	l := newTestLoop(t, Config{KeyExpire: time.Hour})
	now := time.Now()
	l.lastKeyRollover = now

	l.checkKeyRollover(now.Add(time.Minute))
	require.Equal(t, now, l.lastKeyRollover)
}

func TestCheckKeyRolloverCronTakesPrecedenceOverFlatInterval(t *testing.T) {
	// Every minute, so the schedule fires well before the 1h flat
	// KeyExpire below would ever trigger on its own.
	l := newTestLoop(t, Config{KeyExpire: time.Hour, KeyExpireCron: "* * * * *"})
	require.NotNil(t, l.keySchedule)

	past := time.Now().Add(-2 * time.Minute)
	l.nextKeyRollover = past
	l.lastKeyRollover = past

	l.checkKeyRollover(time.Now())
	require.True(t, l.lastKeyRollover.After(past))
	require.True(t, l.nextKeyRollover.After(past))
}

func TestCheckKeyRolloverInvalidCronFallsBackToFlatInterval(t *testing.T) {
	l := newTestLoop(t, Config{KeyExpire: time.Minute, KeyExpireCron: "not a cron expression"})
	require.Nil(t, l.keySchedule)

	l.lastKeyRollover = time.Now().Add(-2 * time.Minute)
	before := l.lastKeyRollover
	l.checkKeyRollover(time.Now())
	require.True(t, l.lastKeyRollover.After(before))
}

func TestFlushOutboundReturnsOnceQueueDrains(t *testing.T) {
	l := newTestLoop(t, Config{})

	conn := registry.NewConnection("peer", "10.0.0.1", 655, true)
	conn.Enqueue("1")

	go func() {
		<-conn.Outbound()
	}()

	done := make(chan struct{})
	go func() {
		l.flushOutbound([]*registry.Connection{conn})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(outboundFlushCap):
		t.Fatal("flushOutbound did not return once the queue drained")
	}
}

func TestFlushOutboundRespectsDeadline(t *testing.T) {
	origCap, origPoll := outboundFlushCap, outboundFlushPoll
	outboundFlushCap = 50 * time.Millisecond
	outboundFlushPoll = time.Millisecond
	defer func() { outboundFlushCap, outboundFlushPoll = origCap, origPoll }()

	l := newTestLoop(t, Config{})

	conn := registry.NewConnection("peer", "10.0.0.1", 655, true)
	conn.Enqueue("stuck") // never drained

	start := time.Now()
	l.flushOutbound([]*registry.Connection{conn})
	require.Less(t, time.Since(start), time.Second)
	require.Greater(t, conn.OutboundLen(), 0)
}
