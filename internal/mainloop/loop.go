// Package mainloop implements the single cooperative event loop:
// drain signals, dispatch meta-protocol traffic, run timed tasks,
// and shut down cleanly when asked. Go's goroutine scheduler
// already gives every connection its own reader/writer pair
// (internal/metaproto) and the control channel its own accept loop
// (internal/control). Loop.Run is the only goroutine that calls
// Engine.PumpOne, so request dispatch runs on one goroutine. The
// registry and topology are also mutated elsewhere: a reader goroutine
// removes its connection from the table when the socket closes, and
// the control channel's PURGE and RETRY run Loop.Purge and
// Loop.RetryAll on the control goroutine. The registry's mutexes
// serialize those calls.
package mainloop

import (
	"context"
	"net"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/control"
	"github.com/wangmice/tinc/internal/daemonstate"
	"github.com/wangmice/tinc/internal/dataplane"
	"github.com/wangmice/tinc/internal/logging"
	"github.com/wangmice/tinc/internal/metaproto"
	"github.com/wangmice/tinc/internal/registry"
	"github.com/wangmice/tinc/internal/scripts"
	"github.com/wangmice/tinc/internal/sigdispatch"
)

// tickInterval is the main loop's coarse wake-up period: a fixed 1s
// tick rather than a computed min(next-PING-due, next-reconnect-due)
// timeout — every due check below is itself cheap and
// idempotent, so waking up at most 1s later than strictly necessary
// costs nothing observable.
const tickInterval = 1 * time.Second

// Config bundles the tunables the timed tasks and liveness rule
// depend on.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	// KeyExpire is the flat key-rollover interval. KeyExpireCron,
	// when non-empty, is a standard five-field cron expression that
	// takes precedence over the flat interval, letting an operator
	// pin rollovers to a
	// schedule (e.g. "0 3 * * *") instead of a fixed duration since
	// daemon start.
	KeyExpire     time.Duration
	KeyExpireCron string
}

// Dialer opens outgoing meta-connections for both initial ConnectTo
// targets and scheduled reconnects.
type Dialer func(ctx context.Context, addr string, port int) (net.Conn, error)

// Loop owns the daemon's single event-processing goroutine.
type Loop struct {
	cfg Config

	state   *daemonstate.State
	sig     *sigdispatch.Dispatcher
	engine  *metaproto.Engine
	table   *registry.Table
	recon   *metaproto.Reconnector
	scripts *scripts.Runner
	device  dataplane.Device
	logger  *logrus.Logger
	self    string
	version string

	dial Dialer

	control *control.Server

	targets  map[string]ConnectTarget
	lastPing map[string]time.Time
	reload   reloadState

	lastKeyRollover time.Time

	// keySchedule is the parsed form of cfg.KeyExpireCron, nil when no
	// cron expression is configured (flat-interval rollover only).
	keySchedule     cron.Schedule
	nextKeyRollover time.Time
}

// New constructs a Loop. control may be nil if the control channel
// failed to bind (logged, not fatal).
func New(cfg Config, state *daemonstate.State, sig *sigdispatch.Dispatcher, engine *metaproto.Engine, table *registry.Table, recon *metaproto.Reconnector, runner *scripts.Runner, device dataplane.Device, logger *logrus.Logger, self, version string, dial Dialer, ctrl *control.Server) *Loop {
	now := time.Now()

	l := &Loop{
		cfg:             cfg,
		state:           state,
		sig:             sig,
		engine:          engine,
		table:           table,
		recon:           recon,
		scripts:         runner,
		device:          device,
		logger:          logger,
		self:            self,
		version:         version,
		dial:            dial,
		control:         ctrl,
		targets:         make(map[string]ConnectTarget),
		lastPing:        make(map[string]time.Time),
		lastKeyRollover: now,
	}

	if cfg.KeyExpireCron != "" {
		schedule, err := cron.ParseStandard(cfg.KeyExpireCron)
		if err != nil {
			if logger != nil {
				logger.WithError(err).WithField("expr", cfg.KeyExpireCron).
					Warn("invalid KeyExpireCron, falling back to flat KeyExpire interval")
			}
		} else {
			l.keySchedule = schedule
			l.nextKeyRollover = schedule.Next(now)
		}
	}

	return l
}

// Run blocks until the daemon is asked to shut down.
func (l *Loop) Run() {
	l.scripts.Run(scripts.HookTincUp)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for l.state.Running() {
		select {
		case <-ticker.C:
			logging.Checkpoint()
			l.drainSignals()
			l.runTimedTasks()

		case item, ok := <-l.engine.Inbound:
			if !ok {
				continue
			}
			l.engine.PumpOne(item)
		}
	}

	l.shutdown()
}

func (l *Loop) drainSignals() {
	p := l.sig.Drain()
	if !p.Any() {
		return
	}

	if p.Term || p.Quit || p.Int {
		l.logger.Info("received termination signal, shutting down")
		l.state.RequestShutdown()
	}

	if p.Hup {
		l.RequestReload()
	}

	if p.Usr1 {
		l.logger.Info("USR1 received: dumping connection and topology tables")
		for _, c := range l.table.Scan() {
			l.logger.WithField("peer", c.Name).WithField("state", c.State()).Info("connection")
		}
		topo := l.table.Topology()
		for _, n := range topo.Nodes() {
			l.logger.WithField("node", n.Name).WithField("nexthop", n.Nexthop).
				WithField("subnets", n.Subnets).Info("node")
		}
		for _, e := range topo.Edges() {
			l.logger.WithField("edge", e.String()).Info("edge")
		}
	}

	if p.Usr2 {
		l.logger.Info("USR2 received: forcing session-key rotation")
		l.rotateKeys()
	}

	// Chld is handled implicitly: internal/scripts reaps its own
	// children via cmd.Wait() goroutines, so there is nothing left to
	// do here except note that the tick fired.
}
