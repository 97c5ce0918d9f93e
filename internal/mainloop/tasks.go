package mainloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wangmice/tinc/internal/control"
	"github.com/wangmice/tinc/internal/logging"
	"github.com/wangmice/tinc/internal/metaproto"
	"github.com/wangmice/tinc/internal/registry"
	"github.com/wangmice/tinc/internal/scripts"
)

// outboundFlushCap is the longest shutdown waits for any single
// connection's writer
// goroutine to drain its queued lines before the socket is torn down
// out from under it. A var, not a const, so tests can shrink it.
var outboundFlushCap = 5 * time.Second

// outboundFlushPoll is how often shutdown checks whether a
// connection's outbound queue has drained while waiting on it.
var outboundFlushPoll = 10 * time.Millisecond

// ConnectTarget is one configured outgoing meta-connection, the
// ConnectTo entries of internal/config.Config.
type ConnectTarget struct {
	Name string
	Addr string
	Port int
}

// reloadState guards the flag a control-channel goroutine or the
// signal dispatcher sets to ask the main loop to reload; the actual
// teardown/reopen work only ever runs on the Loop.Run goroutine, so
// setting the flag must be safe from
// any goroutine while acting on it is not.
type reloadState struct {
	mu      sync.Mutex
	pending bool
}

func (r *reloadState) request() {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()
}

func (r *reloadState) takeAndClear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = false
	return p
}

// Targets records the outgoing connections this daemon initiates,
// used both for the initial ConnectTo dial-out and reconnect/RetryAll.
func (l *Loop) Targets(targets []ConnectTarget) {
	l.targets = make(map[string]ConnectTarget, len(targets))
	for _, t := range targets {
		l.targets[t.Name] = t
	}
}

// SetControl wires the control channel server in after Loop
// construction, breaking a construction cycle: control.Listen needs a
// Controller (the Loop itself) before the *control.Server exists, so
// cmd/tincd calls New with ctrl == nil and attaches the server here
// once control.Listen returns.
func (l *Loop) SetControl(ctrl *control.Server) {
	l.control = ctrl
}

// Table satisfies control.Controller: read-only scans of the
// registry for admin dumps.
func (l *Loop) Table() *registry.Table {
	return l.table
}

// RequestShutdown satisfies control.Controller: STOP sets running to
// false; safe from any goroutine since it only
// touches daemonstate.State's own mutex.
func (l *Loop) RequestShutdown() {
	l.state.RequestShutdown()
}

// RequestReload satisfies control.Controller and is also how the
// signal dispatcher's HUP branch asks for a reload: it
// only raises a flag. The teardown/reparse/reopen sequence itself
// runs from runTimedTasks, on the Loop.Run goroutine.
func (l *Loop) RequestReload() {
	l.reload.request()
}

// SetDebugLevel satisfies control.Controller's SET_DEBUG.
func (l *Loop) SetDebugLevel(level int) {
	l.state.SetDebugLevel(level)
	l.logger.SetLevel(logging.LevelFromDebug(level))
}

// RetryAll satisfies control.Controller's RETRY: forces
// an immediate redial attempt for every configured outgoing target
// that isn't currently connected, clearing its backoff state first so
// the next failure starts at the initial delay again.
func (l *Loop) RetryAll() {
	for name, target := range l.targets {
		if l.table.LookupByName(name) != nil {
			continue
		}

		l.recon.Succeeded(name)
		l.connectOutgoing(target)
	}
}

// Purge satisfies control.Controller's PURGE: drops any
// topology node that has no nexthop, i.e. is no longer reachable
// through any active, authenticated connection.
func (l *Loop) Purge() {
	topo := l.table.Topology()

	for _, n := range topo.Nodes() {
		if n.Name == topo.SelfName {
			continue
		}

		if n.Nexthop == "" {
			l.logger.WithField("node", n.Name).Debug("purging unreachable node")
			topo.DelNode(n.Name)
		}
	}
}

// Version satisfies control.Controller, reported in the control
// channel's accept banner.
func (l *Loop) Version() string {
	return l.version
}

// ConnectInitial dials every configured outgoing target once at
// startup.
func (l *Loop) ConnectInitial() {
	for _, target := range l.targets {
		l.connectOutgoing(target)
	}
}

// connectOutgoing dials target and, on success, adopts the resulting
// socket into the engine as an outgoing Connection. Failures schedule
// a backoff retry through the Reconnector rather than propagating an
// error: a failed outgoing dial is re-attempted with backoff, never
// treated as fatal.
func (l *Loop) connectOutgoing(target ConnectTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nc, err := l.dial(ctx, target.Addr, target.Port)
	if err != nil {
		l.logger.WithError(err).WithField("peer", target.Name).Debug("outgoing meta-connect failed")
		l.recon.Failed(target.Name)
		return
	}

	conn := registry.NewConnection(target.Name, target.Addr, target.Port, true)
	if err := l.engine.Adopt(conn, nc); err != nil {
		l.logger.WithError(err).WithField("peer", target.Name).Warn("failed to adopt outgoing connection")
		nc.Close()
		l.recon.Failed(target.Name)
		return
	}

	l.recon.Succeeded(target.Name)
	l.scripts.Run(scripts.HookHostUp, target.Name)
}

// rotateKeys broadcasts KEY_CHANGED to every active connection (the
// USR2 action and the key-age rollover), prompting
// peers to REQ_KEY a fresh session the next time they need one.
func (l *Loop) rotateKeys() {
	l.table.BroadcastExcept("", fmt.Sprintf("%d", metaproto.CodeKeyChanged))
}

// checkKeyRollover implements the key-age rollover, preferring the
// cron-expression schedule over the flat KeyExpire interval when one
// was configured and parsed successfully.
func (l *Loop) checkKeyRollover(now time.Time) {
	if l.keySchedule != nil {
		if !now.Before(l.nextKeyRollover) {
			l.rotateKeys()
			l.lastKeyRollover = now
			l.nextKeyRollover = l.keySchedule.Next(now)
		}
		return
	}

	if l.cfg.KeyExpire > 0 && now.Sub(l.lastKeyRollover) >= l.cfg.KeyExpire {
		l.rotateKeys()
		l.lastKeyRollover = now
	}
}

// RequestReload's actual work: tear down every meta-connection, then
// redial the configured outgoing targets. The data-plane device is not
// touched: it stays open across a reload.
// Reparsing the on-disk configuration is an external collaborator's
// job; this daemon only re-applies whatever Config it was last
// constructed with, which is enough to reconverge the topology set.
func (l *Loop) doReload() {
	l.logger.Info("reloading: tearing down meta-connections")

	for _, c := range l.table.Scan() {
		l.table.Remove(c.Name)
	}

	l.ConnectInitial()
}

// runTimedTasks executes the periodic work: ping checks, reconnect
// attempts, key-age rollover, and
// (if a reload was requested) the reload sequence. Called once per
// main-loop tick, always from Loop.Run's goroutine.
func (l *Loop) runTimedTasks() {
	now := time.Now()

	l.checkPings(now)
	l.checkReconnects()
	l.checkKeyRollover(now)
	l.accumulateStats()

	if l.reload.takeAndClear() {
		l.doReload()
	}
}

// checkPings implements the liveness rule: send PING after
// 60s idle; close with Timeout if no PONG arrives within a further
// 5s.
func (l *Loop) checkPings(now time.Time) {
	if l.lastPing == nil {
		l.lastPing = make(map[string]time.Time)
	}

	for _, c := range l.table.Scan() {
		if c.State() != registry.StateActive {
			continue
		}

		idle := c.IdleSince(now)

		if idle < l.cfg.PingInterval {
			delete(l.lastPing, c.Name)
			continue
		}

		if sent, ok := l.lastPing[c.Name]; ok {
			if now.Sub(sent) >= l.cfg.PingTimeout {
				l.logger.WithField("peer", c.Name).Warn("PING timeout, closing connection")
				delete(l.lastPing, c.Name)
				l.table.Remove(c.Name)
				l.scripts.Run(scripts.HookHostDown, c.Name)

				if c.Outgoing {
					l.recon.Failed(c.Name)
				}
			}

			continue
		}

		c.Enqueue(fmt.Sprintf("%d", metaproto.CodePing))
		l.lastPing[c.Name] = now
	}
}

// checkReconnects redials every outgoing target whose backoff has
// elapsed.
func (l *Loop) checkReconnects() {
	for _, name := range l.recon.DueNow() {
		target, ok := l.targets[name]
		if !ok {
			continue
		}

		if l.table.LookupByName(name) != nil {
			l.recon.Succeeded(name)
			continue
		}

		l.connectOutgoing(target)
	}
}

// accumulateStats folds the data-plane device's cumulative counters
// into the local node's totals, the numbers DUMP_TRAFFIC reports for
// self.
func (l *Loop) accumulateStats() {
	s := l.device.Stats()
	topo := l.table.Topology()
	topo.SetTapCounters(topo.SelfName, s.InPackets, s.InBytes, s.OutPackets, s.OutBytes)
}

// shutdown closes meta connections (sending TERMREQ first), tears
// down the data plane, and stops the
// engine and control listener. Unlinking the PID file and closing
// syslog are the caller's (cmd/tincd's) responsibility since this
// package never owns the PID lock (the lock itself is handed
// to main, which owns process-exit ordering).
func (l *Loop) shutdown() {
	l.logger.Info("shutting down")

	conns := l.table.Scan()
	for _, c := range conns {
		c.Enqueue(fmt.Sprintf("%d", metaproto.CodeTermReq))
	}

	l.flushOutbound(conns)

	for _, c := range conns {
		l.table.Remove(c.Name)
	}

	if err := l.engine.Stop(); err != nil {
		l.logger.WithError(err).Warn("engine did not stop cleanly")
	}

	if l.control != nil {
		if err := l.control.Close(); err != nil {
			l.logger.WithError(err).Warn("control channel did not close cleanly")
		}
	}

	if err := l.device.Close(); err != nil {
		l.logger.WithError(err).Warn("data plane device did not close cleanly")
	}

	l.scripts.Run(scripts.HookTincDown)
}

// flushOutbound waits, concurrently and independently per connection,
// for each connection's outbound queue to drain before shutdown tears
// every socket down.
// One slow or stuck peer never delays flushing the rest: each wait
// runs in its own errgroup goroutine and is bounded by its own
// outboundFlushCap timer, not a shared one.
func (l *Loop) flushOutbound(conns []*registry.Connection) {
	var g errgroup.Group

	for _, c := range conns {
		c := c
		g.Go(func() error {
			deadline := time.Now().Add(outboundFlushCap)
			for c.OutboundLen() > 0 && time.Now().Before(deadline) {
				time.Sleep(outboundFlushPoll)
			}
			if c.OutboundLen() > 0 {
				l.logger.WithField("peer", c.Name).Warn("outbound flush deadline exceeded, closing anyway")
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck // every goroutine above always returns nil
}
