// Package sigdispatch translates asynchronous OS signals into an
// edge-triggered set of pending-event flags, consumed once per main
// loop iteration. Go's os/signal already delivers
// signals on an ordinary goroutine rather than true async-signal
// context, but this package still only ever sets flags here — all
// actual handling logic (tearing down connections, reparsing config,
// rotating keys) lives in the main loop, never in the goroutine that
// receives the signal.
package sigdispatch

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/logging"
)

// Pending is the edge-triggered bitset of signal events awaiting
// handling.
type Pending struct {
	Term bool
	Quit bool
	Int  bool
	Hup  bool
	Alrm bool
	Usr1 bool
	Usr2 bool
	Chld bool
}

// Any reports whether at least one flag is set.
func (p Pending) Any() bool {
	return p.Term || p.Quit || p.Int || p.Hup || p.Alrm || p.Usr1 || p.Usr2 || p.Chld
}

// Dispatcher owns the pending bitset and the signal.Notify channel
// feeding it.
type Dispatcher struct {
	mu      sync.Mutex
	pending Pending
	logger  *logrus.Logger
	sigC    chan os.Signal
	done    chan struct{}
}

// New creates a Dispatcher bound to the signals the daemon acts on:
// TERM,
// QUIT, INT, HUP, USR1, USR2, ALRM, CHLD, SEGV, PIPE (ignored). SEGV
// is handled by internal/crashrestart, not here; PIPE is ignored
// outright since a write to a closed socket should surface as an
// error return, not a process-wide signal. Only the signals listed in
// the signal.Notify call below reach the dispatcher; any other signal
// keeps Go's default handling and is not logged here.
func New(logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		sigC:   make(chan os.Signal, 64),
		done:   make(chan struct{}),
	}

	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(d.sigC,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGALRM,
		syscall.SIGCHLD,
	)

	go d.run()

	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case sig := <-d.sigC:
			d.raise(sig)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) raise(sig os.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch sig {
	case syscall.SIGTERM:
		d.pending.Term = true
	case syscall.SIGQUIT:
		d.pending.Quit = true
	case syscall.SIGINT:
		d.pending.Int = true
	case syscall.SIGHUP:
		d.pending.Hup = true
	case syscall.SIGUSR1:
		d.pending.Usr1 = true
	case syscall.SIGUSR2:
		d.pending.Usr2 = true
	case syscall.SIGALRM:
		d.pending.Alrm = true
	case syscall.SIGCHLD:
		d.pending.Chld = true
	default:
		// Caught by the shared diagnostic handler: log the number and
		// the most recent checkpoint, then continue.
		if num, ok := sig.(syscall.Signal); ok {
			d.logger.WithFields(logrus.Fields{
				"signal":     int(num),
				"checkpoint": logging.LastCheckpoint(),
			}).Warn("received unbound signal")
		}
	}
}

// Drain atomically fetches and clears the pending bitset. Call it
// once per main-loop iteration.
func (d *Dispatcher) Drain() Pending {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pending
	d.pending = Pending{}
	return p
}

// Stop releases the underlying os/signal registration.
func (d *Dispatcher) Stop() {
	signal.Stop(d.sigC)
	close(d.done)
}

// RaiseAlarmTick sets the pending Alrm flag as if SIGALRM had arrived.
// The daemon does not call it from a ticker; the main loop drives its
// timed tasks from its own ticker.
func (d *Dispatcher) RaiseAlarmTick() {
	d.raise(syscall.SIGALRM)
}
