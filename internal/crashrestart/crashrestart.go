// Package crashrestart re-execs the daemon binary with its original
// arguments after a fatal memory fault, to preserve mesh liveness
// across sporadic faults. Go has no user-level SIGSEGV handler in the
// C sense; debug.SetPanicOnFault turns a small class of memory faults
// into recoverable panics, paired with a single top-level recover in
// main() that runs Recover below.
package crashrestart

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/logging"
)

// secondStrike guards against a fork-bomb of restarts: if recovery
// itself faults before the re-exec completes, the next Recover call
// hard-exits instead of attempting another re-exec.
var secondStrike atomic.Bool

// Arm enables panic-on-fault recovery for the calling goroutine tree.
// Call it once from main before starting the event loop.
func Arm() {
	debug.SetPanicOnFault(true)
}

// Cleanup is the set of best-effort, non-blocking teardown actions to
// run before re-exec: closing network connections and unlinking the
// PID file. Failures here are logged, never fatal.
type Cleanup struct {
	CloseConnections func()
	UnlinkPIDFile    func() error
}

// Recover should be deferred at the top of main's goroutine. If r is
// non-nil and came from a recoverable hardware fault (the runtime
// reports these with a runtime.Error whose Error() contains the usual
// "invalid memory address" / "unexpected fault address" text),
// Recover performs Cleanup and re-execs argv; otherwise it re-panics,
// since this path is reserved for memory faults, not ordinary logic
// bugs.
func Recover(logger *logrus.Logger, argv []string, cleanup Cleanup) {
	r := recover()
	if r == nil {
		return
	}

	if re, ok := r.(runtime.Error); !ok ||
		!(strings.Contains(re.Error(), "invalid memory address") ||
			strings.Contains(re.Error(), "unexpected fault address")) {
		panic(r)
	}

	if secondStrike.Swap(true) {
		// A second fault arrived before the first recovery finished
		// re-exec'ing: guarantee termination rather than risk a loop.
		logger.WithField("panic", fmt.Sprint(r)).Error("second fault during crash recovery, exiting")
		os.Exit(2)
	}

	logger.WithFields(logrus.Fields{
		"panic":      fmt.Sprint(r),
		"checkpoint": logging.LastCheckpoint(),
	}).Error("fatal fault, attempting crash-restart re-exec")

	if cleanup.CloseConnections != nil {
		safely(cleanup.CloseConnections)
	}

	if cleanup.UnlinkPIDFile != nil {
		if err := safelyErr(cleanup.UnlinkPIDFile); err != nil {
			logger.WithError(err).Warn("failed to unlink pid file during crash recovery")
		}
	}

	if len(argv) == 0 {
		logger.Error("no argv recorded, cannot re-exec; exiting")
		os.Exit(1)
	}

	path, err := os.Executable()
	if err != nil {
		path = argv[0]
	}

	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		logger.WithError(err).Error("crash-restart re-exec failed")
		os.Exit(1)
	}
}

// safely runs fn, swallowing any panic it raises so Recover's own
// cleanup sequence can't be derailed by a second fault mid-cleanup;
// the fork-bomb guard above still catches a fault in Recover itself.
func safely(fn func()) {
	defer func() { recover() }() //nolint:errcheck
	fn()
}

func safelyErr(fn func() error) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("panic during cleanup")
		}
	}()

	return fn()
}
