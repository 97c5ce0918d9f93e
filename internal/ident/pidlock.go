package ident

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// Lock represents the acquired PID-lock file for an Identity. Created
// by Acquire; released by Release, which cmd/tincd calls after the
// main loop returns and on its early-exit paths.
type Lock struct {
	path string
}

// Path returns the PID file path this lock holds.
func (l *Lock) Path() string {
	return l.path
}

// Release unlinks the PID file. It is idempotent: unlinking an
// already-removed file is not an error.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	return nil
}

// Acquire reads any existing PID file for id; if the PID it names is
// alive, it returns a KindAlreadyRunning error with a human-readable
// message. Otherwise it
// atomically create-excludes the PID file and writes the current PID.
func Acquire(id Identity) (*Lock, error) {
	path := id.PIDFile()

	if pid, ok := readPID(path); ok {
		if processAlive(pid) {
			name := id.NetName
			if name == "" {
				name = "tincd"
			}

			return nil, daemonerr.Newf(daemonerr.KindAlreadyRunning,
				"A tincd is already running for net %q with pid %d", name, pid)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another instance starting concurrently,
			// or a stale file from a process that is now dead; retry
			// once after removing it, since we already established
			// above that any existing PID was not alive.
			if rmErr := os.Remove(path); rmErr != nil {
				return nil, daemonerr.New(daemonerr.KindIO, rmErr)
			}

			f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		}

		if err != nil {
			return nil, daemonerr.New(daemonerr.KindIO, err)
		}
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return nil, daemonerr.New(daemonerr.KindIO, err)
	}

	return &Lock{path: path}, nil
}

// KillOther implements `--kill`: send SIGTERM to the PID recorded for
// id and unlink the file. Historical quirk kept for compatibility:
// the "stale lock" message is
// printed whenever the kill reports ESRCH *or* otherwise succeeds in
// removing the file, not only on genuine staleness.
func KillOther(id Identity) error {
	path := id.PIDFile()

	pid, ok := readPID(path)
	if !ok {
		return daemonerr.Newf(daemonerr.KindIO, "no pid file at %s", path)
	}

	err := unix.Kill(pid, unix.SIGTERM)
	stale := errors.Is(err, unix.ESRCH) || err == nil

	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return daemonerr.New(daemonerr.KindIO, rmErr)
	}

	if stale {
		fmt.Fprintln(os.Stderr, "Removing stale lock file.")
	}

	if err != nil && !errors.Is(err, unix.ESRCH) {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

// processAlive reports whether pid names a live process, using the
// kill(pid, 0) idiom: ESRCH means gone, any other result (including
// EPERM, meaning it exists but we can't signal it) means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return !errors.Is(err, unix.ESRCH)
}
