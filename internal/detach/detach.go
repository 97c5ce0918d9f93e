// Package detach implements the daemon's fork/supervisor split. Go
// has no way to fork() without exec()ing, so the
// idiomatic translation of "parent forks, child detaches and signals
// the parent" is: the parent re-execs the same binary with a hidden
// marker environment variable and an inherited pipe; the child writes
// the PID file, calls Setsid, and writes a single readiness byte on
// the pipe to tell the parent it initialized successfully.
package detach

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// childMarkerEnv is set in the child's environment so it knows it is
// the detached child rather than the original invocation.
const childMarkerEnv = "TINCD_DETACH_CHILD=1"

// readyFD is the file descriptor number the child inherits as its
// readiness pipe (stdin/stdout/stderr are 0-2).
const readyFD = 3

// IsDetachedChild reports whether the current process is the detached
// child (i.e. was re-exec'd by Detach), by checking the marker
// environment variable.
func IsDetachedChild() bool {
	for _, kv := range os.Environ() {
		if kv == childMarkerEnv {
			return true
		}
	}

	return false
}

// Detach implements the parent side of detaching: fork (re-exec) and
// wait up to 600s for the child to report readiness by writing a byte
// to the pipe. EOF on the pipe with nothing read, or the child
// exiting first, counts as failure.
// It does not return on success or failure: success exits 0
// (transparently, since the invoking shell should see the parent
// return once the child is ready), failure exits non-zero.
func Detach() {
	r, w, err := os.Pipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tincd: pipe: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), childMarkerEnv)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "tincd: fork failed: %v\n", err)
		os.Exit(1)
	}
	w.Close()

	childDone := make(chan error, 1)
	go func() {
		childDone <- cmd.Wait()
	}()

	readyCh := make(chan bool, 1)
	go func() {
		buf := make([]byte, 1)
		n, _ := r.Read(buf)
		readyCh <- n > 0
	}()

	select {
	case ok := <-readyCh:
		if ok {
			os.Exit(0)
		}
		os.Exit(1)
	case <-childDone:
		// Child died before reporting readiness (SIGCHLD arrived in the
		// parent): exit non-zero immediately so
		// the invoking shell sees failure right away.
		os.Exit(1)
	case <-time.After(600 * time.Second):
		fmt.Fprintln(os.Stderr, "tincd: timed out waiting for child to initialize")
		os.Exit(1)
	}
}

// ChildInit performs the child side: Setsid (detaching the
// controlling terminal), chdir to /, and point stdin at /dev/null.
// The PID file is written by the caller via internal/ident before
// ChildInit, and readiness is reported separately by ReportReady.
//
// ChildInit must be called exactly once, after the PID file has
// already been written, and before any blocking initialization that
// could still fail: on any failure afterward the child should exit
// without calling ReportReady, so the parent sees the child exit (or
// its 600s timeout fire) instead of a false-positive success.
func ChildInit() error {
	if _, err := unix.Setsid(); err != nil {
		return daemonerr.New(daemonerr.KindFatal, fmt.Errorf("setsid: %w", err))
	}

	if err := os.Chdir("/"); err != nil {
		return daemonerr.New(daemonerr.KindFatal, fmt.Errorf("chdir /: %w", err))
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		unix.Dup2(int(devnull.Fd()), int(os.Stdin.Fd())) //nolint:errcheck
		devnull.Close()
	}

	return nil
}

// ReportReady tells the parent supervisor that initialization
// succeeded, allowing it to exit 0. It writes one byte and then
// closes the inherited pipe fd: the parent treats a read of >0 bytes
// as success, and a read error or EOF with nothing read as failure.
func ReportReady() error {
	f := os.NewFile(uintptr(readyFD), "detach-pipe")
	if f == nil {
		return errors.New("detach: readiness pipe not inherited")
	}
	defer f.Close()

	_, err := f.Write([]byte{1})
	return err
}
