// Package daemonstate holds the process-wide daemon state value:
// constructed in main, mutated only by the main loop and the signal
// dispatcher (which writes only to the pending event bitset),
// destroyed at process exit.
package daemonstate

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the process-wide daemon state value. Fields other than the
// pending-events bitset (owned by internal/sigdispatch) are mutated
// only by the main loop goroutine.
type State struct {
	mu sync.Mutex

	// InstanceID distinguishes this process from a prior run across a
	// crash-restart re-exec.
	InstanceID uuid.UUID

	DebugLevel int
	Detached   bool
	running    bool

	// Argv is a copy of the original os.Args, used for SIGHUP-less
	// restarts (crash-restart re-exec) and for the detach supervisor
	// child to re-derive its own command line.
	Argv []string

	// SupervisorPID is the PID of the detach-phase parent supervisor,
	// zero if the daemon was not detached.
	SupervisorPID int

	StartTime time.Time
}

// New constructs a State, capturing os.Args and the start time.
func New(debugLevel int) *State {
	argv := make([]string, len(os.Args))
	copy(argv, os.Args)

	return &State{
		InstanceID: uuid.New(),
		DebugLevel: debugLevel,
		Argv:       argv,
		StartTime:  time.Now(),
		running:    true,
	}
}

// Running reports whether the main loop should keep iterating.
func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RequestShutdown sets running to false. The current main-loop
// iteration completes before shutdown begins.
func (s *State) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// SetDebugLevel updates the debug level for the SET_DEBUG control
// request. Guarded by the same mutex as Running/
// RequestShutdown since the control channel calls it from its own
// goroutine, concurrently with the main loop.
func (s *State) SetDebugLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DebugLevel = level
}

// GetDebugLevel returns the current debug level.
func (s *State) GetDebugLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DebugLevel
}
