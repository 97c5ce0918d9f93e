package metaproto

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Reconnect backoff bounds for outgoing connections: start at 5s,
// double on each failure, cap at
// 300s.
const (
	reconnectInitial = 5 * time.Second
	reconnectMax     = 300 * time.Second
	reconnectFactor  = 2
)

// backoffState tracks one outgoing connection's current delay and the
// time its next dial attempt is due.
type backoffState struct {
	delay time.Duration
	next  time.Time
}

// Reconnector schedules redial attempts for outgoing connections,
// applying exponential backoff per target. The main loop calls Failed
// when an outgoing dial fails and when a PING timeout closes an
// outgoing connection; a connection closed for any other reason
// (socket EOF, a protocol or authentication error) is not scheduled
// for a redial.
// It never touches the registry itself; DueNow returns names for the
// main loop to act on.
type Reconnector struct {
	mu      sync.Mutex
	states  map[string]*backoffState
	clock   clock.PassiveClock
	initial time.Duration
	max     time.Duration
}

// NewReconnector builds an empty scheduler driven by the real clock.
func NewReconnector() *Reconnector {
	return NewReconnectorWithClock(clock.RealClock{})
}

// NewReconnectorWithClock builds a scheduler driven by c, letting tests
// substitute a k8s.io/utils/clock/testing.FakePassiveClock instead of
// sleeping in real time (backoff is a pure function of elapsed time).
func NewReconnectorWithClock(c clock.PassiveClock) *Reconnector {
	return &Reconnector{
		states:  make(map[string]*backoffState),
		clock:   c,
		initial: reconnectInitial,
		max:     reconnectMax,
	}
}

// SetBounds overrides the default backoff bounds with configured
// values. Non-positive values leave the corresponding default alone.
func (r *Reconnector) SetBounds(initial, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if initial > 0 {
		r.initial = initial
	}
	if max > 0 && max >= r.initial {
		r.max = max
	}
}

// Failed records a dial failure for name and schedules the next
// attempt at the current backoff delay, doubling it for next time
// (capped at the configured maximum, reconnectMax by default).
func (r *Reconnector) Failed(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok {
		st = &backoffState{delay: r.initial}
		r.states[name] = st
	}

	st.next = r.clock.Now().Add(st.delay)
	delay := st.delay

	next := st.delay * reconnectFactor
	if next > r.max {
		next = r.max
	}
	st.delay = next

	return delay
}

// Succeeded clears name's backoff state so the next failure starts
// fresh at the configured initial delay (reconnectInitial by default).
func (r *Reconnector) Succeeded(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, name)
}

// DueNow returns the names whose scheduled redial time has passed.
func (r *Reconnector) DueNow() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var due []string
	for name, st := range r.states {
		if !st.next.After(now) {
			due = append(due, name)
		}
	}

	return due
}

// Forget drops any scheduled backoff for name, used when an outgoing
// connection is removed from configuration entirely.
func (r *Reconnector) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, name)
}
