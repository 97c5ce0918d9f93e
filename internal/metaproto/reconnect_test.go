package metaproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePassiveClock is a minimal clock.PassiveClock test double that
// only advances when the test tells it to.
type fakePassiveClock struct {
	now time.Time
}

func (c *fakePassiveClock) Now() time.Time                  { return c.now }
func (c *fakePassiveClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	r := NewReconnectorWithClock(&fakePassiveClock{now: time.Unix(0, 0)})

	d1 := r.Failed("vpn1")
	require.Equal(t, reconnectInitial, d1)

	d2 := r.Failed("vpn1")
	require.Equal(t, 2*reconnectInitial, d2)

	d3 := r.Failed("vpn1")
	require.Equal(t, 4*reconnectInitial, d3)

	// drive enough failures to hit the cap
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = r.Failed("vpn1")
	}
	require.Equal(t, reconnectMax, last)
}

func TestReconnectSucceededResetsBackoff(t *testing.T) {
	r := NewReconnectorWithClock(&fakePassiveClock{now: time.Unix(0, 0)})
	r.Failed("vpn1")
	r.Failed("vpn1")
	r.Succeeded("vpn1")

	d := r.Failed("vpn1")
	require.Equal(t, reconnectInitial, d)
}

func TestReconnectDueNow(t *testing.T) {
	fc := &fakePassiveClock{now: time.Unix(1000, 0)}
	r := NewReconnectorWithClock(fc)

	r.Failed("vpn1")
	require.Empty(t, r.DueNow())

	fc.now = fc.now.Add(reconnectInitial + time.Second)
	require.Contains(t, r.DueNow(), "vpn1")
}

func TestReconnectSetBoundsOverridesDefaults(t *testing.T) {
	r := NewReconnectorWithClock(&fakePassiveClock{now: time.Unix(0, 0)})
	r.SetBounds(time.Second, 4*time.Second)

	require.Equal(t, time.Second, r.Failed("vpn1"))
	require.Equal(t, 2*time.Second, r.Failed("vpn1"))
	require.Equal(t, 4*time.Second, r.Failed("vpn1"))
	require.Equal(t, 4*time.Second, r.Failed("vpn1"))
}

func TestReconnectSetBoundsIgnoresNonPositive(t *testing.T) {
	r := NewReconnectorWithClock(&fakePassiveClock{now: time.Unix(0, 0)})
	r.SetBounds(0, 0)

	require.Equal(t, reconnectInitial, r.Failed("vpn1"))
}
