package sigdispatch

import (
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestDrainClearsBitset(t *testing.T) {
	logger := logrus.New()
	d := &Dispatcher{logger: logger}

	d.raise(syscall.SIGHUP)
	d.raise(syscall.SIGUSR1)

	p := d.Drain()
	require.True(t, p.Hup)
	require.True(t, p.Usr1)
	require.False(t, p.Term)

	p2 := d.Drain()
	require.False(t, p2.Any())
}

func TestUnknownSignalLogsAndDoesNotSetFlags(t *testing.T) {
	logger := logrus.New()
	d := &Dispatcher{logger: logger}

	d.raise(syscall.SIGWINCH)

	p := d.Drain()
	require.False(t, p.Any())
}

func TestAlarmTickSetsAlrm(t *testing.T) {
	logger := logrus.New()
	d := &Dispatcher{logger: logger}

	d.RaiseAlarmTick()

	p := d.Drain()
	require.True(t, p.Alrm)
}
