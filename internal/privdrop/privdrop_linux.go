//go:build linux

// Package privdrop drops capabilities after the data-plane
// collaborator has bound the tun/tap device: once the device exists,
// the daemon no longer needs CAP_NET_ADMIN or CAP_NET_RAW.
package privdrop

import (
	"github.com/moby/sys/capability"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// keepCaps lists the capabilities this daemon still needs once the
// data-plane device is open: none, by default, since the daemon drops
// straight to an unprivileged set.
var keepCaps = []capability.Cap{}

// Drop clears every capability from the process's effective,
// permitted, and inheritable sets except keepCaps.
func Drop() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return daemonerr.New(daemonerr.KindFatal, err)
	}

	if err := caps.Load(); err != nil {
		return daemonerr.New(daemonerr.KindFatal, err)
	}

	caps.Clear(capability.CAPS)
	for _, c := range keepCaps {
		caps.Set(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, c)
	}

	if err := caps.Apply(capability.CAPS); err != nil {
		return daemonerr.New(daemonerr.KindFatal, err)
	}

	return nil
}
