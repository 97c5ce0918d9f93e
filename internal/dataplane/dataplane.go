// Package dataplane declares the external collaborator contract for
// packet forwarding between the local tap/tun device and remote peers
// over UDP. The data plane itself lives outside this repository; what
// remains here is the interface the main loop polls for
// readable/writable interest and a no-op
// stub satisfying it so the rest of the daemon can be built and tested
// without a real network device.
package dataplane

import "io"

// Device is the contract the main loop's multiplexer needs from the
// data plane: a file descriptor it can select on, plus counters it can
// read for DUMP_TRAFFIC.
type Device interface {
	io.ReadWriteCloser

	// Fd exposes the underlying descriptor for the main loop's
	// multiplexing wait; -1 if the device isn't
	// backed by a pollable fd (e.g. the Noop stub).
	Fd() int

	// Stats is a point-in-time read of the device's cumulative
	// packet/byte counters, folded into the local node's totals by
	// the main loop's stats task.
	Stats() Stats
}

// Stats is one cumulative counter read from a Device.
type Stats struct {
	InPackets, InBytes, OutPackets, OutBytes uint64
}

// Noop is a Device that discards everything written to it and never
// has data to read, standing in for the real tap/tun + UDP collaborator
// in tests and in configurations that only need the control plane.
type Noop struct{}

// Read blocks forever: Fd() reports -1 so the main loop never selects
// on this device and never calls Read.
func (Noop) Read(p []byte) (int, error) { select {} }
func (Noop) Write(p []byte) (int, error) { return len(p), nil }
func (Noop) Close() error                { return nil }
func (Noop) Fd() int                     { return -1 }
func (Noop) Stats() Stats                { return Stats{} }
