// Package ident derives the filesystem names the daemon needs from an
// optional net identifier and owns the single-instance PID lock.
package ident

import (
	"fmt"
	"path/filepath"
)

// Identity names a net and the compile-time directories it is rooted
// under. It is immutable after startup.
type Identity struct {
	NetName string
	ConfDir string // compile-time config directory, e.g. /etc
	RunDir  string // compile-time run directory, e.g. /var/run
}

// suffix returns ".<netname>" or "" when no net name was given.
func (id Identity) suffix() string {
	if id.NetName == "" {
		return ""
	}

	return "." + id.NetName
}

// ConfigDir returns the base configuration directory for this net,
// e.g. /etc/tinc or /etc/tinc/<netname>.
func (id Identity) ConfigDir() string {
	base := filepath.Join(id.ConfDir, "tinc")
	if id.NetName == "" {
		return base
	}

	return filepath.Join(base, id.NetName)
}

// ConfigFile returns the path to tincd.conf for this net.
func (id Identity) ConfigFile() string {
	return filepath.Join(id.ConfigDir(), "tincd.conf")
}

// PIDFile returns the path to the PID-lock file for this net.
func (id Identity) PIDFile() string {
	return filepath.Join(id.RunDir, fmt.Sprintf("tincd%s.pid", id.suffix()))
}

// SyslogIdent returns the syslog ident tag for this net.
func (id Identity) SyslogIdent() string {
	return fmt.Sprintf("tincd%s", id.suffix())
}

// ControlSocketPath returns the path to the local admin socket for
// this net.
func (id Identity) ControlSocketPath() string {
	return filepath.Join(id.RunDir, fmt.Sprintf("tincd%s.control", id.suffix()))
}
