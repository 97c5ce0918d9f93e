// Package scripts runs the daemon's hook subprocesses (tinc-up,
// tinc-down, host-up, host-down, subnet-up, subnet-down),
// fire-and-forget, each reaped asynchronously by its own cmd.Wait
// goroutine.
package scripts

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

// Hook identifies one of the fixed script names this daemon invokes.
type Hook string

const (
	HookTincUp     Hook = "tinc-up"
	HookTincDown   Hook = "tinc-down"
	HookHostUp     Hook = "host-up"
	HookHostDown   Hook = "host-down"
	HookSubnetUp   Hook = "subnet-up"
	HookSubnetDown Hook = "subnet-down"
)

// Runner launches hook scripts out of a fixed directory,
// fire-and-forget: the caller never blocks on completion, and a
// script's exit
// status is only logged, never propagated as a daemon error.
type Runner struct {
	dir    string
	netEnv []string
	logger *logrus.Logger
}

// NewRunner builds a Runner that looks for hook scripts under dir and
// exports netName to each script's environment as TINC_NETNAME, the
// same variable name tinc-up-style scripts have always read.
func NewRunner(dir, netName string, logger *logrus.Logger) *Runner {
	return &Runner{
		dir:    dir,
		netEnv: []string{"TINC_NETNAME=" + netName},
		logger: logger,
	}
}

// Run launches hook with args, fire-and-forget. A missing script file
// is not an error — most hooks are optional.
func (r *Runner) Run(hook Hook, args ...string) {
	path := filepath.Join(r.dir, string(hook))
	if _, err := os.Stat(path); err != nil {
		return
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), r.netEnv...)

	r.logger.WithField("hook", hook).WithField("argv", shellquote.Join(cmd.Args...)).Debug("launching hook script")

	if err := cmd.Start(); err != nil {
		r.logger.WithError(err).WithField("hook", hook).Warn("failed to launch hook script")
		return
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			r.logger.WithError(err).WithField("hook", hook).Debug("hook script exited non-zero")
		}
	}()
}
