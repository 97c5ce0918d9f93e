// Command tincstat is the read-only observer client:
// it dials a running daemon's control socket and renders the
// DUMP_TRAFFIC counters it reports, either as a live scrolling screen
// or, with --once, a single static table for scripting.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wangmice/tinc/internal/ident"
)

type cliFlags struct {
	socket  string
	once    bool
	refresh float64
	netName string
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "tincstat",
		Short: "observe traffic counters on a running tincd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	pf := root.Flags()
	pf.StringVarP(&flags.socket, "socket", "s", "", "control socket path (default <rundir>/tincd[.<net>].control)")
	pf.BoolVar(&flags.once, "once", false, "poll once and print a static table instead of the interactive screen")
	pf.Float64VarP(&flags.refresh, "refresh", "r", 0, "refresh interval in seconds, 0.1 or more (default: last used, or 1)")
	pf.StringVarP(&flags.netName, "net", "n", "", "net name, selects which daemon's control socket to use")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(flags *cliFlags) error {
	socketPath := flags.socket
	if socketPath == "" {
		id := ident.Identity{NetName: flags.netName, ConfDir: "/etc", RunDir: "/var/run"}
		socketPath = id.ControlSocketPath()
	}

	client, err := Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer client.Close()

	prefs := LoadPrefs()
	if flags.refresh > 0 {
		prefs.RefreshSecs = flags.refresh
	}

	if flags.once {
		return runOnce(client, true)
	}

	m := newModel(client, prefs)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
