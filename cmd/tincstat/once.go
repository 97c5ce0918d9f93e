package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"
)

// runOnce performs a single poll and renders it as a static table,
// a non-interactive mode for scripting and one-shot
// inspection where a full-screen program would be unwelcome.
func runOnce(client *Client, cumulative bool) error {
	polled, err := client.DumpTraffic()
	if err != nil {
		return err
	}

	state := newSnapshotState()
	rows := state.Update(polled, nowFunc(), SortName)

	out := colorable.NewColorableStdout()
	table := tablewriter.NewWriter(out)

	if cumulative {
		table.SetHeader([]string{"Node", "In Pkts", "In Bytes", "Out Pkts", "Out Bytes"})
		for _, r := range rows {
			table.Append([]string{
				r.Name,
				fmt.Sprintf("%d", r.InPackets),
				fmt.Sprintf("%d", r.InBytes),
				fmt.Sprintf("%d", r.OutPackets),
				fmt.Sprintf("%d", r.OutBytes),
			})
		}
	} else {
		table.SetHeader([]string{"Node", "In B/s", "Out B/s"})
		for _, r := range rows {
			table.Append([]string{
				r.Name,
				fmt.Sprintf("%.1f", r.InRate),
				fmt.Sprintf("%.1f", r.OutRate),
			})
		}
	}

	table.Render()

	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "tincstat: no nodes reported")
	}

	return nil
}
