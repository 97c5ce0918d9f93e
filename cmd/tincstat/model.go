package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	footerStyle = lipgloss.NewStyle().Faint(true)
)

// minRefreshSecs is the smallest refresh delay the prompt accepts.
const minRefreshSecs = 0.1

type pollMsg struct {
	rows []NodeTraffic
	err  error
	at   time.Time
}

type tickMsg time.Time

// model is the observer's interactive screen: it polls the
// control channel on a timer, folds each poll through snapshotState to
// derive rates, and renders a sortable table inside a scrolling
// viewport so node counts that outgrow the terminal still page.
type model struct {
	client *Client
	state  *snapshotState
	prefs  Prefs

	rows    []Row
	lastErr error

	vp    viewport.Model
	ready bool

	// prompting is set while the 's' key's refresh-delay input is
	// open; keystrokes go to the text input instead of the bindings.
	prompting bool
	input     textinput.Model

	width, height int
}

func newModel(client *Client, prefs Prefs) model {
	in := textinput.New()
	in.Placeholder = "seconds"
	in.CharLimit = 8
	in.Width = 10

	return model{
		client: client,
		state:  newSnapshotState(),
		prefs:  prefs,
		input:  in,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.client.DumpTraffic()
		return pollMsg{rows: rows, err: err, at: nowFunc()}
	}
}

func (m model) tick() tea.Cmd {
	d := time.Duration(m.prefs.RefreshSecs * float64(time.Second))
	if d < time.Duration(minRefreshSecs*float64(time.Second)) {
		d = time.Second
	}
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		headerHeight := 2
		footerHeight := 1
		vpHeight := msg.Height - headerHeight - footerHeight
		if vpHeight < 0 {
			vpHeight = 0
		}
		if !m.ready {
			m.vp = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = vpHeight
		}
		m.vp.SetContent(m.render())
		return m, nil

	case pollMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.rows = m.state.Update(msg.rows, msg.at, m.prefs.SortMode)
		}
		m.vp.SetContent(m.render())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())

	case tea.KeyMsg:
		if m.prompting {
			return m.updatePrompt(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q", "esc":
			_ = m.prefs.Save()
			return m, tea.Quit
		case "n":
			m.prefs.SortMode = SortName
		case "i":
			m.prefs.SortMode = SortInBytes
		case "I":
			m.prefs.SortMode = SortInPackets
		case "o":
			m.prefs.SortMode = SortOutBytes
		case "O":
			m.prefs.SortMode = SortOutPackets
		case "t":
			m.prefs.SortMode = SortTotalBytes
		case "T":
			m.prefs.SortMode = SortTotalPackets
		case "c":
			m.prefs.Cumulative = !m.prefs.Cumulative
		case "s":
			m.prompting = true
			m.input.SetValue("")
			return m, m.input.Focus()
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}
		sortRows(m.rows, m.prefs.SortMode)
		m.vp.SetContent(m.render())
		return m, nil
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

// updatePrompt handles keystrokes while the refresh-delay input is
// open: enter applies (when it parses and is at least the minimum),
// esc cancels, everything else edits the field.
func (m model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if secs, err := strconv.ParseFloat(strings.TrimSpace(m.input.Value()), 64); err == nil && secs >= minRefreshSecs {
			m.prefs.RefreshSecs = secs
		}
		m.prompting = false
		m.input.Blur()
		return m, nil
	case "esc", "ctrl+c":
		m.prompting = false
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "initializing…"
	}

	header := headerStyle.Render(tableHeader(m.prefs.Cumulative))
	footer := footerStyle.Render(m.footer())
	if m.prompting {
		footer = "refresh delay (s): " + m.input.View()
	}

	return header + "\n" + m.vp.View() + "\n" + footer
}

func (m model) footer() string {
	if m.lastErr != nil {
		return fmt.Sprintf("error: %v  [q] quit", m.lastErr)
	}
	return fmt.Sprintf("sort:%s refresh:%.1fs cumulative:%v  [n/i/I/o/O/t/T] sort  [c] toggle  [s] refresh  [q] quit",
		sortModeLabel(m.prefs.SortMode), m.prefs.RefreshSecs, m.prefs.Cumulative)
}

func (m model) render() string {
	var b strings.Builder
	for _, r := range m.rows {
		line := formatRow(r, m.prefs.Cumulative)
		switch {
		case !r.Known:
			b.WriteString(dimStyle.Render(line))
		case r.InRate > 0 || r.OutRate > 0:
			b.WriteString(boldStyle.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func tableHeader(cumulative bool) string {
	if cumulative {
		return fmt.Sprintf("%-20s %12s %12s %12s %12s", "NODE", "IN PKTS", "IN BYTES", "OUT PKTS", "OUT BYTES")
	}
	return fmt.Sprintf("%-20s %14s %14s", "NODE", "IN B/S", "OUT B/S")
}

func formatRow(r Row, cumulative bool) string {
	if cumulative {
		return fmt.Sprintf("%-20s %12d %12d %12d %12d", r.Name, r.InPackets, r.InBytes, r.OutPackets, r.OutBytes)
	}
	return fmt.Sprintf("%-20s %14.1f %14.1f", r.Name, r.InRate, r.OutRate)
}

func sortModeLabel(m SortMode) string {
	switch m {
	case SortInBytes:
		return "in-bytes"
	case SortInPackets:
		return "in-packets"
	case SortOutBytes:
		return "out-bytes"
	case SortOutPackets:
		return "out-packets"
	case SortTotalBytes:
		return "total-bytes"
	case SortTotalPackets:
		return "total-packets"
	default:
		return "name"
	}
}

// nowFunc is a seam for substituting a fixed clock in tests.
var nowFunc = time.Now
