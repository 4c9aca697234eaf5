// Package tui renders a live dashboard of in-flight connections from the
// event bus, one row per connection id with a state glyph, elapsed time,
// cumulative upload/download, bound source IP and target. Modeled after
// the original implementation's drawer: finished rows are kept for a
// short grace period before being pruned, and 'q' quits the program.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/relayfive/multiproxy/internal/events"
)

// keepAfterDone is how long a finished row stays visible before pruning.
const keepAfterDone = 2 * time.Second

type state int

const (
	stateWaiting state = iota
	stateConnected
	stateDone
	stateError
)

func (s state) glyph() string {
	switch s {
	case stateConnected:
		return "\U0001F517" // 🔗
	case stateDone:
		return "✅" // ✅
	case stateError:
		return "❎" // ❎
	default:
		return "⏳" // ⏳
	}
}

type row struct {
	started    time.Time
	state      state
	boundLocal string
	target     string
	upload     uint64
	download   uint64
	finishedAt time.Time
	note       string
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	targetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Model is a bubbletea program state: an ordered list of connection rows
// fed by events read off the bus.
type Model struct {
	recv  <-chan events.Envelope
	order []uint64
	rows  map[uint64]*row
}

// New builds a Model that reads from bus. It does not start consuming
// until Init runs, i.e. until the program is started with Run.
func New(bus *events.Bus) Model {
	return NewFromChan(bus.Recv())
}

// NewFromChan builds a Model that reads from recv directly, for callers
// wiring the TUI as one of several independent event-bus subscribers
// (e.g. behind an events.Fanout) rather than the bus's sole consumer.
func NewFromChan(recv <-chan events.Envelope) Model {
	return Model{recv: recv, rows: make(map[uint64]*row)}
}

// Run starts the bubbletea program in the alternate screen and blocks
// until the user presses 'q' or recv is closed.
func Run(recv <-chan events.Envelope) error {
	p := tea.NewProgram(NewFromChan(recv), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type envelopeMsg events.Envelope

func (m Model) listen() tea.Cmd {
	recv := m.recv
	return func() tea.Msg {
		env, ok := <-recv
		if !ok {
			return tea.Quit()
		}
		return envelopeMsg(env)
	}
}

// Init starts the first read off the event bus.
func (m Model) Init() tea.Cmd {
	return m.listen()
}

// Update handles key presses and incoming envelopes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" {
			return m, tea.Quit
		}
	case envelopeMsg:
		env := events.Envelope(msg)
		if env.ID == 0 {
			m.prune()
		} else {
			m.apply(env)
		}
		return m, m.listen()
	}
	return m, nil
}

func (m *Model) apply(env events.Envelope) {
	e := env.Event
	if e.Kind == events.Received {
		if _, exists := m.rows[env.ID]; !exists {
			m.rows[env.ID] = &row{started: time.Now(), state: stateWaiting}
			m.order = append(m.order, env.ID)
		}
		return
	}

	r, ok := m.rows[env.ID]
	if !ok {
		return
	}
	switch e.Kind {
	case events.Resolved:
		r.target = e.Target
	case events.Connected:
		if e.BoundLocal != nil {
			r.boundLocal = e.BoundLocal.String()
		}
		r.state = stateConnected
	case events.Upload:
		r.upload += uint64(e.Bytes)
	case events.Download:
		r.download += uint64(e.Bytes)
	case events.Retry:
		r.note += "↻" // ↻
	case events.Done:
		r.state = stateDone
		r.finishedAt = time.Now()
	case events.Error:
		r.state = stateError
		r.note = e.Reason
		r.finishedAt = time.Now()
	}
}

func (m *Model) prune() {
	kept := m.order[:0]
	for _, id := range m.order {
		r := m.rows[id]
		if (r.state == stateDone || r.state == stateError) && time.Since(r.finishedAt) > keepAfterDone {
			delete(m.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// View renders the current row set as a simple table.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%5s %9s %9s  %s", "time", "up", "down", "target")))
	b.WriteString("\n")
	for _, id := range m.order {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		elapsed := int(time.Since(r.started).Seconds())
		fmt.Fprintf(&b, "%5ds %9s %9s %s %s %s %s\n",
			elapsed,
			humanize.Bytes(r.upload),
			humanize.Bytes(r.download),
			r.state.glyph(),
			r.boundLocal,
			targetStyle.Render(r.target),
			noteStyle.Render(r.note),
		)
	}
	b.WriteString(footerStyle.Render("press q to quit"))
	return b.String()
}
