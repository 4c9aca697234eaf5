// Package wizard provides an interactive setup wizard that produces a
// starter YAML configuration file for the proxy.
package wizard

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"

	"github.com/relayfive/multiproxy/internal/config"
)

// Answers holds the raw form input before it is converted into a config.File.
type Answers struct {
	Hosts       string
	PoolV4      string
	PoolV6      string
	Group       string
	ConnectMs   string
	IOSeconds   string
	IPv6First   bool
	TUI         bool
	SummaryAddr string
}

// Wizard drives the interactive prompts and assembles the resulting config.
type Wizard struct {
	answers Answers
}

// New returns a Wizard seeded with reasonable defaults.
func New() *Wizard {
	return &Wizard{
		answers: Answers{
			Hosts:     "0.0.0.0:1080",
			ConnectMs: "5000",
			IOSeconds: "30",
			Group:     "1",
		},
	}
}

// Run presents the setup form and returns the answers collected from it.
func (w *Wizard) Run() (Answers, error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen addresses (comma-separated host:port)").
				Value(&w.answers.Hosts),
			huh.NewInput().
				Title("IPv4 source pool (comma-separated literals, optional)").
				Value(&w.answers.PoolV4),
			huh.NewInput().
				Title("IPv6 source pool (comma-separated literals, optional)").
				Value(&w.answers.PoolV6),
			huh.NewInput().
				Title("Routing group id").
				Value(&w.answers.Group),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Connect timeout (milliseconds)").
				Value(&w.answers.ConnectMs),
			huh.NewInput().
				Title("I/O idle timeout (seconds)").
				Value(&w.answers.IOSeconds),
			huh.NewConfirm().
				Title("Prefer IPv6 destinations when both families resolve?").
				Value(&w.answers.IPv6First),
			huh.NewConfirm().
				Title("Enable the terminal dashboard?").
				Value(&w.answers.TUI),
			huh.NewInput().
				Title("Status port address (blank to disable)").
				Value(&w.answers.SummaryAddr),
		),
	)
	if err := form.Run(); err != nil {
		return Answers{}, fmt.Errorf("wizard: %w", err)
	}
	return w.answers, nil
}

// Build converts Answers into a validated config.File.
func Build(a Answers) (*config.File, error) {
	connect, err := strconv.Atoi(strings.TrimSpace(a.ConnectMs))
	if err != nil {
		return nil, fmt.Errorf("wizard: connect timeout: %w", err)
	}
	ioSec, err := strconv.Atoi(strings.TrimSpace(a.IOSeconds))
	if err != nil {
		return nil, fmt.Errorf("wizard: io timeout: %w", err)
	}
	group, err := strconv.Atoi(strings.TrimSpace(a.Group))
	if err != nil {
		return nil, fmt.Errorf("wizard: group: %w", err)
	}

	f := &config.File{
		Timeout:   config.TimeoutFile{Connect: connect, IO: ioSec},
		IPv6First: &a.IPv6First,
		TUI:       a.TUI,
		Summary:   strings.TrimSpace(a.SummaryAddr),
		Routing: []config.RoutingFile{{
			Host:  splitNonEmpty(a.Hosts),
			Pool:  append(splitNonEmpty(a.PoolV4), splitNonEmpty(a.PoolV6)...),
			Group: group,
		}},
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteYAML marshals f and writes it to path.
func WriteYAML(f *config.File, path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("wizard: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("wizard: write %s: %w", path, err)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
