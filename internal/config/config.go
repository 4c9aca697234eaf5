// Package config loads and validates the proxy's YAML configuration file
// and converts it into the immutable runtime shape the rest of the
// process depends on.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML shape, tagged to match the exact keys listed
// in the external interfaces: timeout.connect (ms), timeout.io (seconds),
// ipv6_first, tui, and a list of routing entries.
type File struct {
	Timeout   TimeoutFile   `yaml:"timeout"`
	IPv6First *bool         `yaml:"ipv6_first"`
	TUI       bool          `yaml:"tui"`
	Summary   string        `yaml:"summary"`
	Metrics   string        `yaml:"metrics"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Routing   []RoutingFile `yaml:"routing"`
}

// TimeoutFile holds the two timeout knobs in their documented units.
// connect is milliseconds; io is seconds. This fixes the core spec's
// open question about timeout.io's unit by following the unit the
// original implementation actually used.
type TimeoutFile struct {
	Connect int `yaml:"connect"`
	IO      int `yaml:"io"`
}

// RoutingFile is one routing entry: a set of listen endpoints sharing an
// AddressPool and an optional group id used by the summary port.
// RateLimit is the accept rate in new connections per second for this
// routing's listeners; 0 (the default) means unlimited. Burst bounds how
// many accepts the limiter lets through in a single instant and is only
// meaningful when RateLimit is set; it defaults to 1 when RateLimit is
// positive and Burst is left unset.
type RoutingFile struct {
	Host      []string `yaml:"host"`
	Pool      []string `yaml:"pool"`
	Group     int      `yaml:"group"`
	RateLimit float64  `yaml:"rate_limit"`
	Burst     int      `yaml:"burst"`
}

// Load reads and parses path into a File without validating it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks that every routing entry has at least one host, that
// every pool entry parses as a literal IP, and that group ids are unique
// across routings.
func (f *File) Validate() error {
	if f.Timeout.Connect <= 0 {
		return fmt.Errorf("config: timeout.connect must be a positive number of milliseconds")
	}
	if f.Timeout.IO <= 0 {
		return fmt.Errorf("config: timeout.io must be a positive number of seconds")
	}
	if len(f.Routing) == 0 {
		return fmt.Errorf("config: at least one routing entry is required")
	}

	seenGroups := make(map[int]bool)
	for i, r := range f.Routing {
		if len(r.Host) == 0 {
			return fmt.Errorf("config: routing[%d] has no host entries", i)
		}
		for _, addr := range r.Host {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("config: routing[%d] host %q: %w", i, addr, err)
			}
		}
		for _, ipLit := range r.Pool {
			if net.ParseIP(ipLit) == nil {
				return fmt.Errorf("config: routing[%d] pool entry %q is not a literal IP", i, ipLit)
			}
		}
		if r.RateLimit < 0 {
			return fmt.Errorf("config: routing[%d] rate_limit must not be negative", i)
		}
		if r.RateLimit > 0 && r.Burst <= 0 {
			f.Routing[i].Burst = 1
		}
		if seenGroups[r.Group] {
			return fmt.Errorf("config: duplicate routing group id %d", r.Group)
		}
		seenGroups[r.Group] = true
	}
	return nil
}

// LoadAndValidate is the usual entry point: load, validate, and report
// the first problem found.
func LoadAndValidate(path string) (*File, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
