package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validYAML = `
timeout:
  connect: 5000
  io: 30
ipv6_first: true
tui: false
summary: "127.0.0.1:9100"
routing:
  - host: ["0.0.0.0:1080"]
    pool: ["10.0.0.1", "10.0.0.2"]
    group: 1
  - host: ["0.0.0.0:8080", "0.0.0.0:8443"]
    pool: ["2001:db8::1"]
    group: 2
`

func TestLoadAndValidateValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)
	f, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	if f.Timeout.Connect != 5000 {
		t.Errorf("Timeout.Connect = %d, want 5000", f.Timeout.Connect)
	}
	if f.Timeout.IO != 30 {
		t.Errorf("Timeout.IO = %d, want 30", f.Timeout.IO)
	}
	if f.IPv6First == nil || !*f.IPv6First {
		t.Error("IPv6First = nil or false, want true")
	}
	if len(f.Routing) != 2 {
		t.Fatalf("len(Routing) = %d, want 2", len(f.Routing))
	}
	if f.Routing[0].Group != 1 || f.Routing[1].Group != 2 {
		t.Errorf("groups = %d,%d, want 1,2", f.Routing[0].Group, f.Routing[1].Group)
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	f := &File{
		Timeout: TimeoutFile{Connect: 1000, IO: 10},
		Routing: []RoutingFile{{Host: nil, Pool: []string{"10.0.0.1"}, Group: 1}},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for routing entry with no hosts")
	}
}

func TestValidateRejectsInvalidPoolIP(t *testing.T) {
	f := &File{
		Timeout: TimeoutFile{Connect: 1000, IO: 10},
		Routing: []RoutingFile{{Host: []string{"0.0.0.0:1080"}, Pool: []string{"not-an-ip"}, Group: 1}},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for non-literal pool IP")
	}
}

func TestValidateRejectsDuplicateGroups(t *testing.T) {
	f := &File{
		Timeout: TimeoutFile{Connect: 1000, IO: 10},
		Routing: []RoutingFile{
			{Host: []string{"0.0.0.0:1080"}, Pool: []string{"10.0.0.1"}, Group: 1},
			{Host: []string{"0.0.0.0:1081"}, Pool: []string{"10.0.0.2"}, Group: 1},
		},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for duplicate group ids")
	}
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	base := RoutingFile{Host: []string{"0.0.0.0:1080"}, Pool: []string{"10.0.0.1"}, Group: 1}

	f := &File{Timeout: TimeoutFile{Connect: 0, IO: 10}, Routing: []RoutingFile{base}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for zero connect timeout")
	}

	f = &File{Timeout: TimeoutFile{Connect: 1000, IO: 0}, Routing: []RoutingFile{base}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for zero io timeout")
	}
}

func TestValidateRejectsEmptyRoutingList(t *testing.T) {
	f := &File{Timeout: TimeoutFile{Connect: 1000, IO: 10}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for empty routing list")
	}
}

func TestValidateRejectsNegativeRateLimit(t *testing.T) {
	f := &File{
		Timeout: TimeoutFile{Connect: 1000, IO: 10},
		Routing: []RoutingFile{{Host: []string{"0.0.0.0:1080"}, Pool: []string{"10.0.0.1"}, Group: 1, RateLimit: -1}},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for negative rate_limit")
	}
}

func TestValidateDefaultsBurstWhenRateLimitSet(t *testing.T) {
	f := &File{
		Timeout: TimeoutFile{Connect: 1000, IO: 10},
		Routing: []RoutingFile{{Host: []string{"0.0.0.0:1080"}, Pool: []string{"10.0.0.1"}, Group: 1, RateLimit: 50}},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if f.Routing[0].Burst != 1 {
		t.Errorf("Burst = %d, want 1 (defaulted)", f.Routing[0].Burst)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadReturnsErrorForMalformedYAML(t *testing.T) {
	path := writeTemp(t, "timeout: [this is not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
