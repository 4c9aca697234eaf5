// Package summary maintains cumulative per-group upload/download totals
// and serves them over a line-oriented TCP status port, mirroring the
// original implementation's summary module.
package summary

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/relayfive/multiproxy/internal/events"
	"github.com/relayfive/multiproxy/internal/logging"
)

// Totals holds cumulative byte counts for one routing group.
type Totals struct {
	Upload   uint64
	Download uint64
}

// Aggregator accumulates Upload/Download events by routing group. It is
// safe for concurrent use by one event-bus consumer goroutine and any
// number of status-port readers.
type Aggregator struct {
	mu     sync.RWMutex
	totals map[int]Totals
}

// NewAggregator returns an Aggregator with no recorded groups; Lookup on
// an unknown group returns the zero Totals.
func NewAggregator() *Aggregator {
	return &Aggregator{totals: make(map[int]Totals)}
}

// Apply folds one event's byte count into its group's running totals. It
// ignores events that don't carry a byte count.
func (a *Aggregator) Apply(group int, e events.Event) {
	if e.Kind != events.Upload && e.Kind != events.Download {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.totals[group]
	if e.Kind == events.Upload {
		t.Upload += uint64(e.Bytes)
	} else {
		t.Download += uint64(e.Bytes)
	}
	a.totals[group] = t
}

// Lookup returns the cumulative totals for group, or the zero value if
// the group has not been observed.
func (a *Aggregator) Lookup(group int) Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totals[group]
}

// Consume drains envelopes from bus and folds their byte counts into the
// aggregator until the channel is closed. Intended to run as one of the
// event bus's independent readers, alongside the logger and the TUI.
func (a *Aggregator) Consume(bus <-chan events.Envelope) {
	for env := range bus {
		a.Apply(env.Group, env.Event)
	}
}

// Server serves the status port: a client writes an ASCII-decimal group
// id, the server replies with a JSON object of that group's cumulative
// totals and closes the connection.
type Server struct {
	Aggregator *Aggregator
	Log        *slog.Logger
}

// NewServer builds a Server; a nil logger defaults to a no-op logger.
func NewServer(agg *Aggregator, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{Aggregator: agg, Log: log}
}

// ListenAndServe binds addr and serves the status protocol until the
// listener is closed or an unrecoverable accept error occurs.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("summary: bind %s: %w", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// handle reads one request and writes one reply, per the line-oriented
// protocol: no error frame exists, so a malformed or unknown group id
// yields {"ul":0,"dl":0} rather than closing without a reply.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return
	}

	group, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	totals := Totals{}
	if err == nil {
		totals = s.Aggregator.Lookup(group)
	}

	reply := fmt.Sprintf(`{"ul":%d,"dl":%d}`, totals.Upload, totals.Download)
	conn.Write([]byte(reply))
}
