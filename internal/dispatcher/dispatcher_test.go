package dispatcher

import (
	"bytes"
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayfive/multiproxy/internal/logging"
	"github.com/relayfive/multiproxy/internal/pool"
)

type fakeHandler struct {
	mu   sync.Mutex
	ids  []uint64
	done chan struct{}
}

func newFakeHandler(n int) *fakeHandler {
	return &fakeHandler{done: make(chan struct{}, n)}
}

func (f *fakeHandler) Handle(conn net.Conn, id uint64, group int, src *pool.Pool) {
	defer conn.Close()
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeHandler) seen() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.ids))
	copy(out, f.ids)
	return out
}

func TestServeAssignsMonotonicNonzeroIDs(t *testing.T) {
	fh := newFakeHandler(3)
	d := New(fh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	r := Routing{Hosts: []string{addr}, Pool: pool.New(nil, nil), Group: 1}
	go d.Serve(ctx, r)

	// Give the listener worker a moment to bind.
	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-fh.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %d did not run", i)
		}
	}

	ids := fh.seen()
	for _, id := range ids {
		if id == 0 {
			t.Error("id 0 assigned to a real connection, want reserved for ticks")
		}
	}
	// Handlers run concurrently, so they may record ids out of order; the
	// ids handed out by three accepts on a fresh dispatcher are 1, 2, 3.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("assigned ids = %v, want 1, 2, 3", ids)
		}
	}
}

func TestServeBindFailureDoesNotPanic(t *testing.T) {
	fh := newFakeHandler(0)
	d := New(fh, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := Routing{Hosts: []string{"invalid-host-that-cannot-bind:99999"}, Pool: pool.New(nil, nil), Group: 0}
	d.Serve(ctx, r)
}

func TestShutdownClosesTrackedConnections(t *testing.T) {
	var released atomic.Int32
	block := make(chan struct{})

	fh := &blockingHandler{block: block, released: &released}
	d := New(fh, nil)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := Routing{Hosts: []string{addr}, Pool: pool.New(nil, nil), Group: 0}
	go d.Serve(ctx, r)
	time.Sleep(30 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(30 * time.Millisecond)
	if d.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", d.Count())
	}

	d.Shutdown()

	select {
	case <-block:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not unblocked by Shutdown")
	}
}

func TestShutdownLogsInFlightConnections(t *testing.T) {
	var released atomic.Int32
	block := make(chan struct{})
	var logBuf bytes.Buffer

	fh := &blockingHandler{block: block, released: &released}
	d := New(fh, logging.NewWithWriter("info", "text", &logBuf))

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := Routing{Hosts: []string{addr}, Pool: pool.New(nil, nil), Group: 5}
	go d.Serve(ctx, r)
	time.Sleep(30 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(30 * time.Millisecond)

	d.Shutdown()

	select {
	case <-block:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not unblocked by Shutdown")
	}

	out := logBuf.String()
	if !strings.Contains(out, "conn_id=1") {
		t.Errorf("expected shutdown log to report conn_id=1, got: %s", out)
	}
	if !strings.Contains(out, "group=5") {
		t.Errorf("expected shutdown log to report group=5, got: %s", out)
	}
}

// blockingHandler holds its connection open until forcibly closed by
// Shutdown, so the test can observe tracker-driven cleanup.
type blockingHandler struct {
	block    chan struct{}
	released *atomic.Int32
}

func (b *blockingHandler) Handle(conn net.Conn, id uint64, group int, src *pool.Pool) {
	buf := make([]byte, 1)
	conn.Read(buf) // blocks until the peer or Shutdown closes conn
	b.released.Add(1)
	close(b.block)
}
