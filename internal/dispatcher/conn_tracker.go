package dispatcher

import (
	"net"
	"sync"
	"time"
)

// connInfo is a snapshot of one tracked connection, used for Shutdown
// logging: it lets the dispatcher report what it is about to force-close
// without reaching back into serveListener's goroutines.
type connInfo struct {
	id         uint64
	group      int
	remoteAddr string
	acceptedAt time.Time
}

// connTracker records every connection the dispatcher has handed to a
// handler but not yet seen close, keyed by the connection itself so
// remove() stays O(1) regardless of accept order.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]connInfo
}

func newConnTracker() *connTracker {
	return &connTracker{
		conns: make(map[net.Conn]connInfo),
	}
}

// add registers a connection under its dispatcher-assigned id and routing
// group.
func (t *connTracker) add(conn net.Conn, id uint64, group int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = connInfo{
		id:         id,
		group:      group,
		remoteAddr: conn.RemoteAddr().String(),
		acceptedAt: time.Now(),
	}
}

// remove unregisters a connection. Safe to call multiple times for the
// same connection.
func (t *connTracker) remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// count returns the number of active connections.
func (t *connTracker) count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.conns))
}

// snapshot returns the info for every currently tracked connection, in no
// particular order, for logging at shutdown.
func (t *connTracker) snapshot() []connInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]connInfo, 0, len(t.conns))
	for _, info := range t.conns {
		out = append(out, info)
	}
	return out
}

// closeAll closes every tracked connection and resets the tracker state.
func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[net.Conn]connInfo)
}
