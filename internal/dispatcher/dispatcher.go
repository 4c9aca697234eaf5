// Package dispatcher runs the accept loops: one listener worker per
// configured host endpoint, each handing accepted connections to a
// Handler under a monotonically increasing connection id.
package dispatcher

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/relayfive/multiproxy/internal/logging"
	"github.com/relayfive/multiproxy/internal/pool"
)

// connHandler is the subset of handler.Handler the dispatcher depends on,
// so tests can substitute a fake without standing up a real pipeline.
type connHandler interface {
	Handle(conn net.Conn, id uint64, group int, src *pool.Pool)
}

// Routing is one listen group: a set of host:port endpoints sharing an
// AddressPool, a routing group id (used for summary aggregation), and an
// optional per-listener rate limit on accepted connections.
type Routing struct {
	Hosts     []string
	Pool      *pool.Pool
	Group     int
	RateLimit rate.Limit // 0 or negative means unlimited
	Burst     int
}

// Dispatcher owns the global connection id counter and the tracker of
// in-flight connections shared across every Routing it serves.
type Dispatcher struct {
	Handler connHandler
	Log     *slog.Logger

	nextID  atomic.Uint64
	tracker *connTracker
}

// New builds a Dispatcher; a nil logger defaults to a no-op logger.
func New(h connHandler, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		Handler: h,
		Log:     log,
		tracker: newConnTracker(),
	}
}

// Serve spawns one listener worker per host in r and blocks until all of
// them return -- either because ctx was cancelled or every one of them
// hit a bind error. A bind failure on one host is logged and that
// worker exits; it does not stop the others.
func (d *Dispatcher) Serve(ctx context.Context, r Routing) {
	var wg sync.WaitGroup
	for _, addr := range r.Hosts {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			d.serveListener(ctx, addr, r)
		}(addr)
	}
	wg.Wait()
}

func (d *Dispatcher) serveListener(ctx context.Context, addr string, r Routing) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.Log.Error("listener bind failed", logging.KeyListenAddr, addr, logging.KeyError, err)
		return
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var limiter *rate.Limiter
	if r.RateLimit > 0 {
		limiter = rate.NewLimiter(r.RateLimit, r.Burst)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.Log.Warn("accept failed", logging.KeyListenAddr, addr, logging.KeyError, err)
			continue
		}

		id := d.nextID.Add(1)
		d.tracker.add(conn, id, r.Group)
		go func() {
			defer d.tracker.remove(conn)
			d.Handler.Handle(conn, id, r.Group, r.Pool)
		}()
	}
}

// Count returns the number of connections currently tracked as in-flight.
func (d *Dispatcher) Count() int64 {
	return d.tracker.count()
}

// Shutdown force-closes every tracked connection, unblocking their
// handlers so the process can exit cleanly. Each connection still open at
// shutdown is logged with how long it had been in flight.
func (d *Dispatcher) Shutdown() {
	now := time.Now()
	for _, info := range d.tracker.snapshot() {
		d.Log.Info("closing in-flight connection for shutdown",
			logging.KeyConnID, info.id,
			logging.KeyGroup, info.group,
			logging.KeyPeerAddr, info.remoteAddr,
			logging.KeyDuration, now.Sub(info.acceptedAt))
	}
	d.tracker.closeAll()
}
