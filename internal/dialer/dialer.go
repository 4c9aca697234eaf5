// Package dialer establishes outbound TCP connections against a list of
// resolved candidates, binding each attempt's local source address from
// an AddressPool and retrying on a per-candidate timeout budget.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// SourcePool supplies the local source address to bind for each family.
type SourcePool interface {
	NextV4() net.IP
	NextV6() net.IP
}

// Outcome reports what happened for a single candidate, for callers that
// want to emit progress events without the dialer depending on the event
// bus directly.
type Outcome int

const (
	// OutcomeConnected means this candidate produced the returned conn.
	OutcomeConnected Outcome = iota
	// OutcomeRetry means this candidate failed (bind or connect) and the
	// next candidate was attempted.
	OutcomeRetry
)

// OnAttempt is called once per candidate with its outcome, in order.
type OnAttempt func(candidate net.TCPAddr, outcome Outcome)

// ErrAllHostsUnreachable is returned when every candidate was exhausted
// without success.
var ErrAllHostsUnreachable = errors.New("all hosts unreachable")

// ErrOverallTimeout is returned when ctx's own deadline expires before the
// candidate list is exhausted -- distinct from a single candidate's
// connect timeout, which just advances to the next candidate.
var ErrOverallTimeout = errors.New("connect timed out")

// Dial iterates candidates in order. For each, it selects a source address
// of matching family from the pool, binds a fresh socket to (source, 0),
// and attempts to connect within connectTimeout. Bind failures, connect
// timeouts and connect errors all retry the next candidate; the overall
// budget is bounded by len(candidates) * connectTimeout. The first
// successful connect is returned immediately.
func Dial(ctx context.Context, candidates []net.TCPAddr, pool SourcePool, connectTimeout time.Duration, onAttempt OnAttempt) (net.Conn, error) {
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %v: %w", candidates, ErrOverallTimeout)
		}
		var source net.IP
		if candidate.IP.To4() != nil {
			source = pool.NextV4()
		} else {
			source = pool.NextV6()
		}

		d := net.Dialer{
			Timeout:   connectTimeout,
			LocalAddr: &net.TCPAddr{IP: source, Port: 0},
			Control:   setReuseAddr,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := d.DialContext(attemptCtx, "tcp", candidate.String())
		cancel()

		if err != nil {
			if onAttempt != nil {
				onAttempt(candidate, OutcomeRetry)
			}
			continue
		}

		if onAttempt != nil {
			onAttempt(candidate, OutcomeConnected)
		}
		return conn, nil
	}

	return nil, fmt.Errorf("dial %v: %w", candidates, ErrAllHostsUnreachable)
}
