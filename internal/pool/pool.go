// Package pool implements round-robin source-IP selection by address
// family, the local-address half of the dialer's bind-before-connect step.
package pool

import (
	"net"
	"sync"
)

// Pool holds two ordered sequences of local IP literals, one per address
// family, each with its own cursor. The cursor advances under a mutex so
// concurrent callers observe a fair round-robin: a call sequence from N
// goroutines yields an interleaved permutation with no index skipped or
// repeated within a cycle.
type Pool struct {
	mu sync.Mutex
	v4 []net.IP
	v6 []net.IP
	i4 int
	i6 int
}

// New builds a Pool from literal address strings. Invalid literals are
// skipped; callers are expected to validate during config load.
func New(v4, v6 []string) *Pool {
	p := &Pool{
		v4: make([]net.IP, 0, len(v4)),
		v6: make([]net.IP, 0, len(v6)),
	}
	for _, s := range v4 {
		if ip := net.ParseIP(s); ip != nil {
			if v4ip := ip.To4(); v4ip != nil {
				p.v4 = append(p.v4, v4ip)
			}
		}
	}
	for _, s := range v6 {
		if ip := net.ParseIP(s); ip != nil {
			if ip.To4() == nil {
				p.v6 = append(p.v6, ip)
			}
		}
	}
	return p
}

// NextV4 returns the next IPv4 source address in cyclic order, or
// net.IPv4zero if the v4 sequence is empty.
func (p *Pool) NextV4() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return next(p.v4, &p.i4, net.IPv4zero)
}

// NextV6 returns the next IPv6 source address in cyclic order, or
// net.IPv6unspecified if the v6 sequence is empty.
func (p *Pool) NextV6() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return next(p.v6, &p.i6, net.IPv6unspecified)
}

// HasV4 reports whether the pool carries any IPv4 source addresses.
func (p *Pool) HasV4() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.v4) > 0
}

// HasV6 reports whether the pool carries any IPv6 source addresses.
func (p *Pool) HasV6() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.v6) > 0
}

// next implements the wrap-then-read-then-advance cursor algorithm: the
// cursor is rewound to zero before reading whenever it has run past the
// end of the sequence, the default is used when the sequence is empty,
// and the cursor always advances regardless of which branch supplied the
// returned value.
func next(seq []net.IP, cursor *int, def net.IP) net.IP {
	if *cursor >= len(seq) {
		*cursor = 0
	}
	var ans net.IP
	if *cursor < len(seq) {
		ans = seq[*cursor]
	} else {
		ans = def
	}
	*cursor++
	return ans
}
