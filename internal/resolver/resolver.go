// Package resolver turns a textual host:port target into an ordered list
// of dial candidates, preferring address families the pool can actually
// bind from.
package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"

	"golang.org/x/net/idna"
)

// FamilyPresence reports which address families an AddressPool can supply
// a local source address for. The resolver only needs this much of the
// pool's shape, so it depends on an interface rather than the concrete
// pool type.
type FamilyPresence interface {
	HasV4() bool
	HasV6() bool
}

// Preference selects the family ordering policy. nil means "preserve OS
// order"; a non-nil value selects IPv6-first (true) or IPv4-first (false).
type Preference = *bool

// Error wraps a resolution failure.
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Target, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

// Resolve looks up host:port and returns an ordered, non-empty list of
// candidate addresses. When pref is non-nil, candidates are stable-sorted
// by (family present in pool, family matches preference), both ascending
// so "present and preferred" sorts first.
func Resolve(ctx context.Context, target string, pool FamilyPresence, pref Preference) ([]net.TCPAddr, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, &Error{Target: target, Err: err}
	}

	host, err = normalizeHost(host)
	if err != nil {
		return nil, &Error{Target: target, Err: err}
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, &Error{Target: target, Err: err}
	}
	if len(ips) == 0 {
		return nil, &Error{Target: target, Err: fmt.Errorf("no addresses found")}
	}

	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		return nil, &Error{Target: target, Err: fmt.Errorf("invalid port %q", port)}
	}

	candidates := make([]net.TCPAddr, len(ips))
	for i, ip := range ips {
		candidates[i] = net.TCPAddr{IP: ip, Port: portNum}
	}

	if pref != nil && pool != nil {
		preferV6 := *pref
		sort.SliceStable(candidates, func(i, j int) bool {
			return rank(candidates[i].IP, pool, preferV6) < rank(candidates[j].IP, pool, preferV6)
		})
	}

	return candidates, nil
}

// rank produces a two-level sort key: family present in the pool sorts
// before absent, and within "present", the preferred family sorts first.
// Families absent from the pool still rank below present ones regardless
// of preference, but are never dropped -- the dialer falls back to an
// unspecified local bind for them.
func rank(ip net.IP, pool FamilyPresence, preferV6 bool) int {
	isV6 := ip.To4() == nil
	present := (isV6 && pool.HasV6()) || (!isV6 && pool.HasV4())
	matchesPref := isV6 == preferV6

	switch {
	case present && matchesPref:
		return 0
	case present && !matchesPref:
		return 1
	case !present && matchesPref:
		return 2
	default:
		return 3
	}
}

// normalizeHost passes literal IPs through unchanged and applies IDNA
// (punycode) normalization to DNS names, so internationalized hostnames
// resolve the way a browser's stack would present them on the wire.
func normalizeHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not every plain HTTP Host header is a strict IDNA label (e.g.
		// underscores in internal hostnames); fall back to the original
		// string rather than failing resolution outright.
		return host, nil
	}
	return ascii, nil
}
