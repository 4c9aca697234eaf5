// Package httpsniff extracts the method and target host:port from the
// first bytes of an HTTP request, without consuming them from the
// underlying connection.
package httpsniff

import (
	"errors"
	"strings"
)

// MaxPeek is the largest peek window considered when sniffing.
const MaxPeek = 40 * 1024

// ErrNoTarget is returned when neither a Host header nor a request-target
// token could be found.
var ErrNoTarget = errors.New("no host in request")

// Result is the outcome of a successful sniff.
type Result struct {
	// IsConnect is true when the method token is CONNECT.
	IsConnect bool
	// Target is the host:port to dial, always carrying an explicit port.
	Target string
}

// Sniff splits buf on ASCII whitespace, takes the first token as the
// method, scans the remaining tokens case-insensitively for "Host:" and
// takes the following token as the target. If no Host header is present,
// it falls back to the request-target (the second token). A target with
// no colon, or a bracketed IPv6 literal with no port, gets ":80" appended.
func Sniff(buf []byte) (Result, error) {
	fields := strings.Fields(string(buf))
	if len(fields) == 0 {
		return Result{}, ErrNoTarget
	}

	method := fields[0]
	var requestTarget string
	if len(fields) > 1 {
		requestTarget = fields[1]
	}

	target := findHostHeader(fields)
	if target == "" {
		target = requestTarget
	}
	if target == "" {
		return Result{}, ErrNoTarget
	}

	target = ensurePort(target)

	return Result{
		IsConnect: strings.EqualFold(method, "CONNECT"),
		Target:    target,
	}, nil
}

// findHostHeader scans tokens for a case-insensitive "Host:" and returns
// the following token, or "" if none is found. This matches splitting on
// any interleaving of ASCII whitespace between "Host:" and the value,
// since strings.Fields already collapses runs of whitespace into single
// token boundaries.
func findHostHeader(fields []string) string {
	for i, f := range fields {
		if strings.EqualFold(f, "Host:") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func ensurePort(target string) string {
	bracketed := strings.HasPrefix(target, "[") && strings.HasSuffix(target, "]")
	if bracketed || !strings.Contains(target, ":") {
		return target + ":80"
	}
	return target
}
