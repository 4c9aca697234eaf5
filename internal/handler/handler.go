// Package handler implements the per-connection state machine: sniff the
// protocol, parse its request, resolve and dial the destination, and
// relay bytes, emitting progress events and metrics at every stage.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"github.com/relayfive/multiproxy/internal/dialer"
	"github.com/relayfive/multiproxy/internal/events"
	"github.com/relayfive/multiproxy/internal/httpsniff"
	"github.com/relayfive/multiproxy/internal/logging"
	"github.com/relayfive/multiproxy/internal/metrics"
	"github.com/relayfive/multiproxy/internal/pool"
	"github.com/relayfive/multiproxy/internal/relay"
	"github.com/relayfive/multiproxy/internal/resolver"
	"github.com/relayfive/multiproxy/internal/socks5"
)

// sniffWindow bounds the single initial read used to recognize the
// protocol; it doubles as the HTTP sniffer's peek window.
const sniffWindow = httpsniff.MaxPeek

const (
	httpOK      = "HTTP/1.1 200 Connection Established\r\n\r\n"
	httpBad     = "HTTP/1.1 400 Bad Request\r\n\r\n"
	httpNoRoute = "HTTP/1.1 404 Not Found\r\n\r\n"
	httpDialErr = "HTTP/1.1 500 Internal Server Error\r\n\r\n"
	httpTimeout = "HTTP/1.1 504 Gateway Time-out\r\n\r\n"
)

// Error classes used as the bounded "reason" label on the error-count
// metric, per §7's error kinds. Event payloads and logs keep the full,
// unbounded error text; only the metric label is reduced to this fixed
// set, since the text itself (resolver/dial error strings embed the
// client-chosen target) would otherwise make that series unbounded
// cardinality.
const (
	errClassParse   = "parse"
	errClassResolve = "resolve"
	errClassDial    = "dial"
	errClassTimeout = "timeout"
	errClassIO      = "io"
)

// Handler holds the dependencies shared across every connection it
// processes: nothing here is per-connection state.
type Handler struct {
	Bus            *events.Bus
	Metrics        *metrics.Metrics
	Log            *slog.Logger
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	PreferV6       resolver.Preference
}

// New builds a Handler; a nil logger defaults to a no-op logger.
func New(bus *events.Bus, m *metrics.Metrics, log *slog.Logger, connectTimeout, ioTimeout time.Duration, preferV6 resolver.Preference) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{Bus: bus, Metrics: m, Log: log, ConnectTimeout: connectTimeout, IOTimeout: ioTimeout, PreferV6: preferV6}
}

// Handle drives one accepted connection through the full state machine.
// It always closes conn before returning. id identifies the connection on
// the event bus; group is the owning Routing's group id; src supplies
// both dial candidate ranking and bind-source selection.
func (h *Handler) Handle(conn net.Conn, id uint64, group int, src *pool.Pool) {
	defer conn.Close()

	peerIP := peerIPOf(conn)
	h.emit(id, group, events.ReceivedEvent(peerIP))

	buf := make([]byte, sniffWindow)
	n, _ := conn.Read(buf)
	if n < 3 {
		h.fail(id, group, conn, "too short", events.ProtocolUnknown, errClassParse, nil)
		return
	}
	sample := buf[:n]

	switch classify(sample) {
	case protoSOCKS5:
		h.handleSOCKS5(conn, id, group, src, sample)
	case protoHTTP:
		h.handleHTTP(conn, id, group, src, sample)
	default:
		h.fail(id, group, conn, "unknown protocol", events.ProtocolUnknown, errClassParse, nil)
	}
}

type protoClass int

const (
	protoUnknown protoClass = iota
	protoSOCKS5
	protoHTTP
)

// classify implements §4.8's first-byte sniff: 0x05 is SOCKS5; otherwise
// the first up to 16 bytes must be valid UTF-8 to be treated as HTTP.
func classify(sample []byte) protoClass {
	if sample[0] == socks5.Version {
		return protoSOCKS5
	}
	probe := sample
	if len(probe) > 16 {
		probe = probe[:16]
	}
	if utf8.Valid(probe) {
		return protoHTTP
	}
	return protoUnknown
}

func (h *Handler) handleHTTP(conn net.Conn, id uint64, group int, src *pool.Pool, sample []byte) {
	result, err := httpsniff.Sniff(sample)
	if err != nil {
		h.fail(id, group, conn, "bad request", events.ProtocolUnknown, errClassParse, writeString(conn, httpBad))
		return
	}

	proto := events.ProtocolHTTP
	if result.IsConnect {
		proto = events.ProtocolHTTPSConnect
	}
	h.emit(id, group, events.RecognizedEvent(proto))
	h.recordAccept(proto)
	defer h.recordClose()

	upstream, boundLocal, dialErr := h.resolveAndDial(id, group, src, result.Target)
	if dialErr != nil {
		writeString(conn, httpResponseFor(dialErr))
		h.fail(id, group, conn, dialErr.Error(), proto, classifyDialErr(dialErr), nil)
		return
	}
	defer upstream.Close()

	h.emit(id, group, events.ConnectedEvent(boundLocal, upstreamIPOf(upstream)))

	if result.IsConnect {
		if _, err := writeString(conn, httpOK)(); err != nil {
			h.fail(id, group, conn, err.Error(), proto, errClassIO, nil)
			return
		}
	} else {
		if _, err := upstream.Write(sample); err != nil {
			h.fail(id, group, conn, err.Error(), proto, errClassIO, nil)
			return
		}
	}

	h.relay(id, group, conn, upstream)
}

func (h *Handler) handleSOCKS5(conn net.Conn, id uint64, group int, src *pool.Pool, greeting []byte) {
	if err := socks5.ParseGreeting(greeting); err != nil {
		conn.Write([]byte{socks5.Version, socks5.MethodNoAcceptable})
		h.fail(id, group, conn, "no acceptable authentication method", events.ProtocolUnknown, errClassParse, nil)
		return
	}
	conn.Write([]byte{socks5.Version, socks5.MethodNoAuth})

	reqBuf := make([]byte, 512)
	n, err := conn.Read(reqBuf)
	if err != nil || n < 4 {
		h.fail(id, group, conn, "short request", events.ProtocolUnknown, errClassParse, nil)
		return
	}
	req, err := socks5.ParseRequest(reqBuf[:n])
	if err != nil {
		h.fail(id, group, conn, err.Error(), events.ProtocolUnknown, errClassParse, nil)
		return
	}

	switch req.Cmd {
	case socks5.CmdConnect:
		h.handleSOCKS5Connect(conn, id, group, src, req, reqBuf[:n])
	case socks5.CmdUDPAssociate:
		h.handleSOCKS5UDPAssociate(conn, id, group, src, reqBuf[:n])
	default:
		// Any other CMD is ignored; no reply is sent, connection closes.
		h.fail(id, group, conn, "unsupported command", events.ProtocolUnknown, errClassParse, nil)
	}
}

func (h *Handler) handleSOCKS5Connect(conn net.Conn, id uint64, group int, src *pool.Pool, req socks5.Request, rawReq []byte) {
	proto := events.ProtocolSOCKS5TCP
	h.emit(id, group, events.RecognizedEvent(proto))
	h.recordAccept(proto)
	defer h.recordClose()

	upstream, boundLocal, dialErr := h.resolveAndDial(id, group, src, req.Target)
	if dialErr != nil {
		conn.Write(socks5.BuildFailureReply(rawReq, socks5.ReplyHostUnreachable))
		h.fail(id, group, conn, dialErr.Error(), proto, classifyDialErr(dialErr), nil)
		return
	}
	defer upstream.Close()

	h.emit(id, group, events.ConnectedEvent(boundLocal, upstreamIPOf(upstream)))

	localAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
	if _, err := conn.Write(socks5.BuildReply(socks5.ReplySucceeded, localAddr)); err != nil {
		h.fail(id, group, conn, err.Error(), proto, errClassIO, nil)
		return
	}

	h.relay(id, group, conn, upstream)
}

func (h *Handler) handleSOCKS5UDPAssociate(conn net.Conn, id uint64, group int, src *pool.Pool, rawReq []byte) {
	proto := events.ProtocolSOCKS5UDP
	h.emit(id, group, events.RecognizedEvent(proto))
	h.recordAccept(proto)
	defer h.recordClose()

	clientIP := peerIPOf(conn)
	localIP := src.NextV4()
	if clientIP.To4() == nil {
		localIP = src.NextV6()
	}

	assoc, err := socks5.NewAssociation(localIP, func(direction string, n int) {
		if h.Metrics != nil {
			h.Metrics.RecordBytes(direction, fmt.Sprint(group), n)
		}
		if direction == "upload" {
			h.emit(id, group, events.UploadEvent(n))
		} else {
			h.emit(id, group, events.DownloadEvent(n))
		}
	})
	if err != nil {
		conn.Write(socks5.BuildFailureReply(rawReq, socks5.ReplyHostUnreachable))
		h.fail(id, group, conn, err.Error(), proto, errClassDial, nil)
		return
	}
	defer assoc.Close()
	if h.Metrics != nil {
		h.Metrics.RecordUDPAssociationOpen()
		defer h.Metrics.RecordUDPAssociationClose()
	}

	udpAddr := assoc.LocalAddr()
	h.emit(id, group, events.ConnectedEvent(udpAddr.IP, nil))

	reply := socks5.BuildReply(socks5.ReplySucceeded, &net.TCPAddr{IP: udpAddr.IP, Port: udpAddr.Port})
	if _, err := conn.Write(reply); err != nil {
		h.fail(id, group, conn, err.Error(), proto, errClassIO, nil)
		return
	}

	go assoc.Run()

	// The association lives as long as the TCP control connection stays
	// open; any read returning (data, EOF, or error) signals termination.
	watchBuf := make([]byte, 1)
	conn.Read(watchBuf)

	h.emit(id, group, events.DoneEvent())
}

// resolveAndDial resolves target and dials the best reachable candidate,
// emitting Resolved and Retry events along the way. It returns the
// established upstream connection and the family-matched local IP bound
// for it.
func (h *Handler) resolveAndDial(id uint64, group int, src *pool.Pool, target string) (net.Conn, net.IP, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.ConnectTimeout*time.Duration(maxCandidateFanout))
	defer cancel()

	candidates, err := resolver.Resolve(ctx, target, src, h.PreferV6)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.RecordResolveFailure()
		}
		return nil, nil, fmt.Errorf("resolve: %w", err)
	}
	h.emit(id, group, events.ResolvedEvent(target))

	dialStart := time.Now()
	upstream, err := dialer.Dial(ctx, candidates, src, h.ConnectTimeout, func(candidate net.TCPAddr, outcome dialer.Outcome) {
		if outcome == dialer.OutcomeRetry {
			if h.Metrics != nil {
				h.Metrics.RecordDialRetry()
			}
			h.emit(id, group, events.RetryEvent())
		}
	})
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.RecordDialFailure()
		}
		return nil, nil, err
	}
	if h.Metrics != nil {
		h.Metrics.RecordDialLatency(time.Since(dialStart).Seconds())
	}

	boundLocal := upstream.LocalAddr().(*net.TCPAddr).IP
	return upstream, boundLocal, nil
}

// maxCandidateFanout bounds the overall dial budget as a multiple of a
// single connect attempt, covering a DNS answer with several addresses.
const maxCandidateFanout = 4

func (h *Handler) relay(id uint64, group int, client, upstream net.Conn) {
	dClient := &deadlineConn{Conn: client, timeout: h.IOTimeout}
	dUpstream := &deadlineConn{Conn: upstream, timeout: h.IOTimeout}

	groupKey := fmt.Sprint(group)
	err := relay.Run(dClient, dUpstream,
		func(n int) {
			if h.Metrics != nil {
				h.Metrics.RecordBytes("upload", groupKey, n)
			}
			h.emit(id, group, events.UploadEvent(n))
		},
		func(n int) {
			if h.Metrics != nil {
				h.Metrics.RecordBytes("download", groupKey, n)
			}
			h.emit(id, group, events.DownloadEvent(n))
		},
	)

	if err != nil {
		logging.WithConn(h.Log, id, group).Warn("relay ended with error", logging.KeyError, err)
		h.emit(id, group, events.ErrorEvent(err.Error()))
		if h.Metrics != nil {
			h.Metrics.RecordError(errClassIO)
		}
	} else {
		h.emit(id, group, events.DoneEvent())
	}
}

func (h *Handler) fail(id uint64, group int, conn net.Conn, reason string, proto events.Protocol, class string, writeResult func() (int, error)) {
	if writeResult != nil {
		writeResult()
	}
	logging.WithConn(h.Log, id, group).Debug("connection failed",
		logging.KeyProtocol, proto.String(), logging.KeyReason, reason)
	h.emit(id, group, events.ErrorEvent(reason))
	if h.Metrics != nil {
		h.Metrics.RecordError(class)
	}
}

// classifyDialErr maps a resolveAndDial error to one of the bounded
// metric reason classes.
func classifyDialErr(err error) string {
	switch {
	case isResolveError(err):
		return errClassResolve
	case isOverallTimeout(err):
		return errClassTimeout
	default:
		return errClassDial
	}
}

func (h *Handler) emit(id uint64, group int, e events.Event) {
	if h.Bus != nil {
		h.Bus.Send(id, group, e)
	}
}

func (h *Handler) recordAccept(proto events.Protocol) {
	if h.Metrics != nil {
		h.Metrics.RecordAccept(proto.String())
	}
}

func (h *Handler) recordClose() {
	if h.Metrics != nil {
		h.Metrics.RecordClose()
	}
}

// httpResponseFor maps a resolve/dial failure to the HTTP status line
// written before close, per §4.4.
func httpResponseFor(err error) string {
	switch {
	case isResolveError(err):
		return httpNoRoute
	case isOverallTimeout(err):
		return httpTimeout
	default:
		return httpDialErr
	}
}

func isResolveError(err error) bool {
	var re *resolver.Error
	return errors.As(err, &re)
}

func isOverallTimeout(err error) bool {
	return errors.Is(err, dialer.ErrOverallTimeout)
}

func writeString(conn net.Conn, s string) func() (int, error) {
	return func() (int, error) { return conn.Write([]byte(s)) }
}

func peerIPOf(conn net.Conn) net.IP {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

func upstreamIPOf(conn net.Conn) net.IP {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// deadlineConn wraps a net.Conn, resetting a rolling read/write deadline
// on every call so io_ttl bounds each syscall rather than the whole
// session.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.Conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.Conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	if d.timeout > 0 {
		d.Conn.SetWriteDeadline(time.Now().Add(d.timeout))
	}
	return d.Conn.Write(p)
}

// CloseWrite passes through to the wrapped conn's own CloseWrite when it
// has one, so relay's half-close on clean EOF reaches the real socket
// instead of being swallowed by this wrapper's embedding.
func (d *deadlineConn) CloseWrite() error {
	if hc, ok := d.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
