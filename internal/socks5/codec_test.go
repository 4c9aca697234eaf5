package socks5

import (
	"net"
	"testing"
)

func TestParseGreetingAcceptsNoAuth(t *testing.T) {
	if err := ParseGreeting([]byte{Version, 0x02, 0x01, MethodNoAuth}); err != nil {
		t.Fatalf("ParseGreeting: %v", err)
	}
}

func TestParseGreetingRejectsWithoutNoAuth(t *testing.T) {
	err := ParseGreeting([]byte{Version, 0x01, 0x02})
	if err != ErrNoAcceptableMethod {
		t.Fatalf("ParseGreeting = %v, want ErrNoAcceptableMethod", err)
	}
}

func TestParseRequestIPv4Connect(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x09}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Cmd != CmdConnect {
		t.Errorf("Cmd = %v, want CmdConnect", req.Cmd)
	}
	if req.Target != "127.0.0.1:9" {
		t.Errorf("Target = %q, want %q", req.Target, "127.0.0.1:9")
	}
	if req.ConsumedLen != len(buf) {
		t.Errorf("ConsumedLen = %d, want %d", req.ConsumedLen, len(buf))
	}
}

func TestParseRequestIPLiteralsAcrossPorts(t *testing.T) {
	for _, port := range []uint16{0, 1, 80, 443, 65535} {
		// IPv4
		reqBuf := append([]byte{Version, CmdConnect, 0x00, AddrTypeIPv4}, 10, 0, 0, 1)
		reqBuf = append(reqBuf, byte(port>>8), byte(port))
		got, err := ParseRequest(reqBuf)
		if err != nil {
			t.Fatalf("ParseRequest(ipv4, port=%d): %v", port, err)
		}
		want := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: int(port)}
		if got.Target != want.String() {
			t.Errorf("ipv4 port=%d: Target = %q, want %q", port, got.Target, want.String())
		}

		// IPv6
		reqBuf6 := []byte{Version, CmdConnect, 0x00, AddrTypeIPv6}
		reqBuf6 = append(reqBuf6, net.ParseIP("2001:db8::1").To16()...)
		reqBuf6 = append(reqBuf6, byte(port>>8), byte(port))
		got6, err := ParseRequest(reqBuf6)
		if err != nil {
			t.Fatalf("ParseRequest(ipv6, port=%d): %v", port, err)
		}
		want6 := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: int(port)}
		if got6.Target != want6.String() {
			t.Errorf("ipv6 port=%d: Target = %q, want %q", port, got6.Target, want6.String())
		}
	}
}

func TestParseRequestDomain(t *testing.T) {
	host := "example.test"
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeDomain, byte(len(host))}
	buf = append(buf, host...)
	buf = append(buf, 0x01, 0xBB) // port 443
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Target != "example.test:443" {
		t.Errorf("Target = %q, want %q", req.Target, "example.test:443")
	}
}

func TestParseRequestTooShort(t *testing.T) {
	if _, err := ParseRequest([]byte{Version, CmdConnect}); err == nil {
		t.Fatal("expected error for short request")
	}
}

func TestBuildReplySizes(t *testing.T) {
	v4 := BuildReply(ReplySucceeded, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9})
	if len(v4) != 10 {
		t.Errorf("IPv4 reply length = %d, want 10", len(v4))
	}
	v6 := BuildReply(ReplySucceeded, &net.TCPAddr{IP: net.ParseIP("::1"), Port: 9})
	if len(v6) != 22 {
		t.Errorf("IPv6 reply length = %d, want 22", len(v6))
	}
}

func TestBuildFailureReplyEchoesIPv6Request(t *testing.T) {
	req := []byte{Version, CmdConnect, 0x00, AddrTypeIPv6}
	req = append(req, net.ParseIP("2001:db8::1").To16()...)
	req = append(req, 0x01, 0xBB)

	reply := BuildFailureReply(req, ReplyHostUnreachable)
	if len(reply) != len(req) {
		t.Fatalf("reply length = %d, want %d", len(reply), len(req))
	}
	if reply[1] != ReplyHostUnreachable {
		t.Errorf("REP byte = %#x, want %#x", reply[1], ReplyHostUnreachable)
	}
	for i := range req {
		if i == 1 {
			continue
		}
		if reply[i] != req[i] {
			t.Errorf("byte %d = %#x, want %#x (echoed from request)", i, reply[i], req[i])
		}
	}
}

func TestBuildFailureReplyIgnoresEmptyRequest(t *testing.T) {
	if got := BuildFailureReply(nil, ReplyHostUnreachable); len(got) != 0 {
		t.Errorf("reply = % x, want empty", got)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		addrType byte
		ip       net.IP
	}{
		{"ipv4", AddrTypeIPv4, net.ParseIP("198.51.100.7")},
		{"ipv6", AddrTypeIPv6, net.ParseIP("2001:db8::7")},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload := []byte("hello world")
			header := BuildUDPHeader(c.addrType, c.ip, 53)
			datagram := append(header, payload...)

			parsed, gotPayload, err := ParseUDPHeader(datagram)
			if err != nil {
				t.Fatalf("ParseUDPHeader: %v", err)
			}
			if parsed.AddrType != c.addrType {
				t.Errorf("AddrType = %v, want %v", parsed.AddrType, c.addrType)
			}
			if parsed.Port != 53 {
				t.Errorf("Port = %d, want 53", parsed.Port)
			}
			if string(gotPayload) != string(payload) {
				t.Errorf("payload = %q, want %q", gotPayload, payload)
			}
		})
	}
}

func TestParseUDPHeaderRejectsFragment(t *testing.T) {
	datagram := []byte{0, 0, 0x01, AddrTypeIPv4, 1, 2, 3, 4, 0, 80}
	if _, _, err := ParseUDPHeader(datagram); err != ErrFragmentedDatagram {
		t.Fatalf("ParseUDPHeader = %v, want ErrFragmentedDatagram", err)
	}
}

func TestParseUDPHeaderRejectsShort(t *testing.T) {
	if _, _, err := ParseUDPHeader([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected error for short datagram")
	}
}

func TestParseUDPHeaderDomain(t *testing.T) {
	host := "example.test"
	datagram := []byte{0, 0, 0, AddrTypeDomain, byte(len(host))}
	datagram = append(datagram, host...)
	datagram = append(datagram, 0, 53)
	datagram = append(datagram, []byte("payload")...)

	parsed, payload, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if parsed.Host != host {
		t.Errorf("Host = %q, want %q", parsed.Host, host)
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q, want %q", payload, "payload")
	}
}
