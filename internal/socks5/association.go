package socks5

import (
	"fmt"
	"net"
	"sync"
)

// MaxDatagramSize bounds a single UDP read at the largest size a UDP
// length field can express, so no datagram is truncated.
const MaxDatagramSize = 65535

// OnDatagram is called once per datagram relayed in either direction, for
// callers that want progress events without Association depending on the
// event bus directly. direction is "upload" for client->destination and
// "download" for destination->client.
type OnDatagram func(direction string, n int)

// Association runs the SOCKS5 UDP ASSOCIATE relay loop for a single
// client. It owns a UDP socket bound to an AddressPool source and learns
// the client's UDP endpoint lazily from the first datagram it receives on
// that socket; everything from that source is the "client side", and
// everything else is treated as a reply from a relayed destination.
type Association struct {
	Conn *net.UDPConn

	mu         sync.Mutex
	clientAddr *net.UDPAddr

	onDatagram OnDatagram
}

// NewAssociation binds a UDP socket on the given local IP (an
// AddressPool source matching the client's family) and returns an
// Association ready to Run.
func NewAssociation(localIP net.IP, onDatagram OnDatagram) (*Association, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind UDP relay socket: %w", err)
	}
	return &Association{Conn: conn, onDatagram: onDatagram}, nil
}

// LocalAddr returns the bound relay socket's local address, the value
// reported back to the client in the UDP ASSOCIATE reply.
func (a *Association) LocalAddr() *net.UDPAddr {
	return a.Conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the relay socket.
func (a *Association) Close() error {
	return a.Conn.Close()
}

// Run reads datagrams until the socket is closed (typically by the
// handler, once the control connection becomes readable or closed). A
// datagram from the learned client side is decoded and its payload
// forwarded to the decoded destination; a datagram from any other source
// is wrapped in a SOCKS5 UDP header (reflecting that source's family) and
// sent to the client side.
func (a *Association) Run() error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := a.Conn.ReadFromUDP(buf)
		if err != nil {
			return nil
		}

		a.mu.Lock()
		if a.clientAddr == nil {
			a.clientAddr = src
		}
		isClient := a.clientAddr.IP.Equal(src.IP) && a.clientAddr.Port == src.Port
		client := a.clientAddr
		a.mu.Unlock()

		if isClient {
			a.relayFromClient(buf[:n])
		} else {
			a.relayToClient(client, src, buf[:n])
		}
	}
}

func (a *Association) relayFromClient(datagram []byte) {
	header, payload, err := ParseUDPHeader(datagram)
	if err != nil {
		return
	}

	var destIP net.IP
	if ip := net.ParseIP(header.Host); ip != nil {
		destIP = ip
	} else {
		resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", header.Host, header.Port))
		if err != nil {
			return
		}
		destIP = resolved.IP
	}

	dest := &net.UDPAddr{IP: destIP, Port: int(header.Port)}
	n, err := a.Conn.WriteToUDP(payload, dest)
	if err == nil && a.onDatagram != nil {
		a.onDatagram("upload", n)
	}
}

func (a *Association) relayToClient(client, source *net.UDPAddr, payload []byte) {
	addrType := byte(AddrTypeIPv4)
	if source.IP.To4() == nil {
		addrType = AddrTypeIPv6
	}
	header := BuildUDPHeader(addrType, source.IP, uint16(source.Port))
	datagram := append(header, payload...)

	n, err := a.Conn.WriteToUDP(datagram, client)
	if err == nil && a.onDatagram != nil {
		a.onDatagram("download", n)
	}
}
