// Package proxyheader builds the PROXY protocol v1 line sent ahead of the
// decrypted stream so the consumer learns the original client address.
//
// The protocol token is taken from the local endpoint of the accepted
// connection. The peer endpoint must belong to the same family; mixed or
// non-IP endpoints (Unix sockets, pipes) are rejected instead of producing an
// ambiguous header.
package proxyheader

import (
	"fmt"
	"net"

	"github.com/pires/go-proxyproto"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// Family is the address family of an Endpoint.
type Family int

const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Token returns the PROXY v1 protocol token for the family.
func (f Family) Token() string {
	if f == FamilyIPv6 {
		return "TCP6"
	}
	return "TCP4"
}

// Endpoint is one side of an accepted connection.
type Endpoint struct {
	IP     net.IP
	Port   uint16
	Family Family
}

// EndpointOf captures addr as an Endpoint. Only TCP addresses are supported.
// IPv4-mapped IPv6 addresses are reported as IPv4.
func EndpointOf(addr net.Addr) (Endpoint, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp == nil {
		return Endpoint{}, fmt.Errorf("%w: %s", core.ErrUnsupportedAddressFamily, networkOf(addr))
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		return Endpoint{IP: ip4, Port: uint16(tcp.Port), Family: FamilyIPv4}, nil
	}
	if ip16 := tcp.IP.To16(); ip16 != nil {
		return Endpoint{IP: ip16, Port: uint16(tcp.Port), Family: FamilyIPv6}, nil
	}
	return Endpoint{}, fmt.Errorf("%w: invalid ip %q", core.ErrUnsupportedAddressFamily, tcp.IP)
}

func networkOf(addr net.Addr) string {
	if addr == nil {
		return "no address"
	}
	return addr.Network()
}

// Encode returns the PROXY v1 line for a connection accepted on local from peer.
func Encode(local, peer net.Addr) ([]byte, error) {
	l, err := EndpointOf(local)
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}
	p, err := EndpointOf(peer)
	if err != nil {
		return nil, fmt.Errorf("peer endpoint: %w", err)
	}
	return EncodeEndpoints(l, p)
}

// EncodeEndpoints formats the header for already captured endpoints.
func EncodeEndpoints(local, peer Endpoint) ([]byte, error) {
	if peer.Family != local.Family {
		return nil, fmt.Errorf("%w: peer %s, local %s", core.ErrAddressFamilyMismatch, peer.Family, local.Family)
	}

	transport := proxyproto.TCPv4
	switch local.Family {
	case FamilyIPv4:
	case FamilyIPv6:
		transport = proxyproto.TCPv6
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedAddressFamily, local.Family)
	}

	header := &proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        &net.TCPAddr{IP: peer.IP, Port: int(peer.Port)},
		DestinationAddr:   &net.TCPAddr{IP: local.IP, Port: int(local.Port)},
	}
	return header.Format()
}

// FromConn encodes the header for an accepted connection.
func FromConn(conn net.Conn) ([]byte, error) {
	return Encode(conn.LocalAddr(), conn.RemoteAddr())
}
