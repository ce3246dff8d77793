package core

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Routing metadata keys populated from the TLS handshake.
const (
	MetadataServerName = "server_name"
	MetadataALPN       = "alpn"
	MetadataRemoteAddr = "remote_addr"
)

// RoutingMetadata contains information extracted from the TLS handshake
// used to determine the destination backend (e.g., "server_name": "api.example.com").
type RoutingMetadata map[string]string

// BackendResolver defines how to find a backend address based on metadata.
// It is purely a lookup mechanism and knows nothing about the network.
type BackendResolver interface {
	Resolve(ctx context.Context, metadata RoutingMetadata) (string, error)
}

// CredentialStore defines how to retrieve the server certificate.
// It abstracts away the storage mechanism (K8s Secret, File, Redis, etc.).
type CredentialStore interface {
	GetCertificate(ctx context.Context) (*tls.Certificate, error)
	Store(ctx context.Context, certPEM, keyPEM []byte) error
}

// ConnectionHandler takes full ownership of one accepted raw connection.
// The context is cancelled when the server forces remaining connections closed.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// Transport opens the listening socket for encrypted traffic.
type Transport interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
}

// Clock is the time source used for log timestamps and durations.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TCPTransport listens on plain TCP sockets.
type TCPTransport struct {
	// KeepAlive is passed to net.ListenConfig; zero keeps the Go default.
	KeepAlive time.Duration
}

func (t TCPTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	return lc.Listen(ctx, "tcp", addr)
}
