package core

import "errors"

var (
	// ErrHandshake wraps every TLS negotiation failure. A failed handshake is
	// terminal; the client has to reconnect.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrUnsupportedAddressFamily is returned when a PROXY header is requested
	// for an endpoint that is neither IPv4 nor IPv6 (e.g. a Unix socket).
	ErrUnsupportedAddressFamily = errors.New("unsupported address family")

	// ErrAddressFamilyMismatch is returned when the peer and local endpoints
	// of one connection belong to different address families.
	ErrAddressFamilyMismatch = errors.New("address family mismatch between peer and local endpoint")

	// ErrBackendUnavailable indicates the upstream could not be resolved or dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCertificateNotFound is returned by credential stores holding no certificate.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)
