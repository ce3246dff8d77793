package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/stats"
)

// AcceptorConfig configures the TLS server side.
type AcceptorConfig struct {
	// Certificate is the single server certificate for the process lifetime.
	Certificate *tls.Certificate
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	// NextProtos is advertised via ALPN when set.
	NextProtos []string
	// HandshakeTimeout bounds the negotiation; zero means no limit.
	HandshakeTimeout time.Duration
	Clock            core.Clock
}

// Acceptor terminates TLS on raw inbound connections.
type Acceptor struct {
	tlsConfig *tls.Config
	timeout   time.Duration
	clock     core.Clock
}

// NewAcceptor builds an Acceptor bound to one certificate.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.Certificate == nil {
		return nil, errors.New("acceptor requires a server certificate")
	}
	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Acceptor{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{*cfg.Certificate},
			MinVersion:   minVersion,
			NextProtos:   cfg.NextProtos,
		},
		timeout: cfg.HandshakeTimeout,
		clock:   clock,
	}, nil
}

// Handshake consumes raw and drives the TLS server handshake over it.
// On success the returned session is Established. On failure raw is closed
// and the error wraps core.ErrHandshake; there is no retry.
func (a *Acceptor) Handshake(ctx context.Context, raw net.Conn) (*Session, error) {
	sess := newSession(raw, a.clock.Now())

	tlsConn := tls.Server(raw, a.tlsConfig)
	sess.setState(StateHandshaking)

	hctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		sess.setState(StateClosed)
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrHandshake, err)
	}

	sess.conn = tlsConn
	sess.stream = stats.WrapConn(tlsConn, sess.stats)
	sess.setState(StateEstablished)
	return sess, nil
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("Unknown (%x)", version)
	}
}
