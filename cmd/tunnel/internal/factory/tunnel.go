package factory

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/config"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/metrics"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/tunnel"
)

// TunnelFactory creates the connection handler for the configured forward mode
type TunnelFactory struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   core.Clock
}

// NewTunnelFactory creates a new tunnel factory
func NewTunnelFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, clock core.Clock) *TunnelFactory {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &TunnelFactory{cfg: cfg, logger: logger, metrics: m, clock: clock}
}

// Create builds the handler serving cert. resolver is only used in backend mode.
func (f *TunnelFactory) Create(cert *tls.Certificate, resolver core.BackendResolver) (*tunnel.Handler, error) {
	acceptor, err := tunnel.NewAcceptor(tunnel.AcceptorConfig{
		Certificate:      cert,
		MinVersion:       f.cfg.MinTLSVersion(),
		NextProtos:       f.cfg.TLSALPN,
		HandshakeTimeout: f.cfg.HandshakeTimeout,
		Clock:            f.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS acceptor: %w", err)
	}

	targets, err := f.targets(resolver)
	if err != nil {
		return nil, err
	}

	f.logger.Info("Creating Tunnel Handler",
		"forward_mode", f.cfg.ForwardMode,
		"proxy_protocol", f.cfg.ProxyProtocol,
		"buffer_size", f.cfg.RelayBufferSize,
		"idle_timeout", f.cfg.IdleTimeout)

	return &tunnel.Handler{
		Acceptor: acceptor,
		Relay: tunnel.NewRelay(tunnel.RelayConfig{
			BufferSize:   f.cfg.RelayBufferSize,
			IdleTimeout:  f.cfg.IdleTimeout,
			ProxyHeader:  f.cfg.ProxyProtocol,
			FlushOnStart: f.cfg.ForwardMode == config.ForwardBackend && f.cfg.ProxyHeaderOnConnect,
			OnFlush:      tunnel.CountProxyHeaders(f.metrics),
		}),
		Targets: targets,
		Metrics: f.metrics,
		Logger:  f.logger,
		Clock:   f.clock,
	}, nil
}

func (f *TunnelFactory) targets(resolver core.BackendResolver) (tunnel.TargetFactory, error) {
	switch f.cfg.ForwardMode {
	case config.ForwardEcho:
		return tunnel.EchoFactory{Logger: f.logger}, nil
	case config.ForwardBackend:
		if resolver == nil {
			return nil, fmt.Errorf("backend forward mode requires a backend resolver")
		}
		return tunnel.BackendFactory{
			Resolver:    resolver,
			DialTimeout: f.cfg.BackendDialTimeout,
			Logger:      f.logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown forward mode: %s", f.cfg.ForwardMode)
	}
}
