package tunnel

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/metrics"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/proxyheader"
)

// Handler implements core.ConnectionHandler: handshake, relay, and one log
// line per terminal outcome. Every failure stays inside the connection.
type Handler struct {
	Acceptor *Acceptor
	Relay    *Relay
	Targets  TargetFactory
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    core.Clock
}

var _ core.ConnectionHandler = (*Handler)(nil)

// HandleConnection implements core.ConnectionHandler.
// It takes full ownership of the connection lifecycle.
func (h *Handler) HandleConnection(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	// Forced shutdown unblocks any pending I/O on this connection.
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	clock := h.clock()
	accepted := clock.Now()
	logger := h.logger().With("remote_addr", raw.RemoteAddr().String())
	logger.Info("accept")
	h.Metrics.SessionStarted()

	// 1. TLS handshake
	sess, err := h.Acceptor.Handshake(ctx, raw)
	h.Metrics.ObserveHandshake(clock.Now().Sub(accepted))
	if err != nil {
		logger.Error("error: " + err.Error())
		h.Metrics.SessionFinished(metrics.OutcomeHandshakeError, 0, 0, 0)
		return
	}
	defer sess.Close()

	logger = logger.With("session", sess.ID)
	state := sess.ConnectionState()
	logger.Debug("TLS handshake successful",
		"protocol", tlsVersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		"server_name", state.ServerName)

	// 2. Relay until a terminal outcome
	res := h.relay(ctx, sess, logger)

	// 3. Report
	st := sess.Stats()
	lifetime := clock.Now().Sub(sess.Started())
	switch res.Outcome {
	case OutcomeEOF:
		logger.Info("eof.", "stats", st.String())
		h.Metrics.SessionFinished(metrics.OutcomeEOF, st.Read(), st.Written(), lifetime)
	default:
		logger.Error("error: "+res.Err.Error(), "stats", st.String())
		h.Metrics.SessionFinished(metrics.OutcomeError, st.Read(), st.Written(), lifetime)
	}
}

func (h *Handler) relay(ctx context.Context, sess *Session, logger *slog.Logger) Result {
	target, err := h.Targets.NewTarget(ctx, sess)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	res := h.Relay.Run(ctx, sess, target)
	if cerr := target.Close(); cerr != nil {
		// The relay sees a clean end when the target tore the session down
		// after its own transport failed.
		if res.Outcome == OutcomeEOF {
			return Result{Outcome: OutcomeError, Err: cerr}
		}
		logger.Debug("target close", "error", cerr)
	}
	return res
}

// CountProxyHeaders is a RelayConfig.OnFlush hook feeding the headers metric.
func CountProxyHeaders(m *metrics.Metrics) func(*Session, []byte) {
	return func(sess *Session, header []byte) {
		if header == nil {
			return
		}
		ep, err := proxyheader.EndpointOf(sess.RawConn().LocalAddr())
		if err != nil {
			return
		}
		m.ProxyHeaderSent(ep.Family.String())
	}
}

func (h *Handler) clock() core.Clock {
	if h.Clock == nil {
		return core.SystemClock{}
	}
	return h.Clock
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
