package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/proxyheader"
)

// DefaultBufferSize bounds one read from the TLS stream. It sets I/O
// granularity only; it is not a framing unit.
const DefaultBufferSize = 4096

// Outcome is how a relay loop ended.
type Outcome int

const (
	OutcomeEOF Outcome = iota + 1
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEOF:
		return "eof"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the terminal state of a session's relay loop.
type Result struct {
	Outcome Outcome
	Err     error
}

// Target receives the plaintext read from a session.
type Target interface {
	io.Writer
	// Flush runs once per session, after the first successful read and
	// before the first Write. header is nil when PROXY headers are disabled.
	Flush(header []byte) error
	Close() error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	BufferSize int
	// IdleTimeout closes sessions that stay silent this long; zero disables it.
	IdleTimeout time.Duration
	// ProxyHeader enables PROXY v1 header construction for Flush.
	ProxyHeader bool
	// FlushOnStart flushes before the first read instead of after it, for
	// upstreams that speak first and expect the PROXY header up front.
	FlushOnStart bool
	// OnFlush observes every flush, e.g. for metrics.
	OnFlush func(sess *Session, header []byte)
}

// Relay moves plaintext from a session to a target, strictly alternating
// one read with one write so a slow target throttles the client.
type Relay struct {
	bufferSize  int
	idleTimeout time.Duration
	proxyHeader bool
	flushEarly  bool
	onFlush     func(*Session, []byte)
	encode      func(net.Conn) ([]byte, error)
}

// NewRelay returns a Relay for cfg.
func NewRelay(cfg RelayConfig) *Relay {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Relay{
		bufferSize:  size,
		idleTimeout: cfg.IdleTimeout,
		proxyHeader: cfg.ProxyHeader,
		flushEarly:  cfg.FlushOnStart,
		onFlush:     cfg.OnFlush,
		encode:      proxyheader.FromConn,
	}
}

// Run loops until the session reaches end-of-stream or fails. Counters on
// the session reflect only bytes transferred before the loop ended.
func (r *Relay) Run(ctx context.Context, sess *Session, target Target) Result {
	buf := make([]byte, r.bufferSize)
	if r.flushEarly && !sess.headerFlushed {
		if err := r.flush(sess, target); err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}

		if r.idleTimeout > 0 {
			if err := sess.conn.SetReadDeadline(time.Now().Add(r.idleTimeout)); err != nil {
				return r.terminal(ctx, err)
			}
		}

		n, readErr := sess.Stream().Read(buf)
		if n > 0 {
			if !sess.headerFlushed {
				if err := r.flush(sess, target); err != nil {
					return Result{Outcome: OutcomeError, Err: err}
				}
			}
			if _, err := target.Write(buf[:n]); err != nil {
				return r.terminal(ctx, fmt.Errorf("write: %w", err))
			}
		}
		if readErr != nil {
			return r.terminal(ctx, readErr)
		}
	}
}

func (r *Relay) flush(sess *Session, target Target) error {
	var header []byte
	if r.proxyHeader {
		h, err := r.encode(sess.raw)
		if err != nil {
			return fmt.Errorf("proxy header: %w", err)
		}
		header = h
	}
	// The flag flips before Flush so a failing target is never flushed twice.
	sess.headerFlushed = true
	if err := target.Flush(header); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if r.onFlush != nil {
		r.onFlush(sess, header)
	}
	return nil
}

func (r *Relay) terminal(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Result{Outcome: OutcomeError, Err: ctx.Err()}
	}
	if isEOF(err) {
		return Result{Outcome: OutcomeEOF}
	}
	return Result{Outcome: OutcomeError, Err: err}
}

// isEOF reports a clean end of stream. A locally closed connection counts
// as one: only the session's own teardown closes it.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
