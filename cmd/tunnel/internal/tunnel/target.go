package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// TargetFactory opens the destination for one established session.
type TargetFactory interface {
	NewTarget(ctx context.Context, sess *Session) (Target, error)
}

// EchoFactory creates EchoTargets.
type EchoFactory struct {
	Logger *slog.Logger
}

func (f EchoFactory) NewTarget(_ context.Context, sess *Session) (Target, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoTarget{sess: sess, logger: logger}, nil
}

// EchoTarget writes every chunk back to the client. The PROXY header goes to
// the log since there is no downstream consumer to receive it.
type EchoTarget struct {
	sess   *Session
	logger *slog.Logger
}

func (t *EchoTarget) Flush(header []byte) error {
	if header != nil {
		t.logger.Debug("proxy header", "session", t.sess.ID, "header", strings.TrimRight(string(header), "\r\n"))
	}
	return nil
}

func (t *EchoTarget) Write(p []byte) (int, error) {
	return t.sess.Stream().Write(p)
}

func (t *EchoTarget) Close() error { return nil }

// BackendFactory dials a resolved upstream for every session.
type BackendFactory struct {
	Resolver    core.BackendResolver
	DialTimeout time.Duration
	// Linger is how long Close waits for the upstream to finish replying
	// after the client side ended.
	Linger time.Duration
	Logger *slog.Logger
}

func (f BackendFactory) NewTarget(ctx context.Context, sess *Session) (Target, error) {
	addr, err := f.Resolver.Resolve(ctx, sess.Metadata())
	if err != nil {
		return nil, fmt.Errorf("%w: resolution failed: %w", core.ErrBackendUnavailable, err)
	}

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", core.ErrBackendUnavailable, addr, err)
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("backend connected", "session", sess.ID, "backend_addr", addr)
	linger := f.Linger
	if linger <= 0 {
		linger = 5 * time.Second
	}
	return newBackendTarget(sess, conn, linger, logger), nil
}

// BackendTarget forwards client plaintext to an upstream connection and
// copies the upstream's replies back onto the session stream.
type BackendTarget struct {
	sess    *Session
	backend net.Conn
	linger  time.Duration
	logger  *slog.Logger

	done      chan struct{}
	copyErr   error
	closeOnce sync.Once
	closeErr  error
}

func newBackendTarget(sess *Session, backend net.Conn, linger time.Duration, logger *slog.Logger) *BackendTarget {
	t := &BackendTarget{
		sess:    sess,
		backend: backend,
		linger:  linger,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go t.copyBack()
	return t
}

func (t *BackendTarget) copyBack() {
	defer close(t.done)
	_, err := io.Copy(t.sess.Stream(), t.backend)
	if err != nil && !isEOF(err) {
		t.logger.Debug("backend copy stopped", "session", t.sess.ID, "error", err)
		t.copyErr = err
	}
	// Backend is gone; unblock the relay's pending read.
	_ = t.sess.Close()
}

// Flush writes the PROXY header ahead of any payload.
func (t *BackendTarget) Flush(header []byte) error {
	if len(header) == 0 {
		return nil
	}
	_, err := t.backend.Write(header)
	return err
}

func (t *BackendTarget) Write(p []byte) (int, error) {
	return t.backend.Write(p)
}

// Close half-closes the upstream, gives it up to the linger period to finish
// replying, then closes it and waits for the return copy to stop. A failure
// of the return copy (e.g. a reset upstream) is reported in preference to
// the close error.
func (t *BackendTarget) Close() error {
	t.closeOnce.Do(func() {
		if cw, ok := t.backend.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err == nil {
				select {
				case <-t.done:
				case <-time.After(t.linger):
				}
			}
		}
		t.closeErr = t.backend.Close()
		<-t.done
		if t.copyErr != nil {
			t.closeErr = fmt.Errorf("backend: %w", t.copyErr)
		}
	})
	return t.closeErr
}
