package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	maxAcceptBackoff       = time.Second
)

// Server is the generic TLS tunnel listener.
// It depends ONLY on interfaces, not concrete implementations.
type Server struct {
	ConnectionHandler ConnectionHandler
	Logger            *slog.Logger

	// ShutdownTimeout is the maximum time to wait for active connections to
	// drain after the serve context is cancelled. Remaining connections are
	// then forcefully closed.
	ShutdownTimeout time.Duration

	// OnListening, when set, is called once the listener accepts connections.
	OnListening func(addr net.Addr)

	wg sync.WaitGroup
}

// ListenAndServe opens addr through the transport and serves it until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, t Transport, addr string) error {
	l, err := t.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve starts accepting connections on l and blocks until ctx is cancelled.
// A failure on one connection never stops the accept loop.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	logger := s.logger()
	shutdownTimeout := s.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	// Connections get their own context so they can outlive ctx while draining.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	logger.Info("listening", "addr", l.Addr().String())
	if s.OnListening != nil {
		s.OnListening(l.Addr())
	}

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx, connCtx, l)
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, closing listener")
		if cerr := l.Close(); cerr != nil {
			logger.Error("error closing listener", "error", cerr)
		}
		<-acceptErr
	case err = <-acceptErr:
		logger.Error("accept loop stopped", "error", err)
		_ = l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all connections closed")
		return err
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, l net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient failures (EMFILE, ECONNABORTED, ...) are retried.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger().Warn("accept failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(connCtx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, clientConn net.Conn) {
	// Delegate the entire lifecycle to the handler
	s.ConnectionHandler.HandleConnection(ctx, clientConn)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
