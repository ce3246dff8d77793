package core

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) HandleConnection(ctx context.Context, conn net.Conn) { f(ctx, conn) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, s *Server) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return ln.Addr(), cancel, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestServerHandlesEveryConnection(t *testing.T) {
	var handled atomic.Int32
	s := &Server{
		Logger: quietLogger(),
		ConnectionHandler: handlerFunc(func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			handled.Add(1)
			// First byte decides: 'x' fails the connection, anything else echoes.
			buf := make([]byte, 1)
			if _, err := conn.Read(buf); err != nil || buf[0] == 'x' {
				return
			}
			_, _ = conn.Write(buf)
		}),
	}
	addr, cancel, done := startServer(t, s)

	bad, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_, err = bad.Write([]byte("x"))
	require.NoError(t, err)
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err)
	bad.Close()

	good, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_, err = good.Write([]byte("y"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(good, buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf))
	good.Close()

	cancel()
	assert.NoError(t, waitErr(t, done))
	assert.Equal(t, int32(2), handled.Load())
}

func TestServerDrainsBeforeReturning(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	entered := make(chan struct{})
	s := &Server{
		Logger: quietLogger(),
		ConnectionHandler: handlerFunc(func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			close(entered)
			<-release
			finished.Store(true)
		}),
	}
	addr, cancel, done := startServer(t, s)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	<-entered

	cancel()
	select {
	case <-done:
		t.Fatal("server returned with an active connection")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, waitErr(t, done))
	assert.True(t, finished.Load())

	// Listener is closed after shutdown.
	_, err = net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err)
}

func TestServerShutdownTimeoutCancelsConnections(t *testing.T) {
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	s := &Server{
		Logger:          quietLogger(),
		ShutdownTimeout: 50 * time.Millisecond,
		ConnectionHandler: handlerFunc(func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			close(entered)
			<-ctx.Done()
			close(cancelled)
		}),
	}
	addr, cancel, done := startServer(t, s)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	<-entered

	cancel()
	assert.ErrorIs(t, waitErr(t, done), ErrShutdownTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("connection context was not cancelled")
	}
}

func TestServerOnListening(t *testing.T) {
	got := make(chan net.Addr, 1)
	s := &Server{
		Logger:            quietLogger(),
		ConnectionHandler: handlerFunc(func(ctx context.Context, conn net.Conn) { conn.Close() }),
		OnListening:       func(addr net.Addr) { got <- addr },
	}
	addr, cancel, done := startServer(t, s)

	select {
	case a := <-got:
		assert.Equal(t, addr.String(), a.String())
	case <-time.After(time.Second):
		t.Fatal("OnListening not called")
	}
	cancel()
	assert.NoError(t, waitErr(t, done))
}

func TestListenAndServeReportsListenError(t *testing.T) {
	s := &Server{Logger: quietLogger(), ConnectionHandler: handlerFunc(func(context.Context, net.Conn) {})}
	err := s.ListenAndServe(context.Background(), TCPTransport{}, "256.0.0.1:0")
	assert.Error(t, err)
}

func TestSystemClock(t *testing.T) {
	before := time.Now()
	now := SystemClock{}.Now()
	assert.False(t, now.Before(before))
}
