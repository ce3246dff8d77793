package tunnel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/utils"
)

// tcpPair returns both ends of an accepted loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func testCertificate(t *testing.T) *tls.Certificate {
	t.Helper()
	cert, err := utils.SelfSignedCertificate()
	require.NoError(t, err)
	return cert
}

func newTestAcceptor(t *testing.T) *Acceptor {
	t.Helper()
	a, err := NewAcceptor(AcceptorConfig{
		Certificate:      testCertificate(t),
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return a
}

func tlsClient(conn net.Conn) *tls.Conn {
	return tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         "localhost",
	})
}

// establish runs both sides of a handshake and returns the client conn and
// the server session.
func establish(t *testing.T, a *Acceptor) (*tls.Conn, *Session) {
	t.Helper()
	rawClient, rawServer := tcpPair(t)
	client := tlsClient(rawClient)

	clientErr := make(chan error, 1)
	go func() {
		clientErr <- client.HandshakeContext(context.Background())
	}()

	sess, err := a.Handshake(context.Background(), rawServer)
	require.NoError(t, err)
	require.NoError(t, <-clientErr)
	t.Cleanup(func() { sess.Close() })
	return client, sess
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records decodes every JSON log line written so far.
func (b *lockedBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func testLogger(buf *lockedBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// terminalLines returns the "eof." and "error: ..." messages.
func terminalLines(t *testing.T, buf *lockedBuffer) []map[string]any {
	var out []map[string]any
	for _, rec := range buf.records(t) {
		msg, _ := rec["msg"].(string)
		if msg == "eof." || strings.HasPrefix(msg, "error: ") {
			out = append(out, rec)
		}
	}
	return out
}
