package tunnel

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/stats"
)

// State is the lifecycle position of a tunnel session.
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one accepted, TLS-terminated connection. It is owned by the
// goroutine handling the connection; only Close and the byte counters may be
// touched from elsewhere.
type Session struct {
	ID string

	raw    net.Conn
	conn   *tls.Conn
	stream *stats.Conn
	stats  *stats.ConnectionStats

	state         atomic.Int32
	headerFlushed bool
	started       time.Time
	closeOnce     sync.Once
	closeErr      error
}

func newSession(raw net.Conn, started time.Time) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		raw:     raw,
		stats:   &stats.ConnectionStats{},
		started: started,
	}
	s.state.Store(int32(StateAccepted))
	return s
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns the session's byte counters.
func (s *Session) Stats() *stats.ConnectionStats { return s.stats }

// Stream is the counted plaintext stream. Reads and writes on it update Stats.
func (s *Session) Stream() io.ReadWriter { return s.stream }

// RawConn is the accepted transport underneath TLS.
func (s *Session) RawConn() net.Conn { return s.raw }

// HeaderFlushed reports whether the one-time flush already ran.
func (s *Session) HeaderFlushed() bool { return s.headerFlushed }

// Started is when the raw connection was accepted.
func (s *Session) Started() time.Time { return s.started }

// ConnectionState returns the negotiated TLS parameters.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Metadata exposes handshake details for backend resolution.
func (s *Session) Metadata() core.RoutingMetadata {
	st := s.conn.ConnectionState()
	md := core.RoutingMetadata{
		core.MetadataServerName: strings.ToLower(st.ServerName),
		core.MetadataRemoteAddr: s.raw.RemoteAddr().String(),
	}
	if st.NegotiatedProtocol != "" {
		md[core.MetadataALPN] = st.NegotiatedProtocol
	}
	return md
}

// Close tears down the TLS stream and the transport. It is safe to call
// more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
			return
		}
		s.closeErr = s.raw.Close()
	})
	return s.closeErr
}
