// Package stats tracks per-connection plaintext byte counters.
package stats

import (
	"fmt"
	"net"
	"sync/atomic"
)

// ConnectionStats counts bytes read from and written to one tunnel session.
// Both counters only ever grow. A value belongs to a single session and must
// not be copied after first use.
type ConnectionStats struct {
	read    atomic.Uint64
	written atomic.Uint64
}

// AddRead records n bytes read. Non-positive values are ignored.
func (s *ConnectionStats) AddRead(n int) {
	if n > 0 {
		s.read.Add(uint64(n))
	}
}

// AddWritten records n bytes written. Non-positive values are ignored.
func (s *ConnectionStats) AddWritten(n int) {
	if n > 0 {
		s.written.Add(uint64(n))
	}
}

func (s *ConnectionStats) Read() uint64    { return s.read.Load() }
func (s *ConnectionStats) Written() uint64 { return s.written.Load() }

func (s *ConnectionStats) String() string {
	return fmt.Sprintf("read %d bytes, wrote %d bytes", s.Read(), s.Written())
}

// Conn wraps a net.Conn and accounts every successfully transferred byte
// into a ConnectionStats.
type Conn struct {
	net.Conn
	stats *ConnectionStats
}

// WrapConn returns conn with its reads and writes counted into s.
func WrapConn(conn net.Conn, s *ConnectionStats) *Conn {
	return &Conn{Conn: conn, stats: s}
}

// Read wraps the underlying Read to count bytes
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.stats.AddRead(n)
	return n, err
}

// Write wraps the underlying Write to count bytes
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.stats.AddWritten(n)
	return n, err
}

// Stats returns the counters this connection reports into.
func (c *Conn) Stats() *ConnectionStats { return c.stats }
