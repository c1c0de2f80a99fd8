package socket

import (
	"context"
	"net"
	"time"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/protocol"
	"github.com/luciancaetano/otpnet/internal/session"
)

const writeTimeout = 10 * time.Second

// Conn is a TCP session registered under a SystemID.
type Conn struct {
	*session.Session

	conn    net.Conn
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewConn wraps an accepted connection and starts its write pump.
func NewConn(conn net.Conn, id otpnet.SystemID, filter session.Filter, rateLimitConfig *session.RateLimitConfig, m *metrics.Metrics) *Conn {
	c := &Conn{
		Session: session.New(id, conn.RemoteAddr().String(), filter, rateLimitConfig),
		conn:    conn,
		metrics: m,
		done:    make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Transport reports TransportSocket.
func (c *Conn) Transport() otpnet.Transport {
	return otpnet.TransportSocket
}

// Close stops accepting frames, lets the write pump flush what is queued and
// closes the socket.
func (c *Conn) Close(ctx context.Context) error {
	if !c.Shutdown() {
		return nil
	}

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(writeTimeout):
	}
	return ignoreClosed(c.conn.Close())
}

// CloseWithCode closes the connection. A raw socket has no close frame, so
// code and reason are dropped.
func (c *Conn) CloseWithCode(ctx context.Context, _ int, _ string) error {
	return c.Close(ctx)
}

func (c *Conn) writePump() {
	defer close(c.done)

	transport := c.Transport().String()
	for frame := range c.Outgoing() {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(c.conn, frame); err != nil {
			// Shutdown releases senders blocked on the full queue. Closing the
			// socket unblocks the read loop, which tears the connection down.
			c.Shutdown()
			c.conn.Close()
			return
		}
		c.metrics.Frame(transport, metrics.DirectionOut)
	}
}
