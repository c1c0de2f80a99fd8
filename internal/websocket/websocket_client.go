package websocket

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/session"
)

const (
	pingPeriod   = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Client is a WebSocket session registered under a SystemID.
type Client struct {
	*session.Session

	conn    *websocket.Conn
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(conn *websocket.Conn, id otpnet.SystemID, remoteAddr string, filter session.Filter, rateLimitConfig *session.RateLimitConfig, m *metrics.Metrics) *Client {
	client := &Client{
		Session: session.New(id, remoteAddr, filter, rateLimitConfig),
		conn:    conn,
		metrics: m,
		done:    make(chan struct{}),
	}

	// Start the write pump
	go client.writePump()

	return client
}

// Transport reports TransportWebSocket.
func (c *Client) Transport() otpnet.Transport {
	return otpnet.TransportWebSocket
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode lets the write pump flush what is queued, then sends the
// close frame and closes the connection.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	if !c.Shutdown() {
		return nil
	}

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(writeTimeout):
	}

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	return multierr.Combine(
		ignoreClosed(c.conn.WriteControl(websocket.CloseMessage, message, deadline)),
		ignoreClosed(c.conn.Close()),
	)
}

// writePump pumps messages from the send channel to the websocket connection.
// The close frame is left to CloseWithCode. A failed write shuts the session
// down, which releases blocked senders, and closes the socket so the read
// loop ends too.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(c.done)

	transport := c.Transport().String()
	for {
		select {
		case message, ok := <-c.Outgoing():
			if !ok {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.abort()
				return
			}
			c.metrics.Frame(transport, metrics.DirectionOut)

		case <-ticker.C:
			// Send ping to keep connection alive
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.abort()
				return
			}
		}
	}
}

func (c *Client) abort() {
	c.Shutdown()
	c.conn.Close()
}

// ignoreClosed drops the errors of a connection that is already closed.
func ignoreClosed(err error) error {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
