package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/handshake"
	"github.com/luciancaetano/otpnet/internal/protocol"
)

// peer is a test client on either transport.
type peer interface {
	write(t *testing.T, cmd uint32, payload []byte)
	read(t *testing.T) (uint32, []byte)
	close()
}

type wsPeer struct {
	conn *websocket.Conn
}

func (p *wsPeer) write(t *testing.T, cmd uint32, payload []byte) {
	t.Helper()
	data, err := protocol.Encode(cmd, payload)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (p *wsPeer) read(t *testing.T) (uint32, []byte) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.conn.ReadMessage()
	require.NoError(t, err)
	cmd, payload, err := protocol.Decode(data)
	require.NoError(t, err)
	return cmd, payload
}

func (p *wsPeer) close() {
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.conn.Close()
}

type socketPeer struct {
	conn net.Conn
}

func (p *socketPeer) write(t *testing.T, cmd uint32, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(cmd, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(p.conn, frame))
}

func (p *socketPeer) read(t *testing.T) (uint32, []byte) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := protocol.ReadFrame(p.conn)
	require.NoError(t, err)
	cmd, payload, err := protocol.Decode(frame)
	require.NoError(t, err)
	return cmd, payload
}

func (p *socketPeer) close() {
	p.conn.Close()
}

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

func dialWebSocket(t *testing.T, g *Gateway) peer {
	t.Helper()
	conn, _, err := newDialer().Dial("ws://"+g.WebSocketAddr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{conn: conn}
}

func dialSocket(t *testing.T, g *Gateway) peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", g.SocketAddr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &socketPeer{conn: conn}
}

var transports = []struct {
	name string
	dial func(t *testing.T, g *Gateway) peer
}{
	{name: "websocket", dial: dialWebSocket},
	{name: "socket", dial: dialSocket},
}

func startGateway(t *testing.T) *Gateway {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WebSocketAddr = "127.0.0.1:0"
	cfg.SocketAddr = "127.0.0.1:0"
	cfg.RateLimitConfig = NoRateLimit()

	g, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Stop(ctx)
	})
	return g
}

func announcement(t *testing.T, p peer) otpnet.SystemID {
	t.Helper()
	cmd, payload := p.read(t)
	require.Equal(t, otpnet.CmdSystemID, cmd)
	var ann handshake.SystemIDAnnouncement
	require.NoError(t, json.Unmarshal(payload, &ann))
	require.True(t, ann.SystemID.Valid())
	return ann.SystemID
}

func keyRequest(t *testing.T, function string, size int, id otpnet.SystemID) []byte {
	t.Helper()
	body, err := json.Marshal(handshake.KeyRequest{
		Type:         otpnet.MessageTypeOtpKeyRequest,
		KeyFunction:  function,
		KeySize:      size,
		ProcessorKey: id,
	})
	require.NoError(t, err)
	return body
}

func expectError(t *testing.T, p peer, want int32) {
	t.Helper()
	cmd, payload := p.read(t)
	require.Equal(t, otpnet.CmdError, cmd)
	code, err := handshake.DecodeErrorCode(payload)
	require.NoError(t, err)
	require.Equal(t, want, code)
}
