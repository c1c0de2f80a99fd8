package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/gateway"
	"github.com/luciancaetano/otpnet/internal/config"
	"github.com/luciancaetano/otpnet/internal/dispatch"
	"github.com/luciancaetano/otpnet/internal/handshake"
	"github.com/luciancaetano/otpnet/internal/protocol"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	id   otpnet.SystemID
}

func startApp(t *testing.T) *gateway.Gateway {
	t.Helper()

	cfg := gateway.DefaultConfig()
	cfg.WebSocketAddr = "127.0.0.1:0"
	cfg.SocketAddr = "127.0.0.1:0"
	cfg.RateLimitConfig = gateway.NoRateLimit()
	cfg.Metrics = false

	g, err := gateway.New(cfg)
	require.NoError(t, err)
	require.NoError(t, newApp(g, zap.NewNop()).register(context.Background()))
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Stop(ctx)
	})
	return g
}

func connect(t *testing.T, g *gateway.Gateway) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", g.SocketAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	cmd, payload := c.read()
	require.Equal(t, otpnet.CmdSystemID, cmd)
	var ann handshake.SystemIDAnnouncement
	require.NoError(t, json.Unmarshal(payload, &ann))
	c.id = ann.SystemID
	return c
}

func (c *testClient) write(cmd uint32, payload []byte) {
	c.t.Helper()
	frame, err := protocol.Encode(cmd, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.WriteFrame(c.conn, frame))
}

func (c *testClient) read() (uint32, []byte) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := protocol.ReadFrame(c.conn)
	require.NoError(c.t, err)
	cmd, payload, err := protocol.Decode(frame)
	require.NoError(c.t, err)
	return cmd, payload
}

func TestEcho(t *testing.T) {
	t.Parallel()

	g := startApp(t)
	c := connect(t, g)

	c.write(CmdEcho, []byte("hello"))
	cmd, payload := c.read()
	assert.Equal(t, CmdEcho, cmd)
	assert.Equal(t, []byte("hello"), payload)
}

func TestGroupChat(t *testing.T) {
	t.Parallel()

	g := startApp(t)
	alice := connect(t, g)
	bob := connect(t, g)

	alice.write(CmdJoinGroup, []byte("lobby"))
	cmd, payload := alice.read()
	require.Equal(t, CmdMemberJoined, cmd)

	bob.write(CmdJoinGroup, []byte("lobby"))
	cmd, _ = bob.read()
	require.Equal(t, CmdMemberJoined, cmd)

	cmd, payload = alice.read()
	require.Equal(t, CmdMemberJoined, cmd)
	var joined Membership
	require.NoError(t, json.Unmarshal(payload, &joined))
	assert.Equal(t, Membership{Group: "lobby", SystemID: bob.id}, joined)

	msg, _ := json.Marshal(GroupMessage{Group: "lobby", Message: "hi all"})
	bob.write(CmdGroupMessage, msg)

	cmd, payload = alice.read()
	require.Equal(t, CmdGroupMessage, cmd)
	var got GroupMessage
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, bob.id, got.From)
	assert.Equal(t, "hi all", got.Message)
	assert.False(t, got.Timestamp.IsZero())

	bob.write(CmdLeaveGroup, []byte("lobby"))
	cmd, _ = bob.read()
	require.Equal(t, CmdMemberLeft, cmd)
	cmd, payload = alice.read()
	require.Equal(t, CmdMemberLeft, cmd)
	var left Membership
	require.NoError(t, json.Unmarshal(payload, &left))
	assert.Equal(t, bob.id, left.SystemID)
}

func TestJoinReservedGroupIgnored(t *testing.T) {
	t.Parallel()

	g := startApp(t)
	c := connect(t, g)

	c.write(CmdJoinGroup, []byte(otpnet.GroupAll))
	c.write(CmdEcho, []byte("still here"))
	cmd, payload := c.read()
	assert.Equal(t, CmdEcho, cmd)
	assert.Equal(t, []byte("still here"), payload)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	g := startApp(t)
	c := connect(t, g)

	c.write(otpnet.CmdJSONRPC, []byte(`{"jsonrpc":"2.0","method":"status","id":7}`))
	cmd, payload := c.read()
	require.Equal(t, otpnet.CmdJSONRPC, cmd)

	var resp dispatch.JSONRPCResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, g.ID(), result["instance"])
	assert.Equal(t, 1.0, result["connections"])
	assert.Equal(t, version, result["version"])
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "otpnetd version "+version+"\n", out.String())
}

func TestGatewayConfig(t *testing.T) {
	t.Parallel()

	gwCfg := gatewayConfig(&config.Config{
		WSAddr:            ":1",
		SocketAddr:        ":2",
		RateLimit:         0,
		RateBurst:         5,
		MaxKeySize:        64,
		SocketIdleTimeout: time.Minute,
		Metrics:           false,
	}, nil)

	assert.Equal(t, ":1", gwCfg.WebSocketAddr)
	assert.Equal(t, ":2", gwCfg.SocketAddr)
	assert.Equal(t, 64, gwCfg.MaxKeySize)
	assert.Equal(t, time.Minute, gwCfg.SocketIdleTimeout)
	assert.False(t, gwCfg.Metrics)
	assert.False(t, gwCfg.RateLimitConfig.Enabled)
}
