package gateway

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/otp"
)

const cmdEcho uint32 = 0x0001

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()

	for _, tr := range transports {
		tr := tr
		t.Run(tr.name, func(t *testing.T) {
			t.Parallel()

			g := startGateway(t)
			require.NoError(t, g.RegisterHandler(context.Background(), cmdEcho, func(c otpnet.Client, payload []byte) {
				c.Send(context.Background(), cmdEcho, payload)
			}))

			p := tr.dial(t, g)
			id := announcement(t, p)
			assert.True(t, g.ids.Active(id))

			// NEW: the key comes back once, in clear.
			p.write(t, otpnet.CmdOtpKey, keyRequest(t, otpnet.KeyFunctionNew, 8, id))
			cmd, key := p.read(t)
			require.Equal(t, otpnet.CmdOtpKey, cmd)
			require.Len(t, key, 8)

			c, ok := g.Lookup(id)
			require.True(t, ok)
			assert.True(t, c.Encrypted())

			// Encrypted echo.
			enc, err := otp.Convert(key, []byte("secret"))
			require.NoError(t, err)
			p.write(t, cmdEcho, enc)
			cmd, payload := p.read(t)
			assert.Equal(t, cmdEcho, cmd)
			assert.Equal(t, enc, payload)
			plain, err := otp.Convert(key, payload)
			require.NoError(t, err)
			assert.Equal(t, []byte("secret"), plain)

			// DELETE: back to cleartext.
			p.write(t, otpnet.CmdOtpKey, keyRequest(t, otpnet.KeyFunctionDelete, 0, id))
			cmd, payload = p.read(t)
			require.Equal(t, otpnet.CmdOtpKey, cmd)
			assert.Empty(t, payload)
			assert.False(t, c.Encrypted())

			p.write(t, cmdEcho, []byte("plain again"))
			_, payload = p.read(t)
			assert.Equal(t, []byte("plain again"), payload)

			// Close: identity, key and registration are released.
			p.close()
			assert.Eventually(t, func() bool {
				_, ok := g.Lookup(id)
				return !ok && !g.ids.Active(id) && !g.keys.HasKey(id)
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestRejectedKeyRequests(t *testing.T) {
	t.Parallel()

	for _, tr := range transports {
		tr := tr
		t.Run(tr.name, func(t *testing.T) {
			t.Parallel()

			g := startGateway(t)
			p := tr.dial(t, g)
			id := announcement(t, p)

			p.write(t, otpnet.CmdOtpKey, keyRequest(t, otpnet.KeyFunctionNew, 6, id))
			expectError(t, p, otpnet.CodeKeyPowersOf2)

			p.write(t, otpnet.CmdOtpKey, keyRequest(t, otpnet.KeyFunctionNew, 8, id+1))
			expectError(t, p, otpnet.CodeSystemIDMismatch)

			p.write(t, otpnet.CmdOtpKey, keyRequest(t, "ROTATE", 8, id))
			expectError(t, p, otpnet.CodeInvalidKeyFunction)

			p.write(t, otpnet.CmdOtpKey, keyRequest(t, otpnet.KeyFunctionDelete, 0, id))
			expectError(t, p, otpnet.CodeNoKey)

			assert.False(t, g.keys.HasKey(id))
		})
	}
}

func TestBroadcastReachesBothTransports(t *testing.T) {
	t.Parallel()

	g := startGateway(t)
	ws := dialWebSocket(t, g)
	sock := dialSocket(t, g)
	announcement(t, ws)
	announcement(t, sock)
	assert.Equal(t, 2, g.Connections())

	require.NoError(t, g.BroadcastCommand(context.Background(), 0x09, []byte("hey")))

	for _, p := range []peer{ws, sock} {
		cmd, payload := p.read(t)
		assert.Equal(t, uint32(0x09), cmd)
		assert.Equal(t, []byte("hey"), payload)
	}
}

func TestGroupsAcrossTransports(t *testing.T) {
	t.Parallel()

	g := startGateway(t)
	ws := dialWebSocket(t, g)
	sock := dialSocket(t, g)
	other := dialSocket(t, g)
	wsID := announcement(t, ws)
	sockID := announcement(t, sock)
	otherID := announcement(t, other)

	for _, id := range []otpnet.SystemID{wsID, sockID} {
		c, ok := g.Lookup(id)
		require.True(t, ok)
		require.NoError(t, g.AddToGroup("room", c))
	}

	// The sender is excluded; the non-member gets nothing.
	require.NoError(t, g.SendToGroup(context.Background(), "room", 0x0A, []byte("msg"), wsID))
	cmd, payload := sock.read(t)
	assert.Equal(t, uint32(0x0A), cmd)
	assert.Equal(t, []byte("msg"), payload)

	// A direct send reaches only its target, on whichever transport.
	require.NoError(t, g.Send(context.Background(), otherID, 0x0B, []byte("direct")))
	cmd, payload = other.read(t)
	assert.Equal(t, uint32(0x0B), cmd)
	assert.Equal(t, []byte("direct"), payload)

	require.NoError(t, g.Send(context.Background(), wsID, 0x0C, nil))
	cmd, _ = ws.read(t)
	assert.Equal(t, uint32(0x0C), cmd)

	g.RemoveGroup("room")
	require.NoError(t, g.SendToGroup(context.Background(), "room", 0x0A, []byte("gone")))
	require.NoError(t, g.Send(context.Background(), sockID, 0x0D, nil))
	cmd, _ = sock.read(t)
	assert.Equal(t, uint32(0x0D), cmd, "removed group should deliver nothing")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	g := startGateway(t)
	p := dialSocket(t, g)
	announcement(t, p)

	resp, err := http.Get("http://" + g.WebSocketAddr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `otpnet_connections_active{transport="socket"} 1`)
	assert.Contains(t, string(body), "otpnet_identities_active 1")
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	t.Parallel()

	g := startGateway(t)

	cfg := DefaultConfig()
	cfg.WebSocketAddr = "127.0.0.1:0"
	cfg.SocketAddr = g.SocketAddr().String()
	second, err := New(cfg)
	require.NoError(t, err)

	assert.Error(t, second.Start(context.Background()))
	assert.Nil(t, second.SocketAddr())
	assert.NoError(t, second.Stop(context.Background()))
}

func TestRegisterReservedCommand(t *testing.T) {
	t.Parallel()

	g, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, g.RegisterHandler(context.Background(), otpnet.CmdOtpKey, func(otpnet.Client, []byte) {}))
	assert.NotEmpty(t, g.ID())
}
