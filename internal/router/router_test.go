package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/protocol"
	"github.com/luciancaetano/otpnet/internal/registry"
	"github.com/luciancaetano/otpnet/internal/session"
	"github.com/luciancaetano/otpnet/internal/socket"
	"github.com/luciancaetano/otpnet/internal/websocket"
)

type pipePeer struct {
	conn   *socket.Conn
	remote net.Conn
}

func (p *pipePeer) read(t *testing.T) (uint32, []byte) {
	t.Helper()

	p.remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(p.remote)
	require.NoError(t, err)
	cmd, payload, err := protocol.Decode(frame)
	require.NoError(t, err)
	return cmd, payload
}

func (p *pipePeer) silent(t *testing.T) {
	t.Helper()

	p.remote.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := protocol.ReadFrame(p.remote)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

type fixture struct {
	router  *Router
	sockets *registry.Registry[*socket.Conn]
}

func newFixture() *fixture {
	sockets := registry.New[*socket.Conn](otpnet.TransportSocket.String())
	clients := registry.New[*websocket.Client](otpnet.TransportWebSocket.String())
	return &fixture{
		router:  New(sockets, clients, nil),
		sockets: sockets,
	}
}

func (f *fixture) connect(t *testing.T, id otpnet.SystemID) *pipePeer {
	t.Helper()

	local, remote := net.Pipe()
	c := socket.NewConn(local, id, nil, session.NoRateLimit(), nil)
	require.NoError(t, f.sockets.Register(id, c))
	t.Cleanup(func() {
		remote.Close()
		c.Close(context.Background())
	})
	return &pipePeer{conn: c, remote: remote}
}

// foreignClient is a Client that belongs to no transport.
type foreignClient struct {
	otpnet.Client
}

func TestSend(t *testing.T) {
	t.Parallel()

	f := newFixture()
	p := f.connect(t, 11)

	require.NoError(t, f.router.Send(context.Background(), 11, 0x01, []byte("hi")))
	cmd, payload := p.read(t)
	assert.Equal(t, uint32(0x01), cmd)
	assert.Equal(t, []byte("hi"), payload)

	// Unknown identities are dropped quietly.
	assert.NoError(t, f.router.Send(context.Background(), 99, 0x01, []byte("hi")))
}

func TestSendMessageToGroup(t *testing.T) {
	t.Parallel()

	f := newFixture()
	a := f.connect(t, 1)
	b := f.connect(t, 2)
	c := f.connect(t, 3)

	require.NoError(t, f.router.AddToGroup("room", a.conn))
	require.NoError(t, f.router.AddToGroup("room", b.conn))

	n := f.router.SendMessage(context.Background(), "room", 0x05, []byte("x"), 2)
	assert.Equal(t, 1, n)
	cmd, _ := a.read(t)
	assert.Equal(t, uint32(0x05), cmd)
	b.silent(t)
	c.silent(t)

	require.NoError(t, f.router.RemoveFromGroup("room", a.conn))
	assert.Equal(t, 0, f.router.SendMessage(context.Background(), "room", 0x05, nil, 2))

	f.router.RemoveGroup("room")
	assert.False(t, f.sockets.HasGroup("room"))
}

func TestSendMessageToAll(t *testing.T) {
	t.Parallel()

	f := newFixture()
	peers := []*pipePeer{f.connect(t, 1), f.connect(t, 2), f.connect(t, 3)}

	n := f.router.SendMessage(context.Background(), otpnet.GroupAll, 0x07, []byte("all"), 1)
	assert.Equal(t, 2, n)
	peers[0].silent(t)
	for _, p := range peers[1:] {
		_, payload := p.read(t)
		assert.Equal(t, []byte("all"), payload)
	}
}

func TestUnsupportedHandle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	assert.ErrorIs(t, f.router.AddToGroup("room", foreignClient{}), ErrUnsupportedHandle)
	assert.ErrorIs(t, f.router.RemoveFromGroup("room", foreignClient{}), ErrUnsupportedHandle)
}

func TestReservedGroup(t *testing.T) {
	t.Parallel()

	f := newFixture()
	p := f.connect(t, 4)
	assert.ErrorIs(t, f.router.AddToGroup(otpnet.GroupAll, p.conn), registry.ErrReservedGroup)
}

func TestLookupAndLen(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.connect(t, 5)
	f.connect(t, 6)

	c, ok := f.router.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, otpnet.SystemID(5), c.SystemID())
	assert.Equal(t, otpnet.TransportSocket, c.Transport())

	_, ok = f.router.Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, 2, f.router.Len())
}
