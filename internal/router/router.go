// Package router delivers frames to identities and groups across the socket
// and WebSocket registries.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/registry"
	"github.com/luciancaetano/otpnet/internal/socket"
	"github.com/luciancaetano/otpnet/internal/websocket"
)

// ErrUnsupportedHandle is returned for clients that belong to neither
// transport.
var ErrUnsupportedHandle = errors.New("router: unsupported client type")

// Router fans operations out to both registries. Socket connections are
// always tried first.
type Router struct {
	sockets *registry.Registry[*socket.Conn]
	clients *registry.Registry[*websocket.Client]
	log     *zap.Logger
}

// New creates a router over the two registries.
func New(sockets *registry.Registry[*socket.Conn], clients *registry.Registry[*websocket.Client], l *zap.Logger) *Router {
	return &Router{
		sockets: sockets,
		clients: clients,
		log:     logging.OrNop(l).Named("router"),
	}
}

// AddToGroup adds c to the named group of its transport's registry.
func (r *Router) AddToGroup(group string, c otpnet.Client) error {
	switch h := c.(type) {
	case *socket.Conn:
		return r.sockets.AddToGroup(group, h)
	case *websocket.Client:
		return r.clients.AddToGroup(group, h)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedHandle, c)
	}
}

// RemoveFromGroup removes c from the named group of its transport's registry.
func (r *Router) RemoveFromGroup(group string, c otpnet.Client) error {
	switch h := c.(type) {
	case *socket.Conn:
		return r.sockets.RemoveFromGroup(group, h)
	case *websocket.Client:
		return r.clients.RemoveFromGroup(group, h)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedHandle, c)
	}
}

// RemoveGroup removes the named group from both registries.
func (r *Router) RemoveGroup(group string) {
	r.sockets.RemoveGroup(group)
	r.clients.RemoveGroup(group)
}

// Send delivers one frame to id. An unknown id is not an error: the
// connection may have gone away.
func (r *Router) Send(ctx context.Context, id otpnet.SystemID, command uint32, payload []byte) error {
	if c, ok := r.sockets.Get(id); ok {
		return c.Send(ctx, command, payload)
	}
	if c, ok := r.clients.Get(id); ok {
		return c.Send(ctx, command, payload)
	}

	r.log.Debug("send to unknown identity", zap.Stringer("systemId", id), zap.Uint32("command", command))
	return nil
}

// SendMessage delivers one frame to every member of group on both
// transports, skipping the identities in except. It returns the number of
// connections the frame was queued for.
func (r *Router) SendMessage(ctx context.Context, group string, command uint32, payload []byte, except ...otpnet.SystemID) int {
	n := r.sockets.SendToGroup(ctx, group, command, payload, except...)
	n += r.clients.SendToGroup(ctx, group, command, payload, except...)
	return n
}

// Lookup returns the connection registered under id on either transport.
func (r *Router) Lookup(id otpnet.SystemID) (otpnet.Client, bool) {
	if c, ok := r.sockets.Get(id); ok {
		return c, true
	}
	if c, ok := r.clients.Get(id); ok {
		return c, true
	}
	return nil, false
}

// Len returns the number of connections on both transports.
func (r *Router) Len() int {
	return r.sockets.Len() + r.clients.Len()
}
