package otpnet

import (
	"context"
	"strconv"
)

// SystemID is the process-unique identity assigned to a live connection.
//
// Identities are strictly positive. The zero value is never handed out and
// marks a connection that has not been assigned an identity yet.
type SystemID int64

// Valid reports whether the identity is strictly positive.
func (id SystemID) Valid() bool {
	return id > 0
}

// String returns the decimal form of the identity.
func (id SystemID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Transport identifies the kind of connection a client arrived on.
type Transport uint8

const (
	// TransportSocket is a raw, length-prefixed TCP connection.
	TransportSocket Transport = iota + 1
	// TransportWebSocket is a WebSocket session.
	TransportWebSocket
)

func (t Transport) String() string {
	switch t {
	case TransportSocket:
		return "socket"
	case TransportWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Server defines the interface for a real-time server that accepts both raw
// socket and WebSocket connections and routes binary protocol messages
// between them.
//
// All messages exchanged between the server and clients are encoded using the
// internal protocol format with a CommandID (uint32) and binary Payload. Once a
// client has negotiated a one-time-pad key, application payloads are XOR'd
// with that key in both directions; control commands (CmdSystemID, CmdOtpKey,
// CmdError) always travel in cleartext.
//
// Example usage:
//
//	import "github.com/luciancaetano/otpnet/gateway"
//
//	server, _ := gateway.New(gateway.DefaultConfig())
//
//	// Register a handler for command 0x01
//	server.RegisterHandler(ctx, 0x01, func(client otpnet.Client, payload []byte) {
//	    client.Send(ctx, 0x01, payload)
//	})
//
//	server.Start(ctx)
type Server interface {
	// Start starts both transports and begins accepting connections.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to either network address.
	Start(ctx context.Context) error

	// Stop gracefully stops both transports and closes all client connections.
	Stop(ctx context.Context) error

	// RegisterHandler registers a handler function for a specific command ID.
	//
	// The handler is executed asynchronously (fire-and-forget pattern) and
	// receives the decrypted payload. Reserved command IDs cannot be
	// registered.
	RegisterHandler(ctx context.Context, commandID uint32, handler func(client Client, payload []byte)) error

	// RegisterJSONRPCHandler registers a JSON-RPC 2.0 method handler.
	//
	// JSON-RPC messages use the reserved command ID CmdJSONRPC.
	RegisterJSONRPCHandler(ctx context.Context, method string, handler func(params map[string]interface{}) (interface{}, error)) error

	// BroadcastCommand sends a command to every connected client on both
	// transports. It is equivalent to SendToGroup with GroupAll.
	BroadcastCommand(ctx context.Context, commandID uint32, payload []byte) error

	// Send delivers a command to the client holding the given identity,
	// whichever transport it is connected on. Sending to an identity that has
	// already disconnected is not an error.
	Send(ctx context.Context, id SystemID, commandID uint32, payload []byte) error

	// SendToGroup delivers a command to every member of the named group on
	// both transports, skipping the clients whose identities are listed in
	// except. Sending to a group that does not exist is a no-op.
	SendToGroup(ctx context.Context, group string, commandID uint32, payload []byte, except ...SystemID) error

	// AddToGroup adds a client to a named group. Groups are created on first
	// use. GroupAll is reserved and maintained automatically.
	AddToGroup(group string, client Client) error

	// RemoveFromGroup removes a client from a named group. The group itself
	// is kept even when it becomes empty.
	RemoveFromGroup(group string, client Client) error

	// RemoveGroup deletes a named group from both transports.
	RemoveGroup(group string)
}

// Client represents a connected client on either transport.
//
// Each client has a process-unique SystemID assigned when the connection
// opens. The client's context is automatically cancelled when the connection
// closes.
type Client interface {
	// SystemID returns the identity assigned to this connection.
	//
	// The identity is announced to the peer with CmdSystemID right after the
	// connection is registered, and remains constant for the lifetime of the
	// connection.
	SystemID() SystemID

	// Transport reports which transport the client is connected on.
	Transport() Transport

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the client's lifecycle context.
	//
	// This context is automatically cancelled when the connection closes.
	Context() context.Context

	// Send sends a command to the client.
	//
	// When the client holds a one-time-pad key, the payload is encrypted with
	// it before being queued; a payload longer than the key is rejected.
	// The send operation is non-blocking and queued for delivery.
	Send(ctx context.Context, command uint32, payload []byte) error

	// Close closes the client connection gracefully.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific close code and
	// optional reason. Raw socket connections ignore the code.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool

	// Encrypted reports whether a one-time-pad key is currently applied to
	// this client's application frames.
	Encrypted() bool
}
