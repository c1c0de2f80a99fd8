// Package dispatch routes decoded inbound frames to the handshake, the
// JSON-RPC layer or application handlers. It is the outermost boundary for
// inbound messages: nothing a handler does escapes it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/handshake"
	"github.com/luciancaetano/otpnet/internal/logging"
)

// Conn is a connection as seen by the dispatcher.
type Conn interface {
	otpnet.Client
	handshake.Peer
}

// Handler handles one application command.
type Handler = func(client otpnet.Client, payload []byte)

// JSONRPCHandler handles one JSON-RPC method.
type JSONRPCHandler = func(params map[string]interface{}) (interface{}, error)

// Dispatcher holds the registered handlers.
type Dispatcher struct {
	handshake *handshake.Protocol
	log       *zap.Logger

	handlers        sync.Map // map[uint32]Handler
	jsonRPCHandlers sync.Map // map[string]JSONRPCHandler
}

// New creates a dispatcher that hands key requests to hs.
func New(hs *handshake.Protocol, l *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handshake: hs,
		log:       logging.OrNop(l).Named("dispatch"),
	}
}

// RegisterHandler registers a handler for a specific command ID.
func (d *Dispatcher) RegisterHandler(commandID uint32, handler Handler) error {
	if otpnet.IsReservedCommand(commandID) {
		return fmt.Errorf("%s: 0x%08X", otpnet.ErrReservedCommand, commandID)
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	d.handlers.Store(commandID, handler)
	return nil
}

// RegisterJSONRPCHandler registers a JSON-RPC handler for a specific method.
func (d *Dispatcher) RegisterJSONRPCHandler(method string, handler JSONRPCHandler) error {
	if method == "" || handler == nil {
		return errors.New("JSON-RPC method and handler are required")
	}
	d.jsonRPCHandlers.Store(method, handler)
	return nil
}

// Handle processes one inbound frame from c.
//
// Key requests are applied synchronously, so requests from one connection
// take effect in the order they were read. Everything else is decrypted and
// handed to a handler running on its own goroutine.
func (d *Dispatcher) Handle(c Conn, commandID uint32, payload []byte) {
	switch commandID {
	case otpnet.CmdOtpKey:
		d.safely(c, commandID, func() {
			_ = d.handshake.HandleKeyRequest(c.Context(), c, payload)
		})
		return
	case otpnet.CmdSystemID, otpnet.CmdError:
		// Server-to-peer only.
		return
	}

	plain, err := d.handshake.Inbound(c.SystemID(), commandID, payload)
	if err != nil {
		d.log.Warn("inbound frame rejected",
			zap.Stringer("systemId", c.SystemID()),
			zap.Uint32("command", commandID),
			zap.Int("size", len(payload)),
			zap.Error(err))
		d.reportFault(c)
		return
	}

	if commandID == otpnet.CmdJSONRPC {
		go d.safely(c, commandID, func() { d.handleJSONRPCMessage(c, plain) })
		return
	}

	if handler, ok := d.handlers.Load(commandID); ok {
		if handlerFunc, ok := handler.(Handler); ok {
			// Execute handler in goroutine (async, client decides if/when to respond)
			go d.safely(c, commandID, func() { handlerFunc(c, plain) })
		}
	}
	// Note: Unknown commands are silently ignored (fire-and-forget pattern)
}

// safely runs fn, turning a panic into a logged fault and a SERVER_ERROR
// reply. The connection is left open.
func (d *Dispatcher) safely(c Conn, commandID uint32, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked",
				zap.Stringer("systemId", c.SystemID()),
				zap.Uint32("command", commandID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			d.reportFault(c)
		}
	}()
	fn()
}

func (d *Dispatcher) reportFault(c Conn) {
	if err := handshake.SendError(context.Background(), c, otpnet.CodeServerError); err != nil {
		d.log.Debug("error reply not delivered", zap.Stringer("systemId", c.SystemID()), zap.Error(err))
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// handleJSONRPCMessage handles JSON-RPC messages encoded in protocol format
func (d *Dispatcher) handleJSONRPCMessage(c Conn, payload []byte) {
	var req JSONRPCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		d.sendJSONRPCError(c, nil, otpnet.JSONRPCParseError, otpnet.ErrParseError)
		return
	}

	if req.JSONRPC != otpnet.JSONRPCVersion {
		d.sendJSONRPCError(c, req.ID, otpnet.JSONRPCInvalidRequest, otpnet.ErrInvalidRequest)
		return
	}

	handler, ok := d.jsonRPCHandlers.Load(req.Method)
	if !ok {
		d.sendJSONRPCError(c, req.ID, otpnet.JSONRPCMethodNotFound, otpnet.ErrMethodNotFound)
		return
	}

	handlerFunc, ok := handler.(JSONRPCHandler)
	if !ok {
		d.sendJSONRPCError(c, req.ID, otpnet.JSONRPCInternalError, otpnet.ErrInternalError)
		return
	}

	result, err := handlerFunc(req.Params)
	if err != nil {
		d.sendJSONRPCError(c, req.ID, otpnet.JSONRPCInternalError, err.Error())
		return
	}

	responseData, err := json.Marshal(JSONRPCResponse{
		JSONRPC: otpnet.JSONRPCVersion,
		Result:  result,
		ID:      req.ID,
	})
	if err != nil {
		d.sendJSONRPCError(c, req.ID, otpnet.JSONRPCInternalError, otpnet.ErrInternalError)
		return
	}

	if err := c.Send(context.Background(), otpnet.CmdJSONRPC, responseData); err != nil {
		d.log.Debug("JSON-RPC response not delivered", zap.Stringer("systemId", c.SystemID()), zap.Error(err))
	}
}

// sendJSONRPCError sends a JSON-RPC error response encoded in protocol format
func (d *Dispatcher) sendJSONRPCError(c Conn, id interface{}, code int, message string) {
	responseData, err := json.Marshal(JSONRPCResponse{
		JSONRPC: otpnet.JSONRPCVersion,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	})
	if err != nil {
		d.log.Error("marshal JSON-RPC error response", zap.Error(err))
		return
	}

	if err := c.Send(context.Background(), otpnet.CmdJSONRPCError, responseData); err != nil {
		// client may have disconnected
		d.log.Debug("JSON-RPC error response not delivered", zap.Stringer("systemId", c.SystemID()), zap.Error(err))
	}
}
