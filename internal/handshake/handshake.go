// Package handshake sequences a connection's identity announcement and its
// optional one-time-pad key exchange.
//
// A connection starts in Plaintext. A NEW key request moves it to Keyed: a
// key is issued, returned once in cleartext as the reply to that request, and
// from then on applied to every application frame in both directions. A
// DELETE request moves it back to Plaintext. The state is never stored; it
// is whether the key store holds a key for the identity.
package handshake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/identity"
	"github.com/luciancaetano/otpnet/internal/keystore"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/otp"
)

// State is a connection's key state.
type State int

const (
	Plaintext State = iota
	Keyed
)

func (s State) String() string {
	if s == Keyed {
		return "KEYED"
	}
	return "PLAINTEXT"
}

var (
	// ErrSystemIDMismatch is returned when a request names an identity other
	// than the connection's own.
	ErrSystemIDMismatch = errors.New("system id mismatch")

	// ErrInvalidKeyFunction is returned for key functions other than NEW and
	// DELETE.
	ErrInvalidKeyFunction = errors.New("invalid key function")

	// ErrNoKey is returned by DELETE when no key is held.
	ErrNoKey = errors.New("no key to delete")

	// ErrMalformedRequest is returned when the payload is not a key request.
	ErrMalformedRequest = errors.New("malformed key request")
)

// KeyRequest is the JSON body of a CmdOtpKey frame.
type KeyRequest struct {
	Type        string `json:"type"`
	KeyFunction string `json:"keyFunction"`
	KeySize     int    `json:"keySize,omitempty"`
	// ProcessorKey is the requesting connection's identity. When omitted the
	// connection's own identity is used; when present it must match.
	ProcessorKey otpnet.SystemID `json:"processorKey,omitempty"`
}

// SystemIDAnnouncement is the JSON body of a CmdSystemID frame.
type SystemIDAnnouncement struct {
	SystemID otpnet.SystemID `json:"systemId"`
}

// Peer is the transport side of a connection as seen by the handshake.
type Peer interface {
	SystemID() otpnet.SystemID

	// SendClear queues a frame without applying the connection's key.
	SendClear(ctx context.Context, command uint32, payload []byte) error

	// Transition runs fn while holding the peer's outbound queue, so no
	// application frame is queued between a key change and the control
	// reply fn sends through sendClear.
	Transition(ctx context.Context, fn func(sendClear func(command uint32, payload []byte) error) error) error
}

// Protocol drives the handshake for every connection of a process.
type Protocol struct {
	ids     *identity.Allocator
	keys    *keystore.KeyStore
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Protocol) { p.log = logging.OrNop(l).Named("handshake") }
}

// WithMetrics counts rejected key requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// New creates a Protocol over the given allocator and key store.
func New(ids *identity.Allocator, keys *keystore.KeyStore, opts ...Option) *Protocol {
	p := &Protocol{
		ids:  ids,
		keys: keys,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach allocates the identity for a new connection.
func (p *Protocol) Attach() (otpnet.SystemID, error) {
	return p.ids.Allocate()
}

// Detach releases everything the handshake holds for id. It is idempotent.
func (p *Protocol) Detach(id otpnet.SystemID) {
	p.keys.Revoke(id)
	p.ids.Release(id)
}

// Announce tells the peer its identity, in cleartext.
func (p *Protocol) Announce(ctx context.Context, peer Peer) error {
	body, err := json.Marshal(SystemIDAnnouncement{SystemID: peer.SystemID()})
	if err != nil {
		return err
	}
	return peer.SendClear(ctx, otpnet.CmdSystemID, body)
}

// State returns the key state of id.
func (p *Protocol) State(id otpnet.SystemID) State {
	if p.keys.HasKey(id) {
		return Keyed
	}
	return Plaintext
}

// Keyed reports whether frames for id are currently encrypted.
func (p *Protocol) Keyed(id otpnet.SystemID) bool {
	return p.State(id) == Keyed
}

// Outbound prepares an application payload for transmission to id.
func (p *Protocol) Outbound(id otpnet.SystemID, command uint32, payload []byte) ([]byte, error) {
	return p.convert(id, command, payload)
}

// Inbound recovers an application payload received from id.
func (p *Protocol) Inbound(id otpnet.SystemID, command uint32, payload []byte) ([]byte, error) {
	return p.convert(id, command, payload)
}

func (p *Protocol) convert(id otpnet.SystemID, command uint32, payload []byte) ([]byte, error) {
	if otpnet.IsControlCommand(command) || len(payload) == 0 {
		return payload, nil
	}
	key, ok := p.keys.Key(id)
	if !ok {
		return payload, nil
	}
	return otp.Convert(key, payload)
}

// HandleKeyRequest applies a CmdOtpKey request from peer and replies to it.
// Rejected requests are answered with a CmdError frame and returned as the
// error; state is left unchanged.
func (p *Protocol) HandleKeyRequest(ctx context.Context, peer Peer, payload []byte) error {
	id := peer.SystemID()

	req, err := p.validate(id, payload)
	if err == nil {
		switch req.KeyFunction {
		case otpnet.KeyFunctionNew:
			err = p.issue(ctx, peer, req.KeySize)
		case otpnet.KeyFunctionDelete:
			err = p.revoke(ctx, peer)
		default:
			err = fmt.Errorf("%w: %q", ErrInvalidKeyFunction, req.KeyFunction)
		}
	}
	if err == nil {
		return nil
	}

	code := ErrorCode(err)
	p.metrics.HandshakeError(code)
	if code == otpnet.CodeNoKey {
		p.log.Debug("key request rejected", zap.Stringer("systemId", id), zap.Error(err))
	} else {
		p.log.Info("key request rejected", zap.Stringer("systemId", id), zap.Int32("code", code), zap.Error(err))
	}

	if sendErr := SendError(ctx, peer, code); sendErr != nil {
		p.log.Debug("key request reply not delivered", zap.Stringer("systemId", id), zap.Error(sendErr))
	}
	return err
}

func (p *Protocol) validate(id otpnet.SystemID, payload []byte) (KeyRequest, error) {
	var req KeyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.Type != otpnet.MessageTypeOtpKeyRequest {
		return req, fmt.Errorf("%w: unexpected type %q", ErrMalformedRequest, req.Type)
	}
	if !id.Valid() {
		return req, keystore.ErrNoIdentity
	}
	if req.ProcessorKey == 0 {
		req.ProcessorKey = id
	}
	if req.ProcessorKey != id {
		return req, ErrSystemIDMismatch
	}
	return req, nil
}

func (p *Protocol) issue(ctx context.Context, peer Peer, size int) error {
	id := peer.SystemID()
	err := peer.Transition(ctx, func(sendClear func(uint32, []byte) error) error {
		key, err := p.keys.Issue(id, size)
		if err != nil {
			return err
		}
		if err := sendClear(otpnet.CmdOtpKey, key); err != nil {
			// The peer never saw the key; don't leave it applied.
			p.keys.Revoke(id)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Debug("key issued", zap.Stringer("systemId", id), zap.Int("keySize", size))
	return nil
}

func (p *Protocol) revoke(ctx context.Context, peer Peer) error {
	id := peer.SystemID()
	err := peer.Transition(ctx, func(sendClear func(uint32, []byte) error) error {
		if !p.keys.Revoke(id) {
			return ErrNoKey
		}
		return sendClear(otpnet.CmdOtpKey, nil)
	})
	if err != nil {
		return err
	}
	p.log.Debug("key revoked", zap.Stringer("systemId", id))
	return nil
}

// ErrorCode maps an error to the code reported to peers.
func ErrorCode(err error) int32 {
	switch {
	case errors.Is(err, keystore.ErrNoIdentity):
		return otpnet.CodeNoSystemID
	case errors.Is(err, keystore.ErrInvalidKeySize):
		return otpnet.CodeKeyPowersOf2
	case errors.Is(err, ErrSystemIDMismatch):
		return otpnet.CodeSystemIDMismatch
	case errors.Is(err, ErrInvalidKeyFunction):
		return otpnet.CodeInvalidKeyFunction
	case errors.Is(err, ErrNoKey):
		return otpnet.CodeNoKey
	default:
		return otpnet.CodeServerError
	}
}

// SendError replies to peer with a CmdError frame carrying code.
func SendError(ctx context.Context, peer Peer, code int32) error {
	return peer.SendClear(ctx, otpnet.CmdError, EncodeErrorCode(code))
}

// EncodeErrorCode returns the 4-byte big-endian form of code.
func EncodeErrorCode(code int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(code))
}

// DecodeErrorCode parses the payload of a CmdError frame.
func DecodeErrorCode(payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("error payload has %d bytes, want 4", len(payload))
	}
	return int32(binary.BigEndian.Uint32(payload)), nil
}
