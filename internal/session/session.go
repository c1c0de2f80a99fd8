// Package session holds the transport-independent half of a connection: its
// identity, lifecycle context, rate limiter and outbound frame queue.
//
// Transports embed a *Session, run a write pump over Outgoing, and call
// Shutdown when the connection closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/protocol"
)

const sendBufferSize = 256

// Filter turns application payloads into what goes on the wire for an
// identity. The handshake protocol is the production filter.
type Filter interface {
	Outbound(id otpnet.SystemID, command uint32, payload []byte) ([]byte, error)
	Keyed(id otpnet.SystemID) bool
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Session is the shared state of one connection.
type Session struct {
	id         otpnet.SystemID
	remoteAddr string
	filter     Filter

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and sendCh. Holding it for writing also keeps the
	// outbound queue still during a key transition.
	mu      sync.RWMutex
	closed  bool
	sendCh  chan []byte
	limiter *rate.Limiter
}

// New creates a session. A nil filter sends every payload unchanged.
func New(id otpnet.SystemID, remoteAddr string, filter Filter, rateLimitConfig *RateLimitConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	return &Session{
		id:         id,
		remoteAddr: remoteAddr,
		filter:     filter,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, sendBufferSize),
		limiter:    limiter,
	}
}

// SystemID returns the identity assigned to this connection.
func (s *Session) SystemID() otpnet.SystemID {
	return s.id
}

// RemoteAddr returns the client's remote network address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Context returns the client's lifecycle context
func (s *Session) Context() context.Context {
	return s.ctx
}

// Outgoing returns the queue of encoded frames for the write pump. It is
// closed by Shutdown.
func (s *Session) Outgoing() <-chan []byte {
	return s.sendCh
}

// Encrypted reports whether a key is currently applied to this connection.
func (s *Session) Encrypted() bool {
	return s.filter != nil && s.filter.Keyed(s.id)
}

// IsAlive returns true if the connection is still active
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (s *Session) CheckRateLimit() bool {
	if s.limiter == nil {
		// Rate limiting disabled
		return true
	}
	return s.limiter.Allow()
}

// Send runs payload through the filter, encodes it and queues it.
func (s *Session) Send(ctx context.Context, command uint32, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.filter != nil {
		converted, err := s.filter.Outbound(s.id, command, payload)
		if err != nil {
			return fmt.Errorf("%s: %w", otpnet.ErrFailedToEncrypt, err)
		}
		payload = converted
	}
	return s.enqueue(ctx, command, payload)
}

// SendClear encodes and queues payload without running it through the filter.
func (s *Session) SendClear(ctx context.Context, command uint32, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.enqueue(ctx, command, payload)
}

// Transition runs fn with the outbound queue held exclusively. Frames sent
// through the sendClear argument are queued in order, ahead of any frame
// sent after fn returns.
func (s *Session) Transition(ctx context.Context, fn func(sendClear func(command uint32, payload []byte) error) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(func(command uint32, payload []byte) error {
		return s.enqueue(ctx, command, payload)
	})
}

// enqueue must be called with mu held.
func (s *Session) enqueue(ctx context.Context, command uint32, payload []byte) error {
	if s.closed {
		return errors.New(otpnet.ErrConnectionClosed)
	}

	data, err := protocol.Encode(command, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", otpnet.ErrFailedToEncode, err)
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New(otpnet.ErrContextCancelled)
	}
}

// Shutdown marks the session closed, cancels its context and closes the
// outbound queue. It reports false if the session was already closed.
func (s *Session) Shutdown() bool {
	// Cancel first so a sender blocked on a full queue lets go of mu.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.sendCh)
	return true
}
