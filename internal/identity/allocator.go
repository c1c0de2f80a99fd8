// Package identity allocates process-unique connection identities.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/metrics"
)

// DefaultMaxAttempts bounds the draws made by a single Allocate call.
const DefaultMaxAttempts = 64

// ErrExhausted is returned when no fresh identity could be drawn within the
// configured number of attempts.
var ErrExhausted = errors.New("identity space exhausted")

// Allocator hands out random, strictly positive 64-bit identities and tracks
// which ones are active. Allocate and Release are serialised by a single
// mutex so no two concurrent calls return the same identity.
type Allocator struct {
	mu          sync.Mutex
	active      map[otpnet.SystemID]struct{}
	random      io.Reader
	maxAttempts int
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) { a.log = logging.OrNop(l).Named("identity") }
}

// WithMetrics reports the active identity count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// WithMaxAttempts bounds the number of draws per Allocate call.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRandom replaces the entropy source. It must be cryptographically strong
// outside of tests.
func WithRandom(r io.Reader) Option {
	return func(a *Allocator) { a.random = r }
}

// NewAllocator creates an empty allocator reading from crypto/rand.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		active:      make(map[otpnet.SystemID]struct{}),
		random:      rand.Reader,
		maxAttempts: DefaultMaxAttempts,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate draws a fresh identity and marks it active.
func (a *Allocator) Allocate() (otpnet.SystemID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [8]byte
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if _, err := io.ReadFull(a.random, buf[:]); err != nil {
			return 0, fmt.Errorf("read random identity: %w", err)
		}

		id := otpnet.SystemID(int64(binary.BigEndian.Uint64(buf[:])))
		if !id.Valid() {
			continue
		}
		if _, taken := a.active[id]; taken {
			continue
		}

		a.active[id] = struct{}{}
		a.metrics.IdentitiesActive(len(a.active))
		return id, nil
	}

	a.log.Error("identity allocation exhausted",
		zap.Int("attempts", a.maxAttempts),
		zap.Int("active", len(a.active)))
	return 0, ErrExhausted
}

// Release marks id inactive. Releasing an unknown identity is a no-op.
func (a *Allocator) Release(id otpnet.SystemID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[id]; !ok {
		return
	}
	delete(a.active, id)
	a.metrics.IdentitiesActive(len(a.active))
}

// Active reports whether id is currently allocated.
func (a *Allocator) Active(id otpnet.SystemID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.active[id]
	return ok
}

// Len returns the number of active identities.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.active)
}
