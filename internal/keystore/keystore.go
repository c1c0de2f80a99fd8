// Package keystore keeps the one-time-pad key currently assigned to each
// connection identity.
package keystore

import (
	"errors"
	"fmt"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/otp"
	"github.com/luciancaetano/otpnet/internal/store"
)

// DefaultMaxKeySize is the largest key Issue hands out unless configured
// otherwise.
const DefaultMaxKeySize = 1 << 20

var (
	// ErrInvalidKeySize is returned for sizes that are not a positive power of
	// two or exceed the configured maximum.
	ErrInvalidKeySize = errors.New("key size must be a power of two")

	// ErrNoIdentity is returned when the identity is not a valid SystemID.
	ErrNoIdentity = errors.New("no system identity")
)

// KeyStore maps a connection identity to its current key. Keys are never
// logged: the backing map is built without a resource log.
type KeyStore struct {
	keys       *store.Map[otpnet.SystemID, []byte]
	maxKeySize int
	metrics    *metrics.Metrics
}

// New creates an empty key store. A maxKeySize of 0 uses DefaultMaxKeySize.
func New(maxKeySize int, m *metrics.Metrics) *KeyStore {
	if maxKeySize <= 0 {
		maxKeySize = DefaultMaxKeySize
	}
	return &KeyStore{
		keys:       store.New[otpnet.SystemID, []byte]("otp-key", nil),
		maxKeySize: maxKeySize,
		metrics:    m,
	}
}

// Issue generates a key of size bytes for id, replacing any previous key, and
// returns it.
func (s *KeyStore) Issue(id otpnet.SystemID, size int) ([]byte, error) {
	if !otp.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeySize, size)
	}
	if size > s.maxKeySize {
		return nil, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidKeySize, size, s.maxKeySize)
	}
	if !id.Valid() {
		return nil, ErrNoIdentity
	}

	key, err := otp.GenerateKey(size)
	if err != nil {
		return nil, err
	}

	s.keys.Store(id, key)
	s.metrics.KeyIssued()
	return key, nil
}

// Revoke removes the key held for id and reports whether one existed.
func (s *KeyStore) Revoke(id otpnet.SystemID) bool {
	if _, ok := s.keys.Delete(id); !ok {
		return false
	}
	s.metrics.KeyRevoked()
	return true
}

// HasKey reports whether a key is held for id.
func (s *KeyStore) HasKey(id otpnet.SystemID) bool {
	return s.keys.Contains(id)
}

// Key returns the key held for id. The returned slice must not be modified.
func (s *KeyStore) Key(id otpnet.SystemID) ([]byte, bool) {
	return s.keys.Load(id)
}

// Len returns the number of keys held.
func (s *KeyStore) Len() int {
	return s.keys.Len()
}
