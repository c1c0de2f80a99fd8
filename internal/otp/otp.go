// Package otp implements the one-time-pad primitive used to encrypt
// application frames: a byte-wise XOR against a key at least as long as the
// message. The same operation encrypts and decrypts.
//
// Reusing a key across messages weakens the pad; callers own that trade-off.
package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned for empty inputs, non-positive sizes and
// keys shorter than the data they are applied to.
var ErrInvalidArgument = errors.New("otp: invalid argument")

// GenerateKey returns size cryptographically random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: key size %d must be positive", ErrInvalidArgument, size)
	}

	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("otp: generate key: %w", err)
	}
	return key, nil
}

// Convert XORs data with the leading bytes of key and returns a new slice of
// len(data). Applying Convert twice with the same key yields the input.
func Convert(key, data []byte) ([]byte, error) {
	switch {
	case len(key) == 0:
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty data", ErrInvalidArgument)
	case len(key) < len(data):
		return nil, fmt.Errorf("%w: key length %d shorter than data length %d", ErrInvalidArgument, len(key), len(data))
	}

	out := make([]byte, len(data))
	for i := range data {
		out[i] = key[i] ^ data[i]
	}
	return out, nil
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
