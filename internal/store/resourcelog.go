package store

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet/internal/logging"
)

// DefaultResourceLogSize is the number of resources remembered by a
// ResourceLog before the oldest are forgotten.
const DefaultResourceLogSize = 4096

// ResourceLog reports resources entering and leaving stores at debug level.
// Additions are deduplicated: a resource that is added again while still
// remembered, such as a reconnecting identity or a handle rejoining a group,
// is reported only the first time. Removals are always reported.
//
// One ResourceLog is created per process and handed to each store that
// should report through it.
type ResourceLog struct {
	seen *lru.Cache[string, struct{}]
	log  *zap.Logger
}

// NewResourceLog creates a log remembering up to size resources.
func NewResourceLog(l *zap.Logger, size int) (*ResourceLog, error) {
	if size <= 0 {
		size = DefaultResourceLogSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create resource log: %w", err)
	}
	return &ResourceLog{
		seen: seen,
		log:  logging.OrNop(l).Named("resources"),
	}, nil
}

// Added records that key entered a store of the given kind.
func (r *ResourceLog) Added(kind string, key any) {
	if r == nil {
		return
	}
	id := resourceKey(kind, key)
	if ok, _ := r.seen.ContainsOrAdd(id, struct{}{}); ok {
		return
	}
	r.log.Debug("resource added", zap.String("kind", kind), zap.Any("key", key))
}

// Removed records that key left a store of the given kind.
func (r *ResourceLog) Removed(kind string, key any) {
	if r == nil {
		return
	}
	r.log.Debug("resource removed", zap.String("kind", kind), zap.Any("key", key))
}

// Seen reports whether key of the given kind is currently remembered.
func (r *ResourceLog) Seen(kind string, key any) bool {
	if r == nil {
		return false
	}
	return r.seen.Contains(resourceKey(kind, key))
}

func resourceKey(kind string, key any) string {
	return fmt.Sprintf("%s/%v", kind, key)
}
