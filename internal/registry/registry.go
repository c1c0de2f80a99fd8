// Package registry tracks the live connections of one transport and the
// named groups they belong to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/store"
)

var (
	// ErrInvalidArgument is returned for invalid identities, zero handles and
	// empty group names.
	ErrInvalidArgument = errors.New("registry: invalid argument")

	// ErrReservedGroup is returned when explicit membership of GroupAll is
	// requested.
	ErrReservedGroup = errors.New("registry: group name is reserved")

	// ErrClosed is returned when a closed connection is added to a group.
	ErrClosed = errors.New("registry: connection is closed")
)

// Handle is a transport-specific connection a registry can deliver to.
type Handle interface {
	comparable
	Send(ctx context.Context, command uint32, payload []byte) error
}

// Registry maps identities to handles of one transport kind and keeps named
// groups of those handles. All methods are safe for concurrent use.
type Registry[H Handle] struct {
	transport string
	entries   *store.Map[otpnet.SystemID, H]

	mu     sync.RWMutex
	groups map[string]map[H]struct{}

	rlog    *store.ResourceLog
	log     *zap.Logger
	metrics *metrics.Metrics
}

type options struct {
	log     *zap.Logger
	rlog    *store.ResourceLog
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithResourceLog reports registrations and group membership to rlog.
func WithResourceLog(rlog *store.ResourceLog) Option {
	return func(o *options) { o.rlog = rlog }
}

// WithMetrics counts failed group deliveries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty registry for the named transport.
func New[H Handle](transport string, opts ...Option) *Registry[H] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[H]{
		transport: transport,
		entries:   store.New[otpnet.SystemID, H](transport+"-connection", o.rlog),
		groups:    make(map[string]map[H]struct{}),
		rlog:      o.rlog,
		log:       logging.OrNop(o.log).Named("registry").With(zap.String("transport", transport)),
		metrics:   o.metrics,
	}
}

// Transport returns the transport name the registry was created with.
func (r *Registry[H]) Transport() string {
	return r.transport
}

// Register stores h under id. An existing entry for id is replaced.
func (r *Registry[H]) Register(id otpnet.SystemID, h H) error {
	var zero H
	if !id.Valid() || h == zero {
		return ErrInvalidArgument
	}

	if prev, replaced := r.entries.Store(id, h); replaced && prev != h {
		r.log.Debug("connection replaced", zap.Stringer("systemId", id))
		r.dropFromGroups(prev)
	}
	return nil
}

// Deregister removes id, and its handle from every group. Transports close
// the handle first, so a concurrent AddToGroup cannot put it back.
func (r *Registry[H]) Deregister(id otpnet.SystemID) (H, bool) {
	h, ok := r.entries.Delete(id)
	if ok {
		r.dropFromGroups(h)
	}
	return h, ok
}

// Contains reports whether id is registered.
func (r *Registry[H]) Contains(id otpnet.SystemID) bool {
	return r.entries.Contains(id)
}

// Get returns the handle registered under id.
func (r *Registry[H]) Get(id otpnet.SystemID) (H, bool) {
	return r.entries.Load(id)
}

// Len returns the number of registered connections.
func (r *Registry[H]) Len() int {
	return r.entries.Len()
}

// Range calls fn for every registered connection until fn returns false.
func (r *Registry[H]) Range(fn func(id otpnet.SystemID, h H) bool) {
	r.entries.Range(fn)
}

// AddToGroup adds h to the named group, creating the group if needed.
// The handle does not have to be registered, but a handle reporting
// IsAlive() == false is refused with ErrClosed.
func (r *Registry[H]) AddToGroup(group string, h H) error {
	var zero H
	if group == "" || h == zero {
		return ErrInvalidArgument
	}
	if group == otpnet.GroupAll {
		return ErrReservedGroup
	}

	// Checked under mu: dropFromGroups takes mu after the handle is closed.
	r.mu.Lock()
	if !alive(h) {
		r.mu.Unlock()
		return ErrClosed
	}
	members, ok := r.groups[group]
	if !ok {
		members = make(map[H]struct{})
		r.groups[group] = members
	}
	members[h] = struct{}{}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("group created", zap.String("group", group))
	}
	r.rlog.Added(r.transport+"-group/"+group, handleKey(h))
	return nil
}

// RemoveFromGroup removes h from the named group. Empty groups are kept until
// RemoveGroup is called.
func (r *Registry[H]) RemoveFromGroup(group string, h H) error {
	var zero H
	if group == "" || h == zero {
		return ErrInvalidArgument
	}
	if group == otpnet.GroupAll {
		return ErrReservedGroup
	}

	r.mu.Lock()
	members, ok := r.groups[group]
	if ok {
		_, ok = members[h]
		delete(members, h)
	}
	r.mu.Unlock()

	if ok {
		r.rlog.Removed(r.transport+"-group/"+group, handleKey(h))
	}
	return nil
}

// RemoveGroup deletes the named group. Removing an unknown group is a no-op.
func (r *Registry[H]) RemoveGroup(group string) {
	r.mu.Lock()
	_, ok := r.groups[group]
	delete(r.groups, group)
	r.mu.Unlock()

	if ok {
		r.log.Debug("group removed", zap.String("group", group))
	}
}

// HasGroup reports whether the named group exists. GroupAll always exists.
func (r *Registry[H]) HasGroup(group string) bool {
	if group == otpnet.GroupAll {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.groups[group]
	return ok
}

// Members returns a snapshot of the handles in the named group.
func (r *Registry[H]) Members(group string) []H {
	if group == otpnet.GroupAll {
		members := make([]H, 0, r.entries.Len())
		r.entries.Range(func(_ otpnet.SystemID, h H) bool {
			members = append(members, h)
			return true
		})
		return members
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[group]
	members := make([]H, 0, len(set))
	for h := range set {
		members = append(members, h)
	}
	return members
}

// SendToGroup delivers the command to every member of the named group except
// the handles registered under the identities in except, and returns how many
// members it was delivered to. Identities with no handle in this registry are
// ignored. A failed delivery is logged and does not stop the remaining ones.
// Sending to a group that does not exist is a no-op.
func (r *Registry[H]) SendToGroup(ctx context.Context, group string, command uint32, payload []byte, except ...otpnet.SystemID) int {
	if !r.HasGroup(group) {
		return 0
	}

	excluded := make(map[H]struct{}, len(except))
	for _, id := range except {
		if h, ok := r.entries.Load(id); ok {
			excluded[h] = struct{}{}
		}
	}

	delivered := 0
	for _, h := range r.Members(group) {
		if _, skip := excluded[h]; skip {
			continue
		}
		if err := h.Send(ctx, command, payload); err != nil {
			r.metrics.DeliveryFailed(r.transport)
			r.log.Warn("group delivery failed",
				zap.String("group", group),
				zap.Uint32("command", command),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// dropFromGroups removes h from every group it belongs to.
func (r *Registry[H]) dropFromGroups(h H) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, members := range r.groups {
		delete(members, h)
	}
}

// alive reports false only for handles that can tell they are closed.
func alive[H Handle](h H) bool {
	if a, ok := any(h).(interface{ IsAlive() bool }); ok {
		return a.IsAlive()
	}
	return true
}

// handleKey names h in resource log lines without reading its internals.
func handleKey[H Handle](h H) any {
	if identified, ok := any(h).(interface{ SystemID() otpnet.SystemID }); ok {
		return identified.SystemID()
	}
	return fmt.Sprintf("%T", h)
}
