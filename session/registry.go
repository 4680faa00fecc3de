package session

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sardanioss/cloakengine/metrics"
	"github.com/sardanioss/cloakengine/protocol"
)

// nextHandle is process-wide so a handle is never reused, even across
// registries.
var nextHandle atomic.Uint64

// Registry maps handles to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session

	log     zerolog.Logger
	metrics *metrics.Metrics
	opts    []Option
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to every session.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithMetrics reports the live session count to m.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithSessionOptions applies opts to every session the registry creates.
func WithSessionOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[uint64]*Session),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create builds a session and returns its handle. The handle is never 0.
func (r *Registry) Create(cfg Config) (uint64, error) {
	id := nextHandle.Add(1)

	opts := append([]Option{WithLogger(r.log)}, r.opts...)
	s, err := New(cfg, append(opts, withID(id))...)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	return id, nil
}

// Get returns the session for h without admitting a request. Use Acquire
// around anything that performs I/O.
func (r *Registry) Get(h uint64) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[h]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.InvalidHandleError(h)
	}
	return s, nil
}

// Acquire returns the session for h and admits one request on it. The
// session is not torn down before release is called.
func (r *Registry) Acquire(h uint64) (*Session, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[h]
	if !ok {
		return nil, nil, protocol.InvalidHandleError(h)
	}
	release, ok := s.acquire()
	if !ok {
		return nil, nil, protocol.InvalidHandleError(h)
	}
	return s, release, nil
}

// Close unregisters h. Later lookups fail immediately; the transport is
// torn down after the last in-flight request releases. Closing an unknown
// handle is a no-op.
func (r *Registry) Close(h uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	r.metrics.SessionClosed()
	return true
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := lo.Values(r.sessions)
	r.sessions = make(map[uint64]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		r.metrics.SessionClosed()
	}
	if len(sessions) > 0 {
		r.log.Debug().Int("sessions", len(sessions)).Msg("registry closed")
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Handles returns the registered handles in ascending order.
func (r *Registry) Handles() []uint64 {
	r.mu.RLock()
	handles := lo.Keys(r.sessions)
	r.mu.RUnlock()
	slices.Sort(handles)
	return handles
}
