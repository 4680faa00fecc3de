package adapter

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
	cloakengine "github.com/sardanioss/cloakengine"
	"github.com/sardanioss/cloakengine/engine"
	"github.com/sardanioss/cloakengine/keylog"
	"github.com/sardanioss/cloakengine/logging"
	"github.com/sardanioss/cloakengine/metrics"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
)

// ErrNotInitialized is returned by every session operation outside an
// Init/Cleanup pair.
var ErrNotInitialized = protocol.ConfigError("engine is not initialized", nil)

// StateOption configures Init.
type StateOption func(*stateOptions)

type stateOptions struct {
	log        *zerolog.Logger
	sessOpts   []session.Option
	engineOpts []engine.Option
}

// WithStateLogger uses l instead of the logger configured from the
// environment.
func WithStateLogger(l zerolog.Logger) StateOption {
	return func(o *stateOptions) { o.log = &l }
}

// WithStateSessionOptions passes opts to every session created.
func WithStateSessionOptions(opts ...session.Option) StateOption {
	return func(o *stateOptions) { o.sessOpts = append(o.sessOpts, opts...) }
}

// WithStateEngineOptions passes opts to the engine.
func WithStateEngineOptions(opts ...engine.Option) StateOption {
	return func(o *stateOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// State is the process-wide state behind the C exports. Every method is
// safe for concurrent use. Session operations fail with ErrNotInitialized
// until Init and again after Cleanup.
type State struct {
	mu        sync.RWMutex
	opts      []StateOption
	ready     bool
	registry  *session.Registry
	engine    *engine.Engine
	metrics   *metrics.Metrics
	log       zerolog.Logger
	logCloser io.Closer

	errMu   sync.Mutex
	lastErr string

	// Ledger outlives Init/Cleanup so pointers handed out before a
	// cleanup can still be freed.
	Ledger *Ledger
}

// NewState creates an uninitialized State.
func NewState(opts ...StateOption) *State {
	return &State{
		opts:   opts,
		log:    zerolog.Nop(),
		Ledger: NewLedger(),
	}
}

// Init sets up logging, the key log, metrics, the registry and the engine.
// Calling Init on an initialized State does nothing.
func (s *State) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	var o stateOptions
	for _, opt := range s.opts {
		opt(&o)
	}

	if err := logging.LoadEnvFile(); err != nil {
		return s.fail(protocol.ConfigError(err.Error(), err))
	}
	log, closer := zerolog.Nop(), io.Closer(nil)
	if o.log != nil {
		log = *o.log
	} else {
		lopts, err := logging.OptionsFromEnv()
		if err != nil {
			return s.fail(protocol.ConfigError(err.Error(), err))
		}
		if log, closer, err = logging.New(lopts); err != nil {
			return s.fail(protocol.ConfigError(err.Error(), err))
		}
	}
	if err := keylog.OpenFromEnv(); err != nil {
		log.Warn().Err(err).Msg("key log disabled")
	}

	m := metrics.New()
	s.metrics = m
	s.log = log
	s.logCloser = closer
	s.registry = session.NewRegistry(
		session.WithRegistryLogger(log),
		session.WithMetrics(m),
		session.WithSessionOptions(o.sessOpts...),
	)
	s.engine = engine.New(append([]engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
	}, o.engineOpts...)...)
	s.ready = true

	log.Info().Str("version", cloakengine.Version).Msg("engine initialized")
	return nil
}

// Cleanup closes every session and releases process resources. Handles
// issued before Cleanup stay invalid after a later Init. Calling Cleanup
// twice is a no-op.
func (s *State) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}

	s.registry.CloseAll()
	if err := keylog.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing key log")
	}
	s.log.Info().Msg("engine cleaned up")
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}

	s.ready = false
	s.registry = nil
	s.engine = nil
	s.metrics = nil
	s.log = zerolog.Nop()
	s.logCloser = nil
}

// Initialized reports whether Init has run without a matching Cleanup.
func (s *State) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// LastError returns the message of the most recent failed call, or "".
func (s *State) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// SetLastError records err as the most recent failure. nil clears it.
func (s *State) SetLastError(err error) {
	s.errMu.Lock()
	s.lastErr = FormatError(err)
	s.errMu.Unlock()
}

func (s *State) fail(err error) error {
	s.SetLastError(err)
	return err
}

// components returns the registry and engine, or ErrNotInitialized.
func (s *State) components() (*session.Registry, *engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, nil, ErrNotInitialized
	}
	return s.registry, s.engine, nil
}

// SessionNew creates a session from a JSON config. It returns 0 and records
// the error on failure.
func (s *State) SessionNew(configJSON []byte) uint64 {
	// The read lock is held through Create so Cleanup cannot close the
	// registry between the readiness check and the insert.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		s.fail(ErrNotInitialized)
		return 0
	}
	cfg, err := session.ParseConfig(configJSON)
	if err != nil {
		s.fail(err)
		return 0
	}
	h, err := s.registry.Create(cfg)
	if err != nil {
		s.fail(err)
		return 0
	}
	return h
}

// SessionClose closes h. Unknown and already closed handles are ignored.
func (s *State) SessionClose(h uint64) {
	reg, _, err := s.components()
	if err != nil {
		return
	}
	reg.Close(h)
}

// Do executes a JSON request on h. Failures are reported in the response.
func (s *State) Do(h uint64, requestJSON []byte) *protocol.Response {
	req, err := DecodeRequest(requestJSON)
	if err != nil {
		return protocol.FailureResponse(err, "")
	}
	return s.execute(h, req)
}

// DoBytes executes a request built from raw parameters on h. body is sent
// byte for byte.
func (s *State) DoBytes(h uint64, method, rawURL string, headersJSON, body []byte) *protocol.Response {
	req, err := DecodeRawRequest(method, rawURL, headersJSON, body)
	if err != nil {
		return protocol.FailureResponse(err, rawURL)
	}
	return s.execute(h, req)
}

func (s *State) execute(h uint64, req *protocol.Request) *protocol.Response {
	reg, eng, err := s.components()
	if err != nil {
		return protocol.FailureResponse(err, req.URL)
	}
	sess, release, err := reg.Acquire(h)
	if err != nil {
		return protocol.FailureResponse(err, req.URL)
	}
	defer release()
	return eng.Execute(context.Background(), sess, req)
}

// GetIP returns the public address h is seen from.
func (s *State) GetIP(h uint64) (string, error) {
	reg, eng, err := s.components()
	if err != nil {
		return "", s.fail(err)
	}
	sess, release, err := reg.Acquire(h)
	if err != nil {
		return "", s.fail(err)
	}
	defer release()

	ip, err := eng.GetIP(context.Background(), sess)
	if err != nil {
		return "", s.fail(err)
	}
	return ip, nil
}

// Connect opens and pools a connection from h to the origin of rawURL.
func (s *State) Connect(h uint64, rawURL string, forceHTTP1 bool) error {
	reg, _, err := s.components()
	if err != nil {
		return s.fail(err)
	}
	sess, release, err := reg.Acquire(h)
	if err != nil {
		return s.fail(err)
	}
	defer release()
	if err := sess.Connect(context.Background(), rawURL, forceHTTP1); err != nil {
		return s.fail(protocol.Classify(err))
	}
	return nil
}

// withSession runs fn on the session for h and records any error.
func (s *State) withSession(h uint64, fn func(*session.Session) error) error {
	reg, _, err := s.components()
	if err != nil {
		return s.fail(err)
	}
	sess, err := reg.Get(h)
	if err != nil {
		return s.fail(err)
	}
	if err := fn(sess); err != nil {
		return s.fail(protocol.Classify(err))
	}
	return nil
}

// ApplyJA3 replaces the TLS fingerprint of h.
func (s *State) ApplyJA3(h uint64, ja3, navigator string) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.ApplyJA3(ja3, navigator) })
}

// ApplyHTTP2 replaces the HTTP/2 fingerprint of h.
func (s *State) ApplyHTTP2(h uint64, fp string) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.ApplyHTTP2(fp) })
}

// ApplyHTTP3 replaces the HTTP/3 fingerprint of h.
func (s *State) ApplyHTTP3(h uint64, fp string) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.ApplyHTTP3(fp) })
}

// SetProxy routes later requests on h through rawProxy.
func (s *State) SetProxy(h uint64, rawProxy string) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.SetProxy(rawProxy) })
}

// ClearProxy makes later requests on h connect directly.
func (s *State) ClearProxy(h uint64) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.ClearProxy() })
}

// AddPins pins the host of rawURL to the keys in pinsJSON, a JSON array of
// base64 SHA-256 SPKI digests.
func (s *State) AddPins(h uint64, rawURL string, pinsJSON []byte) error {
	return s.withSession(h, func(sess *session.Session) error {
		pins, err := DecodePins(pinsJSON)
		if err != nil {
			return err
		}
		return sess.AddPins(rawURL, pins)
	})
}

// ClearPins removes the pins of the host of rawURL.
func (s *State) ClearPins(h uint64, rawURL string) error {
	return s.withSession(h, func(sess *session.Session) error { return sess.ClearPins(rawURL) })
}

// Metrics returns the current metrics in the Prometheus text format.
func (s *State) Metrics() (string, error) {
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m == nil {
		return "", s.fail(ErrNotInitialized)
	}
	text, err := m.Text()
	if err != nil {
		return "", s.fail(protocol.NewError(protocol.KindInternal, protocol.CodeInternal, "encoding metrics", err))
	}
	return text, nil
}
