// Package session holds per-session state: the fingerprint profile, cookie
// jar, pin store and the current transport generation, plus the registry
// that maps C handles to sessions.
package session

import (
	"context"
	"crypto/x509"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sardanioss/cloakengine/dns"
	"github.com/sardanioss/cloakengine/fingerprint"
	"github.com/sardanioss/cloakengine/pinning"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/proxy"
	"github.com/sardanioss/cloakengine/transport"
)

// generation is one transport and the lease that decides when it closes.
type generation struct {
	tr    *transport.Transport
	lease *lease
}

// Session represents a persistent client identity
type Session struct {
	id      uint64
	traceID uuid.UUID
	cfg     Config
	log     zerolog.Logger
	jar     *CookieJar
	pins    *pinning.Store
	dns     *dns.Cache
	rootCAs *x509.CertPool

	// lease tracks requests admitted through the registry. Teardown
	// retires the current generation.
	lease *lease

	mu      sync.RWMutex
	profile *fingerprint.Profile
	proxy   *url.URL
	gen     *generation
	closed  bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	log     zerolog.Logger
	rootCAs *x509.CertPool
	id      uint64
}

// WithLogger sets the parent logger; the session adds its own fields.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRootCAs replaces the system roots used for chain verification.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.rootCAs = pool }
}

func withID(id uint64) Option {
	return func(o *options) { o.id = id }
}

// New builds a session from cfg. The profile is resolved from the browser
// preset and then overridden by any fingerprint strings in cfg.
func New(cfg Config, opts ...Option) (*Session, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	profile, err := buildProfile(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.DumpDir != "" {
		if err := os.MkdirAll(cfg.DumpDir, 0o755); err != nil {
			return nil, protocol.ConfigError("creating dump directory", err)
		}
	}

	var proxyURL *url.URL
	if cfg.Proxy != "" {
		if proxyURL, err = proxy.Parse(cfg.Proxy); err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:      o.id,
		traceID: uuid.New(),
		cfg:     cfg,
		jar:     NewCookieJar(),
		pins:    pinning.New(),
		rootCAs: o.rootCAs,
		profile: profile,
		proxy:   proxyURL,
	}
	s.log = o.log.With().
		Str("session", s.traceID.String()).
		Uint64("handle", s.id).
		Logger()
	s.dns = dns.NewCache(dns.WithNameserver(cfg.DNSServer), dns.WithLogger(s.log))
	s.lease = newLease(s.shutdown)
	s.gen = s.newGeneration()

	s.log.Debug().
		Str("profile", profile.Name()).
		Bool("proxy", proxyURL != nil).
		Msg("session created")
	return s, nil
}

func buildProfile(cfg Config) (*fingerprint.Profile, error) {
	profile, err := fingerprint.Lookup(cfg.Browser)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent != "" {
		profile = profile.WithUserAgent(cfg.UserAgent)
	}
	if cfg.JA3 != "" {
		j, nav, err := parseJA3(cfg.JA3, cfg.Navigator)
		if err != nil {
			return nil, err
		}
		profile = profile.WithJA3(j, nav)
	}
	if cfg.HTTP2Fingerprint != "" {
		f, err := fingerprint.ParseHTTP2Fingerprint(cfg.HTTP2Fingerprint)
		if err != nil {
			return nil, err
		}
		profile = profile.WithHTTP2(f)
	}
	if cfg.HTTP3Fingerprint != "" {
		f, err := fingerprint.ParseHTTP3Fingerprint(cfg.HTTP3Fingerprint)
		if err != nil {
			return nil, err
		}
		profile = profile.WithHTTP3(f)
	}
	return profile, nil
}

func parseJA3(ja3, navigator string) (*fingerprint.JA3, fingerprint.Navigator, error) {
	nav, err := fingerprint.ParseNavigator(navigator)
	if err != nil {
		return nil, "", err
	}
	j, err := fingerprint.ParseJA3(ja3)
	if err != nil {
		return nil, "", err
	}
	return j, nav, nil
}

// newGeneration builds a transport from the current profile and proxy.
// Callers hold s.mu or own s exclusively.
func (s *Session) newGeneration() *generation {
	tr := transport.New(transport.Config{
		Profile: s.profile,
		Pins:    s.pins,
		DNS:     s.dns,
		Proxy:   s.proxy,
		RootCAs: s.rootCAs,
		Logger:  s.log,
	})
	return &generation{tr: tr, lease: newLease(tr.Close)}
}

// ID returns the registry handle, or 0 for a session created with New.
func (s *Session) ID() uint64 { return s.id }

// TraceID identifies the session in logs.
func (s *Session) TraceID() uuid.UUID { return s.traceID }

// Config returns the configuration the session was created with.
func (s *Session) Config() Config { return s.cfg }

// Jar returns the session cookie jar.
func (s *Session) Jar() *CookieJar { return s.jar }

// Pins returns the session pin store.
func (s *Session) Pins() *pinning.Store { return s.pins }

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger { return s.log }

// Profile returns the profile in effect.
func (s *Session) Profile() *fingerprint.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Proxy returns the session proxy, or nil.
func (s *Session) Proxy() *url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxy
}

// Transport leases the current transport generation. The caller must call
// release when the exchange, including reading the body, is over. A
// non-empty proxyOverride builds a throwaway transport for that proxy.
func (s *Session) Transport(proxyOverride string) (*transport.Transport, func(), error) {
	if proxyOverride != "" {
		return s.ephemeralTransport(proxyOverride)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, protocol.InvalidHandleError(s.id)
	}
	gen := s.gen
	if !gen.lease.acquire() {
		return nil, nil, protocol.InvalidHandleError(s.id)
	}
	return gen.tr, gen.lease.release, nil
}

func (s *Session) ephemeralTransport(rawProxy string) (*transport.Transport, func(), error) {
	u, err := proxy.Parse(rawProxy)
	if err != nil {
		return nil, nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidRequest, "invalid request proxy", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, protocol.InvalidHandleError(s.id)
	}
	tr := transport.New(transport.Config{
		Profile: s.profile,
		Pins:    s.pins,
		DNS:     s.dns,
		Proxy:   u,
		RootCAs: s.rootCAs,
		Logger:  s.log,
	})
	return tr, tr.Close, nil
}

// rotate applies mutate under the write lock and swaps in a new transport
// generation. The previous generation closes once its requests finish.
func (s *Session) rotate(reason string, mutate func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.InvalidHandleError(s.id)
	}
	mutate()
	old := s.gen
	s.gen = s.newGeneration()
	s.mu.Unlock()

	old.lease.retire()
	s.log.Debug().Str("reason", reason).Msg("transport generation rotated")
	return nil
}

// ApplyJA3 replaces the TLS fingerprint. On a parse error the session is
// unchanged.
func (s *Session) ApplyJA3(ja3, navigator string) error {
	j, nav, err := parseJA3(ja3, navigator)
	if err != nil {
		return err
	}
	return s.rotate("ja3", func() { s.profile = s.profile.WithJA3(j, nav) })
}

// ApplyHTTP2 replaces the HTTP/2 fingerprint.
func (s *Session) ApplyHTTP2(fp string) error {
	f, err := fingerprint.ParseHTTP2Fingerprint(fp)
	if err != nil {
		return err
	}
	return s.rotate("http2", func() { s.profile = s.profile.WithHTTP2(f) })
}

// ApplyHTTP3 replaces the HTTP/3 fingerprint and enables HTTP/3 upgrades.
func (s *Session) ApplyHTTP3(fp string) error {
	f, err := fingerprint.ParseHTTP3Fingerprint(fp)
	if err != nil {
		return err
	}
	return s.rotate("http3", func() { s.profile = s.profile.WithHTTP3(f) })
}

// SetProxy routes later requests through rawProxy.
func (s *Session) SetProxy(rawProxy string) error {
	u, err := proxy.Parse(rawProxy)
	if err != nil {
		return err
	}
	return s.rotate("proxy", func() { s.proxy = u })
}

// ClearProxy makes later requests connect directly.
func (s *Session) ClearProxy() error {
	return s.rotate("proxy", func() { s.proxy = nil })
}

// AddPins pins the host of rawURL to the given SPKI hashes.
func (s *Session) AddPins(rawURL string, pins []string) error {
	if len(pins) == 0 {
		return protocol.ConfigError("no pins given", nil)
	}
	var err error
	rerr := s.rotate("pins", func() { err = s.pins.AddURL(rawURL, pins) })
	if rerr != nil {
		return rerr
	}
	return err
}

// ClearPins removes all pins for the host of rawURL.
func (s *Session) ClearPins(rawURL string) error {
	var err error
	rerr := s.rotate("pins", func() { err = s.pins.ClearURL(rawURL) })
	if rerr != nil {
		return rerr
	}
	return err
}

// Close retires the session. Requests already admitted finish on the
// current generation; teardown happens after the last of them.
func (s *Session) Close() {
	s.lease.retire()
}

// acquire admits one request. It fails once the session is retired.
func (s *Session) acquire() (func(), bool) {
	if !s.lease.acquire() {
		return nil, false
	}
	return s.lease.release, true
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	gen := s.gen
	s.mu.Unlock()

	gen.lease.retire()
	s.jar.Clear()
	s.dns.Clear()
	s.log.Debug().Msg("session closed")
}

// Closed reports whether teardown has run.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Connect warms a pooled connection to the origin of rawURL on the current
// transport generation. A later fingerprint or proxy change starts a new
// generation, which does not inherit it.
func (s *Session) Connect(ctx context.Context, rawURL string, forceHTTP1 bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "invalid url", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	tr, release, err := s.Transport("")
	if err != nil {
		return err
	}
	defer release()
	return tr.Connect(ctx, u, s.cfg.InsecureSkipVerify, forceHTTP1)
}
