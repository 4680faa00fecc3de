// Package cloakengine is a session-oriented HTTP engine that presents
// browser TLS, HTTP/2 and HTTP/3 fingerprints and enforces certificate
// pins. It is usually driven through the C library in bindings/clib; this
// package is the same engine for Go callers.
//
// Basic usage:
//
//	s, err := cloakengine.NewSession("chrome")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	resp, err := s.Get(ctx, "https://example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(resp.StatusCode, string(resp.Body))
package cloakengine

import (
	"context"
	"net/url"
	"time"

	"github.com/sardanioss/cloakengine/engine"
	"github.com/sardanioss/cloakengine/fingerprint"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
)

// Version is reported by cloak_version.
const Version = "1.0.0"

// Session is a persistent fingerprinted session with its own cookie jar,
// pin store and connection pool.
type Session struct {
	inner *session.Session
}

// SessionOption configures a session
type SessionOption func(*session.Config)

// WithProxy routes the session through an HTTP or SOCKS5 proxy.
func WithProxy(proxyURL string) SessionOption {
	return func(c *session.Config) { c.Proxy = proxyURL }
}

// WithTimeout sets the default request timeout.
func WithTimeout(d time.Duration) SessionOption {
	return func(c *session.Config) { c.Timeout = d }
}

// WithUserAgent overrides the preset User-Agent.
func WithUserAgent(ua string) SessionOption {
	return func(c *session.Config) { c.UserAgent = ua }
}

// WithJA3 replaces the preset ClientHello with a JA3 string.
func WithJA3(ja3, navigator string) SessionOption {
	return func(c *session.Config) {
		c.JA3 = ja3
		c.Navigator = navigator
	}
}

// NewSession creates a session with the named browser preset. An empty
// preset selects the default.
func NewSession(preset string, opts ...SessionOption) (*Session, error) {
	cfg := session.DefaultConfig()
	if preset != "" {
		cfg.Browser = preset
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Session{inner: s}, nil
}

// Do executes req. Failures are returned as a *protocol.Error.
func (s *Session) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	resp := engine.Execute(ctx, s.inner, req)
	if resp.Failed() {
		return nil, resp.Err
	}
	return resp, nil
}

// Get performs a GET request within the session
func (s *Session) Get(ctx context.Context, rawURL string) (*protocol.Response, error) {
	return s.Do(ctx, &protocol.Request{Method: "GET", URL: rawURL})
}

// Post sends body with the given content type.
func (s *Session) Post(ctx context.Context, rawURL string, body []byte, contentType string) (*protocol.Response, error) {
	return s.Do(ctx, &protocol.Request{
		Method:  "POST",
		URL:     rawURL,
		Ordered: []protocol.HeaderField{{Name: "Content-Type", Value: contentType}},
		Body:    body,
	})
}

// Cookies returns the cookies the session would send to rawURL.
func (s *Session) Cookies(rawURL string) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "invalid url", err)
	}
	out := make(map[string]string)
	for _, c := range s.inner.Jar().Cookies(u) {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = c.Value
		}
	}
	return out, nil
}

// PublicIP returns the address the session is seen from.
func (s *Session) PublicIP(ctx context.Context) (string, error) {
	return engine.GetIP(ctx, s.inner)
}

// Connect pre-opens a connection to the origin of rawURL so the first
// request to it skips DNS, TCP and TLS setup.
func (s *Session) Connect(ctx context.Context, rawURL string) error {
	return s.inner.Connect(ctx, rawURL, false)
}

// Internal returns the underlying session for fingerprint, proxy and pin
// changes.
func (s *Session) Internal() *session.Session {
	return s.inner
}

// Close closes the session and releases resources once in-flight requests
// finish.
func (s *Session) Close() {
	s.inner.Close()
}

// Presets returns available fingerprint presets
func Presets() []string {
	return fingerprint.Available()
}
