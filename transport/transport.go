// Package transport opens fingerprinted connections and moves requests over
// them. One Transport is one connection generation: it owns the HTTP/1.1,
// HTTP/2 and HTTP/3 pools built from a single profile, pin set and proxy.
// Changing any of those means building a new Transport.
package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sardanioss/cloakengine/dns"
	"github.com/sardanioss/cloakengine/fingerprint"
	"github.com/sardanioss/cloakengine/pinning"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/proxy"
	http "github.com/sardanioss/http"
)

// Protocol names reported on responses.
const (
	ProtoHTTP1 = "http/1.1"
	ProtoHTTP2 = "h2"
	ProtoHTTP3 = "h3"
)

// ErrClosed is returned by a Transport after Close.
var ErrClosed = errors.New("transport: closed")

// Config fixes everything a connection depends on.
type Config struct {
	Profile *fingerprint.Profile
	Pins    *pinning.Store
	DNS     *dns.Cache
	Proxy   *url.URL

	// RootCAs overrides the system roots for chain verification.
	RootCAs *x509.CertPool

	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// Request is one exchange. Header is sent in exactly the given order;
// pseudo-header order comes from the profile.
type Request struct {
	Method string
	URL    *url.URL
	Header []protocol.HeaderField
	Body   []byte

	ForceHTTP1 bool
	ForceHTTP3 bool
	Insecure   bool
}

// Response carries the head of a response. The caller must read Body to the
// end or close it; on HTTP/1.1 that decides whether the connection is pooled.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Proto      string
}

// Transport dispatches requests to the HTTP/1.1, HTTP/2 and HTTP/3 pools.
type Transport struct {
	cfg      Config
	log      zerolog.Logger
	dns      *dns.Cache
	proxy    proxy.Dialer
	sessions *sessionCache

	h1 *http1Transport
	h2 *http2Transport
	h3 *http3Transport

	altSvcMu sync.Mutex
	altSvc   map[string]time.Time

	dials  atomic.Int64
	closed atomic.Bool
}

// New builds a transport generation. cfg.Profile must be set.
func New(cfg Config) *Transport {
	if cfg.DNS == nil {
		cfg.DNS = dns.NewCache()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	t := &Transport{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "transport").Logger(),
		dns:      cfg.DNS,
		sessions: newSessionCache(64),
		h1:       newHTTP1Transport(),
		h2:       newHTTP2Transport(),
		altSvc:   make(map[string]time.Time),
	}
	t.h3 = newHTTP3Transport(t)
	if cfg.Proxy != nil {
		t.proxy = proxy.New(cfg.Proxy, proxy.Options{
			Timeout: cfg.DialTimeout,
			Resolve: cfg.DNS.Resolve,
		})
	}
	return t
}

// Profile returns the profile connections are fingerprinted with.
func (t *Transport) Profile() *fingerprint.Profile {
	return t.cfg.Profile
}

// RoundTrip sends req and returns the response head.
//
// Protocol selection: ForceHTTP3 requires QUIC; ForceHTTP1 advertises only
// http/1.1 in ALPN; otherwise HTTP/3 is tried first when the profile opted
// into it and the origin advertised h3 via Alt-Svc, falling back to TCP
// where ALPN picks h2 or http/1.1.
func (t *Transport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if req.ForceHTTP1 && req.ForceHTTP3 {
		return nil, protocol.RequestError("force_http1 and force_http3 are mutually exclusive")
	}

	switch req.URL.Scheme {
	case "http":
		if req.ForceHTTP3 {
			return nil, protocol.ProtocolError("HTTP/3 requires an https URL", nil)
		}
	case "https":
	default:
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "unsupported scheme "+strconv.Quote(req.URL.Scheme), nil)
	}

	if req.ForceHTTP3 {
		if !t.udpCapable() {
			return nil, protocol.ProtocolError("HTTP/3 through a proxy requires a SOCKS5 proxy", nil)
		}
		resp, err := t.h3.roundTrip(ctx, req)
		if err != nil {
			return nil, h3Failure(ctx, err)
		}
		return resp, nil
	}

	if req.URL.Scheme == "https" && !req.ForceHTTP1 && t.h3Eligible(req.URL) {
		resp, err := t.h3.roundTrip(ctx, req)
		if err == nil {
			return resp, nil
		}
		var pm *protocol.PinMismatchError
		if errors.As(err, &pm) || ctx.Err() != nil {
			return nil, h3Failure(ctx, err)
		}
		t.log.Debug().Err(err).Str("host", req.URL.Host).Msg("http3 failed, falling back to tcp")
		t.forgetAltSvc(req.URL)
	}

	resp, err := t.roundTripTCP(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.URL.Scheme == "https" {
		t.noteAltSvc(req.URL, resp.Header)
	}
	return resp, nil
}

func h3Failure(ctx context.Context, err error) error {
	var pm *protocol.PinMismatchError
	var pe *protocol.Error
	switch {
	case errors.As(err, &pm), errors.As(err, &pe):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return protocol.ProtocolError("HTTP/3 exchange failed", err)
}

// roundTripTCP tries pooled connections first. An idempotent request that
// fails on a reused connection before any response arrived is retried once
// on a fresh connection.
func (t *Transport) roundTripTCP(ctx context.Context, req *Request) (*Response, error) {
	key := connKey(req)

	if req.URL.Scheme == "https" && !req.ForceHTTP1 {
		if pc := t.h2.get(key); pc != nil {
			resp, err := t.h2.roundTrip(ctx, pc, req, t.cfg.Profile.HTTP2().PseudoOrder)
			if err == nil {
				return resp, nil
			}
			if !retryable(req, err) {
				return nil, err
			}
			t.log.Debug().Err(err).Str("host", req.URL.Host).Msg("retrying on a fresh h2 connection")
			t.h2.remove(key, pc)
			return t.dialAndRoundTrip(ctx, key, req)
		}
	}

	if conn := t.h1.getIdleConn(key); conn != nil {
		resp, err := t.h1.roundTrip(ctx, key, conn, req)
		if err == nil {
			return resp, nil
		}
		if !retryable(req, err) {
			return nil, err
		}
		t.log.Debug().Err(err).Str("host", req.URL.Host).Msg("retrying on a fresh http/1.1 connection")
	}

	return t.dialAndRoundTrip(ctx, key, req)
}

func (t *Transport) dialAndRoundTrip(ctx context.Context, key string, req *Request) (*Response, error) {
	host, port := hostPort(req.URL)
	t.dials.Add(1)

	if req.URL.Scheme == "http" {
		raw, err := t.dialTCP(ctx, host, port)
		if err != nil {
			return nil, err
		}
		return t.h1.roundTrip(ctx, key, newHTTP1Conn(raw), req)
	}

	var alpn []string
	if req.ForceHTTP1 {
		alpn = []string{"http/1.1"}
	}
	uconn, err := t.dialTLS(ctx, host, port, alpn, req.Insecure)
	if err != nil {
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		pc, err := t.h2.newConn(uconn, t.cfg.Profile.HTTP2())
		if err != nil {
			return nil, protocol.ProtocolError("HTTP/2 setup failed", err)
		}
		pc = t.h2.put(key, pc)
		return t.h2.roundTrip(ctx, pc, req, t.cfg.Profile.HTTP2().PseudoOrder)
	}
	return t.h1.roundTrip(ctx, key, newHTTP1Conn(uconn), req)
}

// retryable reports whether err allows one more attempt on a new connection.
func retryable(req *Request, err error) bool {
	var stale *staleConnError
	if !errors.As(err, &stale) {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// connKey identifies connections that may be shared. Verification mode is
// part of the key so an insecure connection never serves a verified request.
func connKey(req *Request) string {
	host, port := hostPort(req.URL)
	key := req.URL.Scheme + "://" + net.JoinHostPort(host, port)
	if req.Insecure {
		key += "|insecure"
	}
	if req.ForceHTTP1 {
		key += "|h1"
	}
	return key
}

func hostPort(u *url.URL) (string, string) {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return u.Hostname(), port
}

// h3Eligible reports whether HTTP/3 should be attempted without being forced.
func (t *Transport) h3Eligible(u *url.URL) bool {
	if !t.cfg.Profile.HTTP3Applied() || !t.udpCapable() {
		return false
	}
	t.altSvcMu.Lock()
	defer t.altSvcMu.Unlock()
	exp, ok := t.altSvc[altSvcKey(u)]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(t.altSvc, altSvcKey(u))
		return false
	}
	return true
}

func altSvcKey(u *url.URL) string {
	host, port := hostPort(u)
	return net.JoinHostPort(host, port)
}

// udpCapable reports whether QUIC can reach origins: directly, or through a
// SOCKS5 UDP relay.
func (t *Transport) udpCapable() bool {
	return t.proxy == nil || proxy.IsSOCKS(t.cfg.Proxy)
}

// noteAltSvc records an h3 advertisement for the same port, honoring ma.
func (t *Transport) noteAltSvc(u *url.URL, h http.Header) {
	v := h.Get("Alt-Svc")
	if v == "" {
		return
	}
	if strings.TrimSpace(v) == "clear" {
		t.forgetAltSvc(u)
		return
	}
	_, port := hostPort(u)
	maxAge, ok := parseAltSvcH3(v, port)
	if !ok {
		return
	}
	t.altSvcMu.Lock()
	t.altSvc[altSvcKey(u)] = time.Now().Add(maxAge)
	t.altSvcMu.Unlock()
}

func (t *Transport) forgetAltSvc(u *url.URL) {
	t.altSvcMu.Lock()
	delete(t.altSvc, altSvcKey(u))
	t.altSvcMu.Unlock()
}

// parseAltSvcH3 finds an h3 alternative on port in an Alt-Svc value and
// returns its max age (RFC 7838 default 24h).
func parseAltSvcH3(v, port string) (time.Duration, bool) {
	for _, alt := range strings.Split(v, ",") {
		params := strings.Split(alt, ";")
		proto, authority, ok := strings.Cut(strings.TrimSpace(params[0]), "=")
		if !ok || proto != "h3" {
			continue
		}
		authority = strings.Trim(authority, `"`)
		if _, p, err := net.SplitHostPort(authority); err != nil || p != port {
			continue
		}
		maxAge := 24 * time.Hour
		for _, param := range params[1:] {
			k, val, _ := strings.Cut(strings.TrimSpace(param), "=")
			if k == "ma" {
				if secs, err := strconv.Atoi(val); err == nil {
					maxAge = time.Duration(secs) * time.Second
				}
			}
		}
		return maxAge, true
	}
	return 0, false
}

// Stats reports pool sizes. Used by tests and diagnostics.
type Stats struct {
	IdleHTTP1 int
	HTTP2     int
	Dials     int64
}

func (t *Transport) Stats() Stats {
	return Stats{
		IdleHTTP1: t.h1.idleCount(),
		HTTP2:     t.h2.connCount(),
		Dials:     t.dials.Load(),
	}
}

// Close tears down every pooled connection. It is idempotent. Callers must
// make sure no request is still running on the generation.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.h1.close()
	t.h2.close()
	t.h3.close()
	t.log.Debug().Msg("transport closed")
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}
