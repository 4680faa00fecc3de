// Package engine executes requests on a session: header assembly, cookies,
// redirects, timeouts, body decoding and error classification.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sardanioss/cloakengine/metrics"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
	"github.com/sardanioss/cloakengine/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"
)

const tracerName = "github.com/sardanioss/cloakengine/engine"

// Engine runs requests. The zero value is not usable; use New.
type Engine struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for engine-level events. Per-request logs use
// the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records request counts and durations to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:    zerolog.Nop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEngine = New()

// Execute runs req on sess with a default Engine.
func Execute(ctx context.Context, sess *session.Session, req *protocol.Request) *protocol.Response {
	return defaultEngine.Execute(ctx, sess, req)
}

// Execute runs req on sess, following redirects, and returns the final
// response. It never returns nil and never panics; failures are reported
// in Response.Err.
func (e *Engine) Execute(ctx context.Context, sess *session.Session, req *protocol.Request) (resp *protocol.Response) {
	if req == nil {
		return protocol.FailureResponse(protocol.RequestError("request is nil"), "")
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "cloak.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", req.Method)),
	)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("url", req.URL).
				Msg("request panicked")
			resp = protocol.FailureResponse(
				protocol.NewError(protocol.KindInternal, protocol.CodeInternal, fmt.Sprintf("internal error: %v", r), nil), "")
		}
		e.finish(span, resp, time.Since(start))
	}()

	u, err := validate(req)
	if err != nil {
		return protocol.FailureResponse(err, "")
	}
	span.SetAttributes(attribute.Int64("cloak.session", int64(sess.ID())))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = sess.Config().Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tr, release, err := sess.Transport(req.Proxy)
	if err != nil {
		return protocol.FailureResponse(err, "")
	}
	defer release()

	return e.run(ctx, sess, tr, req, u)
}

func (e *Engine) finish(span trace.Span, resp *protocol.Response, elapsed time.Duration) {
	kind := ""
	if resp.Failed() {
		kind = string(resp.Err.Kind)
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, resp.Err.Code)
		span.SetAttributes(attribute.String("cloak.error.code", resp.Err.Code))
	} else {
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.String("network.protocol.name", resp.Protocol),
		)
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	e.metrics.ObserveRequest(resp.Protocol, kind, elapsed)
}

// validate rejects a request before any I/O happens.
func validate(req *protocol.Request) (*url.URL, error) {
	if req.Method == "" {
		return nil, protocol.RequestError("method is required")
	}
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return nil, protocol.RequestError(fmt.Sprintf("invalid method %q", req.Method))
	}
	if req.URL == "" {
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "url is required", nil)
	}
	if req.ForceHTTP1 && req.ForceHTTP3 {
		return nil, protocol.RequestError("force_http1 and force_http3 are mutually exclusive")
	}
	if req.MaxRedirects < 0 {
		return nil, protocol.RequestError("max_redirects must not be negative")
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "invalid url", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Host == "" {
		return nil, protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "url has no host", nil)
	}
	for _, f := range req.HeaderFields() {
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, protocol.RequestError(fmt.Sprintf("invalid header %q", f.Name))
		}
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// run performs the exchange and every redirect hop.
func (e *Engine) run(ctx context.Context, sess *session.Session, tr *transport.Transport, req *protocol.Request, u *url.URL) *protocol.Response {
	log := sess.Logger()
	cfg := sess.Config()
	limit := redirectLimit(req, cfg)
	insecure := req.InsecureSkipVerify || cfg.InsecureSkipVerify

	hop := hopState{
		method: strings.ToUpper(req.Method),
		url:    u,
		header: mergeHeaders(req, cfg, sess.Profile().UserAgent()),
		body:   req.Body,
	}

	for redirects := 0; ; {
		hopCtx, span := e.tracer.Start(ctx, "cloak.hop", trace.WithAttributes(
			attribute.String("url.full", hop.url.Redacted()),
			attribute.Int("cloak.redirects", redirects),
		))

		header := hop.header
		if !req.NoCookie && !hasHeader(header, "Cookie") {
			if c := sess.Jar().CookieHeader(hop.url); c != "" {
				header = append(header[:len(header):len(header)], protocol.HeaderField{Name: "Cookie", Value: c})
			}
		}

		resp, err := tr.RoundTrip(hopCtx, &transport.Request{
			Method:     hop.method,
			URL:        hop.url,
			Header:     header,
			Body:       hop.body,
			ForceHTTP1: req.ForceHTTP1,
			ForceHTTP3: req.ForceHTTP3,
			Insecure:   insecure,
		})
		if err != nil {
			span.RecordError(err)
			span.End()
			log.Debug().Err(err).Str("host", hop.url.Host).Msg("request failed")
			return protocol.FailureResponse(err, hop.url.String())
		}
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.String("network.protocol.name", resp.Proto),
		)
		log.Debug().
			Str("host", hop.url.Host).
			Str("proto", resp.Proto).
			Int("status", resp.StatusCode).
			Msg("response received")

		if !req.NoCookie {
			sess.Jar().SetCookiesFromHeaders(hop.url, resp.Header.Values("Set-Cookie"))
		}

		next, follow, err := nextHop(&hop, resp, req.DisableRedirects)
		if err != nil {
			discard(resp.Body)
			span.End()
			return protocol.FailureResponse(err, hop.url.String())
		}
		if follow {
			discard(resp.Body)
			span.End()
			dumpExchange(log, cfg.DumpDir, cfg.DumpIgnore, hop.method, hop.url, header, hop.body, &protocol.Response{
				StatusCode: resp.StatusCode,
				Headers:    map[string][]string(resp.Header),
				Protocol:   resp.Proto,
			})
			if redirects >= limit {
				return protocol.FailureResponse(protocol.RedirectLimitError(limit), hop.url.String())
			}
			redirects++
			hop = next
			continue
		}

		out, err := collect(resp, hop.url, req.IgnoreBody)
		span.End()
		if err != nil {
			return protocol.FailureResponse(err, hop.url.String())
		}
		dumpExchange(log, cfg.DumpDir, cfg.DumpIgnore, hop.method, hop.url, header, hop.body, out)
		return out
	}
}

// redirectLimit picks the request limit, then the session limit, then the
// package default.
func redirectLimit(req *protocol.Request, cfg session.Config) int {
	switch {
	case req.MaxRedirects > 0:
		return req.MaxRedirects
	case cfg.MaxRedirects > 0:
		return cfg.MaxRedirects
	}
	return protocol.DefaultMaxRedirects
}

// collect reads and decodes the body of the final response.
func collect(resp *transport.Response, u *url.URL, ignoreBody bool) (*protocol.Response, error) {
	defer resp.Body.Close()

	out := &protocol.Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string][]string, len(resp.Header)),
		FinalURL:   u.String(),
		Protocol:   resp.Proto,
	}
	for k, v := range resp.Header {
		out.Headers[k] = append([]string(nil), v...)
	}

	if ignoreBody {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, err
		}
		return out, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	body, err := transport.Decode(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, protocol.ProtocolError("failed to decode response body", err)
	}
	out.Body = body
	return out, nil
}

// discard drains a bounded amount of body so the connection can be reused,
// then closes it.
func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
