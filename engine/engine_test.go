package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sardanioss/cloakengine/metrics"
	"github.com/sardanioss/cloakengine/pinning"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
	"github.com/sardanioss/cloakengine/transport"
)

func newSession(t *testing.T, cfg session.Config, opts ...session.Option) *session.Session {
	t.Helper()
	s, err := session.New(cfg, opts...)
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustSucceed(t *testing.T, resp *protocol.Response) {
	t.Helper()
	if resp.Failed() {
		t.Fatalf("request failed: %v", resp.Err)
	}
}

func TestExecuteBinaryBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Write(body)
	}))
	defer srv.Close()

	payload := []byte("head\x00middle\x00\xff\xfetail\x00")
	resp := Execute(context.Background(), newSession(t, session.DefaultConfig()), &protocol.Request{
		Method: "POST",
		URL:    srv.URL + "/echo",
		Body:   payload,
	})
	mustSucceed(t, resp)

	if !bytes.Equal(resp.Body, payload) {
		t.Errorf("body = %q, want %q", resp.Body, payload)
	}
	if resp.StatusCode != 200 || resp.Protocol != transport.ProtoHTTP1 {
		t.Errorf("status %d proto %q", resp.StatusCode, resp.Protocol)
	}
	if got := resp.Headers["X-Method"]; len(got) != 1 || got[0] != "POST" {
		t.Errorf("X-Method = %v", got)
	}
	if resp.FinalURL != srv.URL+"/echo" {
		t.Errorf("FinalURL = %q", resp.FinalURL)
	}
}

func TestExecuteHeaders(t *testing.T) {
	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
	}))
	defer srv.Close()

	cfg := session.DefaultConfig()
	cfg.Headers = map[string][]string{"X-Session": {"s"}, "X-Both": {"session"}}
	s := newSession(t, cfg)

	resp := Execute(context.Background(), s, &protocol.Request{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string][]string{"X-Both": {"request"}},
	})
	mustSucceed(t, resp)

	h := <-seen
	if got := h.Values("X-Both"); len(got) != 1 || got[0] != "request" {
		t.Errorf("X-Both = %v, request value should win", got)
	}
	if h.Get("X-Session") != "s" {
		t.Errorf("session default header missing: %v", h)
	}
	if h.Get("User-Agent") != s.Profile().UserAgent() {
		t.Errorf("User-Agent = %q", h.Get("User-Agent"))
	}
	if h.Get("Accept-Encoding") != transport.AcceptEncoding {
		t.Errorf("Accept-Encoding = %q", h.Get("Accept-Encoding"))
	}
}

func TestExecuteDisableRedirects(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp := Execute(context.Background(), newSession(t, session.DefaultConfig()), &protocol.Request{
		Method:           "GET",
		URL:              srv.URL + "/start",
		DisableRedirects: true,
	})
	mustSucceed(t, resp)

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Headers["Location"]; len(loc) != 1 || loc[0] != "/elsewhere" {
		t.Errorf("Location = %v", loc)
	}
	if resp.FinalURL != srv.URL+"/start" {
		t.Errorf("FinalURL = %q", resp.FinalURL)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times", hits)
	}
}

func TestExecuteRedirectLimit(t *testing.T) {
	tests := []struct {
		name        string
		sessionMax  int
		requestMax  int
		wantHits    int32
		wantLimited bool
	}{
		{"request limit", 10, 3, 4, true},
		{"session limit", 2, 0, 3, true},
		{"default limit", 0, 0, 11, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				http.Redirect(w, r, "/loop", http.StatusFound)
			}))
			defer srv.Close()

			cfg := session.DefaultConfig()
			cfg.MaxRedirects = tt.sessionMax
			resp := Execute(context.Background(), newSession(t, cfg), &protocol.Request{
				Method:       "GET",
				URL:          srv.URL,
				MaxRedirects: tt.requestMax,
			})
			if !resp.Failed() {
				t.Fatalf("expected redirect limit error, got status %d", resp.StatusCode)
			}
			if resp.Err.Kind != protocol.KindRedirectLimit || resp.Err.Code != protocol.CodeTooManyRedirects {
				t.Errorf("error = %v", resp.Err)
			}
			if !errors.Is(resp.Err, protocol.ErrRedirectLimit) {
				t.Error("error should match ErrRedirectLimit")
			}
			if resp.StatusCode != 0 {
				t.Errorf("failed response has status %d", resp.StatusCode)
			}
			if got := atomic.LoadInt32(&hits); got != tt.wantHits {
				t.Errorf("server hit %d times, want %d", got, tt.wantHits)
			}
		})
	}
}

type seenRequest struct {
	method      string
	body        string
	cookie      string
	contentType string
}

func TestExecuteRedirectMethods(t *testing.T) {
	tests := []struct {
		status     int
		wantMethod string
		wantBody   string
	}{
		{http.StatusSeeOther, "GET", ""},
		{http.StatusFound, "GET", ""},
		{http.StatusTemporaryRedirect, "POST", "payload"},
		{http.StatusPermanentRedirect, "POST", "payload"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			final := make(chan seenRequest, 1)
			mux := http.NewServeMux()
			mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
				w.Header().Set("Location", "/done")
				w.WriteHeader(tt.status)
			})
			mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				final <- seenRequest{r.Method, string(body), r.Header.Get("Cookie"), r.Header.Get("Content-Type")}
				w.Write([]byte("done"))
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			resp := Execute(context.Background(), newSession(t, session.DefaultConfig()), &protocol.Request{
				Method:  "POST",
				URL:     srv.URL + "/start",
				Ordered: []protocol.HeaderField{{Name: "Content-Type", Value: "text/plain"}},
				Body:    []byte("payload"),
			})
			mustSucceed(t, resp)

			got := <-final
			if got.method != tt.wantMethod || got.body != tt.wantBody {
				t.Errorf("final hop saw %s %q, want %s %q", got.method, got.body, tt.wantMethod, tt.wantBody)
			}
			if got.cookie != "sid=abc" {
				t.Errorf("cookie from the first hop not sent: %q", got.cookie)
			}
			if (got.contentType != "") != (tt.wantBody != "") {
				t.Errorf("Content-Type = %q with body %q", got.contentType, got.body)
			}
			if resp.FinalURL != srv.URL+"/done" || string(resp.Body) != "done" {
				t.Errorf("FinalURL = %q body = %q", resp.FinalURL, resp.Body)
			}
		})
	}
}

func TestExecuteCookies(t *testing.T) {
	cookies := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies <- r.Header.Get("Cookie")
		http.SetCookie(w, &http.Cookie{Name: r.URL.Query().Get("set"), Value: "1", Path: "/"})
	}))
	defer srv.Close()

	s := newSession(t, session.DefaultConfig())
	run := func(set string, noCookie bool) {
		mustSucceed(t, Execute(context.Background(), s, &protocol.Request{
			Method:   "GET",
			URL:      srv.URL + "/?set=" + set,
			NoCookie: noCookie,
		}))
	}

	run("a", false)
	if got := <-cookies; got != "" {
		t.Errorf("first request sent cookies %q", got)
	}
	run("b", true)
	if got := <-cookies; got != "" {
		t.Errorf("no_cookie request sent %q", got)
	}
	if s.Jar().Count() != 1 {
		t.Errorf("no_cookie response was stored: %d cookies", s.Jar().Count())
	}
	run("c", false)
	if got := <-cookies; got != "a=1" {
		t.Errorf("third request sent %q, want a=1", got)
	}
}

func TestExecuteDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte("compressed hello"))
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	s := newSession(t, session.DefaultConfig())
	resp := Execute(context.Background(), s, &protocol.Request{Method: "GET", URL: srv.URL})
	mustSucceed(t, resp)
	if string(resp.Body) != "compressed hello" {
		t.Errorf("body = %q", resp.Body)
	}

	resp = Execute(context.Background(), s, &protocol.Request{Method: "GET", URL: srv.URL, IgnoreBody: true})
	mustSucceed(t, resp)
	if resp.Body != nil || resp.StatusCode != 200 {
		t.Errorf("ignore_body: status %d body %q", resp.StatusCode, resp.Body)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	resp := Execute(context.Background(), newSession(t, session.DefaultConfig()), &protocol.Request{
		Method:  "GET",
		URL:     srv.URL,
		Timeout: 100 * time.Millisecond,
	})
	if !resp.Failed() {
		t.Fatal("expected timeout")
	}
	if resp.Err.Kind != protocol.KindNetwork || resp.Err.Code != protocol.CodeTimeout {
		t.Errorf("error = %+v", resp.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestExecutePinMismatch(t *testing.T) {
	var hits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("secret"))
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	s := newSession(t, session.DefaultConfig(), session.WithRootCAs(pool))

	if err := s.AddPins(srv.URL, []string{"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}); err != nil {
		t.Fatalf("AddPins failed: %v", err)
	}
	resp := Execute(context.Background(), s, &protocol.Request{
		Method: "POST",
		URL:    srv.URL + "/upload",
		Body:   []byte("must not be sent"),
	})
	if !resp.Failed() {
		t.Fatalf("expected pin mismatch, got %d", resp.StatusCode)
	}
	if resp.Err.Kind != protocol.KindTLS || resp.Err.Code != protocol.CodePinMismatch {
		t.Errorf("error = %+v", resp.Err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("handler ran %d times despite the pin mismatch", hits)
	}

	if err := s.AddPins(srv.URL, []string{pinning.Fingerprint(srv.Certificate())}); err != nil {
		t.Fatalf("AddPins failed: %v", err)
	}
	resp = Execute(context.Background(), s, &protocol.Request{Method: "GET", URL: srv.URL})
	mustSucceed(t, resp)
	if string(resp.Body) != "secret" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestExecuteValidation(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		req  *protocol.Request
		code string
	}{
		{"nil request", nil, protocol.CodeInvalidRequest},
		{"empty method", &protocol.Request{URL: srv.URL}, protocol.CodeInvalidRequest},
		{"bad method", &protocol.Request{Method: "GE T", URL: srv.URL}, protocol.CodeInvalidRequest},
		{"empty url", &protocol.Request{Method: "GET"}, protocol.CodeInvalidURL},
		{"bad scheme", &protocol.Request{Method: "GET", URL: "ftp://127.0.0.1/"}, protocol.CodeInvalidURL},
		{"no host", &protocol.Request{Method: "GET", URL: "http:///path"}, protocol.CodeInvalidURL},
		{"both forced", &protocol.Request{Method: "GET", URL: srv.URL, ForceHTTP1: true, ForceHTTP3: true}, protocol.CodeInvalidRequest},
		{"negative redirects", &protocol.Request{Method: "GET", URL: srv.URL, MaxRedirects: -1}, protocol.CodeInvalidRequest},
		{"bad header", &protocol.Request{Method: "GET", URL: srv.URL, Ordered: []protocol.HeaderField{{Name: "X-A", Value: "a\r\nb"}}}, protocol.CodeInvalidRequest},
		{"bad proxy", &protocol.Request{Method: "GET", URL: srv.URL, Proxy: "gopher://x"}, protocol.CodeInvalidRequest},
	}
	s := newSession(t, session.DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Execute(context.Background(), s, tt.req)
			if !resp.Failed() {
				t.Fatal("expected failure")
			}
			if resp.Err.Kind != protocol.KindRequest || resp.Err.Code != tt.code {
				t.Errorf("error = %+v, want request/%s", resp.Err, tt.code)
			}
		})
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("validation failures reached the server %d times", hits)
	}
}

func TestExecuteHTTP3OverPlainHTTP(t *testing.T) {
	resp := Execute(context.Background(), newSession(t, session.DefaultConfig()), &protocol.Request{
		Method:     "GET",
		URL:        "http://127.0.0.1:1/",
		ForceHTTP3: true,
	})
	if !resp.Failed() || resp.Err.Kind != protocol.KindProtocol {
		t.Errorf("expected protocol error, got %+v", resp.Err)
	}
}

func TestExecuteClosedSession(t *testing.T) {
	s := newSession(t, session.DefaultConfig())
	s.Close()
	resp := Execute(context.Background(), s, &protocol.Request{Method: "GET", URL: "http://127.0.0.1:1/"})
	if !resp.Failed() || !errors.Is(resp.Err, protocol.ErrInvalidHandle) {
		t.Errorf("expected invalid handle, got %+v", resp.Err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	resp := Execute(context.Background(), nil, &protocol.Request{Method: "GET", URL: "http://127.0.0.1:1/"})
	if !resp.Failed() || resp.Err.Kind != protocol.KindInternal {
		t.Errorf("expected internal error, got %+v", resp.Err)
	}
}

func TestExecuteMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := metrics.New()
	e := New(WithMetrics(m))
	s := newSession(t, session.DefaultConfig())

	mustSucceed(t, e.Execute(context.Background(), s, &protocol.Request{Method: "GET", URL: srv.URL}))
	e.Execute(context.Background(), s, &protocol.Request{Method: "GET"})

	text, err := m.Text()
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	for _, want := range []string{
		`cloak_requests_total{proto="http/1.1"} 1`,
		`cloak_request_errors_total{kind="request"} 1`,
		"cloak_request_duration_seconds_count 2",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q:\n%s", want, text)
		}
	}
}

func TestGetIP(t *testing.T) {
	var body atomic.Value
	body.Store(" 203.0.113.9\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	cfg := session.DefaultConfig()
	cfg.IPLookupURL = srv.URL + "/ip"
	s := newSession(t, cfg)

	ip, err := GetIP(context.Background(), s)
	if err != nil {
		t.Fatalf("GetIP failed: %v", err)
	}
	if ip != "203.0.113.9" {
		t.Errorf("GetIP() = %q", ip)
	}

	body.Store("<html>blocked</html>")
	if _, err := GetIP(context.Background(), s); err == nil {
		t.Error("expected error for a non-IP body")
	}
}
