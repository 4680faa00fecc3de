package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sardanioss/cloakengine/fingerprint"
	http "github.com/sardanioss/http"
	"github.com/sardanioss/net/http2"
	tls "github.com/sardanioss/utls"
)

// http2Transport keeps one multiplexed connection per key.
type http2Transport struct {
	conns   map[string]*persistentConn
	connsMu sync.Mutex

	maxIdleTime time.Duration
	maxConnAge  time.Duration

	stopCleanup chan struct{}
	closed      bool
}

// persistentConn represents a persistent HTTP/2 connection
type persistentConn struct {
	tlsConn    *tls.UConn
	h2Conn     *http2.ClientConn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	mu         sync.Mutex

	preconnected bool
}

func newHTTP2Transport() *http2Transport {
	t := &http2Transport{
		conns:       make(map[string]*persistentConn),
		maxIdleTime: 90 * time.Second,
		maxConnAge:  5 * time.Minute,
		stopCleanup: make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// newConn starts an HTTP/2 client connection on an established TLS
// connection that negotiated h2. The preface is rewritten to fp.
func (t *http2Transport) newConn(tlsConn *tls.UConn, fp *fingerprint.HTTP2Fingerprint) (*persistentConn, error) {
	h2t := &http2.Transport{
		DisableCompression: true,
		ReadIdleTimeout:    t.maxIdleTime,
		PingTimeout:        15 * time.Second,
	}
	if v, ok := fp.Setting(fingerprint.H2SettingHeaderTableSize); ok {
		h2t.MaxDecoderHeaderTableSize = v
	}
	if v, ok := fp.Setting(fingerprint.H2SettingMaxHeaderListSize); ok {
		h2t.MaxHeaderListSize = v
	}
	if v, ok := fp.Setting(fingerprint.H2SettingMaxFrameSize); ok {
		h2t.MaxReadFrameSize = v
	}

	cc, err := h2t.NewClientConn(wrapTLSConn(tlsConn, fp))
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	now := time.Now()
	return &persistentConn{
		tlsConn:    tlsConn,
		h2Conn:     cc,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// get returns a usable pooled connection for key, or nil.
func (t *http2Transport) get(key string) *persistentConn {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()

	pc, ok := t.conns[key]
	if !ok {
		return nil
	}
	if !t.isConnUsable(pc) {
		delete(t.conns, key)
		go pc.close()
		return nil
	}
	return pc
}

// put pools pc under key. When a usable connection raced in first, that one
// is kept and returned instead, and pc is closed.
func (t *http2Transport) put(key string, pc *persistentConn) *persistentConn {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()

	if t.closed {
		return pc
	}
	if existing, ok := t.conns[key]; ok && existing != pc && t.isConnUsable(existing) {
		go pc.close()
		return existing
	}
	t.conns[key] = pc
	return pc
}

func (t *http2Transport) remove(key string, pc *persistentConn) {
	t.connsMu.Lock()
	if t.conns[key] == pc {
		delete(t.conns, key)
	}
	t.connsMu.Unlock()
	pc.close()
}

// isConnUsable checks if a connection can be reused
func (t *http2Transport) isConnUsable(pc *persistentConn) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if time.Since(pc.createdAt) > t.maxConnAge {
		return false
	}
	return pc.h2Conn.CanTakeNewRequest()
}

// roundTrip sends req as a single stream on pc.
func (t *http2Transport) roundTrip(ctx context.Context, pc *persistentConn, req *Request, pseudo []string) (*Response, error) {
	pc.mu.Lock()
	reused := pc.useCount > 0 || pc.preconnected
	pc.useCount++
	pc.lastUsedAt = time.Now()
	pc.mu.Unlock()

	hreq, err := newHTTPRequest(ctx, req, pseudo)
	if err != nil {
		return nil, err
	}
	resp, err := pc.h2Conn.RoundTrip(hreq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if reused {
			return nil, &staleConnError{err: err}
		}
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Proto:      ProtoHTTP2,
	}, nil
}

// newHTTPRequest converts req for the HTTP/2 and HTTP/3 clients. Header
// order and pseudo-header order travel in the magic order keys.
func newHTTPRequest(ctx context.Context, req *Request, pseudo []string) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	hreq.ContentLength = int64(len(req.Body))

	order := make([]string, 0, len(req.Header))
	seen := make(map[string]bool, len(req.Header))
	for _, f := range req.Header {
		name := strings.ToLower(f.Name)
		switch name {
		case "host":
			hreq.Host = f.Value
			continue
		case "content-length", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		hreq.Header.Add(f.Name, f.Value)
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	hreq.Header[http.HeaderOrderKey] = order
	if len(pseudo) > 0 {
		hreq.Header[http.PHeaderOrderKey] = pseudo
	}
	return hreq, nil
}

func (pc *persistentConn) close() {
	pc.h2Conn.Close()
	pc.tlsConn.Close()
}

func (t *http2Transport) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCleanup:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

// cleanup drops connections idle past maxIdleTime or unable to take requests
func (t *http2Transport) cleanup() {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()

	for key, pc := range t.conns {
		pc.mu.Lock()
		idle := time.Since(pc.lastUsedAt) > t.maxIdleTime
		pc.mu.Unlock()
		if idle || !t.isConnUsable(pc) {
			delete(t.conns, key)
			go pc.close()
		}
	}
}

func (t *http2Transport) connCount() int {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	return len(t.conns)
}

func (t *http2Transport) close() {
	t.connsMu.Lock()
	if t.closed {
		t.connsMu.Unlock()
		return
	}
	t.closed = true
	close(t.stopCleanup)
	for _, pc := range t.conns {
		pc.close()
	}
	t.conns = nil
	t.connsMu.Unlock()
}
