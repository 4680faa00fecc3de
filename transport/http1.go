package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sardanioss/cloakengine/protocol"
	http "github.com/sardanioss/http"
)

// http1Transport pools keep-alive HTTP/1.1 connections per key. A
// connection only returns to the pool once its response body has been read
// to the end, so a pooled connection never has unread bytes in flight.
type http1Transport struct {
	idleConns   map[string][]*http1Conn
	idleConnsMu sync.Mutex

	maxIdleConnsPerHost int
	maxIdleTime         time.Duration

	stopCleanup chan struct{}
	closed      bool
}

// http1Conn is a persistent HTTP/1.1 connection
type http1Conn struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	mu         sync.Mutex
	closed     bool

	// preconnected connections sat idle before their first request.
	preconnected bool
}

func newHTTP1Transport() *http1Transport {
	t := &http1Transport{
		idleConns:           make(map[string][]*http1Conn),
		maxIdleConnsPerHost: 6,
		maxIdleTime:         90 * time.Second,
		stopCleanup:         make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

func newHTTP1Conn(conn net.Conn) *http1Conn {
	now := time.Now()
	return &http1Conn{
		conn:       conn,
		br:         bufio.NewReaderSize(conn, 4096),
		bw:         bufio.NewWriterSize(conn, 4096),
		createdAt:  now,
		lastUsedAt: now,
	}
}

// staleConnError reports a failure on a reused connection before any part of
// the response arrived. Idempotent requests may be retried on a fresh
// connection.
type staleConnError struct {
	err error
}

func (e *staleConnError) Error() string { return "stale connection: " + e.err.Error() }
func (e *staleConnError) Unwrap() error { return e.err }

// roundTrip writes req on conn and reads the response head. The returned
// body owns conn: reading it to EOF pools the connection, closing it early
// discards the connection.
func (t *http1Transport) roundTrip(ctx context.Context, key string, conn *http1Conn, req *Request) (*Response, error) {
	reused := conn.useCount > 0 || conn.preconnected
	conn.useCount++
	conn.lastUsedAt = time.Now()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.conn.SetDeadline(time.Unix(1, 0))
	})

	fail := func(err error, beforeResponse bool) (*Response, error) {
		stop()
		conn.close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if reused && beforeResponse {
			return nil, &staleConnError{err: err}
		}
		return nil, err
	}

	if err := writeRequest(conn.bw, req); err != nil {
		return fail(err, true)
	}

	// Nothing read yet means the peer closed an idle connection.
	if _, err := conn.br.Peek(1); err != nil {
		return fail(err, true)
	}

	hreq := &http.Request{Method: req.Method, URL: req.URL}
	resp, err := http.ReadResponse(conn.br, hreq)
	if err != nil {
		return fail(protocol.ProtocolError("malformed HTTP/1.1 response", err), false)
	}

	keepAlive := shouldKeepAlive(req, resp)
	body := &http1Body{
		ReadCloser: resp.Body,
		onEOF: func() {
			if !stop() {
				conn.close()
				return
			}
			_ = conn.conn.SetDeadline(time.Time{})
			if keepAlive {
				t.putIdleConn(key, conn)
			} else {
				conn.close()
			}
		},
		onClose: func() {
			stop()
			conn.close()
		},
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Proto:      ProtoHTTP1,
	}, nil
}

// writeRequest writes the request line and the caller's headers in exactly
// the given order. Host and Content-Length keep the caller's position when
// set and are otherwise added first and last. Content-Length is always
// derived from the body, which is never chunked, so Transfer-Encoding is
// dropped.
func writeRequest(w *bufio.Writer, req *Request) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, uri)

	callerHost, callerLength := false, false
	for _, f := range req.Header {
		switch {
		case strings.EqualFold(f.Name, "Host"):
			callerHost = true
		case strings.EqualFold(f.Name, "Content-Length"):
			callerLength = true
		}
	}
	if !callerHost {
		fmt.Fprintf(w, "Host: %s\r\n", req.URL.Host)
	}
	length := strconv.Itoa(len(req.Body))

	hasConnection, wroteHost, wroteLength := false, false, false
	for _, f := range req.Header {
		switch {
		case strings.EqualFold(f.Name, "Host"):
			if wroteHost {
				continue
			}
			wroteHost = true
			if f.Value == "" {
				f.Value = req.URL.Host
			}
		case strings.EqualFold(f.Name, "Content-Length"):
			if wroteLength {
				continue
			}
			wroteLength = true
			f.Value = length
		case strings.EqualFold(f.Name, "Transfer-Encoding"):
			continue
		case strings.EqualFold(f.Name, "Connection"):
			hasConnection = true
		}
		if !validHeaderField(f) {
			return protocol.RequestError(fmt.Sprintf("invalid header %q", f.Name))
		}
		fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
	}
	if !callerLength && (len(req.Body) > 0 || methodExpectsBody(req.Method)) {
		fmt.Fprintf(w, "Content-Length: %s\r\n", length)
	}
	if !hasConnection {
		w.WriteString("Connection: keep-alive\r\n")
	}
	w.WriteString("\r\n")

	if len(req.Body) > 0 {
		if _, err := w.Write(req.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

func validHeaderField(f protocol.HeaderField) bool {
	if f.Name == "" || strings.ContainsAny(f.Name, " \t\r\n:") {
		return false
	}
	return !strings.ContainsAny(f.Value, "\r\n")
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// shouldKeepAlive determines if connection should be reused
func shouldKeepAlive(req *Request, resp *http.Response) bool {
	if resp.Close {
		return false
	}
	for _, f := range req.Header {
		if strings.EqualFold(f.Name, "Connection") && strings.EqualFold(f.Value, "close") {
			return false
		}
	}
	if resp.ProtoMajor == 1 && resp.ProtoMinor >= 1 {
		return true
	}
	return strings.EqualFold(resp.Header.Get("Connection"), "keep-alive")
}

// http1Body hands the connection back once the body is consumed.
type http1Body struct {
	io.ReadCloser
	once    sync.Once
	onEOF   func()
	onClose func()
	eof     bool
}

func (b *http1Body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *http1Body) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		if b.eof {
			b.onEOF()
		} else {
			b.onClose()
		}
	})
	return err
}

// getIdleConn retrieves the most recently used idle connection for key.
func (t *http1Transport) getIdleConn(key string) *http1Conn {
	t.idleConnsMu.Lock()
	defer t.idleConnsMu.Unlock()

	for {
		conns := t.idleConns[key]
		if len(conns) == 0 {
			return nil
		}
		conn := conns[len(conns)-1]
		t.idleConns[key] = conns[:len(conns)-1]
		if time.Since(conn.lastUsedAt) > t.maxIdleTime {
			go conn.close()
			continue
		}
		return conn
	}
}

// putIdleConn returns a connection to the pool
func (t *http1Transport) putIdleConn(key string, conn *http1Conn) {
	t.idleConnsMu.Lock()
	defer t.idleConnsMu.Unlock()

	if t.closed {
		conn.close()
		return
	}

	conns := t.idleConns[key]
	if len(conns) >= t.maxIdleConnsPerHost {
		oldConn := conns[0]
		conns = conns[1:]
		go oldConn.close()
	}

	conn.lastUsedAt = time.Now()
	t.idleConns[key] = append(conns, conn)
}

func (c *http1Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

func (t *http1Transport) cleanupLoop() {
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

// cleanup removes stale connections
func (t *http1Transport) cleanup() {
	t.idleConnsMu.Lock()
	defer t.idleConnsMu.Unlock()

	for key, conns := range t.idleConns {
		var active []*http1Conn
		for _, conn := range conns {
			if time.Since(conn.lastUsedAt) > t.maxIdleTime {
				go conn.close()
			} else {
				active = append(active, conn)
			}
		}
		if len(active) > 0 {
			t.idleConns[key] = active
		} else {
			delete(t.idleConns, key)
		}
	}
}

// idleCount returns the number of pooled connections across all keys.
func (t *http1Transport) idleCount() int {
	t.idleConnsMu.Lock()
	defer t.idleConnsMu.Unlock()
	n := 0
	for _, conns := range t.idleConns {
		n += len(conns)
	}
	return n
}

func (t *http1Transport) close() {
	t.idleConnsMu.Lock()
	if t.closed {
		t.idleConnsMu.Unlock()
		return
	}
	t.closed = true
	close(t.stopCleanup)
	for _, conns := range t.idleConns {
		for _, conn := range conns {
			conn.close()
		}
	}
	t.idleConns = nil
	t.idleConnsMu.Unlock()
}
