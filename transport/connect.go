package transport

import (
	"context"
	"net/url"
	"strconv"

	"github.com/sardanioss/cloakengine/protocol"
)

// Connect opens a connection to the origin of u and pools it, so the next
// request to that origin skips DNS, TCP and TLS setup. An origin that
// already has a usable pooled connection is left alone. With forceHTTP1 the
// TLS hello advertises only http/1.1, matching what such requests use.
func (t *Transport) Connect(ctx context.Context, u *url.URL, insecure, forceHTTP1 bool) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if u == nil || u.Host == "" {
		return protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "connect needs an absolute URL", nil)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "unsupported scheme "+strconv.Quote(u.Scheme), nil)
	}

	req := &Request{URL: u, Insecure: insecure, ForceHTTP1: forceHTTP1}
	key := connKey(req)
	if u.Scheme == "https" && !forceHTTP1 && t.h2.get(key) != nil {
		return nil
	}
	if conn := t.h1.getIdleConn(key); conn != nil {
		t.h1.putIdleConn(key, conn)
		return nil
	}

	host, port := hostPort(u)
	t.dials.Add(1)

	if u.Scheme == "http" {
		raw, err := t.dialTCP(ctx, host, port)
		if err != nil {
			return err
		}
		conn := newHTTP1Conn(raw)
		conn.preconnected = true
		t.h1.putIdleConn(key, conn)
		return nil
	}

	var alpn []string
	if forceHTTP1 {
		alpn = []string{"http/1.1"}
	}
	uconn, err := t.dialTLS(ctx, host, port, alpn, insecure)
	if err != nil {
		return err
	}
	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		pc, err := t.h2.newConn(uconn, t.cfg.Profile.HTTP2())
		if err != nil {
			return protocol.ProtocolError("HTTP/2 setup failed", err)
		}
		pc.preconnected = true
		t.h2.put(key, pc)
	} else {
		conn := newHTTP1Conn(uconn)
		conn.preconnected = true
		t.h1.putIdleConn(key, conn)
	}
	t.log.Debug().Str("host", u.Host).Str("alpn", uconn.ConnectionState().NegotiatedProtocol).Msg("preconnected")
	return nil
}
