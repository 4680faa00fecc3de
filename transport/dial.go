package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sardanioss/cloakengine/keylog"
	"github.com/sardanioss/cloakengine/protocol"
	tls "github.com/sardanioss/utls"
)

// dialTCP opens a TCP connection to host:port, through the proxy when one is
// configured. Direct dials try every resolved address in Happy Eyeballs order
// and return the first error when all fail.
func (t *Transport) dialTCP(ctx context.Context, host, port string) (net.Conn, error) {
	target := net.JoinHostPort(host, port)
	if t.proxy != nil {
		conn, err := t.proxy.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("proxy dial %s: %w", target, err)
		}
		return conn, nil
	}

	ips, err := t.dns.ResolveAllSorted(ctx, host)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{
		Timeout:   t.cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	var firstErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		firstErr = &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}
	return nil, firstErr
}

// tlsConfig builds the uTLS config for host. Pins are checked in
// VerifyConnection, so a mismatch aborts the handshake before any request
// bytes are written. insecure disables both chain and pin verification.
func (t *Transport) tlsConfig(host string, insecure bool) *tls.Config {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure,
		RootCAs:            t.cfg.RootCAs,
		ClientSessionCache: t.sessions,
		KeyLogWriter:       keylog.Writer(),
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
	}
	if !insecure && t.cfg.Pins != nil {
		pins := t.cfg.Pins
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return pins.VerifyChains(host, cs.VerifiedChains, cs.PeerCertificates)
		}
	}
	return cfg
}

// dialTLS dials host:port and performs a handshake with the profile's
// ClientHello. alpn, when set, replaces the advertised protocols.
func (t *Transport) dialTLS(ctx context.Context, host, port string, alpn []string, insecure bool) (*tls.UConn, error) {
	spec, err := t.cfg.Profile.TLSSpec(alpn)
	if err != nil {
		return nil, err
	}

	raw, err := t.dialTCP(ctx, host, port)
	if err != nil {
		return nil, err
	}

	uconn := tls.UClient(raw, t.tlsConfig(host, insecure), tls.HelloCustom)
	if err := uconn.ApplyPreset(spec); err != nil {
		raw.Close()
		return nil, protocol.TLSError("apply ClientHello", err)
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		var pm *protocol.PinMismatchError
		if errors.As(err, &pm) {
			return nil, pm
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, protocol.TLSError(fmt.Sprintf("handshake with %s", host), err)
	}

	t.log.Debug().
		Str("host", host).
		Str("alpn", uconn.ConnectionState().NegotiatedProtocol).
		Bool("resumed", uconn.ConnectionState().DidResume).
		Msg("tls established")
	return uconn, nil
}
