// Package proxy tunnels TCP connections through HTTP CONNECT and SOCKS5
// proxies, and relays UDP through SOCKS5 UDP ASSOCIATE.
package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sardanioss/cloakengine/protocol"
)

// Dialer opens a TCP tunnel to addr.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ResolveFunc resolves a host for proxies that expect addresses rather than
// names.
type ResolveFunc func(ctx context.Context, host string) ([]net.IP, error)

// Options tune the proxy dialers.
type Options struct {
	// Timeout bounds the TCP connect to the proxy itself.
	Timeout time.Duration
	// Resolve is used by socks5:// (not socks5h://) to resolve targets
	// locally. When nil the target name is sent to the proxy.
	Resolve ResolveFunc
}

// Parse validates a proxy URL. Supported schemes are http, https, socks5 and
// socks5h. A bare "host:port" is treated as http.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, protocol.ConfigError("empty proxy URL", nil)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, protocol.ConfigError("invalid proxy URL", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, protocol.ConfigError(fmt.Sprintf("unsupported proxy scheme %q", u.Scheme), nil)
	}
	if u.Hostname() == "" {
		return nil, protocol.ConfigError("proxy URL has no host", nil)
	}
	return u, nil
}

// New returns the dialer for u.
func New(u *url.URL, opts Options) Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		return newSOCKS5Dialer(u, opts)
	default:
		return newConnectDialer(u, opts)
	}
}

// Redact returns u as a string with the password removed, for logs.
func Redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

func basicAuth(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	return base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + pass))
}

func defaultPort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "https":
		return "443"
	case "socks5", "socks5h":
		return "1080" // Default SOCKS5 port
	default:
		return "8080"
	}
}
