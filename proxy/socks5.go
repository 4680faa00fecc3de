package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"

	xproxy "golang.org/x/net/proxy"
)

// socks5Dialer tunnels through a SOCKS5 proxy. With socks5h, or when no
// resolver is configured, the target name is resolved by the proxy.
type socks5Dialer struct {
	addr      string
	auth      *xproxy.Auth
	remoteDNS bool
	resolve   ResolveFunc
	forward   *net.Dialer
}

func newSOCKS5Dialer(u *url.URL, opts Options) *socks5Dialer {
	d := &socks5Dialer{
		addr:      net.JoinHostPort(u.Hostname(), defaultPort(u)),
		remoteDNS: u.Scheme == "socks5h" || opts.Resolve == nil,
		resolve:   opts.Resolve,
		forward:   &net.Dialer{Timeout: opts.Timeout},
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		d.auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
	}
	return d
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("socks5: invalid target %q: %w", addr, err)
	}
	if !d.remoteDNS && net.ParseIP(host) == nil {
		ips, err := d.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
		}
		addr = net.JoinHostPort(ips[0].String(), port)
	}

	dialer, err := xproxy.SOCKS5("tcp", d.addr, d.auth, d.forward)
	if err != nil {
		return nil, fmt.Errorf("socks5: %w", err)
	}
	cd, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5: dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 via %s: %w", d.addr, err)
	}
	return conn, nil
}
