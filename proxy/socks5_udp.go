package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// SOCKS5 wire constants (RFC 1928, RFC 1929).
const (
	socks5Version = 0x05

	authNone     = 0x00
	authPassword = 0x02
	authNoAccept = 0xFF

	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess        = 0x00
	replyGeneralFailure = 0x01
)

// IsSOCKS reports whether u is a SOCKS5 proxy, the only kind that can relay
// UDP.
func IsSOCKS(u *url.URL) bool {
	return u != nil && (u.Scheme == "socks5" || u.Scheme == "socks5h")
}

// UDPConn is a net.PacketConn whose datagrams travel through a SOCKS5 UDP
// ASSOCIATE relay. The control connection stays open for the lifetime of
// the relay; when the proxy closes it, the UDPConn closes too.
type UDPConn struct {
	ctrl  net.Conn
	udp   *net.UDPConn
	relay *net.UDPAddr

	readMu sync.Mutex
	buf    []byte

	closeOnce sync.Once
	closeErr  error
}

// ListenUDP performs a UDP ASSOCIATE with the proxy u. A "general failure"
// reply is retried a few times.
func ListenUDP(ctx context.Context, u *url.URL, opts Options) (*UDPConn, error) {
	if !IsSOCKS(u) {
		return nil, fmt.Errorf("socks5 udp: proxy scheme %q cannot relay UDP", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := associate(ctx, u, opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
		var re *replyError
		if !errors.As(err, &re) || re.code != replyGeneralFailure {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("socks5 udp: associate failed after %d attempts: %w", attempts, lastErr)
}

type replyError struct{ code byte }

func (e *replyError) Error() string {
	return fmt.Sprintf("socks5 udp: proxy replied %d", e.code)
}

func associate(ctx context.Context, u *url.URL, opts Options) (_ *UDPConn, err error) {
	addr := net.JoinHostPort(u.Hostname(), defaultPort(u))
	d := &net.Dialer{Timeout: opts.Timeout}
	ctrl, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 udp: connect %s: %w", addr, err)
	}
	defer func() {
		if err != nil {
			ctrl.Close()
		}
	}()
	if dl, ok := ctx.Deadline(); ok {
		ctrl.SetDeadline(dl)
	} else {
		ctrl.SetDeadline(time.Now().Add(opts.Timeout))
	}

	if err := greet(ctrl, u.User); err != nil {
		return nil, err
	}

	// DST.ADDR and DST.PORT are zero: the client address is not known yet.
	req := []byte{socks5Version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := ctrl.Write(req); err != nil {
		return nil, fmt.Errorf("socks5 udp: send associate: %w", err)
	}
	relay, err := readReply(ctrl)
	if err != nil {
		return nil, err
	}
	if relay.IP.IsUnspecified() {
		relay.IP = ctrl.RemoteAddr().(*net.TCPAddr).IP
	}

	network := "udp6"
	if relay.IP.To4() != nil {
		network = "udp4"
	}
	udp, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("socks5 udp: listen: %w", err)
	}
	ctrl.SetDeadline(time.Time{})

	c := &UDPConn{ctrl: ctrl, udp: udp, relay: relay, buf: make([]byte, 65535)}
	go c.watchControl()
	return c, nil
}

// greet negotiates the auth method and runs RFC 1929 auth when asked to.
func greet(conn net.Conn, user *url.Userinfo) error {
	hello := []byte{socks5Version, 0x01, authNone}
	if user != nil {
		hello = []byte{socks5Version, 0x02, authNone, authPassword}
	}
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("socks5 udp: greeting: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5 udp: greeting reply: %w", err)
	}
	if resp[0] != socks5Version {
		return fmt.Errorf("socks5 udp: unexpected version %d", resp[0])
	}

	switch resp[1] {
	case authNone:
		return nil
	case authPassword:
		if user == nil {
			return errors.New("socks5 udp: proxy requires credentials")
		}
		name := user.Username()
		pass, _ := user.Password()
		if len(name) > 255 || len(pass) > 255 {
			return errors.New("socks5 udp: credentials too long")
		}
		msg := make([]byte, 0, 3+len(name)+len(pass))
		msg = append(msg, 0x01, byte(len(name)))
		msg = append(msg, name...)
		msg = append(msg, byte(len(pass)))
		msg = append(msg, pass...)
		if _, err := conn.Write(msg); err != nil {
			return fmt.Errorf("socks5 udp: auth: %w", err)
		}
		if _, err := io.ReadFull(conn, resp); err != nil {
			return fmt.Errorf("socks5 udp: auth reply: %w", err)
		}
		if resp[1] != 0x00 {
			return errors.New("socks5 udp: authentication failed")
		}
		return nil
	case authNoAccept:
		return errors.New("socks5 udp: no acceptable auth method")
	default:
		return fmt.Errorf("socks5 udp: unsupported auth method %d", resp[1])
	}
}

func readReply(conn net.Conn) (*net.UDPAddr, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("socks5 udp: reply: %w", err)
	}
	if hdr[0] != socks5Version {
		return nil, fmt.Errorf("socks5 udp: unexpected version %d", hdr[0])
	}
	if hdr[1] != replySuccess {
		return nil, &replyError{code: hdr[1]}
	}

	var ip net.IP
	switch hdr[3] {
	case atypIPv4:
		ip = make(net.IP, 4)
	case atypIPv6:
		ip = make(net.IP, 16)
	case atypDomain:
		// A named relay is taken to be the proxy host itself.
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return nil, fmt.Errorf("socks5 udp: reply: %w", err)
		}
		if _, err := io.ReadFull(conn, make([]byte, l[0])); err != nil {
			return nil, fmt.Errorf("socks5 udp: reply: %w", err)
		}
		ip = net.IPv4zero
	default:
		return nil, fmt.Errorf("socks5 udp: unsupported address type %d", hdr[3])
	}
	if hdr[3] != atypDomain {
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("socks5 udp: reply: %w", err)
		}
	}
	port := make([]byte, 2)
	if _, err := io.ReadFull(conn, port); err != nil {
		return nil, fmt.Errorf("socks5 udp: reply: %w", err)
	}
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(port))}, nil
}

// watchControl closes the relay once the proxy drops the control
// connection.
func (c *UDPConn) watchControl() {
	_, _ = io.Copy(io.Discard, c.ctrl)
	c.Close()
}

// WriteTo sends b to addr through the relay.
func (c *UDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("socks5 udp: unsupported address type %T", addr)
	}
	pkt := appendUDPHeader(make([]byte, 0, 22+len(b)), ua)
	pkt = append(pkt, b...)
	if _, err := c.udp.WriteToUDP(pkt, c.relay); err != nil {
		return 0, err
	}
	return len(b), nil
}

// ReadFrom receives one datagram from the relay. Fragmented datagrams and
// datagrams from anywhere but the relay are dropped.
func (c *UDPConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		n, from, err := c.udp.ReadFromUDP(c.buf)
		if err != nil {
			return 0, nil, err
		}
		if !from.IP.Equal(c.relay.IP) {
			continue
		}
		off, src, err := parseUDPHeader(c.buf[:n])
		if err != nil {
			continue
		}
		return copy(b, c.buf[off:n]), src, nil
	}
}

// Close tears down the relay and the control connection.
func (c *UDPConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.udp.Close()
		c.ctrl.Close()
	})
	return c.closeErr
}

func (c *UDPConn) LocalAddr() net.Addr                { return c.udp.LocalAddr() }
func (c *UDPConn) SetDeadline(t time.Time) error      { return c.udp.SetDeadline(t) }
func (c *UDPConn) SetReadDeadline(t time.Time) error  { return c.udp.SetReadDeadline(t) }
func (c *UDPConn) SetWriteDeadline(t time.Time) error { return c.udp.SetWriteDeadline(t) }

// Relay returns the address datagrams are sent to.
func (c *UDPConn) Relay() *net.UDPAddr { return c.relay }

// appendUDPHeader writes RSV(2) FRAG(1) ATYP DST.ADDR DST.PORT.
func appendUDPHeader(b []byte, addr *net.UDPAddr) []byte {
	b = append(b, 0x00, 0x00, 0x00)
	if ip4 := addr.IP.To4(); ip4 != nil {
		b = append(b, atypIPv4)
		b = append(b, ip4...)
	} else {
		b = append(b, atypIPv6)
		b = append(b, addr.IP.To16()...)
	}
	return binary.BigEndian.AppendUint16(b, uint16(addr.Port))
}

// parseUDPHeader returns the payload offset and source of a relayed
// datagram.
func parseUDPHeader(pkt []byte) (int, *net.UDPAddr, error) {
	if len(pkt) < 4 {
		return 0, nil, errors.New("socks5 udp: short datagram")
	}
	if pkt[2] != 0x00 {
		return 0, nil, fmt.Errorf("socks5 udp: fragment %d not supported", pkt[2])
	}
	var ip net.IP
	off := 4
	switch pkt[3] {
	case atypIPv4:
		off += 4
	case atypIPv6:
		off += 16
	case atypDomain:
		if len(pkt) < 5 {
			return 0, nil, errors.New("socks5 udp: short datagram")
		}
		off += 1 + int(pkt[4])
	default:
		return 0, nil, fmt.Errorf("socks5 udp: unsupported address type %d", pkt[3])
	}
	if len(pkt) < off+2 {
		return 0, nil, errors.New("socks5 udp: short datagram")
	}
	if pkt[3] != atypDomain {
		ip = append(net.IP(nil), pkt[4:off]...)
	}
	port := int(binary.BigEndian.Uint16(pkt[off:]))
	return off + 2, &net.UDPAddr{IP: ip, Port: port}, nil
}
