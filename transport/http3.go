package transport

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sardanioss/cloakengine/fingerprint"
	"github.com/sardanioss/cloakengine/proxy"
	"github.com/sardanioss/quic-go"
	"github.com/sardanioss/quic-go/http3"
	tls "github.com/sardanioss/utls"
)

// QUIC transport parameter IDs (Chrome-specific)
const (
	tpVersionInformation = 0x11
	tpGoogleVersion      = 0x4752
)

func init() {
	os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "1")
	quic.SetAdditionalTransportParameters(chromeTransportParams())
}

// chromeTransportParams returns version_information (QUICv1 chosen, GREASE
// and QUICv1 available) and google_version.
func chromeTransportParams() map[uint64][]byte {
	versionInfo := make([]byte, 0, 12)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, 0x00000001)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, greaseVersion())
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, 0x00000001)

	googleVersion := binary.BigEndian.AppendUint32(nil, 0x00000001)

	return map[uint64][]byte{
		tpVersionInformation: versionInfo,
		tpGoogleVersion:      googleVersion,
	}
}

// greaseVersion returns a reserved version of the form 0x?a?a?a?a.
func greaseVersion() uint32 {
	nibble := uint32(rand.Intn(16))
	return nibble<<28 | 0x0a000000 | nibble<<20 | 0x000a0000 | nibble<<12 | 0x00000a00 | nibble<<4 | 0x0000000a
}

// http3Transport owns the UDP socket and the HTTP/3 clients of one
// generation. Nothing is allocated until the first HTTP/3 request. Behind a
// SOCKS5 proxy the socket is a UDP ASSOCIATE relay.
type http3Transport struct {
	owner *Transport

	mu            sync.Mutex
	packetConn    net.PacketConn
	quicTransport *quic.Transport
	clients       map[bool]*http3.Transport // keyed by insecure
	helloSpec     *tls.ClientHelloSpec
	shuffleSeed   int64
	closed        bool
}

func newHTTP3Transport(owner *Transport) *http3Transport {
	var seed [8]byte
	_, _ = crand.Read(seed[:])
	return &http3Transport{
		owner:       owner,
		clients:     make(map[bool]*http3.Transport),
		shuffleSeed: int64(binary.LittleEndian.Uint64(seed[:])),
	}
}

// client returns the HTTP/3 client for the given verification mode, creating
// the QUIC socket on first use.
func (t *http3Transport) client(ctx context.Context, insecure bool) (*http3.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if c, ok := t.clients[insecure]; ok {
		return c, nil
	}

	if t.quicTransport == nil {
		pc, err := t.listen(ctx)
		if err != nil {
			return nil, err
		}
		t.packetConn = pc
		t.quicTransport = &quic.Transport{Conn: pc}

		helloID := t.owner.cfg.Profile.QUICHelloID()
		if spec, err := tls.UTLSIdToSpecWithSeed(helloID, t.shuffleSeed); err == nil {
			t.helloSpec = &spec
		}
	}

	c := t.newClient(insecure)
	t.clients[insecure] = c
	return c, nil
}

// listen opens the socket QUIC runs on: a local UDP socket, or a relay
// through the configured SOCKS5 proxy.
func (t *http3Transport) listen(ctx context.Context) (net.PacketConn, error) {
	if u := t.owner.cfg.Proxy; u != nil {
		pc, err := proxy.ListenUDP(ctx, u, proxy.Options{Timeout: t.owner.cfg.DialTimeout})
		if err != nil {
			return nil, fmt.Errorf("http3: udp relay via %s: %w", proxy.Redact(u), err)
		}
		t.owner.log.Debug().Str("proxy", proxy.Redact(u)).Str("relay", pc.Relay().String()).Msg("udp associate established")
		return pc, nil
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		udpConn, err = net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: 0})
		if err != nil {
			return nil, fmt.Errorf("http3: listen udp: %w", err)
		}
	}
	return udpConn, nil
}

func (t *http3Transport) newClient(insecure bool) *http3.Transport {
	fp := t.owner.cfg.Profile.HTTP3()
	helloID := t.owner.cfg.Profile.QUICHelloID()

	datagrams := false
	maxHeaderBytes := int64(262144)
	additional := make(map[uint64]uint64)
	for _, s := range fp.Settings {
		switch {
		case s.GREASE:
			additional[fingerprint.GREASESettingID()] = uint64(1 + rand.Uint32()%(1<<32-1))
		case s.ID == fingerprint.H3SettingMaxFieldSectionSize:
			maxHeaderBytes = int64(s.Value)
		case s.ID == fingerprint.H3SettingH3Datagram:
			datagrams = s.Value == 1
		default:
			additional[s.ID] = s.Value
		}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:                30 * time.Second,
		KeepAlivePeriod:               30 * time.Second,
		MaxIncomingStreams:            100,
		MaxIncomingUniStreams:         103,
		Allow0RTT:                     true,
		EnableDatagrams:               datagrams,
		InitialPacketSize:             1250,
		DisableClientHelloScrambling:  true,
		ChromeStyleInitialPackets:     true,
		ClientHelloID:                 &helloID,
		CachedClientHelloSpec:         t.helloSpec,
		TransportParameterOrder:       quic.TransportParameterOrderChrome,
		TransportParameterShuffleSeed: t.shuffleSeed,
	}

	return &http3.Transport{
		TLSClientConfig: &tls.Config{
			NextProtos:         []string{http3.NextProtoH3},
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: insecure,
		},
		QUICConfig: quicConfig,
		Dial: func(ctx context.Context, addr string, _ *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			return t.dial(ctx, addr, insecure, cfg)
		},
		EnableDatagrams:        datagrams,
		AdditionalSettings:     additional,
		MaxResponseHeaderBytes: int(maxHeaderBytes),
		DisableCompression:     true,
		SendGreaseFrames:       true,
	}
}

// dial resolves addr through the DNS cache and dials each address in turn.
// Names are resolved locally even behind a socks5h proxy, since relayed
// datagrams are addressed by IP. The TLS config is rebuilt so pins and the
// session cache apply.
func (t *http3Transport) dial(ctx context.Context, addr string, insecure bool, cfg *quic.Config) (*quic.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("http3: invalid address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("http3: invalid port %q: %w", port, err)
	}

	ips, err := t.owner.dns.ResolveAllSorted(ctx, host)
	if err != nil {
		return nil, err
	}

	tlsCfg := t.owner.tlsConfig(host, insecure)
	tlsCfg.NextProtos = []string{http3.NextProtoH3}
	tlsCfg.MinVersion = tls.VersionTLS13

	t.mu.Lock()
	qt := t.quicTransport
	t.mu.Unlock()
	if qt == nil {
		return nil, ErrClosed
	}

	var firstErr error
	for _, ip := range ips {
		udpAddr := &net.UDPAddr{IP: ip, Port: portNum}
		conn, err := qt.Dial(ctx, udpAddr, tlsCfg, cfg.Clone())
		if err == nil {
			t.owner.log.Debug().Str("host", host).Str("proto", ProtoHTTP3).Msg("quic established")
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
		firstErr = errors.New("http3: no addresses to dial")
	}
	return nil, firstErr
}

func (t *http3Transport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c, err := t.client(ctx, req.Insecure)
	if err != nil {
		return nil, err
	}
	fp := t.owner.cfg.Profile.HTTP3()
	hreq, err := newHTTPRequest(ctx, req, fp.PseudoHeaders())
	if err != nil {
		return nil, err
	}
	resp, err := c.RoundTrip(hreq)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Proto:      ProtoHTTP3,
	}, nil
}

func (t *http3Transport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, c := range t.clients {
		c.Close()
	}
	if t.quicTransport != nil {
		t.quicTransport.Close()
	}
	if t.packetConn != nil {
		t.packetConn.Close()
	}
}
