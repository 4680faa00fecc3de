package fingerprint

import (
	"fmt"

	"github.com/sardanioss/cloakengine/protocol"
	tls "github.com/sardanioss/utls"
)

// Profile is the complete wire identity of a session: the TLS ClientHello,
// the HTTP/2 connection preface, the HTTP/3 SETTINGS and the default
// User-Agent. A Profile is never mutated after construction; the With*
// methods return modified copies.
type Profile struct {
	name        string
	helloID     tls.ClientHelloID
	quicHelloID tls.ClientHelloID
	ja3         *JA3
	navigator   Navigator
	userAgent   string
	http2       *HTTP2Fingerprint
	http3       *HTTP3Fingerprint
	h3Applied   bool
}

func (p *Profile) clone() *Profile {
	c := *p
	return &c
}

// Name is the preset the profile started from.
func (p *Profile) Name() string { return p.name }

// UserAgent returns the User-Agent sent when a request carries none.
func (p *Profile) UserAgent() string { return p.userAgent }

// JA3 returns the applied JA3, or nil when the preset ClientHello is used.
func (p *Profile) JA3() *JA3 { return p.ja3 }

// Navigator returns the navigator the JA3 was applied with.
func (p *Profile) Navigator() Navigator { return p.navigator }

// HTTP2 returns the HTTP/2 fingerprint. It is never nil.
func (p *Profile) HTTP2() *HTTP2Fingerprint { return p.http2 }

// HTTP3 returns the HTTP/3 fingerprint. It is never nil.
func (p *Profile) HTTP3() *HTTP3Fingerprint { return p.http3 }

// HTTP3Applied reports whether an HTTP/3 fingerprint was applied explicitly.
// Only then is HTTP/3 tried without being forced.
func (p *Profile) HTTP3Applied() bool { return p.h3Applied }

// QUICHelloID returns the ClientHello used inside QUIC handshakes. A JA3
// only describes the TCP hello, so QUIC keeps the preset's identity.
func (p *Profile) QUICHelloID() tls.ClientHelloID {
	if p.quicHelloID.Client != "" {
		return p.quicHelloID
	}
	return p.helloID
}

// WithJA3 returns a copy whose TLS hello is built from j.
func (p *Profile) WithJA3(j *JA3, nav Navigator) *Profile {
	c := p.clone()
	c.ja3 = j
	c.navigator = nav
	return c
}

// WithHTTP2 returns a copy using f for new HTTP/2 connections.
func (p *Profile) WithHTTP2(f *HTTP2Fingerprint) *Profile {
	c := p.clone()
	c.http2 = f
	return c
}

// WithHTTP3 returns a copy using f for new HTTP/3 connections.
func (p *Profile) WithHTTP3(f *HTTP3Fingerprint) *Profile {
	c := p.clone()
	c.http3 = f
	c.h3Applied = true
	return c
}

// WithUserAgent returns a copy with a different default User-Agent.
func (p *Profile) WithUserAgent(ua string) *Profile {
	c := p.clone()
	c.userAgent = ua
	return c
}

// TLSSpec builds a fresh ClientHelloSpec for one TCP connection. When alpn
// is non-empty it replaces the protocols advertised in the ALPN extension.
func (p *Profile) TLSSpec(alpn []string) (*tls.ClientHelloSpec, error) {
	var spec *tls.ClientHelloSpec
	if p.ja3 != nil {
		spec = p.ja3.ClientHelloSpec(p.navigator)
	} else {
		s, err := tls.UTLSIdToSpec(p.helloID)
		if err != nil {
			return nil, protocol.TLSError(fmt.Sprintf("no ClientHello spec for %s", p.helloID.Str()), err)
		}
		spec = &s
	}

	if len(alpn) > 0 {
		for _, ext := range spec.Extensions {
			if a, ok := ext.(*tls.ALPNExtension); ok {
				a.AlpnProtocols = append([]string(nil), alpn...)
			}
		}
	}
	return spec, nil
}

// ALPN returns the protocols the profile's TLS hello advertises.
func (p *Profile) ALPN() []string {
	spec, err := p.TLSSpec(nil)
	if err != nil {
		return nil
	}
	for _, ext := range spec.Extensions {
		if a, ok := ext.(*tls.ALPNExtension); ok {
			return a.AlpnProtocols
		}
	}
	return nil
}
