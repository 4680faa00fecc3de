package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
	tls "github.com/sardanioss/utls"
)

// JA3 is the parsed form of a JA3 string. Values are kept exactly as given,
// GREASE included, so String reproduces the input.
type JA3 struct {
	Version      uint16
	CipherSuites []uint16
	Extensions   []uint16
	Curves       []uint16
	PointFormats []uint8
}

// Navigator selects the extension payloads JA3 cannot encode.
type Navigator string

const (
	// NavigatorExact emits exactly the parsed lists with Chrome-like payloads
	// and adds nothing.
	NavigatorExact   Navigator = ""
	NavigatorChrome  Navigator = "chrome"
	NavigatorFirefox Navigator = "firefox"
)

// ParseNavigator normalizes a navigator name. Chromium derivatives share the
// Chrome rules.
func ParseNavigator(name string) (Navigator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact", "safari":
		return NavigatorExact, nil
	case "chrome", "chromium", "edge", "opera", "brave":
		return NavigatorChrome, nil
	case "firefox":
		return NavigatorFirefox, nil
	default:
		return "", protocol.ParseError(fmt.Sprintf("ja3: unknown navigator %q", name), nil)
	}
}

// isGREASE returns true if the value is a TLS GREASE value (RFC 8701).
func isGREASE(v uint16) bool {
	return (v&0x0f0f) == 0x0a0a && v>>8 == v&0xff
}

// ParseJA3 parses "version,ciphers,extensions,curves,pointformats".
// Empty fields are empty lists. Any malformed token fails the whole parse.
func ParseJA3(ja3 string) (*JA3, error) {
	parts := strings.Split(strings.TrimSpace(ja3), ",")
	if len(parts) != 5 {
		return nil, protocol.ParseError(fmt.Sprintf("ja3: expected 5 comma-separated fields, got %d", len(parts)), nil)
	}

	version, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, protocol.ParseError(fmt.Sprintf("ja3: invalid TLS version %q", parts[0]), err)
	}
	if version < tls.VersionSSL30 || version > tls.VersionTLS13 {
		return nil, protocol.ParseError(fmt.Sprintf("ja3: unsupported TLS version %d", version), nil)
	}

	ciphers, err := parseDashSeparatedUint16(parts[1])
	if err != nil {
		return nil, protocol.ParseError("ja3: invalid cipher suites", err)
	}
	extensions, err := parseDashSeparatedUint16(parts[2])
	if err != nil {
		return nil, protocol.ParseError("ja3: invalid extensions", err)
	}
	curves, err := parseDashSeparatedUint16(parts[3])
	if err != nil {
		return nil, protocol.ParseError("ja3: invalid elliptic curves", err)
	}
	points, err := parseDashSeparatedUint8(parts[4])
	if err != nil {
		return nil, protocol.ParseError("ja3: invalid point formats", err)
	}

	return &JA3{
		Version:      uint16(version),
		CipherSuites: ciphers,
		Extensions:   extensions,
		Curves:       curves,
		PointFormats: points,
	}, nil
}

// String serializes back to the canonical JA3 text form.
func (j *JA3) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(j.Version), 10))
	b.WriteByte(',')
	writeDashSeparated(&b, j.CipherSuites)
	b.WriteByte(',')
	writeDashSeparated(&b, j.Extensions)
	b.WriteByte(',')
	writeDashSeparated(&b, j.Curves)
	b.WriteByte(',')
	for i, p := range j.PointFormats {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(p), 10))
	}
	return b.String()
}

// Hash returns the MD5 digest fingerprinting services publish.
func (j *JA3) Hash() string {
	sum := md5.Sum([]byte(j.String()))
	return hex.EncodeToString(sum[:])
}

// HasExtension reports whether id appears in the extension list.
func (j *JA3) HasExtension(id uint16) bool {
	for _, e := range j.Extensions {
		if e == id {
			return true
		}
	}
	return false
}

// ClientHelloSpec builds a fresh uTLS spec. uTLS mutates extensions during
// the handshake, so every connection needs its own spec.
func (j *JA3) ClientHelloSpec(nav Navigator) *tls.ClientHelloSpec {
	chrome := nav == NavigatorChrome
	// A hello without extensions carries no GREASE extensions either.
	greaseGroups := chrome && len(j.Extensions) > 0

	ciphers := make([]uint16, 0, len(j.CipherSuites)+1)
	if chrome && !containsGREASE(j.CipherSuites) {
		ciphers = append(ciphers, tls.GREASE_PLACEHOLDER)
	}
	for _, c := range j.CipherSuites {
		if isGREASE(c) {
			c = tls.GREASE_PLACEHOLDER
		}
		ciphers = append(ciphers, c)
	}

	curves := make([]tls.CurveID, 0, len(j.Curves)+1)
	if greaseGroups && !containsGREASE(j.Curves) {
		curves = append(curves, tls.CurveID(tls.GREASE_PLACEHOLDER))
	}
	for _, c := range j.Curves {
		if isGREASE(c) {
			c = tls.GREASE_PLACEHOLDER
		}
		curves = append(curves, tls.CurveID(c))
	}

	points := append([]uint8(nil), j.PointFormats...)
	if len(points) == 0 && j.HasExtension(11) {
		points = []uint8{0}
	}

	extensions := make([]tls.TLSExtension, 0, len(j.Extensions)+2)
	if len(j.Extensions) == 0 {
		// Groups and point formats still go out when the extension field
		// is empty.
		if len(curves) > 0 {
			extensions = append(extensions, &tls.SupportedCurvesExtension{Curves: curves})
		}
		if len(points) > 0 {
			extensions = append(extensions, &tls.SupportedPointsExtension{SupportedPoints: points})
		}
	}
	addGREASE := greaseGroups && !containsGREASE(j.Extensions)
	if addGREASE {
		extensions = append(extensions, &tls.UtlsGREASEExtension{})
	}
	for _, id := range j.Extensions {
		if isGREASE(id) {
			extensions = append(extensions, &tls.UtlsGREASEExtension{})
			continue
		}
		extensions = append(extensions, extensionForID(id, nav, curves, points))
	}
	if addGREASE {
		// Chrome places its trailing GREASE before padding.
		last := len(extensions) - 1
		if last > 0 {
			if _, ok := extensions[last].(*tls.UtlsPaddingExtension); ok {
				pad := extensions[last]
				extensions[last] = &tls.UtlsGREASEExtension{}
				extensions = append(extensions, pad)
			} else {
				extensions = append(extensions, &tls.UtlsGREASEExtension{})
			}
		}
	}

	maxVersion := j.Version
	if j.HasExtension(43) {
		maxVersion = tls.VersionTLS13
	}
	minVersion := uint16(tls.VersionTLS12)
	if maxVersion < minVersion {
		minVersion = maxVersion
	}

	return &tls.ClientHelloSpec{
		TLSVersMin:         minVersion,
		TLSVersMax:         maxVersion,
		CipherSuites:       ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         extensions,
	}
}

func containsGREASE(vals []uint16) bool {
	for _, v := range vals {
		if isGREASE(v) {
			return true
		}
	}
	return false
}

var (
	chromeSignatureAlgorithms = []tls.SignatureScheme{
		tls.ECDSAWithP256AndSHA256,
		tls.PSSWithSHA256,
		tls.PKCS1WithSHA256,
		tls.ECDSAWithP384AndSHA384,
		tls.PSSWithSHA384,
		tls.PKCS1WithSHA384,
		tls.PSSWithSHA512,
		tls.PKCS1WithSHA512,
	}
	firefoxSignatureAlgorithms = []tls.SignatureScheme{
		tls.ECDSAWithP256AndSHA256,
		tls.ECDSAWithP384AndSHA384,
		tls.ECDSAWithP521AndSHA512,
		tls.PSSWithSHA256,
		tls.PSSWithSHA384,
		tls.PSSWithSHA512,
		tls.PKCS1WithSHA256,
		tls.PKCS1WithSHA384,
		tls.PKCS1WithSHA512,
		tls.ECDSAWithSHA1,
		tls.PKCS1WithSHA1,
	}
)

func signatureAlgorithms(nav Navigator) []tls.SignatureScheme {
	if nav == NavigatorFirefox {
		return firefoxSignatureAlgorithms
	}
	return chromeSignatureAlgorithms
}

// extensionForID returns the TLSExtension carrying id. Unknown ids become
// empty GenericExtensions so the wire order still matches the JA3 list.
// Always-empty extensions are sent as GenericExtensions.
func extensionForID(id uint16, nav Navigator, curves []tls.CurveID, points []uint8) tls.TLSExtension {
	switch id {
	case 0: // server_name
		return &tls.SNIExtension{}

	case 5: // status_request
		return &tls.StatusRequestExtension{}

	case 10: // supported_groups
		return &tls.SupportedCurvesExtension{Curves: curves}

	case 11: // ec_point_formats
		return &tls.SupportedPointsExtension{SupportedPoints: points}

	case 13: // signature_algorithms
		return &tls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: signatureAlgorithms(nav)}

	case 16: // ALPN
		return &tls.ALPNExtension{AlpnProtocols: []string{"h2", "http/1.1"}}

	case 17: // status_request_v2
		return &tls.StatusRequestV2Extension{}

	case 18: // signed_certificate_timestamp
		return &tls.SCTExtension{}

	case 21: // padding
		return &tls.UtlsPaddingExtension{GetPaddingLen: tls.BoringPaddingStyle}

	case 22: // encrypt_then_mac, always empty
		return &tls.GenericExtension{Id: 22}

	case 23: // extended_master_secret
		return &tls.UtlsExtendedMasterSecretExtension{}

	case 27: // compress_certificate
		return &tls.UtlsCompressCertExtension{Algorithms: []tls.CertCompressionAlgo{tls.CertCompressionBrotli}}

	case 28: // record_size_limit
		return &tls.FakeRecordSizeLimitExtension{Limit: 0x4001}

	case 34: // delegated_credentials
		return &tls.DelegatedCredentialsExtension{
			SupportedSignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.ECDSAWithP521AndSHA512,
				tls.ECDSAWithSHA1,
			},
		}

	case 35: // session_ticket
		return &tls.SessionTicketExtension{}

	case 41: // pre_shared_key
		return &tls.UtlsPreSharedKeyExtension{}

	case 43: // supported_versions
		versions := []uint16{tls.VersionTLS13, tls.VersionTLS12}
		if nav == NavigatorChrome {
			versions = append([]uint16{tls.GREASE_PLACEHOLDER}, versions...)
		}
		return &tls.SupportedVersionsExtension{Versions: versions}

	case 44: // cookie
		return &tls.CookieExtension{}

	case 45: // psk_key_exchange_modes
		return &tls.PSKKeyExchangeModesExtension{Modes: []uint8{tls.PskModeDHE}}

	case 49: // post_handshake_auth, always empty
		return &tls.GenericExtension{Id: 49}

	case 50: // signature_algorithms_cert
		return &tls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: signatureAlgorithms(nav)}

	case 51: // key_share
		return &tls.KeyShareExtension{KeyShares: keySharesFor(nav, curves)}

	case 13172: // next_protocol_negotiation
		return &tls.NPNExtension{}

	case 17513: // application_settings
		return &tls.ApplicationSettingsExtension{SupportedProtocols: []string{"h2"}}

	case 17613: // application_settings, codepoint used since Chrome 131
		return &tls.ApplicationSettingsExtensionNew{SupportedProtocols: []string{"h2"}}

	case 65037: // encrypted_client_hello
		return &tls.GREASEEncryptedClientHelloExtension{}

	case 65281: // renegotiation_info
		return &tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient}

	default:
		return &tls.GenericExtension{Id: id}
	}
}

// keySharesFor generates a share for the first real curve only. Chrome adds
// a one-byte GREASE share in front of it.
func keySharesFor(nav Navigator, curves []tls.CurveID) []tls.KeyShare {
	var shares []tls.KeyShare
	if nav == NavigatorChrome {
		shares = append(shares, tls.KeyShare{Group: tls.CurveID(tls.GREASE_PLACEHOLDER), Data: []byte{0}})
	}
	for _, c := range curves {
		if !isGREASE(uint16(c)) {
			shares = append(shares, tls.KeyShare{Group: c})
			break
		}
	}
	return shares
}

// parseDashSeparatedUint16 parses a dash-separated string of decimal uint16 values.
func parseDashSeparatedUint16(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}

// parseDashSeparatedUint8 parses a dash-separated string of decimal uint8 values.
func parseDashSeparatedUint8(s string) ([]uint8, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint8, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, uint8(v))
	}
	return result, nil
}

func writeDashSeparated(b *strings.Builder, vals []uint16) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}
