package fingerprint

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sardanioss/cloakengine/protocol"
	tls "github.com/sardanioss/utls"
)

func TestParseJA3_Example(t *testing.T) {
	j, err := ParseJA3("771,4865-4866,0-23,29-23,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}

	if j.Version != 771 {
		t.Errorf("version = %d, want 771", j.Version)
	}
	if !reflect.DeepEqual(j.CipherSuites, []uint16{4865, 4866}) {
		t.Errorf("ciphers = %v", j.CipherSuites)
	}
	if !reflect.DeepEqual(j.Extensions, []uint16{0, 23}) {
		t.Errorf("extensions = %v", j.Extensions)
	}
	if !reflect.DeepEqual(j.Curves, []uint16{29, 23}) {
		t.Errorf("curves = %v", j.Curves)
	}
	if !reflect.DeepEqual(j.PointFormats, []uint8{0}) {
		t.Errorf("point formats = %v", j.PointFormats)
	}

	// Exact navigator: the hello carries exactly the parsed lists in order.
	spec := j.ClientHelloSpec(NavigatorExact)
	if !reflect.DeepEqual(spec.CipherSuites, []uint16{4865, 4866}) {
		t.Errorf("spec ciphers = %v", spec.CipherSuites)
	}
	if len(spec.Extensions) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(spec.Extensions))
	}
	if _, ok := spec.Extensions[0].(*tls.SNIExtension); !ok {
		t.Errorf("extension 0: expected SNIExtension, got %T", spec.Extensions[0])
	}
	if _, ok := spec.Extensions[1].(*tls.UtlsExtendedMasterSecretExtension); !ok {
		t.Errorf("extension 1: expected UtlsExtendedMasterSecretExtension, got %T", spec.Extensions[1])
	}
	if spec.TLSVersMax != tls.VersionTLS12 {
		t.Errorf("without supported_versions max should be TLS 1.2, got 0x%04x", spec.TLSVersMax)
	}
}

func TestParseJA3_RoundTrip(t *testing.T) {
	inputs := []string{
		"771,4865-4866,0-23,29-23,0",
		"771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513-21,29-23-24,0",
		"771,2570-4865-4866-4867,2570-0-23-10-11-13-16-51-45-43-6682,2570-29-23-24,0",
		"771,,,,",
		"769,47-53,65281,,0-1-2",
		"772,4865,0-65000,4588-29,",
	}

	for _, in := range inputs {
		first, err := ParseJA3(in)
		if err != nil {
			t.Fatalf("ParseJA3(%q) failed: %v", in, err)
		}
		if got := first.String(); got != in {
			t.Errorf("String() = %q, want %q", got, in)
		}
		second, err := ParseJA3(first.String())
		if err != nil {
			t.Fatalf("reparse of %q failed: %v", first.String(), err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip mismatch for %q: %+v vs %+v", in, first, second)
		}
	}
}

func TestParseJA3_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		ja3  string
	}{
		{"empty", ""},
		{"too few fields", "771,4865,0"},
		{"too many fields", "771,4865,0,29,0,1"},
		{"bad version", "abc,4865,0,29,0"},
		{"unsupported version", "1,4865,0,29,0"},
		{"bad cipher", "771,abc,0,29,0"},
		{"empty token", "771,4865--4866,0,29,0"},
		{"trailing dash", "771,4865-,0,29,0"},
		{"cipher overflow", "771,70000,0,29,0"},
		{"bad extension", "771,4865,x,29,0"},
		{"bad curve", "771,4865,0,-1,0"},
		{"point overflow", "771,4865,0,29,256"},
		{"space inside", "771,4865- 4866,0,29,0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJA3(tt.ja3)
			if err == nil {
				t.Fatalf("expected error for %q", tt.ja3)
			}
			var pe *protocol.Error
			if !errors.As(err, &pe) || pe.Kind != protocol.KindParse {
				t.Errorf("expected parse error kind, got %v", err)
			}
		})
	}
}

func TestClientHelloSpec_Chrome(t *testing.T) {
	j, err := ParseJA3("771,4865-4866,0-23-10-43-51-21,29-23,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}

	spec := j.ClientHelloSpec(NavigatorChrome)

	if spec.CipherSuites[0] != tls.GREASE_PLACEHOLDER {
		t.Errorf("chrome spec should lead with GREASE cipher, got 0x%04x", spec.CipherSuites[0])
	}
	if len(spec.CipherSuites) != 3 {
		t.Errorf("expected 3 ciphers, got %d", len(spec.CipherSuites))
	}

	if _, ok := spec.Extensions[0].(*tls.UtlsGREASEExtension); !ok {
		t.Errorf("first extension should be GREASE, got %T", spec.Extensions[0])
	}
	n := len(spec.Extensions)
	if _, ok := spec.Extensions[n-1].(*tls.UtlsPaddingExtension); !ok {
		t.Errorf("padding should stay last, got %T", spec.Extensions[n-1])
	}
	if _, ok := spec.Extensions[n-2].(*tls.UtlsGREASEExtension); !ok {
		t.Errorf("trailing GREASE should precede padding, got %T", spec.Extensions[n-2])
	}
	if n != 8 {
		t.Errorf("expected 6 extensions plus 2 GREASE, got %d", n)
	}

	if spec.TLSVersMax != tls.VersionTLS13 {
		t.Errorf("supported_versions present, max should be TLS 1.3, got 0x%04x", spec.TLSVersMax)
	}

	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *tls.SupportedCurvesExtension:
			if e.Curves[0] != tls.CurveID(tls.GREASE_PLACEHOLDER) {
				t.Errorf("chrome curves should lead with GREASE, got %v", e.Curves)
			}
		case *tls.SupportedVersionsExtension:
			if e.Versions[0] != tls.GREASE_PLACEHOLDER {
				t.Errorf("chrome versions should lead with GREASE, got %v", e.Versions)
			}
		case *tls.KeyShareExtension:
			if len(e.KeyShares) != 2 || e.KeyShares[1].Group != tls.X25519 {
				t.Errorf("expected GREASE + X25519 key shares, got %+v", e.KeyShares)
			}
		}
	}
}

func TestClientHelloSpec_GREASEPreserved(t *testing.T) {
	j, err := ParseJA3("771,2570-4865,2570-0-23,2570-29,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	spec := j.ClientHelloSpec(NavigatorChrome)

	// GREASE already in the lists, nothing is added.
	if len(spec.CipherSuites) != 2 || spec.CipherSuites[0] != tls.GREASE_PLACEHOLDER {
		t.Errorf("ciphers = %v", spec.CipherSuites)
	}
	if len(spec.Extensions) != 3 {
		t.Errorf("expected 3 extensions, got %d", len(spec.Extensions))
	}
}

func TestClientHelloSpec_Firefox(t *testing.T) {
	j, err := ParseJA3("771,4865-4867-4866,0-23-65281-10-11-16-5-34-51-43-13-28-65037,29-23-24-25,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	spec := j.ClientHelloSpec(NavigatorFirefox)

	if len(spec.Extensions) != 13 {
		t.Fatalf("expected 13 extensions, got %d", len(spec.Extensions))
	}
	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *tls.UtlsGREASEExtension:
			t.Error("firefox spec must not contain GREASE")
		case *tls.SignatureAlgorithmsExtension:
			if len(e.SupportedSignatureAlgorithms) != len(firefoxSignatureAlgorithms) {
				t.Errorf("expected firefox signature algorithms, got %d", len(e.SupportedSignatureAlgorithms))
			}
		case *tls.FakeRecordSizeLimitExtension:
			if e.Limit != 0x4001 {
				t.Errorf("record size limit = 0x%04x", e.Limit)
			}
		}
	}
}

func TestClientHelloSpec_Fresh(t *testing.T) {
	j, err := ParseJA3("771,4865,0-51,29,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	a := j.ClientHelloSpec(NavigatorExact)
	b := j.ClientHelloSpec(NavigatorExact)
	if a.Extensions[1] == b.Extensions[1] {
		t.Error("each spec must own its extension values")
	}
}

func TestClientHelloSpec_UnknownExtension(t *testing.T) {
	j, err := ParseJA3("771,4865,0-65000-23,29,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	spec := j.ClientHelloSpec(NavigatorExact)
	g, ok := spec.Extensions[1].(*tls.GenericExtension)
	if !ok || g.Id != 65000 {
		t.Errorf("expected GenericExtension 65000, got %T", spec.Extensions[1])
	}
}

func TestClientHelloSpec_ExtensionTypes(t *testing.T) {
	tests := []struct {
		name string
		ja3  string
		nav  Navigator
		want []string
	}{
		{
			name: "chrome 131",
			ja3:  "771,4865-4866-4867-49195-49199,45-5-10-0-43-35-17613-23-18-65037-11-13-16-27-65281-51-41,4588-29-23-24,0",
			nav:  NavigatorExact,
			want: []string{
				"*tls.PSKKeyExchangeModesExtension", "*tls.StatusRequestExtension", "*tls.SupportedCurvesExtension",
				"*tls.SNIExtension", "*tls.SupportedVersionsExtension", "*tls.SessionTicketExtension",
				"*tls.ApplicationSettingsExtensionNew", "*tls.UtlsExtendedMasterSecretExtension", "*tls.SCTExtension",
				"*tls.GREASEEncryptedClientHelloExtension", "*tls.SupportedPointsExtension", "*tls.SignatureAlgorithmsExtension",
				"*tls.ALPNExtension", "*tls.UtlsCompressCertExtension", "*tls.RenegotiationInfoExtension",
				"*tls.KeyShareExtension", "*tls.UtlsPreSharedKeyExtension",
			},
		},
		{
			name: "legacy extensions",
			ja3:  "771,49195,0-22-49-13172-17513,29,0",
			nav:  NavigatorExact,
			want: []string{
				"*tls.SNIExtension", "*tls.GenericExtension", "*tls.GenericExtension",
				"*tls.NPNExtension", "*tls.ApplicationSettingsExtension",
			},
		},
		{
			name: "empty extension field",
			ja3:  "771,49195-49199,,29-23-24,0",
			nav:  NavigatorChrome,
			want: []string{"*tls.SupportedCurvesExtension", "*tls.SupportedPointsExtension"},
		},
		{
			name: "empty extension field without groups",
			ja3:  "771,49195,,,",
			nav:  NavigatorExact,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := ParseJA3(tt.ja3)
			if err != nil {
				t.Fatalf("ParseJA3 failed: %v", err)
			}
			spec := j.ClientHelloSpec(tt.nav)
			var got []string
			for _, ext := range spec.Extensions {
				got = append(got, reflect.TypeOf(ext).String())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extensions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientHelloSpec_EmptyExtensionField(t *testing.T) {
	j, err := ParseJA3("771,49195,,29-23,0-1")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	spec := j.ClientHelloSpec(NavigatorChrome)
	if len(spec.Extensions) != 2 {
		t.Fatalf("expected supported_groups and ec_point_formats, got %d extensions", len(spec.Extensions))
	}
	groups := spec.Extensions[0].(*tls.SupportedCurvesExtension)
	if want := []tls.CurveID{tls.X25519, tls.CurveP256}; !reflect.DeepEqual(groups.Curves, want) {
		t.Errorf("curves = %v, want %v", groups.Curves, want)
	}
	points := spec.Extensions[1].(*tls.SupportedPointsExtension)
	if !reflect.DeepEqual(points.SupportedPoints, []uint8{0, 1}) {
		t.Errorf("point formats = %v", points.SupportedPoints)
	}
}

func TestClientHelloSpec_UsesNewALPSCodepoint(t *testing.T) {
	j, err := ParseJA3("771,4865,0-17613,29,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	spec := j.ClientHelloSpec(NavigatorExact)
	alps, ok := spec.Extensions[1].(*tls.ApplicationSettingsExtensionNew)
	if !ok {
		t.Fatalf("expected ApplicationSettingsExtensionNew, got %T", spec.Extensions[1])
	}
	if !reflect.DeepEqual(alps.SupportedProtocols, []string{"h2"}) {
		t.Errorf("ALPS protocols = %v", alps.SupportedProtocols)
	}
}

func TestParseNavigator(t *testing.T) {
	tests := []struct {
		in   string
		want Navigator
	}{
		{"", NavigatorExact},
		{"Chrome", NavigatorChrome},
		{"edge", NavigatorChrome},
		{" firefox ", NavigatorFirefox},
		{"safari", NavigatorExact},
	}
	for _, tt := range tests {
		got, err := ParseNavigator(tt.in)
		if err != nil {
			t.Fatalf("ParseNavigator(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseNavigator(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseNavigator("netscape"); err == nil {
		t.Error("expected error for unknown navigator")
	}
}

func TestIsGREASE(t *testing.T) {
	greaseValues := []uint16{0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a, 0xfafa}
	for _, v := range greaseValues {
		if !isGREASE(v) {
			t.Errorf("0x%04x should be GREASE", v)
		}
	}

	nonGREASE := []uint16{0x0000, 0x1301, 0x0017, 0xff01, 0x1a2a}
	for _, v := range nonGREASE {
		if isGREASE(v) {
			t.Errorf("0x%04x should not be GREASE", v)
		}
	}
}

func TestJA3Hash(t *testing.T) {
	j, err := ParseJA3("771,4865-4866,0-23,29-23,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	h := j.Hash()
	if len(h) != 32 {
		t.Errorf("hash length = %d, want 32", len(h))
	}
	if h != j.Hash() {
		t.Error("hash must be stable")
	}
}
