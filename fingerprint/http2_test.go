package fingerprint

import (
	"reflect"
	"testing"
)

func TestParseHTTP2Fingerprint_Chrome(t *testing.T) {
	fp, err := ParseHTTP2Fingerprint("1:65536,2:0,4:6291456,6:262144|15663105|0|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP2Fingerprint failed: %v", err)
	}

	want := []Setting{{1, 65536}, {2, 0}, {4, 6291456}, {6, 262144}}
	if !reflect.DeepEqual(fp.Settings, want) {
		t.Errorf("settings: expected %v, got %v", want, fp.Settings)
	}
	if fp.WindowUpdate != 15663105 {
		t.Errorf("WindowUpdate: expected 15663105, got %d", fp.WindowUpdate)
	}
	if len(fp.Priorities) != 0 {
		t.Errorf("expected no priority frames, got %v", fp.Priorities)
	}

	expectedOrder := []string{":method", ":authority", ":scheme", ":path"}
	if !reflect.DeepEqual(fp.PseudoOrder, expectedOrder) {
		t.Errorf("pseudo order: expected %v, got %v", expectedOrder, fp.PseudoOrder)
	}

	if v, ok := fp.Setting(H2SettingInitialWindowSize); !ok || v != 6291456 {
		t.Errorf("Setting(INITIAL_WINDOW_SIZE) = %d, %v", v, ok)
	}
	if _, ok := fp.Setting(H2SettingMaxFrameSize); ok {
		t.Error("MAX_FRAME_SIZE should be absent")
	}
}

func TestParseHTTP2Fingerprint_OrderPreserved(t *testing.T) {
	// Safari sends settings out of numeric order
	fp, err := ParseHTTP2Fingerprint("2:0;4:2097152;3:100;9:1|10485760|0|m,s,p,a")
	if err != nil {
		t.Fatalf("ParseHTTP2Fingerprint failed: %v", err)
	}
	ids := make([]uint16, 0, len(fp.Settings))
	for _, s := range fp.Settings {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []uint16{2, 4, 3, 9}) {
		t.Errorf("settings order: got %v", ids)
	}
	expectedOrder := []string{":method", ":scheme", ":path", ":authority"}
	if !reflect.DeepEqual(fp.PseudoOrder, expectedOrder) {
		t.Errorf("pseudo order: expected %v, got %v", expectedOrder, fp.PseudoOrder)
	}
}

func TestParseHTTP2Fingerprint_Priorities(t *testing.T) {
	fp, err := ParseHTTP2Fingerprint("1:65536,4:131072,5:16384|12517377|3:0:0:201,5:0:0:101,7:0:0:1,9:0:7:1,11:0:3:1,13:0:0:241|masp")
	if err != nil {
		t.Fatalf("ParseHTTP2Fingerprint failed: %v", err)
	}
	if len(fp.Priorities) != 6 {
		t.Fatalf("expected 6 priority frames, got %d", len(fp.Priorities))
	}
	want := Priority{StreamID: 9, Exclusive: false, DependsOn: 7, Weight: 1}
	if fp.Priorities[3] != want {
		t.Errorf("priority 3: expected %+v, got %+v", want, fp.Priorities[3])
	}
	if fp.Priorities[0].Weight != 201 {
		t.Errorf("priority 0 weight: expected 201, got %d", fp.Priorities[0].Weight)
	}
}

func TestParseHTTP2Fingerprint_Empty(t *testing.T) {
	fp, err := ParseHTTP2Fingerprint("0|0|0|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP2Fingerprint failed: %v", err)
	}
	if len(fp.Settings) != 0 || fp.WindowUpdate != 0 || len(fp.Priorities) != 0 {
		t.Errorf("expected empty fingerprint, got %+v", fp)
	}
}

func TestHTTP2Fingerprint_RoundTrip(t *testing.T) {
	inputs := []string{
		"1:65536,2:0,4:6291456,6:262144|15663105|0|m,a,s,p",
		"0|0|0|m,s,p,a",
		"1:65536,4:131072,5:16384|12517377|3:0:0:201,5:1:0:101|m,p,a,s",
		"2:1|65535|1:1:0:256|p,s,a,m",
	}
	for _, in := range inputs {
		fp, err := ParseHTTP2Fingerprint(in)
		if err != nil {
			t.Fatalf("ParseHTTP2Fingerprint(%q) failed: %v", in, err)
		}
		if got := fp.String(); got != in {
			t.Errorf("String() = %q, want %q", got, in)
		}
		again, err := ParseHTTP2Fingerprint(fp.String())
		if err != nil {
			t.Fatalf("reparse failed: %v", err)
		}
		if !reflect.DeepEqual(fp, again) {
			t.Errorf("round trip mismatch for %q", in)
		}
	}
}

func TestParseHTTP2Fingerprint_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		fp   string
	}{
		{"too few fields", "1:65536|0|m,a,s,p"},
		{"empty settings", "|0|0|m,a,s,p"},
		{"bad pair", "1=65536|0|0|m,a,s,p"},
		{"bad id", "x:1|0|0|m,a,s,p"},
		{"value overflow", "1:4294967296|0|0|m,a,s,p"},
		{"duplicate setting", "1:1,1:2|0|0|m,a,s,p"},
		{"push out of range", "2:2|0|0|m,a,s,p"},
		{"frame size too small", "5:100|0|0|m,a,s,p"},
		{"bad window", "1:1|abc|0|m,a,s,p"},
		{"window overflow", "1:1|2147483648|0|m,a,s,p"},
		{"short priority", "1:1|0|3:0:0|m,a,s,p"},
		{"zero weight", "1:1|0|3:0:0:0|m,a,s,p"},
		{"weight too large", "1:1|0|3:0:0:257|m,a,s,p"},
		{"bad exclusive", "1:1|0|3:2:0:1|m,a,s,p"},
		{"self dependency", "1:1|0|3:0:3:1|m,a,s,p"},
		{"unknown pseudo", "1:1|0|0|m,a,s,x"},
		{"repeated pseudo", "1:1|0|0|m,m,s,p"},
		{"missing pseudo", "1:1|0|0|m,a,s"},
		{"mixed pseudo form", "1:1|0|0|ma,sp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHTTP2Fingerprint(tt.fp); err == nil {
				t.Errorf("expected error for %q", tt.fp)
			}
		})
	}
}
