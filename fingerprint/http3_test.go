package fingerprint

import (
	"reflect"
	"testing"
)

func TestParseHTTP3Fingerprint_Chrome(t *testing.T) {
	fp, err := ParseHTTP3Fingerprint("1:65536;6:262144;7:100;51:1;GREASE|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP3Fingerprint failed: %v", err)
	}

	if len(fp.Settings) != 5 {
		t.Fatalf("expected 5 settings, got %d", len(fp.Settings))
	}
	if !fp.Settings[4].GREASE {
		t.Error("last setting should be GREASE")
	}
	if v, ok := fp.Setting(H3SettingMaxFieldSectionSize); !ok || v != 262144 {
		t.Errorf("Setting(MAX_FIELD_SECTION_SIZE) = %d, %v", v, ok)
	}
	if v, ok := fp.Setting(H3SettingH3Datagram); !ok || v != 1 {
		t.Errorf("Setting(H3_DATAGRAM) = %d, %v", v, ok)
	}
	expectedOrder := []string{":method", ":authority", ":scheme", ":path"}
	if !reflect.DeepEqual(fp.PseudoHeaders(), expectedOrder) {
		t.Errorf("pseudo order: expected %v, got %v", expectedOrder, fp.PseudoHeaders())
	}
}

func TestParseHTTP3Fingerprint_DefaultPseudoOrder(t *testing.T) {
	fp, err := ParseHTTP3Fingerprint("1:65536|0")
	if err != nil {
		t.Fatalf("ParseHTTP3Fingerprint failed: %v", err)
	}
	if fp.PseudoOrder != nil {
		t.Errorf("expected nil pseudo order, got %v", fp.PseudoOrder)
	}
	if !reflect.DeepEqual(fp.PseudoHeaders(), DefaultPseudoOrder) {
		t.Errorf("PseudoHeaders() = %v", fp.PseudoHeaders())
	}
}

func TestHTTP3Fingerprint_RoundTrip(t *testing.T) {
	inputs := []string{
		"1:65536;6:262144;7:100;51:1;GREASE|m,a,s,p",
		"1:65536;7:20;51:1;8:1|m,p,a,s",
		"GREASE|0",
		"0|0",
	}
	for _, in := range inputs {
		fp, err := ParseHTTP3Fingerprint(in)
		if err != nil {
			t.Fatalf("ParseHTTP3Fingerprint(%q) failed: %v", in, err)
		}
		if got := fp.String(); got != in {
			t.Errorf("String() = %q, want %q", got, in)
		}
	}
}

func TestParseHTTP3Fingerprint_MalformedInput(t *testing.T) {
	tests := []string{
		"1:65536",
		"1:65536|m,a,s,p|extra",
		"1=65536|m,a,s,p",
		"x:1|m,a,s,p",
		"1:x|m,a,s,p",
		"1:1;1:2|m,a,s,p",
		"grease|m,a,s,p",
		"1:1|m,a,s",
		"1:1|q,a,s,p",
	}
	for _, in := range tests {
		if _, err := ParseHTTP3Fingerprint(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestGREASESettingID(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := GREASESettingID()
		if !IsGREASESettingID(id) {
			t.Fatalf("generated id 0x%x is not of the form 0x1f*N+0x21", id)
		}
	}
	for _, id := range []uint64{0x1, 0x6, 0x7, 0x33, 0x20} {
		if IsGREASESettingID(id) {
			t.Errorf("0x%x should not be a GREASE id", id)
		}
	}
}
