package fingerprint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
)

// HTTP/3 SETTINGS identifiers (RFC 9114 §7.2.4.1, RFC 9204, RFC 9297).
const (
	H3SettingQPACKMaxTableCapacity uint64 = 0x1
	H3SettingMaxFieldSectionSize   uint64 = 0x6
	H3SettingQPACKBlockedStreams   uint64 = 0x7
	H3SettingEnableConnectProtocol uint64 = 0x8
	H3SettingH3Datagram            uint64 = 0x33
)

// H3Setting is one entry of the HTTP/3 SETTINGS frame. A GREASE entry gets
// a fresh reserved identifier every time the frame is built.
type H3Setting struct {
	ID     uint64
	Value  uint64
	GREASE bool
}

// HTTP3Fingerprint describes the control-stream SETTINGS and request
// pseudo-header order of an HTTP/3 client.
type HTTP3Fingerprint struct {
	Settings []H3Setting
	// PseudoOrder is nil when the fingerprint asks for the default order.
	PseudoOrder []string
}

// ParseHTTP3Fingerprint parses "SETTINGS|PSEUDO_HEADER_ORDER".
//
// SETTINGS: "id:value" pairs joined by ";", the literal GREASE inserts a
// reserved setting. PSEUDO_HEADER_ORDER: as for HTTP/2, "0" for the default.
//
// Example: "1:65536;6:262144;7:100;51:1;GREASE|m,a,s,p"
func ParseHTTP3Fingerprint(fp string) (*HTTP3Fingerprint, error) {
	parts := strings.Split(strings.TrimSpace(fp), "|")
	if len(parts) != 2 {
		return nil, protocol.ParseError(fmt.Sprintf("http3: expected 2 pipe-separated fields, got %d", len(parts)), nil)
	}

	out := &HTTP3Fingerprint{}
	if parts[0] != "" && parts[0] != "0" {
		seen := make(map[uint64]bool)
		for _, pair := range strings.Split(parts[0], ";") {
			if pair == "GREASE" {
				out.Settings = append(out.Settings, H3Setting{GREASE: true})
				continue
			}
			kv := strings.Split(pair, ":")
			if len(kv) != 2 {
				return nil, protocol.ParseError(fmt.Sprintf("http3: invalid settings pair %q", pair), nil)
			}
			id, err := strconv.ParseUint(kv[0], 10, 62)
			if err != nil {
				return nil, protocol.ParseError(fmt.Sprintf("http3: invalid settings id %q", kv[0]), err)
			}
			val, err := strconv.ParseUint(kv[1], 10, 62)
			if err != nil {
				return nil, protocol.ParseError(fmt.Sprintf("http3: invalid settings value %q", kv[1]), err)
			}
			if seen[id] {
				return nil, protocol.ParseError(fmt.Sprintf("http3: duplicate setting %d", id), nil)
			}
			seen[id] = true
			out.Settings = append(out.Settings, H3Setting{ID: id, Value: val})
		}
	}

	if parts[1] != "0" {
		order, err := ParsePseudoOrder(parts[1])
		if err != nil {
			return nil, err
		}
		out.PseudoOrder = order
	}

	return out, nil
}

// String serializes back to the canonical text form.
func (f *HTTP3Fingerprint) String() string {
	var b strings.Builder
	if len(f.Settings) == 0 {
		b.WriteString("0")
	}
	for i, s := range f.Settings {
		if i > 0 {
			b.WriteByte(';')
		}
		if s.GREASE {
			b.WriteString("GREASE")
			continue
		}
		fmt.Fprintf(&b, "%d:%d", s.ID, s.Value)
	}
	b.WriteByte('|')
	if f.PseudoOrder == nil {
		b.WriteString("0")
	} else {
		b.WriteString(formatPseudoOrder(f.PseudoOrder))
	}
	return b.String()
}

// PseudoHeaders returns the effective pseudo-header order.
func (f *HTTP3Fingerprint) PseudoHeaders() []string {
	if f.PseudoOrder == nil {
		return DefaultPseudoOrder
	}
	return f.PseudoOrder
}

// Setting returns the value of a non-GREASE setting.
func (f *HTTP3Fingerprint) Setting(id uint64) (uint64, bool) {
	for _, s := range f.Settings {
		if !s.GREASE && s.ID == id {
			return s.Value, true
		}
	}
	return 0, false
}

// GREASESettingID returns a random reserved identifier of the form
// 0x1f*N+0x21 (RFC 9114 §7.2.4.1).
func GREASESettingID() uint64 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	n := uint64(binary.BigEndian.Uint32(buf[:]) & 0xffff)
	return 0x1f*n + 0x21
}

// IsGREASESettingID reports whether id is in the reserved GREASE space.
func IsGREASESettingID(id uint64) bool {
	return id >= 0x21 && (id-0x21)%0x1f == 0
}
