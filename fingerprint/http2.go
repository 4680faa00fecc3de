package fingerprint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
)

// HTTP/2 SETTINGS identifiers (RFC 9113 §6.5.2).
const (
	H2SettingHeaderTableSize      uint16 = 0x1
	H2SettingEnablePush           uint16 = 0x2
	H2SettingMaxConcurrentStreams uint16 = 0x3
	H2SettingInitialWindowSize    uint16 = 0x4
	H2SettingMaxFrameSize         uint16 = 0x5
	H2SettingMaxHeaderListSize    uint16 = 0x6
	H2SettingEnableConnectProto   uint16 = 0x8
	H2SettingNoRFC7540Priorities  uint16 = 0x9
)

// Setting is one SETTINGS parameter in wire order.
type Setting struct {
	ID    uint16
	Value uint32
}

// Priority is one PRIORITY frame sent after the connection preface.
// Weight is the RFC weight (1..256), not the wire byte.
type Priority struct {
	StreamID  uint32
	Exclusive bool
	DependsOn uint32
	Weight    uint16
}

// HTTP2Fingerprint describes the connection preface a client sends.
type HTTP2Fingerprint struct {
	Settings     []Setting
	WindowUpdate uint32
	Priorities   []Priority
	PseudoOrder  []string
}

// ParseHTTP2Fingerprint parses an HTTP/2 fingerprint string.
//
// Format: SETTINGS|WINDOW_UPDATE|PRIORITY_FRAMES|PSEUDO_HEADER_ORDER
//
// SETTINGS: "id:value" pairs joined by "," (";" is accepted too), "0" for none
// WINDOW_UPDATE: connection-level increment, "0" means no frame
// PRIORITY_FRAMES: "stream:exclusive:dependency:weight" joined by ",", "0" for none
// PSEUDO_HEADER_ORDER: m,a,s,p in any order, each exactly once
//
// Example (Chrome): "1:65536,2:0,4:6291456,6:262144|15663105|0|m,a,s,p"
func ParseHTTP2Fingerprint(fp string) (*HTTP2Fingerprint, error) {
	parts := strings.Split(strings.TrimSpace(fp), "|")
	if len(parts) != 4 {
		return nil, protocol.ParseError(fmt.Sprintf("http2: expected 4 pipe-separated fields, got %d", len(parts)), nil)
	}

	out := &HTTP2Fingerprint{}

	settings, err := parseH2Settings(parts[0])
	if err != nil {
		return nil, err
	}
	out.Settings = settings

	wu, err := strconv.ParseUint(parts[1], 10, 31)
	if err != nil {
		return nil, protocol.ParseError(fmt.Sprintf("http2: invalid window update %q", parts[1]), err)
	}
	out.WindowUpdate = uint32(wu)

	priorities, err := parseH2Priorities(parts[2])
	if err != nil {
		return nil, err
	}
	out.Priorities = priorities

	order, err := ParsePseudoOrder(parts[3])
	if err != nil {
		return nil, err
	}
	out.PseudoOrder = order

	return out, nil
}

func parseH2Settings(field string) ([]Setting, error) {
	if field == "0" {
		return nil, nil
	}
	if field == "" {
		return nil, protocol.ParseError("http2: empty settings field", nil)
	}

	sep := ","
	if strings.Contains(field, ";") {
		sep = ";"
	}

	var settings []Setting
	seen := make(map[uint16]bool)
	for _, pair := range strings.Split(field, sep) {
		kv := strings.Split(pair, ":")
		if len(kv) != 2 {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid settings pair %q", pair), nil)
		}
		id, err := strconv.ParseUint(kv[0], 10, 16)
		if err != nil {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid settings id %q", kv[0]), err)
		}
		val, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid settings value %q", kv[1]), err)
		}
		if seen[uint16(id)] {
			return nil, protocol.ParseError(fmt.Sprintf("http2: duplicate setting %d", id), nil)
		}
		seen[uint16(id)] = true

		if err := validateH2Setting(uint16(id), uint32(val)); err != nil {
			return nil, err
		}
		settings = append(settings, Setting{ID: uint16(id), Value: uint32(val)})
	}
	return settings, nil
}

func validateH2Setting(id uint16, val uint32) error {
	switch id {
	case H2SettingEnablePush, H2SettingEnableConnectProto, H2SettingNoRFC7540Priorities:
		if val > 1 {
			return protocol.ParseError(fmt.Sprintf("http2: setting %d must be 0 or 1, got %d", id, val), nil)
		}
	case H2SettingInitialWindowSize:
		if val > 1<<31-1 {
			return protocol.ParseError(fmt.Sprintf("http2: initial window size %d too large", val), nil)
		}
	case H2SettingMaxFrameSize:
		if val < 1<<14 || val > 1<<24-1 {
			return protocol.ParseError(fmt.Sprintf("http2: max frame size %d out of range", val), nil)
		}
	}
	return nil
}

func parseH2Priorities(field string) ([]Priority, error) {
	if field == "0" {
		return nil, nil
	}
	if field == "" {
		return nil, protocol.ParseError("http2: empty priority field", nil)
	}

	var out []Priority
	for _, frame := range strings.Split(field, ",") {
		p := strings.Split(frame, ":")
		if len(p) != 4 {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid priority frame %q", frame), nil)
		}
		stream, err := strconv.ParseUint(p[0], 10, 31)
		if err != nil || stream == 0 {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid priority stream %q", p[0]), err)
		}
		if p[1] != "0" && p[1] != "1" {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid exclusive flag %q", p[1]), nil)
		}
		dep, err := strconv.ParseUint(p[2], 10, 31)
		if err != nil {
			return nil, protocol.ParseError(fmt.Sprintf("http2: invalid priority dependency %q", p[2]), err)
		}
		weight, err := strconv.ParseUint(p[3], 10, 16)
		if err != nil || weight < 1 || weight > 256 {
			return nil, protocol.ParseError(fmt.Sprintf("http2: priority weight %q not in 1..256", p[3]), err)
		}
		if dep == stream {
			return nil, protocol.ParseError(fmt.Sprintf("http2: stream %d depends on itself", stream), nil)
		}
		out = append(out, Priority{
			StreamID:  uint32(stream),
			Exclusive: p[1] == "1",
			DependsOn: uint32(dep),
			Weight:    uint16(weight),
		})
	}
	return out, nil
}

var pseudoByLetter = map[byte]string{
	'm': ":method",
	'a': ":authority",
	's': ":scheme",
	'p': ":path",
}

// DefaultPseudoOrder is used when a fingerprint leaves the order unset.
var DefaultPseudoOrder = []string{":method", ":authority", ":scheme", ":path"}

// ParsePseudoOrder parses "m,a,s,p" or the compact "masp". Each of the four
// pseudo-headers must appear exactly once.
func ParsePseudoOrder(field string) ([]string, error) {
	letters := strings.ReplaceAll(field, ",", "")
	if len(letters) != 4 || (strings.Contains(field, ",") && len(strings.Split(field, ",")) != 4) {
		return nil, protocol.ParseError(fmt.Sprintf("http2: pseudo-header order %q must name m, a, s and p once each", field), nil)
	}

	order := make([]string, 0, 4)
	seen := make(map[byte]bool, 4)
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		name, ok := pseudoByLetter[c]
		if !ok {
			return nil, protocol.ParseError(fmt.Sprintf("http2: unknown pseudo-header identifier %q", string(c)), nil)
		}
		if seen[c] {
			return nil, protocol.ParseError(fmt.Sprintf("http2: pseudo-header %q repeated", string(c)), nil)
		}
		seen[c] = true
		order = append(order, name)
	}
	return order, nil
}

func formatPseudoOrder(order []string) string {
	letters := make([]string, 0, len(order))
	for _, name := range order {
		letters = append(letters, name[1:2])
	}
	return strings.Join(letters, ",")
}

// String serializes back to the canonical text form. Settings are joined
// with ",".
func (f *HTTP2Fingerprint) String() string {
	var b strings.Builder

	if len(f.Settings) == 0 {
		b.WriteString("0")
	}
	for i, s := range f.Settings {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d:%d", s.ID, s.Value)
	}

	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(f.WindowUpdate), 10))
	b.WriteByte('|')

	if len(f.Priorities) == 0 {
		b.WriteString("0")
	}
	for i, p := range f.Priorities {
		if i > 0 {
			b.WriteByte(',')
		}
		excl := 0
		if p.Exclusive {
			excl = 1
		}
		fmt.Fprintf(&b, "%d:%d:%d:%d", p.StreamID, excl, p.DependsOn, p.Weight)
	}

	b.WriteByte('|')
	b.WriteString(formatPseudoOrder(f.PseudoOrder))
	return b.String()
}

// Setting returns the value of id and whether it is present.
func (f *HTTP2Fingerprint) Setting(id uint16) (uint32, bool) {
	for _, s := range f.Settings {
		if s.ID == id {
			return s.Value, true
		}
	}
	return 0, false
}
