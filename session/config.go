package session

import (
	"fmt"
	"time"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/tidwall/gjson"
)

// DefaultIPLookupURL answers with the caller's public address as plain text.
const DefaultIPLookupURL = "https://api.ipify.org"

// Config is the decoded session configuration.
type Config struct {
	Browser            string
	UserAgent          string
	Proxy              string
	Timeout            time.Duration
	MaxRedirects       int
	InsecureSkipVerify bool

	// Default headers sent with every request unless the request sets the
	// same name. Ordered wins over Headers when both are given.
	Ordered []protocol.HeaderField
	Headers map[string][]string

	JA3              string
	Navigator        string
	HTTP2Fingerprint string
	HTTP3Fingerprint string

	DNSServer   string
	IPLookupURL string

	// DumpDir, when set, receives one text file per exchange. Hosts
	// matching a DumpIgnore pattern ("example.com" or "*.example.com")
	// are not dumped.
	DumpDir    string
	DumpIgnore []string
}

// DefaultConfig returns the configuration used for an empty or null config.
func DefaultConfig() Config {
	return Config{
		Browser:      "chrome",
		Timeout:      30 * time.Second,
		MaxRedirects: protocol.DefaultMaxRedirects,
		IPLookupURL:  DefaultIPLookupURL,
	}
}

// DefaultHeaders returns the session headers as an ordered list.
func (c Config) DefaultHeaders() []protocol.HeaderField {
	r := protocol.Request{Ordered: c.Ordered, Headers: c.Headers}
	return r.HeaderFields()
}

type configKey struct {
	types []gjson.Type
	apply func(*Config, gjson.Result) error
}

var (
	stringType = []gjson.Type{gjson.String}
	numberType = []gjson.Type{gjson.Number}
	boolType   = []gjson.Type{gjson.True, gjson.False}
	jsonType   = []gjson.Type{gjson.JSON}
)

// configKeys is the complete set of recognized keys. Anything else in the
// document is ignored.
var configKeys = map[string]configKey{
	"browser":    {stringType, func(c *Config, v gjson.Result) error { c.Browser = v.String(); return nil }},
	"user_agent": {stringType, func(c *Config, v gjson.Result) error { c.UserAgent = v.String(); return nil }},
	"proxy":      {stringType, func(c *Config, v gjson.Result) error { c.Proxy = v.String(); return nil }},
	"timeout_ms": {numberType, func(c *Config, v gjson.Result) error {
		if v.Int() < 0 {
			return fmt.Errorf("must not be negative")
		}
		if v.Int() > 0 {
			c.Timeout = time.Duration(v.Int()) * time.Millisecond
		}
		return nil
	}},
	"max_redirects": {numberType, func(c *Config, v gjson.Result) error {
		if v.Int() < 0 {
			return fmt.Errorf("must not be negative")
		}
		c.MaxRedirects = int(v.Int())
		return nil
	}},
	"insecure_skip_verify": {boolType, func(c *Config, v gjson.Result) error { c.InsecureSkipVerify = v.Bool(); return nil }},
	"ordered_headers": {jsonType, func(c *Config, v gjson.Result) error {
		fields, err := ParseOrderedHeaders(v)
		c.Ordered = fields
		return err
	}},
	"headers": {jsonType, func(c *Config, v gjson.Result) error {
		h, err := ParseHeaderMap(v)
		c.Headers = h
		return err
	}},
	"ja3":               {stringType, func(c *Config, v gjson.Result) error { c.JA3 = v.String(); return nil }},
	"navigator":         {stringType, func(c *Config, v gjson.Result) error { c.Navigator = v.String(); return nil }},
	"http2_fingerprint": {stringType, func(c *Config, v gjson.Result) error { c.HTTP2Fingerprint = v.String(); return nil }},
	"http3_fingerprint": {stringType, func(c *Config, v gjson.Result) error { c.HTTP3Fingerprint = v.String(); return nil }},
	"dns_server":        {stringType, func(c *Config, v gjson.Result) error { c.DNSServer = v.String(); return nil }},
	"ip_lookup_url":     {stringType, func(c *Config, v gjson.Result) error { c.IPLookupURL = v.String(); return nil }},
	"dump_dir":          {stringType, func(c *Config, v gjson.Result) error { c.DumpDir = v.String(); return nil }},
	"dump_ignore": {jsonType, func(c *Config, v gjson.Result) error {
		if !v.IsArray() {
			return fmt.Errorf("must be an array of host patterns")
		}
		var err error
		v.ForEach(func(_, p gjson.Result) bool {
			if p.Type != gjson.String {
				err = fmt.Errorf("must be an array of host patterns")
				return false
			}
			c.DumpIgnore = append(c.DumpIgnore, p.String())
			return true
		})
		return err
	}},
}

// ParseConfig decodes a JSON session config. Empty input or null yields the
// defaults; unknown keys are ignored; a recognized key of the wrong type is
// a config error.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if !gjson.ValidBytes(data) {
		return cfg, protocol.ConfigError("session config is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(data)
	switch {
	case doc.Type == gjson.Null:
		return cfg, nil
	case !doc.IsObject():
		return cfg, protocol.ConfigError("session config must be a JSON object", nil)
	}

	var err error
	doc.ForEach(func(k, v gjson.Result) bool {
		key, ok := configKeys[k.String()]
		if !ok || v.Type == gjson.Null {
			return true
		}
		if !typeAllowed(v, key.types) {
			err = protocol.ConfigError(fmt.Sprintf("session config: %q has the wrong type", k.String()), nil)
			return false
		}
		if aerr := key.apply(&cfg, v); aerr != nil {
			err = protocol.ConfigError(fmt.Sprintf("session config: %q: %v", k.String(), aerr), aerr)
			return false
		}
		return true
	})
	return cfg, err
}

func typeAllowed(v gjson.Result, types []gjson.Type) bool {
	for _, t := range types {
		if v.Type == t {
			return true
		}
	}
	return false
}

// ParseOrderedHeaders decodes [[name, value], ...].
func ParseOrderedHeaders(v gjson.Result) ([]protocol.HeaderField, error) {
	if !v.IsArray() {
		return nil, fmt.Errorf("expected an array of [name, value] pairs")
	}
	var (
		fields []protocol.HeaderField
		err    error
	)
	v.ForEach(func(_, pair gjson.Result) bool {
		items := pair.Array()
		if !pair.IsArray() || len(items) != 2 || items[0].Type != gjson.String || items[1].Type != gjson.String {
			err = fmt.Errorf("header entry %s is not a [name, value] pair", pair.Raw)
			return false
		}
		fields = append(fields, protocol.HeaderField{Name: items[0].String(), Value: items[1].String()})
		return true
	})
	return fields, err
}

// ParseHeaderMap decodes {name: value} or {name: [values]}.
func ParseHeaderMap(v gjson.Result) (map[string][]string, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("expected an object")
	}
	var err error
	h := make(map[string][]string)
	v.ForEach(func(k, val gjson.Result) bool {
		switch {
		case val.Type == gjson.String:
			h[k.String()] = append(h[k.String()], val.String())
		case val.IsArray():
			for _, item := range val.Array() {
				if item.Type != gjson.String {
					err = fmt.Errorf("header %q has a non-string value", k.String())
					return false
				}
				h[k.String()] = append(h[k.String()], item.String())
			}
		default:
			err = fmt.Errorf("header %q must be a string or an array of strings", k.String())
			return false
		}
		return true
	})
	return h, err
}
