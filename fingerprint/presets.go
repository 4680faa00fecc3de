package fingerprint

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
	tls "github.com/sardanioss/utls"
)

// DefaultPreset is used when a session config names no browser.
const DefaultPreset = "chrome"

// PlatformInfo contains platform-specific User-Agent fragments
type PlatformInfo struct {
	UserAgentOS        string // e.g., "(Windows NT 10.0; Win64; x64)" or "(X11; Linux x86_64)"
	FirefoxUserAgentOS string // Firefox has slightly different format
}

// GetPlatformInfo returns platform-specific info based on runtime OS
func GetPlatformInfo() PlatformInfo {
	switch runtime.GOOS {
	case "windows":
		return PlatformInfo{
			UserAgentOS:        "(Windows NT 10.0; Win64; x64)",
			FirefoxUserAgentOS: "(Windows NT 10.0; Win64; x64; rv:133.0)",
		}
	case "darwin":
		return PlatformInfo{
			UserAgentOS:        "(Macintosh; Intel Mac OS X 10_15_7)",
			FirefoxUserAgentOS: "(Macintosh; Intel Mac OS X 10.15; rv:133.0)",
		}
	default: // linux and others
		return PlatformInfo{
			UserAgentOS:        "(X11; Linux x86_64)",
			FirefoxUserAgentOS: "(X11; Linux x86_64; rv:133.0)",
		}
	}
}

// Connection prefaces captured from the real browsers.
const (
	chromeHTTP2  = "1:65536,2:0,4:6291456,6:262144|15663105|0|m,a,s,p"
	chromeHTTP3  = "1:65536;6:262144;7:100;51:1;GREASE|m,a,s,p"
	firefoxHTTP2 = "1:65536,2:0,4:131072,5:16384|12517377|0|m,p,a,s"
	firefoxHTTP3 = "1:65536;7:20;51:1;8:1|m,p,a,s"
	safariHTTP2  = "2:0,4:2097152,3:100,9:1|10485760|0|m,s,p,a"
	safariHTTP3  = "1:16383;7:100|m,s,p,a"
)

func mustHTTP2(s string) *HTTP2Fingerprint {
	f, err := ParseHTTP2Fingerprint(s)
	if err != nil {
		panic(err)
	}
	return f
}

func mustHTTP3(s string) *HTTP3Fingerprint {
	f, err := ParseHTTP3Fingerprint(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Chrome133 returns the Chrome 133 profile
func Chrome133() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		name:        "chrome-133",
		helloID:     tls.HelloChrome_133, // X25519MLKEM768 key share
		quicHelloID: tls.HelloChrome_143_QUIC,
		userAgent:   "Mozilla/5.0 " + p.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		http2:       mustHTTP2(chromeHTTP2),
		http3:       mustHTTP3(chromeHTTP3),
	}
}

// Chrome131 returns the Chrome 131 profile
func Chrome131() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		name:        "chrome-131",
		helloID:     tls.HelloChrome_131,
		quicHelloID: tls.HelloChrome_143_QUIC,
		userAgent:   "Mozilla/5.0 " + p.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		http2:       mustHTTP2(chromeHTTP2),
		http3:       mustHTTP3(chromeHTTP3),
	}
}

// Firefox133 returns the Firefox 133 profile
func Firefox133() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		name:      "firefox-133",
		helloID:   tls.HelloFirefox_120,
		userAgent: "Mozilla/5.0 " + p.FirefoxUserAgentOS + " Gecko/20100101 Firefox/133.0",
		http2:     mustHTTP2(firefoxHTTP2),
		http3:     mustHTTP3(firefoxHTTP3),
	}
}

// Safari18 returns the Safari 18 profile
// Note: Safari is macOS-only, so no platform detection needed
func Safari18() *Profile {
	return &Profile{
		name:      "safari-18",
		helloID:   tls.HelloSafari_16_0,
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
		http2:     mustHTTP2(safariHTTP2),
		http3:     mustHTTP3(safariHTTP3),
	}
}

// presets is a map of all available presets
var presets = map[string]func() *Profile{
	"chrome":      Chrome133,
	"chrome-133":  Chrome133,
	"chrome-131":  Chrome131,
	"firefox":     Firefox133,
	"firefox-133": Firefox133,
	"safari":      Safari18,
	"safari-18":   Safari18,
}

// Lookup returns a fresh profile for a preset name. Names are matched
// case-insensitively; an empty name selects DefaultPreset.
func Lookup(name string) (*Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultPreset
	}
	fn, ok := presets[name]
	if !ok {
		return nil, protocol.ConfigError(fmt.Sprintf("unknown browser %q (available: %s)", name, strings.Join(Available(), ", ")), nil)
	}
	return fn(), nil
}

// Default returns the default profile.
func Default() *Profile {
	return Chrome133()
}

// Available returns a sorted list of available preset names
func Available() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
