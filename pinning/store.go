// Package pinning keeps per-host public-key pins and checks presented
// certificate chains against them during the TLS handshake.
package pinning

import (
	"crypto/x509"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/tam7t/hpkp"
)

// Store maps a normalized host to its accepted SPKI pins. The zero value is
// not usable; call New.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]map[string]struct{}
}

// New returns an empty store. An empty store pins nothing.
func New() *Store {
	return &Store{hosts: make(map[string]map[string]struct{})}
}

// Fingerprint returns the base64 SHA-256 digest of the certificate's
// SubjectPublicKeyInfo, the form pins are stored in.
func Fingerprint(c *x509.Certificate) string {
	return hpkp.Fingerprint(c)
}

// NormalizeHost lowercases host and strips any port, IPv6 brackets and
// trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// normalizePin accepts both "sha256/<b64>" and bare base64.
func normalizePin(pin string) string {
	pin = strings.TrimSpace(pin)
	if len(pin) > 7 && strings.EqualFold(pin[:7], "sha256/") {
		pin = pin[7:]
	}
	return pin
}

// Add pins host to the given keys in addition to any already stored.
func (s *Store) Add(host string, pins ...string) {
	host = NormalizeHost(host)
	if host == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.hosts[host]
	if !ok {
		set = make(map[string]struct{}, len(pins))
		s.hosts[host] = set
	}
	for _, p := range pins {
		if p = normalizePin(p); p != "" {
			set[p] = struct{}{}
		}
	}
	if len(set) == 0 {
		delete(s.hosts, host)
	}
}

// AddURL pins the host of rawURL.
func (s *Store) AddURL(rawURL string, pins []string) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	s.Add(host, pins...)
	return nil
}

// Clear removes every pin for host.
func (s *Store) Clear(host string) {
	host = NormalizeHost(host)
	s.mu.Lock()
	delete(s.hosts, host)
	s.mu.Unlock()
}

// ClearURL removes every pin for the host of rawURL.
func (s *Store) ClearURL(rawURL string) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	s.Clear(host)
	return nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "invalid pin URL", err)
	}
	host := u.Hostname()
	if host == "" {
		// Bare "example.com" parses as a path.
		host = u.Path
	}
	if host == "" {
		return "", protocol.NewError(protocol.KindRequest, protocol.CodeInvalidURL, "pin URL has no host", nil)
	}
	return host, nil
}

// Pinned reports whether host has at least one pin.
func (s *Store) Pinned(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts[NormalizeHost(host)]) > 0
}

// Pins returns a copy of the pins for host.
func (s *Store) Pins(host string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.hosts[NormalizeHost(host)]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Verify reports whether host accepts any of the presented key hashes.
// Unpinned hosts accept everything.
func (s *Store) Verify(host string, presented []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.hosts[NormalizeHost(host)]
	if len(set) == 0 {
		return true
	}
	for _, p := range presented {
		if _, ok := set[normalizePin(p)]; ok {
			return true
		}
	}
	return false
}

// VerifyCertificates checks a presented chain. It returns a
// *protocol.PinMismatchError when host is pinned and no certificate in the
// chain carries a pinned key.
func (s *Store) VerifyCertificates(host string, certs []*x509.Certificate) error {
	if !s.Pinned(host) {
		return nil
	}
	presented := make([]string, 0, len(certs))
	for _, c := range certs {
		presented = append(presented, Fingerprint(c))
	}
	if s.Verify(host, presented) {
		return nil
	}
	return &protocol.PinMismatchError{Host: NormalizeHost(host), Presented: presented}
}

// VerifyChains checks the chains built during certificate verification and
// passes when any of them carries a pinned key. Extra certificates the peer
// sent outside those chains are ignored. Without verified chains, as with
// verification disabled, the presented certificates are checked instead.
func (s *Store) VerifyChains(host string, verified [][]*x509.Certificate, peer []*x509.Certificate) error {
	if len(verified) == 0 {
		return s.VerifyCertificates(host, peer)
	}
	var err error
	for _, chain := range verified {
		if err = s.VerifyCertificates(host, chain); err == nil {
			return nil
		}
	}
	return err
}

// Len returns the number of pinned hosts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}
