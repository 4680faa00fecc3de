// Package dns resolves and caches host addresses for the dialers. Lookups go
// through the system resolver or, when configured, straight to a nameserver
// so record TTLs can be honored.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Entry represents a cached DNS entry
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache provides TTL-aware DNS caching
type Cache struct {
	entries    map[string]*Entry
	mu         sync.RWMutex
	resolver   *net.Resolver
	nameserver string
	client     *mdns.Client
	defaultTTL time.Duration
	minTTL     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithNameserver sends queries to addr ("host" or "host:port") instead of
// the system resolver.
func WithNameserver(addr string) Option {
	return func(c *Cache) {
		if addr == "" {
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, "53")
		}
		c.nameserver = addr
	}
}

// WithLogger sets the logger used for lookup diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithTTL sets the TTL used when the resolver does not report one.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// NewCache creates a new DNS cache
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		resolver:   net.DefaultResolver,
		client:     &mdns.Client{Timeout: 5 * time.Second},
		defaultTTL: 5 * time.Minute,  // Default TTL if not specified
		minTTL:     30 * time.Second, // Minimum TTL to prevent hammering
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultTTL < c.minTTL {
		c.defaultTTL = c.minTTL
	}
	return c
}

// Nameserver returns the explicit nameserver, or "" for the system resolver.
func (c *Cache) Nameserver() string {
	return c.nameserver
}

// Resolve looks up the IP addresses for a hostname
// Returns cached result if available and not expired
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	now := c.now()
	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if exists && !entry.IsExpired(now) {
		return entry.IPs, nil
	}

	ips, ttl, err := c.lookup(ctx, host)
	if err != nil {
		// If lookup fails but we have stale cache, use it
		if exists {
			c.log.Debug().Str("host", host).Err(err).Msg("dns lookup failed, serving stale entry")
			return entry.IPs, nil
		}
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}

	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.mu.Lock()
	c.entries[host] = &Entry{
		IPs:       ips,
		ExpiresAt: now.Add(ttl),
		LookupAt:  now,
	}
	c.mu.Unlock()

	c.log.Debug().Str("host", host).Int("addrs", len(ips)).Dur("ttl", ttl).Msg("dns resolved")
	return ips, nil
}

// lookup performs the actual DNS lookup and reports the TTL to cache it for.
func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	if c.nameserver != "" {
		return c.queryNameserver(ctx, host)
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}

	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, c.defaultTTL, nil
}

// queryNameserver asks for A and AAAA records and returns the smallest
// record TTL seen.
func (c *Cache) queryNameserver(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	var (
		ips    []net.IP
		minTTL uint32
		seen   bool
	)
	for _, qtype := range []uint16{mdns.TypeAAAA, mdns.TypeA} {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := c.client.ExchangeContext(ctx, m, c.nameserver)
		if err != nil {
			return nil, 0, &net.DNSError{Err: err.Error(), Name: host, Server: c.nameserver, IsTimeout: isTimeout(err)}
		}
		if in.Rcode == mdns.RcodeNameError {
			return nil, 0, &net.DNSError{Err: "no such host", Name: host, Server: c.nameserver, IsNotFound: true}
		}
		if in.Rcode != mdns.RcodeSuccess {
			return nil, 0, &net.DNSError{Err: mdns.RcodeToString[in.Rcode], Name: host, Server: c.nameserver}
		}

		for _, rr := range in.Answer {
			var ip net.IP
			switch r := rr.(type) {
			case *mdns.A:
				ip = r.A
			case *mdns.AAAA:
				ip = r.AAAA
			default:
				continue
			}
			ips = append(ips, ip)
			if ttl := rr.Header().Ttl; !seen || ttl < minTTL {
				minTTL = ttl
				seen = true
			}
		}
	}
	if !seen {
		return nil, 0, nil
	}
	return ips, time.Duration(minTTL) * time.Second, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// ResolveAllSorted returns all IPs sorted for Happy Eyeballs (RFC 8305)
// IPv6 addresses first, interleaved with IPv4
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	// Separate IPv4 and IPv6
	var ipv4, ipv6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	// Interleave: IPv6, IPv4, IPv6, IPv4, ... (RFC 8305 recommendation)
	result := make([]net.IP, 0, len(ips))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}

	return result, nil
}

// Invalidate removes a hostname from the cache
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Len returns the number of cached hosts, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
