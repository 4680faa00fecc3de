package session

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CookieJar stores cookies per domain. It is safe for concurrent use.
type CookieJar struct {
	mu      sync.Mutex
	cookies map[string][]*Cookie // domain -> cookies
	now     func() time.Time
}

// NewCookieJar creates a new empty cookie jar
func NewCookieJar() *CookieJar {
	return &CookieJar{
		cookies: make(map[string][]*Cookie),
		now:     time.Now,
	}
}

// SetCookiesFromHeaders stores the cookies of every Set-Cookie value
// received in a response from u. Cookies whose Domain attribute does not
// cover the host, or names a public suffix, are dropped.
func (j *CookieJar) SetCookiesFromHeaders(u *url.URL, setCookie []string) {
	if len(setCookie) == 0 {
		return
	}
	host := canonicalHost(u.Host)
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, header := range setCookie {
		c, domainAttr := parseSetCookie(header, u, now)
		if c == nil {
			continue
		}
		if !j.resolveDomain(c, host, domainAttr) {
			continue
		}
		j.store(c, now)
	}
}

// resolveDomain fills c.Domain and c.HostOnly per RFC 6265 §5.3 steps 4-6.
func (j *CookieJar) resolveDomain(c *Cookie, host, domainAttr string) bool {
	if domainAttr == "" || domainAttr == host {
		c.Domain = host
		c.HostOnly = domainAttr == ""
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	if ps, _ := publicsuffix.PublicSuffix(domainAttr); ps == domainAttr {
		return false
	}
	if !strings.HasSuffix(host, "."+domainAttr) {
		return false
	}
	c.Domain = domainAttr
	return true
}

func (j *CookieJar) store(c *Cookie, now time.Time) {
	existing := j.cookies[c.Domain]
	filtered := existing[:0]
	for _, old := range existing {
		if old.Name != c.Name || old.Path != c.Path || old.HostOnly != c.HostOnly {
			filtered = append(filtered, old)
		}
	}
	if !c.expired(now) {
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		delete(j.cookies, c.Domain)
		return
	}
	j.cookies[c.Domain] = filtered
}

// Cookies returns the cookies to send to u, longest path first.
func (j *CookieJar) Cookies(u *url.URL) []*Cookie {
	host := canonicalHost(u.Host)
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var result []*Cookie
	for _, domain := range candidateDomains(host) {
		for _, c := range j.cookies[domain] {
			if !c.expired(now) && c.matches(u) {
				result = append(result, c)
			}
		}
	}
	sort.SliceStable(result, func(a, b int) bool {
		return len(result[a].Path) > len(result[b].Path)
	})
	return result
}

// CookieHeader returns the Cookie header value for u, or "".
func (j *CookieJar) CookieHeader(u *url.URL) string {
	cookies := j.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// candidateDomains lists host and its parent domains.
func candidateDomains(host string) []string {
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	domains := []string{host}
	for i := strings.IndexByte(host, '.'); i >= 0; i = strings.IndexByte(host, '.') {
		host = host[i+1:]
		domains = append(domains, host)
	}
	return domains
}

// Clear removes all cookies from the jar
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string][]*Cookie)
}

// Count returns the number of stored cookies, expired ones included.
func (j *CookieJar) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	count := 0
	for _, cookies := range j.cookies {
		count += len(cookies)
	}
	return count
}
