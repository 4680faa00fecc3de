package session

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Cookie represents an HTTP cookie
type Cookie struct {
	Name     string
	Value    string
	Domain   string // without leading dot
	HostOnly bool
	Path     string
	Expires  time.Time // zero for session cookies
	Secure   bool
	HttpOnly bool
	SameSite string
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// String returns the cookie in "name=value" format for the Cookie header
func (c *Cookie) String() string {
	return c.Name + "=" + c.Value
}

// matches reports whether the cookie should be sent to u.
func (c *Cookie) matches(u *url.URL) bool {
	host := canonicalHost(u.Host)
	if c.HostOnly {
		if host != c.Domain {
			return false
		}
	} else if !domainMatch(host, c.Domain) {
		return false
	}
	if c.Secure && u.Scheme != "https" {
		return false
	}
	return pathMatch(u.EscapedPath(), c.Path)
}

func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return net.ParseIP(host) == nil && strings.HasSuffix(host, "."+domain)
}

// pathMatch follows RFC 6265 §5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath is the directory of the request path (RFC 6265 §5.1.4).
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return strings.Trim(host, "[]")
}

// parseSetCookie parses one Set-Cookie header value received from u. The
// Domain attribute is returned raw; the jar validates it.
func parseSetCookie(header string, u *url.URL, now time.Time) (*Cookie, string) {
	parts := strings.Split(header, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, ""
	}

	c := &Cookie{
		Name:  name,
		Value: strings.Trim(strings.TrimSpace(value), `"`),
		Path:  defaultPath(u.Path),
	}
	var (
		domainAttr string
		maxAgeSeen bool
	)
	for _, attr := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(attr), "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "domain":
			domainAttr = strings.TrimPrefix(strings.ToLower(v), ".")
		case "path":
			if strings.HasPrefix(v, "/") {
				c.Path = v
			}
		case "expires":
			if maxAgeSeen {
				continue
			}
			if t, err := parseExpires(v); err == nil {
				c.Expires = t
			}
		case "max-age":
			secs, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			maxAgeSeen = true
			if secs <= 0 {
				c.Expires = time.Unix(1, 0)
			} else {
				c.Expires = now.Add(time.Duration(secs) * time.Second)
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			c.SameSite = v
		}
	}
	return c, domainAttr
}

// parseExpires parses the date formats seen in the wild.
func parseExpires(s string) (time.Time, error) {
	formats := []string{
		time.RFC1123,
		time.RFC1123Z,
		"Mon, 02-Jan-2006 15:04:05 MST",
		"Monday, 02-Jan-06 15:04:05 MST",
		time.ANSIC,
	}
	var err error
	for _, format := range formats {
		var t time.Time
		if t, err = time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
