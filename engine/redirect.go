package engine

import (
	"net/url"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
	"github.com/sardanioss/cloakengine/transport"
	http "github.com/sardanioss/http"
)

// hopState is what changes between redirect hops.
type hopState struct {
	method string
	url    *url.URL
	header []protocol.HeaderField
	body   []byte
}

func isRedirect(statusCode int) bool {
	switch statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// nextHop decides whether resp is followed and builds the next hop.
// A redirect without Location is returned to the caller as is.
func nextHop(cur *hopState, resp *transport.Response, disabled bool) (hopState, bool, error) {
	if disabled || !isRedirect(resp.StatusCode) {
		return hopState{}, false, nil
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return hopState{}, false, nil
	}

	target, err := resolveLocation(cur.url, location)
	if err != nil {
		return hopState{}, false, protocol.ProtocolError("invalid redirect location "+location, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return hopState{}, false, protocol.ProtocolError("redirect to unsupported scheme "+target.Scheme, nil)
	}

	next := hopState{
		method: cur.method,
		url:    target,
		header: cur.header,
		body:   cur.body,
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if cur.method != http.MethodGet && cur.method != http.MethodHead {
			next.method = http.MethodGet
		}
		next.body = nil
		next.header = dropHeaders(next.header, "Content-Type")
	}

	if !strings.EqualFold(cur.url.Hostname(), target.Hostname()) {
		next.header = dropHeaders(next.header, "Authorization")
	}
	return next, true, nil
}

// resolveLocation resolves a Location value against the URL that returned
// it per RFC 3986. The fragment is dropped; it never goes on the wire.
func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	target, err := base.Parse(location)
	if err != nil {
		return nil, err
	}
	target.Fragment = ""
	target.RawFragment = ""
	return target, nil
}

// mergeHeaders returns the request headers followed by session defaults,
// the profile User-Agent and Accept-Encoding for any name the request did
// not set.
func mergeHeaders(req *protocol.Request, cfg session.Config, userAgent string) []protocol.HeaderField {
	fields := req.HeaderFields()
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[strings.ToLower(f.Name)] = true
	}

	for _, f := range cfg.DefaultHeaders() {
		if !present[strings.ToLower(f.Name)] {
			fields = append(fields, f)
		}
	}
	if userAgent != "" && !hasHeader(fields, "User-Agent") {
		fields = append(fields, protocol.HeaderField{Name: "User-Agent", Value: userAgent})
	}
	if !hasHeader(fields, "Accept-Encoding") {
		fields = append(fields, protocol.HeaderField{Name: "Accept-Encoding", Value: transport.AcceptEncoding})
	}
	return fields
}

func hasHeader(fields []protocol.HeaderField, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// dropHeaders returns a copy of fields without the named headers.
func dropHeaders(fields []protocol.HeaderField, names ...string) []protocol.HeaderField {
	out := make([]protocol.HeaderField, 0, len(fields))
outer:
	for _, f := range fields {
		for _, n := range names {
			if strings.EqualFold(f.Name, n) {
				continue outer
			}
		}
		out = append(out, f)
	}
	return out
}
