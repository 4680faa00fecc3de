// Package protocol defines the request and response descriptors exchanged
// between the boundary adapter, the session layer and the execution engine,
// together with the error taxonomy every failure is reported through.
package protocol

import (
	"sort"
	"strings"
	"time"
)

// DefaultMaxRedirects bounds redirect following when neither the request
// nor the session sets a limit.
const DefaultMaxRedirects = 10

// HeaderField is a single header line in caller-specified order.
type HeaderField struct {
	Name  string
	Value string
}

// Request describes one call to the engine. It is built per call and never
// shared between calls.
type Request struct {
	Method string
	URL    string

	// Ordered takes precedence over Headers when non-empty. Headers are then
	// sent in exactly this order.
	Ordered []HeaderField
	Headers map[string][]string

	// Body is sent verbatim. It may contain NUL bytes.
	Body []byte

	// Timeout of zero means the session default.
	Timeout time.Duration

	// Proxy overrides the session proxy for this call when set.
	Proxy string

	ForceHTTP1         bool
	ForceHTTP3         bool
	IgnoreBody         bool
	NoCookie           bool
	DisableRedirects   bool
	MaxRedirects       int
	InsecureSkipVerify bool
}

// HasOrderedHeaders reports whether the caller supplied an explicit order.
func (r *Request) HasOrderedHeaders() bool {
	return len(r.Ordered) > 0
}

// HeaderFields returns the request headers as an ordered list. An unordered
// map is flattened in sorted key order so the wire order is deterministic.
func (r *Request) HeaderFields() []HeaderField {
	if r.HasOrderedHeaders() {
		out := make([]HeaderField, len(r.Ordered))
		copy(out, r.Ordered)
		return out
	}
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []HeaderField
	for _, k := range keys {
		for _, v := range r.Headers[k] {
			out = append(out, HeaderField{Name: k, Value: v})
		}
	}
	return out
}

// HasHeader reports whether a header with the given name was supplied,
// case-insensitively.
func (r *Request) HasHeader(name string) bool {
	for _, f := range r.HeaderFields() {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Response is the result of one Execute call. When Err is set the response
// is a failure record and StatusCode is 0.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	FinalURL   string
	Protocol   string
	Err        *Error
}

// Failed reports whether the response carries an error instead of a result.
func (r *Response) Failed() bool {
	return r.Err != nil
}

// FailureResponse builds a failure record from any error.
func FailureResponse(err error, finalURL string) *Response {
	return &Response{
		FinalURL: finalURL,
		Err:      Classify(err),
	}
}
