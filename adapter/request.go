package adapter

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
	"github.com/tidwall/gjson"
)

type requestKey struct {
	types []gjson.Type
	apply func(*protocol.Request, gjson.Result) error
}

var (
	stringType = []gjson.Type{gjson.String}
	numberType = []gjson.Type{gjson.Number}
	boolType   = []gjson.Type{gjson.True, gjson.False}
	jsonType   = []gjson.Type{gjson.JSON}
)

func flag(set func(*protocol.Request, bool)) requestKey {
	return requestKey{boolType, func(r *protocol.Request, v gjson.Result) error {
		set(r, v.Bool())
		return nil
	}}
}

// requestKeys is the complete set of recognized request keys. body and
// body_b64 are handled separately.
var requestKeys = map[string]requestKey{
	"method": {stringType, func(r *protocol.Request, v gjson.Result) error { r.Method = v.String(); return nil }},
	"url":    {stringType, func(r *protocol.Request, v gjson.Result) error { r.URL = v.String(); return nil }},
	"proxy":  {stringType, func(r *protocol.Request, v gjson.Result) error { r.Proxy = v.String(); return nil }},
	"headers": {jsonType, func(r *protocol.Request, v gjson.Result) error {
		h, err := session.ParseHeaderMap(v)
		r.Headers = h
		return err
	}},
	"ordered_headers": {jsonType, func(r *protocol.Request, v gjson.Result) error {
		fields, err := session.ParseOrderedHeaders(v)
		r.Ordered = fields
		return err
	}},
	"timeout_ms": {numberType, func(r *protocol.Request, v gjson.Result) error {
		if v.Int() < 0 {
			return fmt.Errorf("must not be negative")
		}
		r.Timeout = time.Duration(v.Int()) * time.Millisecond
		return nil
	}},
	"max_redirects": {numberType, func(r *protocol.Request, v gjson.Result) error {
		if v.Int() < 0 {
			return fmt.Errorf("must not be negative")
		}
		r.MaxRedirects = int(v.Int())
		return nil
	}},
	"force_http1":          flag(func(r *protocol.Request, b bool) { r.ForceHTTP1 = b }),
	"force_http3":          flag(func(r *protocol.Request, b bool) { r.ForceHTTP3 = b }),
	"ignore_body":          flag(func(r *protocol.Request, b bool) { r.IgnoreBody = b }),
	"no_cookie":            flag(func(r *protocol.Request, b bool) { r.NoCookie = b }),
	"disable_redirects":    flag(func(r *protocol.Request, b bool) { r.DisableRedirects = b }),
	"insecure_skip_verify": flag(func(r *protocol.Request, b bool) { r.InsecureSkipVerify = b }),
}

func invalidRequest(msg string, err error) *protocol.Error {
	return protocol.NewError(protocol.KindRequest, protocol.CodeInvalidRequest, msg, err)
}

// DecodeRequest decodes a JSON request. The body is taken from "body" as
// UTF-8 text or from "body_b64"; giving both is an error. Unknown keys are
// ignored.
func DecodeRequest(data []byte) (*protocol.Request, error) {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return nil, invalidRequest("request is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, invalidRequest("request must be a JSON object", nil)
	}

	req := &protocol.Request{}
	var err error
	doc.ForEach(func(k, v gjson.Result) bool {
		key, ok := requestKeys[k.String()]
		if !ok || v.Type == gjson.Null {
			return true
		}
		if !typeAllowed(v, key.types) {
			err = invalidRequest(fmt.Sprintf("request: %q has the wrong type", k.String()), nil)
			return false
		}
		if aerr := key.apply(req, v); aerr != nil {
			err = invalidRequest(fmt.Sprintf("request: %q: %v", k.String(), aerr), aerr)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	text, b64 := doc.Get("body"), doc.Get("body_b64")
	switch {
	case text.Exists() && text.Type != gjson.Null && b64.Exists() && b64.Type != gjson.Null:
		return nil, invalidRequest("request: body and body_b64 are mutually exclusive", nil)
	case text.Type == gjson.String:
		req.Body = []byte(text.String())
	case b64.Type == gjson.String:
		body, derr := base64.StdEncoding.DecodeString(b64.String())
		if derr != nil {
			return nil, invalidRequest("request: body_b64 is not valid base64", derr)
		}
		req.Body = body
	case text.Exists() && text.Type != gjson.Null, b64.Exists() && b64.Type != gjson.Null:
		return nil, invalidRequest("request: body must be a string", nil)
	}
	return req, nil
}

// DecodeRawRequest builds a request from raw parameters. headersJSON may be
// empty, null, an object of name to value(s), or an array of [name, value]
// pairs. body is used as is.
func DecodeRawRequest(method, rawURL string, headersJSON []byte, body []byte) (*protocol.Request, error) {
	req := &protocol.Request{
		Method: strings.TrimSpace(method),
		URL:    strings.TrimSpace(rawURL),
		Body:   body,
	}
	if len(headersJSON) == 0 {
		return req, nil
	}
	if !gjson.ValidBytes(headersJSON) {
		return nil, invalidRequest("headers are not valid JSON", nil)
	}
	v := gjson.ParseBytes(headersJSON)
	var err error
	switch {
	case v.Type == gjson.Null:
	case v.IsArray():
		req.Ordered, err = session.ParseOrderedHeaders(v)
	case v.IsObject():
		req.Headers, err = session.ParseHeaderMap(v)
	default:
		err = fmt.Errorf("expected an object or an array")
	}
	if err != nil {
		return nil, invalidRequest("invalid headers", err)
	}
	return req, nil
}

// CheckBodyLen validates a body length passed across the C boundary.
func CheckBodyLen(n int64) error {
	if n < 0 {
		return invalidRequest(fmt.Sprintf("body length %d is negative", n), nil)
	}
	if n > math.MaxInt32 {
		return invalidRequest(fmt.Sprintf("body length %d exceeds %d", n, math.MaxInt32), nil)
	}
	return nil
}

// DecodePins decodes a JSON array of pin strings. Blank entries are
// dropped.
func DecodePins(data []byte) ([]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, protocol.ConfigError("pins are not valid JSON", nil)
	}
	v := gjson.ParseBytes(data)
	if !v.IsArray() {
		return nil, protocol.ConfigError("pins must be a JSON array of strings", nil)
	}
	var pins []string
	for _, item := range v.Array() {
		if item.Type != gjson.String {
			return nil, protocol.ConfigError("pins must be a JSON array of strings", nil)
		}
		if p := strings.TrimSpace(item.String()); p != "" {
			pins = append(pins, p)
		}
	}
	if len(pins) == 0 {
		return nil, protocol.ConfigError("no pins given", nil)
	}
	return pins, nil
}

func typeAllowed(v gjson.Result, types []gjson.Type) bool {
	for _, t := range types {
		if v.Type == t {
			return true
		}
	}
	return false
}
