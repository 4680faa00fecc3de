package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind groups errors by the layer that produced them.
type Kind string

const (
	KindConfig        Kind = "config"
	KindParse         Kind = "parse"
	KindProtocol      Kind = "protocol"
	KindTLS           Kind = "tls"
	KindNetwork       Kind = "network"
	KindRedirectLimit Kind = "redirect_limit"
	KindInvalidHandle Kind = "invalid_handle"
	KindRequest       Kind = "request"
	KindInternal      Kind = "internal"
)

// Error codes reported across the boundary.
const (
	CodeConfig           = "CONFIG_ERROR"
	CodeParse            = "PARSE_ERROR"
	CodeProtocol         = "PROTOCOL_ERROR"
	CodeTLSFailure       = "TLS_FAILURE"
	CodePinMismatch      = "PIN_MISMATCH"
	CodeDNSFailure       = "DNS_FAILURE"
	CodeConnRefused      = "CONNECTION_REFUSED"
	CodeTimeout          = "TIMEOUT"
	CodeCanceled         = "CANCELED"
	CodeNetwork          = "NETWORK_ERROR"
	CodeTooManyRedirects = "TOO_MANY_REDIRECTS"
	CodeInvalidSession   = "INVALID_SESSION"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidURL       = "INVALID_URL"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is the structured form of every failure surfaced by the engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and code so sentinel comparisons work
// through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// NewError builds an Error. err may be nil.
func NewError(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// ConfigError reports an unusable session configuration.
func ConfigError(msg string, err error) *Error {
	return NewError(KindConfig, CodeConfig, msg, err)
}

// ParseError reports a malformed fingerprint string.
func ParseError(msg string, err error) *Error {
	return NewError(KindParse, CodeParse, msg, err)
}

// ProtocolError reports a negotiation failure such as an unreachable forced
// HTTP/3 endpoint.
func ProtocolError(msg string, err error) *Error {
	return NewError(KindProtocol, CodeProtocol, msg, err)
}

// TLSError reports a failed handshake.
func TLSError(msg string, err error) *Error {
	return NewError(KindTLS, CodeTLSFailure, msg, err)
}

// RequestError reports a malformed request descriptor.
func RequestError(msg string) *Error {
	return NewError(KindRequest, CodeInvalidRequest, msg, nil)
}

// InvalidHandleError reports use of an unknown or closed session handle.
func InvalidHandleError(handle uint64) *Error {
	return NewError(KindInvalidHandle, CodeInvalidSession, fmt.Sprintf("session %d not found or closed", handle), nil)
}

// RedirectLimitError reports that a redirect chain exceeded its limit.
func RedirectLimitError(limit int) *Error {
	return NewError(KindRedirectLimit, CodeTooManyRedirects, fmt.Sprintf("stopped after %d redirects", limit), nil)
}

// Sentinels for errors.Is.
var (
	ErrInvalidHandle = &Error{Kind: KindInvalidHandle}
	ErrRedirectLimit = &Error{Kind: KindRedirectLimit}
	ErrPinMismatch   = &Error{Kind: KindTLS, Code: CodePinMismatch}
)

// PinMismatchError is returned from certificate verification when a pinned
// host presents none of its pinned keys. The handshake is aborted before any
// request data is written.
type PinMismatchError struct {
	Host      string
	Presented []string
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("pin mismatch for %s: presented [%s]", e.Host, strings.Join(e.Presented, ", "))
}

// Is lets errors.Is(err, ErrPinMismatch) match the raw verification error.
func (e *PinMismatchError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindTLS && t.Code == CodePinMismatch
}

// Classify maps an arbitrary error from the transport stack onto the
// taxonomy. Errors that already carry a kind are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *PinMismatchError
	if errors.As(err, &pe) {
		return NewError(KindTLS, CodePinMismatch, "certificate pin mismatch", err)
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetwork, CodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindNetwork, CodeCanceled, "request canceled", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(KindNetwork, CodeDNSFailure, "dns lookup failed", err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewError(KindNetwork, CodeConnRefused, "connection refused", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindNetwork, CodeTimeout, "request timed out", err)
		}
		return NewError(KindNetwork, CodeNetwork, "network error", err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return NewError(KindNetwork, CodeNetwork, "connection closed", err)
	}

	return NewError(KindInternal, CodeInternal, "internal error", err)
}
