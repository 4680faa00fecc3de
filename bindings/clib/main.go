// Command clib builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o libcloak.so ./bindings/clib
//
// Every pointer returned by an export is owned by the caller and must be
// released with cloak_free_string or cloak_free_response. Fields inside a
// cloak_response are borrowed and released with the response. Releasing an
// unknown or already released pointer does nothing.
package main

/*
#include <stdlib.h>
#include <stdint.h>

typedef struct {
    int32_t status_code;
    char*   body;
    int64_t body_len;
    char*   headers;
    char*   url;
    char*   error;
    char*   error_kind;
    char*   protocol;
} cloak_response;
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"

	cloakengine "github.com/sardanioss/cloakengine"
	"github.com/sardanioss/cloakengine/adapter"
	"github.com/sardanioss/cloakengine/protocol"
)

var state = adapter.NewState()

func main() {}

// ownedString copies s to C memory and records it as caller-owned. An
// empty s yields NULL.
func ownedString(s string) *C.char {
	if s == "" {
		return nil
	}
	p := C.CString(s)
	state.Ledger.Track(uintptr(unsafe.Pointer(p)), adapter.OwnedString)
	return p
}

// errorString records err and returns it as an owned string, or NULL.
func errorString(err error) *C.char {
	if err == nil {
		return nil
	}
	state.SetLastError(err)
	return ownedString(adapter.FormatError(err))
}

// borrowed copies s into a response field. It is freed with the response.
func borrowed(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

func newResponse(resp *protocol.Response) *C.cloak_response {
	if resp.Failed() {
		state.SetLastError(resp.Err)
	}
	rec := adapter.EncodeResponse(resp)

	r := (*C.cloak_response)(C.calloc(1, C.size_t(unsafe.Sizeof(C.cloak_response{}))))
	r.status_code = C.int32_t(rec.StatusCode)
	if len(rec.Body) > 0 {
		r.body = (*C.char)(C.CBytes(rec.Body))
		r.body_len = C.int64_t(len(rec.Body))
	}
	r.headers = borrowed(rec.Headers)
	r.url = borrowed(rec.URL)
	r.error = borrowed(rec.Error)
	r.error_kind = borrowed(rec.ErrorKind)
	r.protocol = borrowed(rec.Protocol)

	state.Ledger.Track(uintptr(unsafe.Pointer(r)), adapter.OwnedResponse)
	return r
}

// recoverResponse turns a panic into an INTERNAL_ERROR response.
func recoverResponse(out **C.cloak_response) {
	if r := recover(); r != nil {
		*out = newResponse(protocol.FailureResponse(internalError(r), ""))
	}
}

// internalError wraps a recovered panic value.
func internalError(r any) *protocol.Error {
	return protocol.NewError(protocol.KindInternal, protocol.CodeInternal, fmt.Sprintf("internal error: %v", r), nil)
}

// recoverNull records a panic as the last error and returns NULL.
func recoverNull(out **C.char) {
	if r := recover(); r != nil {
		state.SetLastError(internalError(r))
		*out = nil
	}
}

// recoverError turns a panic into an owned INTERNAL_ERROR string.
func recoverError(out **C.char) {
	if r := recover(); r != nil {
		*out = errorString(internalError(r))
	}
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

func goBytes(s *C.char) []byte {
	if s == nil {
		return nil
	}
	return []byte(C.GoString(s))
}

//export cloak_init
func cloak_init() C.int {
	if err := state.Init(); err != nil {
		return -1
	}
	return 0
}

//export cloak_cleanup
func cloak_cleanup() {
	state.Cleanup()
}

//export cloak_version
func cloak_version() (out *C.char) {
	defer recoverNull(&out)
	return ownedString(cloakengine.Version)
}

//export cloak_available_presets
func cloak_available_presets() (out *C.char) {
	defer recoverNull(&out)
	return ownedString(strings.Join(cloakengine.Presets(), ","))
}

// cloak_last_error returns the most recent error message, or NULL.
//
//export cloak_last_error
func cloak_last_error() (out *C.char) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return ownedString(state.LastError())
}

// cloak_session_new returns 0 on failure; see cloak_last_error.
//
//export cloak_session_new
func cloak_session_new(configJSON *C.char) (h C.uint64_t) {
	defer func() {
		if r := recover(); r != nil {
			state.SetLastError(internalError(r))
			h = 0
		}
	}()
	return C.uint64_t(state.SessionNew(goBytes(configJSON)))
}

//export cloak_session_close
func cloak_session_close(h C.uint64_t) {
	state.SessionClose(uint64(h))
}

//export cloak_session_do
func cloak_session_do(h C.uint64_t, requestJSON *C.char) (out *C.cloak_response) {
	defer recoverResponse(&out)
	return newResponse(state.Do(uint64(h), goBytes(requestJSON)))
}

//export cloak_session_do_bytes
func cloak_session_do_bytes(h C.uint64_t, method, url, headersJSON *C.char, body unsafe.Pointer, bodyLen C.int64_t) (out *C.cloak_response) {
	defer recoverResponse(&out)
	if err := adapter.CheckBodyLen(int64(bodyLen)); err != nil {
		return newResponse(protocol.FailureResponse(err, goString(url)))
	}
	var payload []byte
	if body != nil && bodyLen > 0 {
		payload = C.GoBytes(body, C.int(bodyLen))
	}
	return newResponse(state.DoBytes(uint64(h), goString(method), goString(url), goBytes(headersJSON), payload))
}

// cloak_session_get_ip returns the address or NULL; see cloak_last_error.
//
//export cloak_session_get_ip
func cloak_session_get_ip(h C.uint64_t) (out *C.char) {
	defer recoverError(&out)
	ip, err := state.GetIP(uint64(h))
	if err != nil {
		return nil
	}
	return ownedString(ip)
}

//export cloak_session_apply_ja3
func cloak_session_apply_ja3(h C.uint64_t, ja3, navigator *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.ApplyJA3(uint64(h), goString(ja3), goString(navigator)))
}

//export cloak_session_apply_http2
func cloak_session_apply_http2(h C.uint64_t, fp *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.ApplyHTTP2(uint64(h), goString(fp)))
}

//export cloak_session_apply_http3
func cloak_session_apply_http3(h C.uint64_t, fp *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.ApplyHTTP3(uint64(h), goString(fp)))
}

//export cloak_session_set_proxy
func cloak_session_set_proxy(h C.uint64_t, proxyURL *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.SetProxy(uint64(h), goString(proxyURL)))
}

//export cloak_session_clear_proxy
func cloak_session_clear_proxy(h C.uint64_t) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.ClearProxy(uint64(h)))
}

//export cloak_session_add_pins
func cloak_session_add_pins(h C.uint64_t, url, pinsJSON *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.AddPins(uint64(h), goString(url), goBytes(pinsJSON)))
}

//export cloak_session_clear_pins
func cloak_session_clear_pins(h C.uint64_t, url *C.char) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.ClearPins(uint64(h), goString(url)))
}

// cloak_session_connect opens and pools a connection to the origin of url
// so the first request to it skips the handshake. force_http1 non-zero
// offers only http/1.1 in ALPN.
//
//export cloak_session_connect
func cloak_session_connect(h C.uint64_t, url *C.char, forceHTTP1 C.int) (out *C.char) {
	defer recoverError(&out)
	return errorString(state.Connect(uint64(h), goString(url), forceHTTP1 != 0))
}

// cloak_metrics returns the metrics in the Prometheus text format, or NULL
// before cloak_init.
//
//export cloak_metrics
func cloak_metrics() (out *C.char) {
	defer recoverNull(&out)
	text, err := state.Metrics()
	if err != nil {
		return nil
	}
	return ownedString(text)
}

//export cloak_free_string
func cloak_free_string(s *C.char) {
	if s == nil || !state.Ledger.Release(uintptr(unsafe.Pointer(s)), adapter.OwnedString) {
		return
	}
	C.free(unsafe.Pointer(s))
}

//export cloak_free_response
func cloak_free_response(r *C.cloak_response) {
	if r == nil || !state.Ledger.Release(uintptr(unsafe.Pointer(r)), adapter.OwnedResponse) {
		return
	}
	for _, p := range []*C.char{r.body, r.headers, r.url, r.error, r.error_kind, r.protocol} {
		if p != nil {
			C.free(unsafe.Pointer(p))
		}
	}
	C.free(unsafe.Pointer(r))
}
