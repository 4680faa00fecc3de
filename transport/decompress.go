package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is the value advertised when the caller sets none.
const AcceptEncoding = "gzip, deflate, br, zstd"

// Decoder wraps body so reads return decoded bytes. Encodings are applied in
// reverse order of the comma separated Content-Encoding list. Unknown codings
// are an error; "identity" and "" pass through.
func Decoder(body io.Reader, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	r := io.NopCloser(body)
	closers := []io.Closer{}
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if coding == "" || coding == "identity" {
			continue
		}
		next, err := decoderFor(r, coding)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		closers = append(closers, next)
		r = next
	}
	return &multiCloser{ReadCloser: r, closers: closers}, nil
}

func decoderFor(r io.ReadCloser, coding string) (io.ReadCloser, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	case "deflate":
		return newDeflateReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw deflate
// streams; servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && isZlibHeader(hdr[0], hdr[1]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// Decode decodes a fully read body.
func Decode(body []byte, contentEncoding string) ([]byte, error) {
	if len(body) == 0 || strings.TrimSpace(contentEncoding) == "" {
		return body, nil
	}
	r, err := Decoder(bytes.NewReader(body), contentEncoding)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type multiCloser struct {
	io.ReadCloser
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
