package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func encode(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatalf("flate: %v", err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd: %v", err)
		}
		w = zw
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("%s write: %v", coding, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s close: %v", coding, err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	plain := []byte("hello\x00world, repeated hello\x00world")

	tests := []struct {
		name     string
		coding   string
		header   string
		encodeAs []string
	}{
		{"gzip", "gzip", "gzip", []string{"gzip"}},
		{"zlib deflate", "deflate", "deflate", []string{"deflate"}},
		{"raw deflate", "deflate", "Deflate", []string{"raw-deflate"}},
		{"brotli", "br", "br", []string{"br"}},
		{"zstd", "zstd", "zstd", []string{"zstd"}},
		{"stacked", "", "gzip, br", []string{"gzip", "br"}},
		{"identity", "", "identity", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := plain
			for _, c := range tt.encodeAs {
				body = encode(t, c, body)
			}
			got, err := Decode(body, tt.header)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("Decode = %q, want %q", got, plain)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("x"), "compress"); err == nil {
		t.Error("expected error for unsupported coding")
	}
	if _, err := Decode([]byte("not gzip"), "gzip"); err == nil {
		t.Error("expected error for corrupt gzip")
	}
}
