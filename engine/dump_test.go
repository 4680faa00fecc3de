package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
)

func TestDumpIgnored(t *testing.T) {
	patterns := []string{"*.example.com", "ipinfo.io"}
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"API.Example.COM", true},
		{"notexample.com", false},
		{"ipinfo.io", true},
		{"www.ipinfo.io", false},
		{"other.org", false},
	}
	for _, tt := range tests {
		if got := dumpIgnored(tt.host, patterns); got != tt.want {
			t.Errorf("dumpIgnored(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestDumpName(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u, _ := url.Parse("https://api.example.com:8443/v1/users/../x?y=1")
	a, b := dumpName(now, u), dumpName(now, u)
	if a == b {
		t.Fatalf("dump names collide: %q", a)
	}
	if strings.ContainsAny(a, "/:?") || !strings.HasSuffix(a, ".txt") {
		t.Errorf("unsafe dump name %q", a)
	}
	if !strings.Contains(a, "api.example.com") {
		t.Errorf("dump name %q lacks host", a)
	}
}

func TestExecuteDumpsExchanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.Header().Set("X-Served", "yes")
		w.Write([]byte("final body"))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "dump")
	cfg := session.DefaultConfig()
	cfg.DumpDir = dir
	resp := Execute(context.Background(), newSession(t, cfg), &protocol.Request{
		Method:  "GET",
		URL:     srv.URL + "/start",
		Ordered: []protocol.HeaderField{{Name: "X-Trace", Value: "abc"}},
	})
	mustSucceed(t, resp)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dump dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d dump files, want 2", len(entries))
	}
	names := []string{entries[0].Name(), entries[1].Name()}
	sort.Strings(names)

	first, _ := os.ReadFile(filepath.Join(dir, names[0]))
	if !bytes.HasPrefix(first, []byte("GET "+srv.URL+"/start\n")) || !bytes.Contains(first, []byte("X-Trace: abc\n")) {
		t.Errorf("redirect hop dump:\n%s", first)
	}
	if !bytes.Contains(first, []byte("http/1.1 302\n")) {
		t.Errorf("redirect hop dump lacks status:\n%s", first)
	}
	last, _ := os.ReadFile(filepath.Join(dir, names[1]))
	if !bytes.Contains(last, []byte("X-Served: yes\n")) || !bytes.HasSuffix(last, []byte("final body")) {
		t.Errorf("final hop dump:\n%s", last)
	}
}

func TestExecuteDumpIgnore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := session.DefaultConfig()
	cfg.DumpDir = dir
	cfg.DumpIgnore = []string{"127.0.0.1"}
	mustSucceed(t, Execute(context.Background(), newSession(t, cfg), &protocol.Request{Method: "GET", URL: srv.URL}))

	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("ignored host was dumped: %d files", len(entries))
	}
}
