package cloakengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("X-Type", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	s, err := NewSession("firefox", WithTimeout(5*time.Second), WithUserAgent("cloak-test"))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	resp, err := s.Post(context.Background(), srv.URL, []byte(`{"a":1}`), "application/json")
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if string(resp.Body) != `{"a":1}` {
		t.Errorf("body = %q", resp.Body)
	}
	if got := resp.Headers["X-Type"]; len(got) != 1 || got[0] != "application/json" {
		t.Errorf("X-Type = %v", got)
	}

	cookies, err := s.Cookies(srv.URL + "/any")
	if err != nil {
		t.Fatalf("Cookies failed: %v", err)
	}
	if cookies["sid"] != "abc" {
		t.Errorf("cookies = %v", cookies)
	}
}

func TestNewSessionErrors(t *testing.T) {
	if _, err := NewSession("netscape"); err == nil {
		t.Error("expected error for an unknown preset")
	}
	if _, err := NewSession("", WithProxy("ftp://proxy")); err == nil {
		t.Error("expected error for an unsupported proxy")
	}
	if _, err := NewSession("", WithJA3("771,bad", "")); err == nil {
		t.Error("expected error for a malformed JA3")
	}
}

func TestSessionDoFailure(t *testing.T) {
	s, err := NewSession("")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s.Close()

	if _, err := s.Get(context.Background(), "http://127.0.0.1:1/"); err == nil {
		t.Error("request on a closed session should fail")
	}
	if len(Presets()) == 0 {
		t.Error("Presets() is empty")
	}
}
