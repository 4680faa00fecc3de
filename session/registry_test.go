package session

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sardanioss/cloakengine/metrics"
	"github.com/sardanioss/cloakengine/protocol"
)

func TestRegistryConcurrentCreate(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	const n = 50
	handles := make([]uint64, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Create(DefaultConfig())
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i, h := range handles {
		if errs[i] != nil {
			t.Fatalf("Create %d failed: %v", i, errs[i])
		}
		if h == 0 {
			t.Fatal("Create returned handle 0")
		}
		if seen[h] {
			t.Fatalf("handle %d issued twice", h)
		}
		seen[h] = true
	}
	if r.Len() != n || len(r.Handles()) != n {
		t.Errorf("Len() = %d, want %d", r.Len(), n)
	}
}

func TestRegistryCloseInvalidatesHandle(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(DefaultConfig())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !r.Close(h) {
		t.Fatal("Close of a live handle reported false")
	}
	if r.Close(h) {
		t.Error("second Close should be a no-op")
	}

	_, err = r.Get(h)
	if !errors.Is(err, protocol.ErrInvalidHandle) {
		t.Errorf("Get after Close: %v", err)
	}
	if _, _, err := r.Acquire(h); !errors.Is(err, protocol.ErrInvalidHandle) {
		t.Errorf("Acquire after Close: %v", err)
	}
	if _, err := r.Get(0); !errors.Is(err, protocol.ErrInvalidHandle) {
		t.Errorf("Get(0): %v", err)
	}

	// Handles are not reused.
	h2, err := r.Create(DefaultConfig())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if h2 == h {
		t.Errorf("handle %d reused", h)
	}
	r.CloseAll()
}

func TestRegistryDrainThenRelease(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(DefaultConfig())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, release, err := r.Acquire(h)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	tr, done, err := s.Transport("")
	if err != nil {
		t.Fatalf("Transport failed: %v", err)
	}

	r.Close(h)
	if _, err := r.Get(h); err == nil {
		t.Fatal("handle still resolvable after Close")
	}
	if s.Closed() || tr.Closed() {
		t.Fatal("session torn down with a request in flight")
	}

	done()
	release()
	if !s.Closed() {
		t.Error("session not torn down after the last release")
	}
	if !tr.Closed() {
		t.Error("transport not closed after the last release")
	}
	if _, _, err := s.Transport(""); !errors.Is(err, protocol.ErrInvalidHandle) {
		t.Errorf("Transport after teardown: %v", err)
	}
}

func TestRegistryCreateError(t *testing.T) {
	r := NewRegistry()
	cfg := DefaultConfig()
	cfg.Browser = "netscape"
	h, err := r.Create(cfg)
	if err == nil || h != 0 {
		t.Fatalf("Create = %d, %v; want 0 and an error", h, err)
	}
	if r.Len() != 0 {
		t.Errorf("failed Create left %d sessions", r.Len())
	}
}

func TestRegistryMetrics(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(WithMetrics(m))

	h1, _ := r.Create(DefaultConfig())
	_, _ = r.Create(DefaultConfig())
	r.Close(h1)
	r.Close(h1)

	text, err := m.Text()
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	if !containsLine(text, "cloak_sessions_active 1") {
		t.Errorf("expected one active session:\n%s", text)
	}
	r.CloseAll()
	text, _ = m.Text()
	if !containsLine(text, "cloak_sessions_active 0") {
		t.Errorf("expected zero active sessions:\n%s", text)
	}
}

func containsLine(text, line string) bool {
	for _, l := range strings.Split(text, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
