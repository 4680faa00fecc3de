package adapter

import "sync"

// Owned classifies a pointer handed to the caller.
type Owned uint8

const (
	OwnedString Owned = iota + 1
	OwnedResponse
)

func (o Owned) String() string {
	switch o {
	case OwnedString:
		return "string"
	case OwnedResponse:
		return "response"
	}
	return "unknown"
}

// Ledger records every pointer the caller owns. A pointer is released at
// most once and only through the free function of its own kind; anything
// else is reported and ignored.
type Ledger struct {
	mu   sync.Mutex
	live map[uintptr]Owned
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{live: make(map[uintptr]Owned)}
}

// Track records p as owned by the caller.
func (l *Ledger) Track(p uintptr, kind Owned) {
	if p == 0 {
		return
	}
	l.mu.Lock()
	l.live[p] = kind
	l.mu.Unlock()
}

// Release forgets p and reports whether the caller may free it: p must be
// live and of the given kind.
func (l *Ledger) Release(p uintptr, kind Owned) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if got, ok := l.live[p]; !ok || got != kind {
		return false
	}
	delete(l.live, p)
	return true
}

// Live returns the number of outstanding pointers per kind.
func (l *Ledger) Live() map[Owned]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Owned]int)
	for _, k := range l.live {
		out[k]++
	}
	return out
}
