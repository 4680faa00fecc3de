package session

import "sync"

// lease counts the requests running on a resource. Once retired, no new
// request can acquire it and teardown runs when the last one releases.
type lease struct {
	mu       sync.Mutex
	refs     int
	retired  bool
	done     bool
	teardown func()
}

func newLease(teardown func()) *lease {
	return &lease{teardown: teardown}
}

// acquire reports false once the lease is retired.
func (l *lease) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.refs++
	return true
}

func (l *lease) release() {
	l.mu.Lock()
	l.refs--
	run := l.finishLocked()
	l.mu.Unlock()
	if run {
		l.teardown()
	}
}

// retire blocks new acquisitions. Teardown runs now if nothing is in
// flight, otherwise on the last release.
func (l *lease) retire() {
	l.mu.Lock()
	l.retired = true
	run := l.finishLocked()
	l.mu.Unlock()
	if run {
		l.teardown()
	}
}

func (l *lease) finishLocked() bool {
	if !l.retired || l.refs > 0 || l.done {
		return false
	}
	l.done = true
	return true
}

// inFlight returns the number of outstanding acquisitions.
func (l *lease) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}
