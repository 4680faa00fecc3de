package transport

import (
	"sync"
	"time"

	tls "github.com/sardanioss/utls"
)

// sessionTicketMaxAge bounds how long a ticket is offered for resumption.
const sessionTicketMaxAge = 24 * time.Hour

// sessionCache is a tls.ClientSessionCache shared by the TCP and QUIC
// dialers of one transport generation. Tickets never outlive the generation,
// so a new profile or pin set always starts with full handshakes.
type sessionCache struct {
	mu       sync.Mutex
	sessions map[string]*cachedSession
	max      int
	now      func() time.Time
}

type cachedSession struct {
	state     *tls.ClientSessionState
	createdAt time.Time
}

func newSessionCache(max int) *sessionCache {
	return &sessionCache{
		sessions: make(map[string]*cachedSession),
		max:      max,
		now:      time.Now,
	}
}

// Get implements tls.ClientSessionCache
func (c *sessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.sessions[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(cached.createdAt) > sessionTicketMaxAge {
		delete(c.sessions, key)
		return nil, false
	}
	return cached.state, true
}

// Put implements tls.ClientSessionCache. A nil state removes the entry.
func (c *sessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs == nil {
		delete(c.sessions, key)
		return
	}
	if _, ok := c.sessions[key]; !ok && len(c.sessions) >= c.max {
		c.evictOldestLocked()
	}
	c.sessions[key] = &cachedSession{state: cs, createdAt: c.now()}
}

func (c *sessionCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, s := range c.sessions {
		if oldestKey == "" || s.createdAt.Before(oldest) {
			oldestKey, oldest = k, s.createdAt
		}
	}
	delete(c.sessions, oldestKey)
}

// Len returns the number of cached tickets.
func (c *sessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
