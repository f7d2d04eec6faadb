package flow

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/saml"
)

// ReplayCache is a time-evicted insert-if-absent set of recently seen
// request IDs. It is the only shared mutable state across flows.
type ReplayCache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewReplayCache(ttl time.Duration, clock clockwork.Clock) *ReplayCache {
	return &ReplayCache{ttl: ttl, clock: clock, seen: map[string]time.Time{}}
}

// Remember records id, failing with ErrReplayedMessage when it was already
// seen inside the window.
func (c *ReplayCache) Remember(id string) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}
	if _, dup := c.seen[id]; dup {
		return saml.ErrReplayedMessage
	}
	c.seen[id] = now.Add(c.ttl)
	return nil
}
