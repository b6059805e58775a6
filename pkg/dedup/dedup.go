// Package dedup implements the input dedup window the Session Actor uses to
// make handleInput idempotent under client retries (spec.md §6 Input,
// property 4, scenario S5, §9 Open Questions — window duration).
package dedup

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Cache remembers the accepted seq for a (sessionId, clientInputId) pair
// for a bounded window, backed by an in-process TTL cache rather than a
// distributed store — a session's input dedup only needs to survive one
// gateway's in-memory lifetime of that session, matching the actor's own
// residency.
type Cache struct {
	c *cache.Cache
}

// New builds a Cache with the given window and a cleanup sweep at the same
// cadence the go-cache library recommends (twice the expiration).
func New(window time.Duration) *Cache {
	return &Cache{c: cache.New(window, 2*window)}
}

// SeqFor returns the seq previously recorded for this (sessionID,
// clientInputID) pair, if still within the window.
func (c *Cache) SeqFor(sessionID, clientInputID string) (uint64, bool) {
	v, ok := c.c.Get(key(sessionID, clientInputID))
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// Remember records the seq assigned to a (sessionID, clientInputID) pair.
func (c *Cache) Remember(sessionID, clientInputID string, seq uint64) {
	c.c.SetDefault(key(sessionID, clientInputID), seq)
}

func key(sessionID, clientInputID string) string {
	return fmt.Sprintf("%s:%s", sessionID, clientInputID)
}
