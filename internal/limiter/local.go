package limiter

import (
	"sync"
	"time"
)

// localCounters is the in-process fallback used when the shared store is
// unreachable, and the default when no shared store is configured. Windows
// are swept lazily on access.
type localCounters struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	requests int64
	tokens   int64
	expires  time.Time
}

func newLocalCounters() *localCounters {
	return &localCounters{windows: make(map[string]*window)}
}

// Add increments the target's current window and returns post-increment
// totals. Expired windows restart lazily.
func (c *localCounters) Add(target string, span time.Duration, requests, tokens int64, now time.Time) (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[target]
	if !ok || now.After(w.expires) {
		w = &window{expires: now.Add(span)}
		c.windows[target] = w
		c.sweepLocked(now)
	}
	w.requests += requests
	w.tokens += tokens
	if w.requests < 0 {
		w.requests = 0
	}
	if w.tokens < 0 {
		w.tokens = 0
	}
	return w.requests, w.tokens
}

func (c *localCounters) sweepLocked(now time.Time) {
	for target, w := range c.windows {
		if now.After(w.expires) {
			delete(c.windows, target)
		}
	}
}
