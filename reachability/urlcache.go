package reachability

import (
	"net/url"
	"sync"
)

// urlCache holds the best base URL per certificate common name. It is the
// only state read outside the service loop.
type urlCache struct {
	mu   sync.RWMutex
	urls map[string]url.URL
}

func newURLCache() *urlCache {
	return &urlCache{urls: make(map[string]url.URL)}
}

func (c *urlCache) get(cn string) (*url.URL, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.urls[cn]
	if !ok {
		return nil, false
	}
	return &u, true
}

// set stores u and reports whether the entry changed.
func (c *urlCache) set(cn string, u *url.URL) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.urls[cn]
	if ok && prev.String() == u.String() {
		return false
	}
	c.urls[cn] = *u
	return true
}

func (c *urlCache) has(cn string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.urls[cn]
	return ok
}

func (c *urlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = make(map[string]url.URL)
}
