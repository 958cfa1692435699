package cache

import (
	"sync"

	"github.com/stepbus/stepbus/pkg/core"
)

// NoticeCache maps order keys to the notice stored with them, so grouping
// can resolve byte order and label without a storage round trip.
type NoticeCache struct {
	mu      sync.RWMutex
	notices map[uint64]core.StepNotice
}

// NewNoticeCache creates a new NoticeCache
func NewNoticeCache() *NoticeCache {
	return &NoticeCache{
		notices: make(map[uint64]core.StepNotice),
	}
}

// Get retrieves the notice for an order key
func (c *NoticeCache) Get(key uint64) (core.StepNotice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notices[key]
	return n, ok
}

// Set stores the notice under its own order key
func (c *NoticeCache) Set(n core.StepNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices[n.OrderKey] = n
}

// Len returns the number of cached notices
func (c *NoticeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notices)
}
