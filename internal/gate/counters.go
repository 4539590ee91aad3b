package gate

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// counterCache is a bounded LRU map of request counters. The bound protects
// memory against key churn (rotating IPs, many users); when full, the least
// recently touched counter is evicted. Losing an evicted count is acceptable
// because the counters are short-lived sliding windows anyway.
type counterCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently touched
}

type counterEntry struct {
	key   string
	count int64
}

func newCounterCache(capacity int) *counterCache {
	if capacity < 1 {
		capacity = 1
	}
	return &counterCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Increment bumps the counter for key and returns the new value.
func (c *counterCache) Increment(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*counterEntry)
		entry.count++
		return entry.count
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*counterEntry).key)
	}

	entry := &counterEntry{key: key, count: 1}
	c.entries[key] = c.order.PushFront(entry)
	return entry.count
}

// Reset zeroes the counter for key, starting a fresh window.
func (c *counterCache) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Clear wipes every counter. Called periodically so the counts behave as a
// coarse sliding window rather than an ever-growing total.
func (c *counterCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of live counters.
func (c *counterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// timeoutList tracks keys (IPs) that are blocked until a deadline. It is
// bounded the same way as the counters; expired entries are also removed
// lazily on reads.
type timeoutList struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently set
}

type timeoutEntry struct {
	key   string
	until time.Time
}

func newTimeoutList(capacity int) *timeoutList {
	if capacity < 1 {
		capacity = 1
	}
	return &timeoutList{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// SetUntil blocks key until the given deadline.
func (t *timeoutList) SetUntil(key string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		t.order.MoveToFront(elem)
		elem.Value.(*timeoutEntry).until = until
		return
	}

	if t.order.Len() >= t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.entries, oldest.Value.(*timeoutEntry).key)
	}

	t.entries[key] = t.order.PushFront(&timeoutEntry{key: key, until: until})
}

// TimedOut reports whether key is blocked at the given instant, returning
// the deadline when it is.
func (t *timeoutList) TimedOut(key string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[key]
	if !ok {
		return time.Time{}, false
	}
	entry := elem.Value.(*timeoutEntry)
	if !entry.until.After(now) {
		t.order.Remove(elem)
		delete(t.entries, key)
		return time.Time{}, false
	}
	return entry.until, true
}

// Clear removes every block.
func (t *timeoutList) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*list.Element)
	t.order.Init()
}

// Len returns the number of live blocks.
func (t *timeoutList) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// limiterCache holds one token bucket per client IP for the front rate
// limiter, bounded the same way as the counters.
type limiterCache struct {
	mu       sync.Mutex
	capacity int
	perSec   rate.Limit
	burst    int
	entries  map[string]*list.Element
	order    *list.List
}

type limiterEntry struct {
	key     string
	limiter *rate.Limiter
}

func newLimiterCache(capacity int, perSec float64, burst int) *limiterCache {
	if capacity < 1 {
		capacity = 1
	}
	return &limiterCache{
		capacity: capacity,
		perSec:   rate.Limit(perSec),
		burst:    burst,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the limiter for key, creating it on first sight.
func (c *limiterCache) Get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*limiterEntry).limiter
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*limiterEntry).key)
	}

	entry := &limiterEntry{key: key, limiter: rate.NewLimiter(c.perSec, c.burst)}
	c.entries[key] = c.order.PushFront(entry)
	return entry.limiter
}
