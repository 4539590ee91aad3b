package gate

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
)

// identityCache is a bounded TTL cache of fetched users. Read-only requests
// may run on a cached identity; state-changing requests always refetch.
// Entries are also refreshed in place when the pipeline mutates a user, so
// penalties and lockouts take effect before the TTL expires.
type identityCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[uuid.UUID]*list.Element
	order    *list.List // front = most recently stored
	now      func() time.Time
}

type identityEntry struct {
	id       uuid.UUID
	user     *userDomain.User
	storedAt time.Time
}

func newIdentityCache(capacity int, ttl time.Duration) *identityCache {
	if capacity < 1 {
		capacity = 1
	}
	return &identityCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[uuid.UUID]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached user when present and not expired.
func (c *identityCache) Get(id uuid.UUID) (*userDomain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*identityEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, id)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.user, true
}

// Put stores or refreshes a user, restarting its TTL.
func (c *identityCache) Put(user *userDomain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[user.ID]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*identityEntry)
		entry.user = user
		entry.storedAt = c.now()
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*identityEntry).id)
	}

	entry := &identityEntry{id: user.ID, user: user, storedAt: c.now()}
	c.entries[user.ID] = c.order.PushFront(entry)
}

// Remove drops a cached identity, forcing the next request to refetch.
func (c *identityCache) Remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.order.Remove(elem)
		delete(c.entries, id)
	}
}

// Clear wipes the cache.
func (c *identityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uuid.UUID]*list.Element)
	c.order.Init()
}
