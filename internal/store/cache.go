package store

import (
	"container/list"
	"sync"

	"github.com/haasonsaas/chatos/pkg/models"
)

// recentCacheMaxSessions bounds the per-process recent-history cache.
const recentCacheMaxSessions = 100

// recentCache memoizes the most recent GetRecent result per session. Entries
// are invalidated on any write to the session and evicted LRU beyond the
// session cap.
type recentCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // session id -> element
}

type recentEntry struct {
	sessionID string
	limit     int
	msgs      []*models.Message
}

func newRecentCache(max int) *recentCache {
	return &recentCache{
		max:     max,
		order:   list.New(),
		entries: map[string]*list.Element{},
	}
}

func (c *recentCache) get(sessionID string, limit int) ([]*models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*recentEntry)
	if entry.limit != limit {
		return nil, false
	}
	c.order.MoveToFront(el)
	return cloneMessages(entry.msgs), true
}

func (c *recentCache) put(sessionID string, limit int, msgs []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		el.Value = &recentEntry{sessionID: sessionID, limit: limit, msgs: cloneMessages(msgs)}
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&recentEntry{sessionID: sessionID, limit: limit, msgs: cloneMessages(msgs)})
	c.entries[sessionID] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*recentEntry).sessionID)
	}
}

func (c *recentCache) invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		c.order.Remove(el)
		delete(c.entries, sessionID)
	}
}
