package media

import (
	"container/list"
	"sync"
)

// memLRU is the fastest cache layer: decoded payloads held in memory,
// bounded by item count and total bytes. It is lifecycle-scoped state
// owned by the Manager, cleared on logout, never ambient.
type memLRU struct {
	mu       sync.Mutex
	maxItems int
	maxBytes int64
	bytes    int64
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type memEntry struct {
	key  string
	data []byte
	mime string
}

func newMemLRU(maxItems int, maxBytes int64) *memLRU {
	return &memLRU{
		maxItems: maxItems,
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *memLRU) get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, "", false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*memEntry)
	return e.data, e.mime, true
}

func (c *memLRU) add(key string, data []byte, mime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*memEntry)
		c.bytes += int64(len(data)) - int64(len(e.data))
		e.data = data
		e.mime = mime
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&memEntry{key: key, data: data, mime: mime})
		c.entries[key] = el
		c.bytes += int64(len(data))
	}
	for (c.order.Len() > c.maxItems || c.bytes > c.maxBytes) && c.order.Len() > 1 {
		c.removeOldest()
	}
}

func (c *memLRU) removeOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*memEntry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.data))
}

func (c *memLRU) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*memEntry)
		c.order.Remove(el)
		delete(c.entries, key)
		c.bytes -= int64(len(e.data))
	}
}

func (c *memLRU) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *memLRU) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0
}

func (c *memLRU) stats() (items int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.bytes
}
