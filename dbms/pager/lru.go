package pager

// ─── Page cache ───────────────────────────────────────────────────────────────

// pageCache keeps the most recently used pages of one file. It owns its
// copies: put stores a copy and get hands one out, so no caller can alter a
// cached page in place. The caller serializes access.
type pageCache struct {
	limit int
	slots map[uint64]*cacheSlot
	ring  cacheSlot // sentinel; ring.next is the most recent slot
}

type cacheSlot struct {
	id         uint64
	page       Page
	prev, next *cacheSlot
}

func newPageCache(limit int) *pageCache {
	limit = max(limit, 1)
	c := &pageCache{
		limit: limit,
		slots: make(map[uint64]*cacheSlot, limit),
	}
	c.ring.prev, c.ring.next = &c.ring, &c.ring
	return c
}

// get returns a copy of page id, or nil when it is not cached.
func (c *pageCache) get(id uint64) *Page {
	s, ok := c.slots[id]
	if !ok {
		return nil
	}
	c.touch(s)
	cp := s.page
	return &cp
}

// put caches a copy of pg as page id, evicting the least recently used page
// when the cache is full.
func (c *pageCache) put(id uint64, pg *Page) {
	if s, ok := c.slots[id]; ok {
		s.page = *pg
		c.touch(s)
		return
	}
	var s *cacheSlot
	if len(c.slots) >= c.limit {
		s = c.ring.prev
		c.unlink(s)
		delete(c.slots, s.id)
	} else {
		s = new(cacheSlot)
	}
	s.id, s.page = id, *pg
	c.slots[id] = s
	c.linkFront(s)
}

func (c *pageCache) len() int { return len(c.slots) }

func (c *pageCache) touch(s *cacheSlot) {
	if c.ring.next == s {
		return
	}
	c.unlink(s)
	c.linkFront(s)
}

func (c *pageCache) unlink(s *cacheSlot) {
	s.prev.next, s.next.prev = s.next, s.prev
}

func (c *pageCache) linkFront(s *cacheSlot) {
	s.prev, s.next = &c.ring, c.ring.next
	c.ring.next.prev = s
	c.ring.next = s
}
