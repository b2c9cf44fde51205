package feishu

const (
	dedupMaxEntries = 1000
	dedupTrimTarget = 500
)

// dedupCache is an insertion-ordered set of recently seen message ids.
// It is only ever touched from the event loop goroutine, so it needs no lock.
//
// Dedup is approximate: the batch trim can evict an id that later
// legitimately redelivers, in which case the event is reprocessed.
type dedupCache struct {
	order []string
	seen  map[string]struct{}
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		seen: make(map[string]struct{}, dedupMaxEntries),
	}
}

// admit records id and returns true if it has not been seen recently;
// it returns false for a duplicate. When the cache grows past
// dedupMaxEntries the oldest ids are evicted in one batch down to
// dedupTrimTarget, keeping the most recently inserted entries.
func (c *dedupCache) admit(id string) bool {
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > dedupMaxEntries {
		evict := c.order[:len(c.order)-dedupTrimTarget]
		for _, old := range evict {
			delete(c.seen, old)
		}
		kept := make([]string, dedupTrimTarget)
		copy(kept, c.order[len(c.order)-dedupTrimTarget:])
		c.order = kept
	}
	return true
}

// size returns the number of cached ids.
func (c *dedupCache) size() int {
	return len(c.order)
}

// contains reports membership without recording.
func (c *dedupCache) contains(id string) bool {
	_, ok := c.seen[id]
	return ok
}
