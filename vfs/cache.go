package vfs

// defaultCacheCapacity is the node cache size a freshly constructed VFS
// starts with.
const defaultCacheCapacity = 128

// CacheStats is a snapshot of the node cache counters.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Entries  int
	Capacity int
}

type cacheEntry struct {
	path string
	node *Node
}

// cache is the LRU mapping normalized path -> node borrow. Entry 0 is the
// most recently used; eviction takes the tail. The VFS owns exactly one.
type cache struct {
	entries  []cacheEntry
	capacity int
	hits     uint64
	misses   uint64
}

func (c *cache) enabled() bool { return c.capacity > 0 }

// lookup returns the cached node for path, promoting the entry to the
// front, or nil on a miss. Hit/miss counters are updated either way.
func (c *cache) lookup(path string) *Node {
	if !c.enabled() {
		return nil
	}
	for i, e := range c.entries {
		if e.path != path {
			continue
		}
		if i != 0 {
			copy(c.entries[1:i+1], c.entries[0:i])
			c.entries[0] = e
		}
		c.hits++
		return e.node
	}
	c.misses++
	return nil
}

// insert places (path, node) at the front, replacing any stale entry for
// the same path and evicting the tail when the cache is full.
func (c *cache) insert(path string, node *Node) {
	if !c.enabled() || node == nil {
		return
	}
	for i, e := range c.entries {
		if e.path == path {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	if len(c.entries) >= c.capacity {
		c.entries = c.entries[:c.capacity-1]
	}
	c.entries = append(c.entries, cacheEntry{})
	copy(c.entries[1:], c.entries[0:len(c.entries)-1])
	c.entries[0] = cacheEntry{path: path, node: node}
}

// removeExact drops the entry for path, if any.
func (c *cache) removeExact(path string) {
	for i, e := range c.entries {
		if e.path == path {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// removePrefix drops every entry at or below prefix. Mount and unmount use
// this so no stale borrow survives a namespace change.
func (c *cache) removePrefix(prefix string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !pathIsUnder(e.path, prefix) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

func (c *cache) clear() { c.entries = c.entries[:0] }

// setCapacity resizes the cache, trimming LRU entries as needed. Capacity
// zero disables caching entirely.
func (c *cache) setCapacity(capacity int) {
	c.capacity = capacity
	if capacity <= 0 {
		c.clear()
		return
	}
	if len(c.entries) > capacity {
		c.entries = c.entries[:capacity]
	}
}

func (c *cache) stats() CacheStats {
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries), Capacity: c.capacity}
}

func (c *cache) resetStats() {
	c.hits = 0
	c.misses = 0
}
