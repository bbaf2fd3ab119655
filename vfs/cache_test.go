package vfs

import "testing"

func TestCacheLRUOrder(t *testing.T) {
	c := cache{capacity: 2}
	a, b, d := &Node{Name: "a"}, &Node{Name: "b"}, &Node{Name: "c"}

	c.insert("/a", a)
	c.insert("/b", b)
	c.insert("/c", d)

	if len(c.entries) != 2 {
		t.Fatalf("expected 2 entries; got %d", len(c.entries))
	}
	if c.entries[0].path != "/c" || c.entries[1].path != "/b" {
		t.Fatalf("expected LRU order {/c, /b}; got {%s, %s}", c.entries[0].path, c.entries[1].path)
	}
	if c.lookup("/a") != nil {
		t.Fatal("/a should have been evicted")
	}
}

func TestCacheLookupPromotes(t *testing.T) {
	c := cache{capacity: 3}
	c.insert("/a", &Node{Name: "a"})
	c.insert("/b", &Node{Name: "b"})
	c.insert("/c", &Node{Name: "c"})

	if n := c.lookup("/a"); n == nil || n.Name != "a" {
		t.Fatal("expected to find /a")
	}
	if c.entries[0].path != "/a" {
		t.Fatalf("expected /a at the front after lookup; got %s", c.entries[0].path)
	}

	stats := c.stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Fatalf("expected hits=1 misses=0; got hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestCacheRemovePrefix(t *testing.T) {
	c := cache{capacity: 8}
	for _, p := range []string{"/", "/mnt", "/mnt/sd0", "/mnt/sd0/dir", "/mnt/sd1", "/other"} {
		c.insert(p, &Node{Name: p})
	}

	c.removePrefix("/mnt/sd0")
	for _, p := range []string{"/mnt/sd0", "/mnt/sd0/dir"} {
		if c.lookup(p) != nil {
			t.Errorf("expected %s to be evicted", p)
		}
	}
	for _, p := range []string{"/", "/mnt", "/mnt/sd1", "/other"} {
		if c.lookup(p) == nil {
			t.Errorf("expected %s to survive", p)
		}
	}
}

func TestCacheSetCapacity(t *testing.T) {
	c := cache{capacity: 4}
	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		c.insert(p, &Node{Name: p})
	}

	c.setCapacity(2)
	if len(c.entries) != 2 {
		t.Fatalf("expected trim to 2 entries; got %d", len(c.entries))
	}

	c.setCapacity(0)
	if len(c.entries) != 0 {
		t.Fatal("capacity 0 should clear the cache")
	}
	c.insert("/a", &Node{Name: "a"})
	if len(c.entries) != 0 {
		t.Fatal("a disabled cache should not accept entries")
	}
}
