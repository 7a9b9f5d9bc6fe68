package viewsync

import (
	"sort"
	"sync"

	"newsview/pkg/newsview"
)

// ViewCache is the filtered snapshot of one bound view keyed by entity id.
//
// Every method takes the single instance lock; reads return deep copies so
// callers on other goroutines never observe a half-applied mutation.
// Invisible snapshots are never stored.
type ViewCache struct {
	mu        sync.Mutex
	entries   map[int64]newsview.EntitySnapshot
	truncated bool
}

// NewViewCache creates an empty cache.
func NewViewCache() *ViewCache {
	return &ViewCache{entries: make(map[int64]newsview.EntitySnapshot)}
}

// Put stores or replaces one snapshot; invisible snapshots are ignored.
func (c *ViewCache) Put(snapshot newsview.EntitySnapshot) {
	if !snapshot.Visible() {
		return
	}

	c.mu.Lock()
	c.entries[snapshot.ID] = snapshot.Clone()
	c.mu.Unlock()
}

// Remove deletes one entry if present.
func (c *ViewCache) Remove(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Get returns a copy of one entry.
func (c *ViewCache) Get(id int64) (newsview.EntitySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, exists := c.entries[id]
	if !exists {
		return newsview.EntitySnapshot{}, false
	}

	return snapshot.Clone(), true
}

// GetAll returns a deep copy of every entry.
func (c *ViewCache) GetAll() map[int64]newsview.EntitySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneEntries(c.entries)
}

// Contains reports whether id is cached.
func (c *ViewCache) Contains(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.entries[id]
	return exists
}

// IsEmpty reports whether the cache holds no entry.
func (c *ViewCache) IsEmpty() bool {
	return c.Len() == 0
}

// Len returns the number of entries.
func (c *ViewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// IDs returns the cached ids in ascending order.
func (c *ViewCache) IDs() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// ReplaceAll swaps the whole content in one step and clears the truncation mark.
// The replacement map is built before the lock is taken.
func (c *ViewCache) ReplaceAll(snapshots []newsview.EntitySnapshot) {
	replacement := make(map[int64]newsview.EntitySnapshot, len(snapshots))
	for _, snapshot := range snapshots {
		if !snapshot.Visible() {
			continue
		}
		replacement[snapshot.ID] = snapshot.Clone()
	}

	c.mu.Lock()
	c.entries = replacement
	c.truncated = false
	c.mu.Unlock()
}

// Truncated reports whether the last full resolve dropped lower-ranked
// members to honor a folder bound.
func (c *ViewCache) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.truncated
}

func (c *ViewCache) markTruncated(truncated bool) {
	c.mu.Lock()
	c.truncated = truncated
	c.mu.Unlock()
}

func cloneEntries(entries map[int64]newsview.EntitySnapshot) map[int64]newsview.EntitySnapshot {
	cloned := make(map[int64]newsview.EntitySnapshot, len(entries))
	for id, snapshot := range entries {
		cloned[id] = snapshot.Clone()
	}

	return cloned
}
