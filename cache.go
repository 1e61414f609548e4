package knk

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Cache holds the authoritative in-process copy of each loaded record.
//
// A Cache is owned by the main thread. It performs no locking and must not be
// touched from worker goroutines; completions reach it through the Bridge.
type Cache struct {
	namespace string
	entries   map[EntityKey]*Record
	dirty     int
	now       func() time.Time
}

// NewCache creates an empty cache for one namespace.
func NewCache(namespace string) *Cache {
	return &Cache{
		namespace: namespace,
		entries:   make(map[EntityKey]*Record),
		now:       time.Now,
	}
}

// Get returns a copy of the cached record.
func (c *Cache) Get(key EntityKey) (Record, bool) {
	rec, ok := c.entries[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Commit stores a backend-confirmed record.
//
// A record older than the cached one is ignored. A record with the same
// version never replaces an entry holding unconfirmed edits. Commit reports
// whether the record was stored; committing the same record twice leaves the
// cache unchanged.
func (c *Cache) Commit(key EntityKey, rec Record) bool {
	if cur, ok := c.entries[key]; ok {
		if rec.Version < cur.Version {
			return false
		}
		if rec.Version == cur.Version && cur.Dirty {
			return false
		}
	}
	c.put(key, rec)
	return true
}

// Stage applies an optimistic local edit and marks the record dirty.
func (c *Cache) Stage(key EntityKey, payload Document) error {
	rec, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("knk: stage %s: %w", key, ErrNotReady)
	}
	if !rec.Dirty {
		c.dirty++
	}
	rec.Payload = payload
	rec.Dirty = true
	c.observe()
	return nil
}

// Release evicts a clean record. It refuses with ErrDirty while unconfirmed edits remain.
func (c *Cache) Release(key EntityKey) error {
	rec, ok := c.entries[key]
	if !ok {
		return nil
	}
	if rec.Dirty {
		return fmt.Errorf("knk: release %s: %w", key, ErrDirty)
	}
	delete(c.entries, key)
	c.observe()
	return nil
}

// Drop removes a record regardless of its state.
func (c *Cache) Drop(key EntityKey) {
	rec, ok := c.entries[key]
	if !ok {
		return
	}
	if rec.Dirty {
		c.dirty--
	}
	delete(c.entries, key)
	c.observe()
}

// Keys returns the cached keys in a stable order.
func (c *Cache) Keys() []EntityKey {
	keys := make([]EntityKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// DirtyKeys returns the keys holding unconfirmed edits.
func (c *Cache) DirtyKeys() []EntityKey {
	keys := make([]EntityKey, 0, c.dirty)
	for k, rec := range c.entries {
		if rec.Dirty {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	return len(c.entries)
}

// put stores rec unconditionally. Used for write confirmations, where the
// coordinator knows the record supersedes the cached one.
func (c *Cache) put(key EntityKey, rec Record) {
	rec.Key = key
	if rec.LastSyncedAt.IsZero() {
		rec.LastSyncedAt = c.now()
	}
	if cur, ok := c.entries[key]; ok && cur.Dirty {
		c.dirty--
	}
	if rec.Dirty {
		c.dirty++
	}
	c.entries[key] = &rec
	c.observe()
}

func (c *Cache) observe() {
	CachedRecords.WithLabelValues(c.namespace, "true").Set(float64(c.dirty))
	CachedRecords.WithLabelValues(c.namespace, "false").Set(float64(len(c.entries) - c.dirty))
}

func sortKeys(keys []EntityKey) {
	slices.SortFunc(keys, compareKeys)
}

func compareKeys(a, b EntityKey) int {
	if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
