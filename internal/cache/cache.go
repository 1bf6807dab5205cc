// Package cache holds the client-side view of project collections. Entries
// are keyed per resource and project; reads refetch entries that were
// invalidated, writes are last-writer-wins.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Key string

func TasksKey(projectID string) Key   { return Key("tasks:" + projectID) }
func MembersKey(projectID string) Key { return Key("project-members:" + projectID) }
func ProjectKey(projectID string) Key { return Key("project:" + projectID) }
func ProjectsKey(userID string) Key   { return Key("projects:" + userID) }
func RoleKey(projectID, userID string) Key {
	return Key("project-role:" + projectID + ":" + userID)
}

type EventKind string

const (
	EventSet         EventKind = "set"
	EventInvalidated EventKind = "invalidated"
	EventMerged      EventKind = "merged"
)

type Event struct {
	Key  Key
	Kind EventKind
}

type entry struct {
	value   any
	valid   bool
	version uint64
	expires time.Time
}

func (e *entry) fresh(now time.Time) bool {
	return e.valid && (e.expires.IsZero() || now.Before(e.expires))
}

// Snapshot is an entry as it was before an optimistic write.
type Snapshot struct {
	Key     Key
	present bool
	value   any
	valid   bool
	expires time.Time
}

type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	clock    uint64
	watchers map[uint64]func(Event)
	nextID   uint64
	group    singleflight.Group
	now      func() time.Time
}

func New() *Cache {
	return &Cache{
		entries:  make(map[Key]*entry),
		watchers: make(map[uint64]func(Event)),
		now:      time.Now,
	}
}

// Read returns the cached value and whether it is still valid. A stale or
// expired value is returned with ok false so callers can render it while a
// refetch runs.
func (c *Cache) Read(key Key) (value any, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found {
		return nil, false
	}
	return e.value, e.fresh(c.now())
}

// Version reports the write counter of an entry, zero when absent.
func (c *Cache) Version(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.entries[key]; found {
		return e.version
	}
	return 0
}

// Set stores a valid value and returns the entry's new version.
func (c *Cache) Set(key Key, value any) uint64 {
	c.mu.Lock()
	version := c.setLocked(key, value, true)
	c.mu.Unlock()
	c.notify(Event{Key: key, Kind: EventSet})
	return version
}

func (c *Cache) setLocked(key Key, value any, valid bool) uint64 {
	c.clock++
	c.entries[key] = &entry{value: value, valid: valid, version: c.clock}
	return c.clock
}

// Invalidate marks an entry stale so the next Get refetches it. Absent keys
// are ignored.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, found := c.entries[key]
	if found {
		c.clock++
		e.valid = false
		e.version = c.clock
	}
	c.mu.Unlock()
	if found {
		c.notify(Event{Key: key, Kind: EventInvalidated})
	}
}

// Merge patches a present entry in place and keeps its validity. It
// reports false when there was nothing to patch.
func (c *Cache) Merge(key Key, patch func(current any) any) bool {
	c.mu.Lock()
	e, found := c.entries[key]
	if found {
		c.clock++
		e.value = patch(e.value)
		e.version = c.clock
	}
	c.mu.Unlock()
	if found {
		c.notify(Event{Key: key, Kind: EventMerged})
	}
	return found
}

// Patch is Merge for optimistic writes: it also returns the entry as it was
// and the version of the patched entry, both needed by Rollback. patch must
// return a new value rather than modify current.
func (c *Cache) Patch(key Key, patch func(current any) any) (snap Snapshot, version uint64, ok bool) {
	c.mu.Lock()
	e, found := c.entries[key]
	if !found {
		c.mu.Unlock()
		return Snapshot{Key: key}, 0, false
	}
	snap = Snapshot{Key: key, present: true, value: e.value, valid: e.valid, expires: e.expires}
	c.clock++
	e.value = patch(e.value)
	e.version = c.clock
	version = c.clock
	c.mu.Unlock()
	c.notify(Event{Key: key, Kind: EventMerged})
	return snap, version, true
}

func (c *Cache) Snapshot(key Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found {
		return Snapshot{Key: key}
	}
	return Snapshot{Key: key, present: true, value: e.value, valid: e.valid, expires: e.expires}
}

// Rollback restores snap if the entry still holds the optimistic write
// identified by version. If anything else wrote the entry since, the
// snapshot is outdated too and the entry is invalidated instead.
func (c *Cache) Rollback(snap Snapshot, version uint64) {
	c.mu.Lock()
	e, found := c.entries[snap.Key]
	if !found || e.version != version {
		c.mu.Unlock()
		c.Invalidate(snap.Key)
		return
	}
	if snap.present {
		c.setLocked(snap.Key, snap.value, snap.valid)
		c.entries[snap.Key].expires = snap.expires
	} else {
		delete(c.entries, snap.Key)
	}
	c.mu.Unlock()
	c.notify(Event{Key: snap.Key, Kind: EventSet})
}

// Watch registers fn for every change. fn runs on the writer's goroutine
// and must not block.
func (c *Cache) Watch(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Get returns the cached value for key, loading it when absent or stale.
// Concurrent loads of the same key share one fetch. A load that races with
// another write to the entry is not stored.
func Get[T any](ctx context.Context, c *Cache, key Key, load func(context.Context) (T, error)) (T, error) {
	return GetWithTTL(ctx, c, key, 0, load)
}

// GetWithTTL is Get for entries that no event reliably invalidates. A
// loaded value goes stale after ttl; zero means never.
func GetWithTTL[T any](ctx context.Context, c *Cache, key Key, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Read(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	res, err, _ := c.group.Do(string(key), func() (any, error) {
		before := c.Version(key)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		e, found := c.entries[key]
		if found && e.version != before {
			// written while loading: a valid value is newer than what
			// was fetched, a stale one still needs a refetch later
			current, valid := e.value, e.valid
			c.mu.Unlock()
			if valid {
				return current, nil
			}
			return v, nil
		}
		c.setLocked(key, v, true)
		if ttl > 0 {
			c.entries[key].expires = c.now().Add(ttl)
		}
		c.mu.Unlock()
		c.notify(Event{Key: key, Kind: EventSet})
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache %s: unexpected type %T", key, res)
	}
	return typed, nil
}

// Peek returns the current value regardless of validity.
func Peek[T any](c *Cache, key Key) (T, bool) {
	v, _ := c.Read(key)
	typed, ok := v.(T)
	return typed, ok
}
