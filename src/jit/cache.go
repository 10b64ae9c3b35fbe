package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"liric/src/backend"
	"liric/src/internal/hash"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// cacheKey identifies one materialized function in the process-wide cache: its target, the
// backend lane that produced it, and its structural content hash. Keyed only by content and
// target, never by session identity, so a second session compiling the same function gets an
// instant hit (§4.7 "Cross-session reuse").
type cacheKey struct {
	arch    backend.Arch
	os      backend.OS
	kind    backend.Kind
	content hash.Sum
	epoch   uint64
}

// cacheEntry is one cached compilation result: the raw code bytes and the patch list needed to
// relocate them against a fresh symbol table, plus a reference count.
type cacheEntry struct {
	code    []byte
	patches []backend.Patch
	frame   int
	refs    int32
}

// Cache is the process-wide materialization cache. One instance, process, shared by every Session
// and JIT, guarded by a RWMutex: lookups are shared, inserts are exclusive (§5).
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	group   singleflight.Group
	epoch   uint64
}

// ---------------------
// ----- Globals -----
// ---------------------

// globalCache is the single process-wide cache instance backing every JIT created in this
// process.
var globalCache = &Cache{entries: make(map[cacheKey]*cacheEntry, 256)}

// ---------------------
// ----- Functions -----
// ---------------------

// Bump invalidates every existing cache entry by advancing the epoch, used when the backend
// version or the default target changes in a way that makes previously-cached code bytes unsafe
// to reuse.
func (c *Cache) Bump() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

func (c *Cache) key(t backend.Target, be backend.Kind, sum hash.Sum) cacheKey {
	c.mu.RLock()
	e := c.epoch
	c.mu.RUnlock()
	return cacheKey{arch: t.Arch, os: t.OS, kind: be, content: sum, epoch: e}
}

// lookup returns a cached entry for key, incrementing its reference count.
func (c *Cache) lookup(k cacheKey) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if ok {
		atomic.AddInt32(&e.refs, 1)
	}
	return e, ok
}

// insert stores a new entry for key with one initial reference.
func (c *Cache) insert(k cacheKey, code []byte, patches []backend.Patch, frame int) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		e.refs++
		return e
	}
	e := &cacheEntry{code: code, patches: patches, frame: frame, refs: 1}
	c.entries[k] = e
	return e
}

// release decrements an entry's reference count. A JIT teardown decrements but does not evict -
// entries outlive the session that produced them, since a future session may still hit the cache.
func (c *Cache) release(k cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok && e.refs > 0 {
		e.refs--
	}
}

// materialize returns the cached entry for k, calling compile for a fresh one on a miss, deduplicated per key
// by singleflight so concurrent compiles of the same function's content coalesce into one backend
// invocation. The returned bool reports whether k was already cached (a hit) so callers can track
// reuse (jit.Stats.Hits, spec.md §8.6's cache-consistency property).
func (c *Cache) materialize(k cacheKey, compile func() (*backend.CompiledFunction, error)) (*cacheEntry, bool, error) {
	if e, ok := c.lookup(k); ok {
		return e, true, nil
	}
	groupKey := fmt.Sprintf("%d:%d:%d:%x:%d", k.arch, k.os, k.kind, k.content, k.epoch)
	v, err, _ := c.group.Do(groupKey, func() (any, error) {
		if e, ok := c.lookup(k); ok {
			return e, nil
		}
		cf, err := compile()
		if err != nil {
			return nil, err
		}
		return c.insert(k, cf.Code, cf.Patches, cf.FrameSize), nil
	})
	if err != nil {
		return nil, false, err
	}
	// A concurrent compile may have inserted the entry while this goroutine waited on
	// singleflight; that still counts as a hit from this call's own perspective only if it didn't
	// run compile() itself. singleflight.Do doesn't report that distinction, so a second lookup
	// against the pre-call state (above) is the only case counted as a hit; this call's own
	// compile (shared or not) counts as a miss.
	return v.(*cacheEntry), false, nil
}
