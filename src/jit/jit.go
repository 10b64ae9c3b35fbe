// Package jit manages executable memory, lazy compilation, and the cross-session materialization
// cache that back a Session running in direct mode (§4.7). A JIT is owned by exactly one
// goroutine at a time, matching the teacher's single-threaded compiler driver.
package jit

import (
	"fmt"
	"sync"

	"liric/src/backend"
	"liric/src/internal/hash"
	"liric/src/ir"
	"liric/src/lirerr"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// JIT owns code/data regions, a symbol table, and a reference to the process-wide materialization
// cache.
type JIT struct {
	mu      sync.Mutex
	target  backend.Target
	backend backend.Backend

	syms *symtab

	codeRegions []*region
	dataRegions []*region

	lazy       map[string]*ir.Function // registered but not yet materialized
	inProgress map[string]bool         // guards against re-entrant materialization of the same symbol

	cacheKeys map[string]cacheKey // symbol name -> cache key, for release on Close

	hits   int // materialize calls served from globalCache without invoking the backend
	misses int

	updating bool
	batch    []*ir.Function
}

// ---------------------
// ----- Functions -----
// ---------------------

// New creates a JIT targeting t and compiling through be.
func New(t backend.Target, be backend.Backend) *JIT {
	return &JIT{
		target:     t,
		backend:    be,
		syms:       newSymtab(),
		lazy:       make(map[string]*ir.Function),
		inProgress: make(map[string]bool),
		cacheKeys:  make(map[string]cacheKey),
	}
}

// AddSymbol registers an externally-provided symbol (a host function or piece of data) at addr,
// per the public add_symbol operation. Replacing an existing entry invalidates any address a
// caller may have cached.
func (j *JIT) AddSymbol(name string, addr uintptr) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.lazy, name)
	j.syms.Add(name, addr, FlagExternal|FlagResolved)
}

// AddFunction registers fn as a lazily-materialized symbol: it compiles on first Lookup, not now.
func (j *JIT) AddFunction(fn *ir.Function) error {
	if fn.IsDecl {
		return lirerr.New(lirerr.Argument, "jit: cannot add a function declaration %q, only definitions materialize", fn.Name)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lazy[fn.Name] = fn
	j.syms.Add(fn.Name, 0, FlagLazy)
	if j.updating {
		j.batch = append(j.batch, fn)
	}
	return nil
}

// BeginUpdate starts a batch: functions added via AddFunction while a batch is open are not
// eagerly resolved against each other until EndUpdate runs.
func (j *JIT) BeginUpdate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.updating = true
	j.batch = j.batch[:0]
}

// EndUpdate resolves every forward reference accumulated since BeginUpdate in one pass: every
// function added during the batch is materialized before any of them is considered callable,
// matching the spec's "resolves all intra-batch forward references in one pass" requirement.
func (j *JIT) EndUpdate() error {
	j.mu.Lock()
	batch := j.batch
	j.batch = nil
	j.updating = false
	j.mu.Unlock()

	for _, fn := range batch {
		if _, err := j.Lookup(fn.Name); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the address of name, materializing it first if it is a lazily-registered
// function. Unknown names return a NOT_FOUND error.
func (j *JIT) Lookup(name string) (uintptr, error) {
	j.mu.Lock()
	if s, ok := j.syms.Get(name); ok && s.Flags&FlagLazy == 0 {
		j.mu.Unlock()
		return s.Addr, nil
	}
	fn, ok := j.lazy[name]
	if !ok {
		j.mu.Unlock()
		if s, present := j.syms.Get(name); present {
			return s.Addr, nil
		}
		return 0, lirerr.New(lirerr.NotFound, "jit: no symbol named %q", name)
	}
	if j.inProgress[name] {
		// A Lookup of a function whose materialization is still running: its final address is
		// not yet known, so 0 is returned with a nil error and nothing patches it later.
		// (materialize records a function's own address before resolving its patches, so a
		// self-recursive call does not reach this branch.)
		j.mu.Unlock()
		return 0, nil
	}
	j.inProgress[name] = true
	j.mu.Unlock()

	addr, err := j.materialize(fn)

	j.mu.Lock()
	delete(j.inProgress, name)
	j.mu.Unlock()
	return addr, err
}

// materialize compiles fn (via the cross-session cache), copies its code into a fresh region,
// resolves its patch list against this JIT's symbol table (recursively materializing any
// lazily-registered callee), and flips the region executable.
func (j *JIT) materialize(fn *ir.Function) (uintptr, error) {
	sum := hash.Function(fn)
	key := globalCache.key(j.target, j.backend.Kind(), sum)

	entry, hit, err := globalCache.materialize(key, func() (*backend.CompiledFunction, error) {
		return j.backend.CompileFunction(fn, j.target)
	})
	if err != nil {
		return 0, fmt.Errorf("jit: materializing %s: %w", fn.Name, err)
	}

	j.mu.Lock()
	if hit {
		j.hits++
	} else {
		j.misses++
	}
	r, slot, err := j.reserveCode(len(entry.code))
	if err != nil {
		j.mu.Unlock()
		return 0, err
	}
	copy(slot, entry.code)
	addr := r.addrOf(slot)
	j.syms.Add(fn.Name, addr, FlagResolved)
	j.cacheKeys[fn.Name] = key
	j.mu.Unlock()

	for _, p := range entry.patches {
		target, err := j.Lookup(p.Symbol)
		if err != nil {
			return 0, fmt.Errorf("jit: resolving patch for %s: %w", p.Symbol, err)
		}
		if target == 0 && p.Symbol == fn.Name {
			target = addr // self-recursion: our own address, now known.
		}
		if err := applyRelocation(slot, addr, p, target); err != nil {
			return 0, err
		}
	}

	j.mu.Lock()
	err = r.flip()
	j.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// reserveCode carves n bytes out of an existing writable code region, opening a new one if none
// has room. Must be called with j.mu held.
func (j *JIT) reserveCode(n int) (*region, []byte, error) {
	for _, r := range j.codeRegions {
		if s := r.reserve(n); s != nil {
			return r, s, nil
		}
	}
	r, err := newRegion(n)
	if err != nil {
		return nil, nil, err
	}
	j.codeRegions = append(j.codeRegions, r)
	s := r.reserve(n)
	return r, s, nil
}

// Close tears down the JIT: unmaps its memory regions and releases its cache references. Cache
// entries are not evicted (§4.7 "Cross-session reuse"); only this JIT's hold on them is dropped.
func (j *JIT) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, k := range j.cacheKeys {
		globalCache.release(k)
	}
	var firstErr error
	for _, r := range j.codeRegions {
		if err := r.free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range j.dataRegions {
		if err := r.free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.codeRegions = nil
	j.dataRegions = nil
	return firstErr
}

// Stats reports lightweight JIT occupancy counters, exposed through the Compiler facade for
// diagnostics.
type Stats struct {
	CodeRegions      int
	CodeBytesUsed    int
	Symbols          int
	Hits             int // materialize calls served from the cache without invoking the backend
	Misses           int
	Materializations int // Hits + Misses, total materialize calls this JIT has made
}

// Stats returns a snapshot of j's current memory, symbol, and cache usage.
func (j *JIT) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	used := 0
	for _, r := range j.codeRegions {
		used += r.used
	}
	return Stats{
		CodeRegions:      len(j.codeRegions),
		CodeBytesUsed:    used,
		Symbols:          len(j.syms.Names()),
		Hits:             j.hits,
		Misses:           j.misses,
		Materializations: j.hits + j.misses,
	}
}
