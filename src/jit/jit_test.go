package jit

import (
	"testing"

	"liric/src/backend"
	"liric/src/ir"
)

// countingBackend wraps a real CompileFunction but counts how many times it actually runs, so
// tests can tell a cache hit (no new call) apart from a cache miss (a new call) from the outside.
type countingBackend struct {
	calls int
}

func (b *countingBackend) Name() string                                    { return "counting" }
func (b *countingBackend) Kind() backend.Kind                              { return backend.ISEL }
func (b *countingBackend) Supports(fn *ir.Function, t backend.Target) bool { return true }
func (b *countingBackend) CompileFunction(fn *ir.Function, t backend.Target) (*backend.CompiledFunction, error) {
	b.calls++
	return &backend.CompiledFunction{Code: []byte{0xC3}}, nil // ret
}

func buildMain(name string) *ir.Function {
	m := ir.NewModule("test")
	fn, err := m.CreateFunction(name, ir.I32Type(), nil, nil, false)
	if err != nil {
		panic(err)
	}
	b := fn.NewBlock()
	b.Append(ir.Instruction{
		Op:         ir.Ret,
		ResultType: ir.I32Type(),
		Operands:   []ir.Operand{ir.ImmI64Operand(42, ir.I32Type())},
	})
	if err := fn.Finalize(); err != nil {
		panic(err)
	}
	return fn
}

// TestCacheConsistency is the cache-consistency property (spec.md §8.6): a second Lookup, from a
// fresh JIT, against a byte-identical function must reuse the cached compilation rather than
// invoking the backend again, and must still resolve to callable code.
func TestCacheConsistency(t *testing.T) {
	target := backend.Target{Arch: backend.X86_64, OS: backend.Linux}
	be := &countingBackend{}

	j1 := New(target, be)
	defer j1.Close()
	fn1 := buildMain("main")
	if err := j1.AddFunction(fn1); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	addr1, err := j1.Lookup("main")
	if err != nil {
		t.Fatalf("Lookup (first JIT): %v", err)
	}
	if addr1 == 0 {
		t.Fatalf("Lookup (first JIT) returned a nil address")
	}
	if be.calls != 1 {
		t.Fatalf("backend calls after first Lookup = %d, want 1", be.calls)
	}

	// A second JIT, built fresh, compiling a byte-identical function: same content hash, same
	// target, same backend kind, so this must be a cache hit.
	j2 := New(target, be)
	defer j2.Close()
	fn2 := buildMain("main")
	if err := j2.AddFunction(fn2); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	addr2, err := j2.Lookup("main")
	if err != nil {
		t.Fatalf("Lookup (second JIT): %v", err)
	}
	if addr2 == 0 {
		t.Fatalf("Lookup (second JIT) returned a nil address")
	}
	if be.calls != 1 {
		t.Fatalf("backend calls after second JIT's Lookup = %d, want 1 (cache hit expected)", be.calls)
	}
	if got := j2.Stats().Hits; got != 1 {
		t.Fatalf("j2.Stats().Hits = %d, want 1", got)
	}
	if got := j1.Stats().Hits; got != 0 {
		t.Fatalf("j1.Stats().Hits = %d, want 0 (first JIT's Lookup was the miss that populated the cache)", got)
	}
	if got := j1.Stats().Materializations; got != 1 {
		t.Fatalf("j1.Stats().Materializations = %d, want 1", got)
	}
	if got := j2.Stats().Materializations; got != 1 {
		t.Fatalf("j2.Stats().Materializations = %d, want 1", got)
	}
}
