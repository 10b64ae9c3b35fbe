package compiler

import "testing"

// sumToSrc is the same loop_sum fixture used by the end-to-end scenarios, reused here since it
// exercises phi nodes and a backward branch, not just a straight-line body.
const sumToSrc = `define i32 @sum_to(i32) {
entry:
  br void %block1
header:
  %2 = phi i32 i32 0, %block0, i32 %5, %block2
  %3 = phi i32 i32 1, %block0, i32 %6, %block2
  %4 = icmp sle i1 i32 %3, i32 %1
  condbr void i1 %4, %block2, %block3
body:
  %5 = add i32 i32 %2, i32 %3
  %6 = add i32 i32 %3, i32 1
  br void %block1
exit:
  ret i32 i32 %2
}
`

// TestDirectIREquivalence is spec.md §8.4: compiling the same source under the Direct and IR
// policies, with the same backend, must produce functions that agree on every input.
func TestDirectIREquivalence(t *testing.T) {
	direct := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer direct.Close()
	if err := direct.FeedLL(sumToSrc); err != nil {
		t.Fatalf("FeedLL (direct): %v", err)
	}
	directAddr, err := direct.Lookup("sum_to")
	if err != nil {
		t.Fatalf("Lookup (direct): %v", err)
	}

	ir := mustCompiler(t, Options{Policy: IR, Backend: ISEL})
	defer ir.Close()
	if err := ir.FeedLL(sumToSrc); err != nil {
		t.Fatalf("FeedLL (ir): %v", err)
	}
	irAddr, err := ir.Lookup("sum_to")
	if err != nil {
		t.Fatalf("Lookup (ir): %v", err)
	}

	for n := 0; n <= 10; n++ {
		got, want := call(irAddr, uintptr(n)), call(directAddr, uintptr(n))
		if got != want {
			t.Fatalf("sum_to(%d): ir policy = %d, direct policy = %d", n, got, want)
		}
	}
}

// TestBackendEquivalenceCopyPatch is spec.md §8.5's copy-and-patch half: copy_patch falls back to
// isel transparently for any function outside its stencil catalog, and must agree bit-for-bit
// (here, result-for-result, since the two lanes may still choose different register assignments)
// with a pure isel compile of the same source either way.
func TestBackendEquivalenceCopyPatch(t *testing.T) {
	isel := mustCompiler(t, Options{Policy: IR, Backend: ISEL})
	defer isel.Close()
	if err := isel.FeedLL(sumToSrc); err != nil {
		t.Fatalf("FeedLL (isel): %v", err)
	}
	iselAddr, err := isel.Lookup("sum_to")
	if err != nil {
		t.Fatalf("Lookup (isel): %v", err)
	}

	cp := mustCompiler(t, Options{Policy: IR, Backend: CopyPatch})
	defer cp.Close()
	if err := cp.FeedLL(sumToSrc); err != nil {
		t.Fatalf("FeedLL (copy_patch): %v", err)
	}
	cpAddr, err := cp.Lookup("sum_to")
	if err != nil {
		t.Fatalf("Lookup (copy_patch): %v", err)
	}

	for n := 0; n <= 10; n++ {
		got, want := call(cpAddr, uintptr(n)), call(iselAddr, uintptr(n))
		if got != want {
			t.Fatalf("sum_to(%d): copy_patch = %d, isel = %d", n, got, want)
		}
	}
}

// TestBackendEquivalenceLLVMUnavailable documents the other half of spec.md §8.5 for the default
// build: without the liric_llvm build tag, New itself rejects backend=LLVM at construction time
// (llvmbackend.Backend.Supports always reports false), so there is no live LLVM lane to compare
// against here. A liric_llvm-tagged build exercises the real comparison by hand; this test only
// pins the documented fallback so the no-tag default doesn't regress into a silent skip elsewhere.
func TestBackendEquivalenceLLVMUnavailable(t *testing.T) {
	_, err := New(Options{Policy: IR, Backend: LLVM})
	if err == nil {
		t.Fatalf("New(Backend: LLVM) succeeded without the liric_llvm build tag")
	}
}
