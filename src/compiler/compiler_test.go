package compiler

import (
	"bytes"
	"testing"

	"github.com/ebitengine/purego"
)

// The six end-to-end scenarios exercise the public facade the way a host binding would: feed
// source, look a symbol up (or emit an executable), and check the result against the literal
// expected value. call below invokes the JIT-resident function directly through purego.SyscallN
// (the same mechanism library.go already uses to resolve Dlsym'd host symbols), so these tests
// run real machine code rather than just confirming Lookup resolves a symbol.

func mustCompiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// call invokes the function at addr with args (each a 64-bit word, per SysV's integer argument
// convention) and returns its result as a signed 64-bit value.
func call(addr uintptr, args ...uintptr) int64 {
	r1, _, _ := purego.SyscallN(addr, args...)
	return int64(r1)
}

func TestRet42(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	// Every instruction line carries its own result type in addition to each operand's type
	// (ret's ResultType duplicates its single operand's type; see the ll parser's parseInstruction/
	// parseOperand, each of which reads a type token independently).
	if err := c.FeedLL("define i32 @main() {\nentry:\n  ret i32 i32 42\n}\n"); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}
	addr, err := c.Lookup("main")
	if err != nil {
		t.Fatalf("Lookup(main): %v", err)
	}
	if got := call(addr); got != 42 {
		t.Fatalf("main() = %d, want 42", got)
	}
}

func TestAddArgs(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	// Parameters claim vregs 1 and 2 in declaration order (FuncBegin allocates a function's param
	// vregs before any body instruction runs), so the body refers to them as %1/%2, not by the
	// printed parameter token (which FuncBegin discards and replaces with its own numbering).
	src := "define i32 @add(i32, i32) {\nentry:\n  %3 = add i32 i32 %1, i32 %2\n  ret i32 i32 %3\n}\n"
	if err := c.FeedLL(src); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}
	addr, err := c.Lookup("add")
	if err != nil {
		t.Fatalf("Lookup(add): %v", err)
	}
	if got := call(addr, 19, 23); got != 42 {
		t.Fatalf("add(19, 23) = %d, want 42", got)
	}
}

func TestLoopSum(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	// sum_to(n): iterative running total over i = 1..n, a three-block loop (header/body/exit)
	// with the accumulator and induction variable each carried through a phi in the header.
	// sum_to(10) == 1+2+...+10 == 55.
	// %1 is the sole parameter's vreg (params claim vregs before the body runs); %2/%3 are the
	// header's phi-carried accumulator and induction variable.
	src := `define i32 @sum_to(i32) {
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
	if err := c.FeedLL(src); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}
	addr, err := c.Lookup("sum_to")
	if err != nil {
		t.Fatalf("Lookup(sum_to): %v", err)
	}
	if got := call(addr, 10); got != 55 {
		t.Fatalf("sum_to(10) = %d, want 55", got)
	}
}

func TestAbsVal(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	// %1 is the sole parameter's vreg.
	src := `define i32 @abs_val(i32) {
entry:
  %2 = icmp slt i1 i32 %1, i32 0
  condbr void i1 %2, %block1, %block2
neg:
  %3 = sub i32 i32 0, i32 %1
  br void %block3
pos:
  br void %block3
join:
  %4 = phi i32 i32 %3, %block1, i32 %1, %block2
  ret i32 i32 %4
}
`
	if err := c.FeedLL(src); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}
	addr, err := c.Lookup("abs_val")
	if err != nil {
		t.Fatalf("Lookup(abs_val): %v", err)
	}
	if got := call(addr, uintptr(int64(-7))); got != 7 {
		t.Fatalf("abs_val(-7) = %d, want 7", got)
	}
}

// leb128u appends an unsigned LEB128 encoding of v to buf.
func leb128u(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// wasmName appends a length-prefixed UTF-8 name.
func wasmName(buf []byte, s string) []byte {
	buf = leb128u(buf, uint32(len(s)))
	return append(buf, s...)
}

// wasmSection appends one section (id, then its length-prefixed contents).
func wasmSection(buf []byte, id byte, contents []byte) []byte {
	buf = append(buf, id)
	buf = leb128u(buf, uint32(len(contents)))
	return append(buf, contents...)
}

// buildWasmAdd assembles the minimal binary module from the spec's wasm_add scenario: one
// function, (i32, i32) -> i32, exported as "add", whose body is
// local.get 0; local.get 1; i32.add; end.
func buildWasmAdd() []byte {
	const (
		valI32      = 0x7F
		opLocalGet  = 0x20
		opI32Add    = 0x6A
		opEnd       = 0x0B
		secType     = 1
		secFunction = 3
		secExport   = 7
		secCode     = 10
		exportFunc  = 0
	)

	typeSec := []byte{1} // one type
	typeSec = append(typeSec, 0x60, 2, valI32, valI32, 1, valI32)

	funcSec := leb128u([]byte{}, 1) // one function
	funcSec = leb128u(funcSec, 0)   // type index 0

	exportSec := leb128u([]byte{}, 1) // one export
	exportSec = wasmName(exportSec, "add")
	exportSec = append(exportSec, exportFunc)
	exportSec = leb128u(exportSec, 0) // func index 0

	body := []byte{0} // zero local-declaration groups
	body = append(body, opLocalGet, 0, opLocalGet, 1, opI32Add, opEnd)
	codeEntry := leb128u([]byte{}, uint32(len(body)))
	codeEntry = append(codeEntry, body...)
	codeSec := leb128u([]byte{}, 1) // one code entry
	codeSec = append(codeSec, codeEntry...)

	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00} // magic + version 1
	out = wasmSection(out, secType, typeSec)
	out = wasmSection(out, secFunction, funcSec)
	out = wasmSection(out, secExport, exportSec)
	out = wasmSection(out, secCode, codeSec)
	return out
}

func TestWasmAdd(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	if err := c.FeedWasm(buildWasmAdd()); err != nil {
		t.Fatalf("FeedWasm: %v", err)
	}
	addr, err := c.Lookup("add")
	if err != nil {
		t.Fatalf("Lookup(add): %v", err)
	}
	if got := call(addr, 19, 23); got != 42 {
		t.Fatalf("add(19, 23) = %d, want 42", got)
	}
}

func TestElfExec(t *testing.T) {
	c := mustCompiler(t, Options{Policy: IR, Backend: ISEL, TargetName: "x86_64"})
	defer c.Close()

	if err := c.FeedLL("define i32 @main() {\nentry:\n  ret i32 i32 42\n}\n"); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}

	var buf bytes.Buffer
	if err := c.EmitExecutable(&buf, "main"); err != nil {
		t.Fatalf("EmitExecutable: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("EmitExecutable produced an empty file")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte{0x7F, 'E', 'L', 'F'}) {
		t.Fatalf("EmitExecutable output is not an ELF file")
	}
}

func TestEmitObjectRejectsDirectMode(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	if err := c.FeedLL("define i32 @main() {\nentry:\n  ret i32 i32 42\n}\n"); err != nil {
		t.Fatalf("FeedLL: %v", err)
	}

	var buf bytes.Buffer
	if err := c.EmitObject(&buf); err == nil {
		t.Fatalf("EmitObject in direct-mode policy should fail, got nil error")
	}
}

func TestNewRejectsLLVMWithDirectPolicy(t *testing.T) {
	if _, err := New(Options{Policy: Direct, Backend: LLVM}); err == nil {
		t.Fatalf("New(backend=LLVM, policy=Direct) should fail, got nil error")
	}
}

func TestAddSymbolThenLookup(t *testing.T) {
	c := mustCompiler(t, Options{Policy: Direct, Backend: ISEL})
	defer c.Close()

	c.AddSymbol("host_fn", 0x1000)
	addr, err := c.Lookup("host_fn")
	if err != nil {
		t.Fatalf("Lookup(host_fn): %v", err)
	}
	if addr != 0x1000 {
		t.Fatalf("Lookup(host_fn) = %#x, want 0x1000", addr)
	}
}
