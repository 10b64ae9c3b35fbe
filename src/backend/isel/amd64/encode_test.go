package amd64

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// decodeOne decodes the single instruction at the start of buf in 64-bit mode, failing the test
// if it doesn't decode cleanly or leaves trailing bytes unconsumed - every helper under test emits
// exactly one instruction's worth of bytes, so a short or long decode means the encoding is wrong,
// not that the test fed it a multi-instruction buffer.
func decodeOne(t *testing.T, buf []byte) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		t.Fatalf("x86asm.Decode(% x): %v", buf, err)
	}
	if inst.Len != len(buf) {
		t.Fatalf("x86asm.Decode(% x): consumed %d of %d bytes", buf, inst.Len, len(buf))
	}
	return inst
}

// TestMovRegReg confirms movRegReg produces a plain 64-bit MOV regardless of which registers -
// including the r8-r15 extended set isel's allocator now actually hands out via physInt - are
// named on either side.
func TestMovRegReg(t *testing.T) {
	cases := []struct{ dst, src int }{
		{rax, rcx}, {r8, r9}, {r11, rbx}, {rdi, r15},
	}
	for _, c := range cases {
		inst := decodeOne(t, movRegReg(c.dst, c.src))
		if inst.Op != x86asm.MOV {
			t.Errorf("movRegReg(%d,%d): decoded as %v, want MOV", c.dst, c.src, inst.Op)
		}
	}
}

// TestArithRegReg walks every arithOp this package defines and checks x86asm agrees on the
// mnemonic, guarding against a copy-pasted opcode byte in arithRegReg's table.
func TestArithRegReg(t *testing.T) {
	cases := []struct {
		op   arithOp
		want x86asm.Op
	}{
		{opAdd, x86asm.ADD},
		{opSub, x86asm.SUB},
		{opAnd, x86asm.AND},
		{opOr, x86asm.OR},
		{opXor, x86asm.XOR},
		{opCmp, x86asm.CMP},
	}
	for _, c := range cases {
		inst := decodeOne(t, arithRegReg(c.op, rax, r10))
		if inst.Op != c.want {
			t.Errorf("arithRegReg(%#x): decoded as %v, want %v", byte(c.op), inst.Op, c.want)
		}
	}
}

// TestSetccHighRegister is the regression test for the missing-REX-prefix bug: setcc's first
// (SETcc) instruction used to encode without a REX.B extension, so a dst in r8-r15 silently
// decoded as the corresponding low register instead. setcc's output is a fixed 8-byte shape (4
// bytes of SETcc, 4 of MOVZX), so each half is decoded on its own: the SETcc half must name R11B,
// which is only possible if SETcc's own REX.B was set, and the second half must decode as MOVZX.
func TestSetccHighRegister(t *testing.T) {
	buf := setcc(0x4, r11) // sete r11b; movzx r11, r11b
	first := decodeOne(t, buf[:4])
	if first.Op != x86asm.SETE {
		t.Fatalf("setcc[0:4]: decoded as %v, want SETE", first.Op)
	}
	reg, ok := first.Args[0].(x86asm.Reg)
	if !ok {
		t.Fatalf("setcc[0:4]: SETE's first argument is %T, want x86asm.Reg", first.Args[0])
	}
	if reg != x86asm.R11B {
		t.Fatalf("setcc(0x4, r11): SETE operand decoded as %v, want R11B (regression: missing REX.B truncates r11 to bl)", reg)
	}

	second := decodeOne(t, buf[4:])
	if second.Op != x86asm.MOVZX {
		t.Fatalf("setcc[4:]: decoded as %v, want MOVZX", second.Op)
	}
}

// TestSetccLowRegister checks the same sequence for a register already representable without
// REX.B, so the fix above doesn't regress the common case. setcc always emits a REX prefix byte
// (rexOpt returns the bare 0x40 form rather than omitting the byte when no extension bit is set),
// so both halves are the same 4+4 byte split as the high-register case above.
func TestSetccLowRegister(t *testing.T) {
	buf := setcc(0x5, rax) // setne al; movzx rax, al
	first := decodeOne(t, buf[:4])
	if first.Op != x86asm.SETNE {
		t.Fatalf("setcc[0:4]: decoded as %v, want SETNE", first.Op)
	}
	if reg, ok := first.Args[0].(x86asm.Reg); !ok || reg != x86asm.AL {
		t.Fatalf("setcc(0x5, rax): SETNE operand decoded as %v, want AL", first.Args[0])
	}
}

// TestPushPopRet covers the three fixed-encoding helpers the prologue/epilogue rely on.
func TestPushPopRet(t *testing.T) {
	if inst := decodeOne(t, pushReg(rbp)); inst.Op != x86asm.PUSH {
		t.Errorf("pushReg(rbp): decoded as %v, want PUSH", inst.Op)
	}
	if inst := decodeOne(t, popReg(r12)); inst.Op != x86asm.POP {
		t.Errorf("popReg(r12): decoded as %v, want POP", inst.Op)
	}
	if inst := decodeOne(t, ret()); inst.Op != x86asm.RET {
		t.Errorf("ret(): decoded as %v, want RET", inst.Op)
	}
}
