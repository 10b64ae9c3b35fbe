package amd64

import (
	"fmt"
	"math"

	"liric/src/backend"
	"liric/src/backend/isel/codegen"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// emitter is the x86-64 codegen.Emitter. It is stateless across calls: everything scoped to one
// function lives in the codegen.EmitCtx the caller threads through every method.
type emitter struct{}

// ---------------------
// ----- Functions -----
// ---------------------

// NewEmitter constructs the x86-64 instruction emitter.
func NewEmitter() codegen.Emitter { return &emitter{} }

// Prologue pushes the frame pointer and the emitter's dedicated rbx temporary (see regs.go),
// establishes rbp, and reserves the stack frame computed by layoutFrame.
func (e *emitter) Prologue(fr *codegen.Frame, alloc *codegen.Alloc) []byte {
	var buf []byte
	buf = append(buf, pushReg(rbp)...)
	buf = append(buf, movRegReg(rbp, rsp)...)
	buf = append(buf, pushReg(rbx)...)
	if fr.Size > 0 {
		buf = append(buf, subImm32Rsp(int32(fr.Size))...)
	}
	return buf
}

// restoreBytes undoes Prologue. It is shared between Epilogue (the trailing, normally-unreached
// fallback for a function whose last block somehow is not itself a Ret/RetVoid/Unreachable) and
// every Ret/RetVoid instruction's own inline restore-then-return sequence.
func restoreBytes(fr *codegen.Frame) []byte {
	var buf []byte
	if fr.Size > 0 {
		buf = append(buf, addImm32Rsp(int32(fr.Size))...)
	}
	buf = append(buf, popReg(rbx)...)
	buf = append(buf, popReg(rbp)...)
	return buf
}

func (e *emitter) Epilogue(fr *codegen.Frame, alloc *codegen.Alloc) []byte {
	return restoreBytes(fr)
}

// ResolveBranch patches the rel32 field at buf[at:at+4]. relOffset, as isel.go computes it, is the
// distance from the field's first byte to the target; x86's rel32 jumps are relative to the
// address of the instruction following the field (four bytes later), so the encoded value is
// relOffset-4.
func (e *emitter) ResolveBranch(buf []byte, at int, relOffset int) {
	v := int32(relOffset - 4)
	buf[at] = byte(v)
	buf[at+1] = byte(v >> 8)
	buf[at+2] = byte(v >> 16)
	buf[at+3] = byte(v >> 24)
}

// physReg translates loc.Reg from the allocator's 0-based scratch-slot index into the concrete
// register ModRM/REX encoding expects, per loc's register class. Location.Reg only ever holds the
// slot index linear scan assigned (see isel.allocateRegisters); every consumer of a non-spilled
// Location must call this, never read loc.Reg directly.
func physReg(loc codegen.Location) int {
	if loc.IsFloat {
		return physFloat(loc.Reg)
	}
	return physInt(loc.Reg)
}

// ----- Operand materialization -----

// materialize loads op's value into a register, returning which one and whether it is a float
// register. A vreg already holding its value in a register is returned directly with no code
// emitted; immediates, globals and spilled vregs are loaded into the given temp register.
func materialize(ctx *codegen.EmitCtx, op ir.Operand, tempInt, tempFloat int) (int, bool) {
	switch op.Kind {
	case ir.OperandVReg:
		loc, ok := ctx.Alloc.Loc[op.VReg]
		if !ok {
			return tempInt, false
		}
		if !loc.Spilled {
			return physReg(loc), loc.IsFloat
		}
		if loc.IsFloat {
			ctx.Buf = append(ctx.Buf, loadScalarMem(prefixFor(op.Type), tempFloat, rsp, int32(loc.SpillOff))...)
			return tempFloat, true
		}
		ctx.Buf = append(ctx.Buf, loadMem(tempInt, rsp, int32(loc.SpillOff))...)
		return tempInt, false
	case ir.OperandImmI64:
		ctx.Buf = append(ctx.Buf, movImm64(tempInt, op.ImmI64)...)
		return tempInt, false
	case ir.OperandImmF64:
		bits := int64(math.Float64bits(op.ImmF64))
		ctx.Buf = append(ctx.Buf, movImm64(tempInt, bits)...)
		ctx.Buf = append(ctx.Buf, movqIntToXMM(tempFloat, tempInt)...)
		if op.Type.Kind == ir.F32 {
			ctx.Buf = append(ctx.Buf, cvtsd2ssReg(tempFloat, tempFloat)...)
		}
		return tempFloat, true
	case ir.OperandGlobal:
		ctx.Buf = append(ctx.Buf, movImm64(tempInt, op.Offset)...)
		patchOff := len(ctx.Buf) - 8
		ctx.Patches = append(ctx.Patches, backend.Patch{
			Offset: patchOff, Symbol: ctx.Fn.Module.SymbolName(op.Symbol), Kind: backend.RelocAbs64, Addend: op.Offset,
		})
		return tempInt, false
	case ir.OperandNull:
		ctx.Buf = append(ctx.Buf, movImm64(tempInt, 0)...)
		return tempInt, false
	default: // OperandUndef: value is don't-care, zero it for determinism.
		if op.Type.IsFloat() {
			ctx.Buf = append(ctx.Buf, xorpdSelf(tempFloat)...)
			return tempFloat, true
		}
		ctx.Buf = append(ctx.Buf, movImm64(tempInt, 0)...)
		return tempInt, false
	}
}

// prefixFor returns the SSE scalar-move prefix matching t's width.
func prefixFor(t ir.Type) byte {
	if t.Kind == ir.F32 {
		return prefixSS
	}
	return prefixSD
}

// storeResult writes srcReg (holding dest's freshly computed value) into dest's allocated
// location, moving it into the assigned register or spilling it to the frame as needed.
func storeResult(ctx *codegen.EmitCtx, dest ir.VReg, isFloat bool, srcReg int, t ir.Type) {
	if dest == 0 {
		return
	}
	loc, ok := ctx.Alloc.Loc[dest]
	if !ok {
		return
	}
	if loc.Spilled {
		if isFloat {
			ctx.Buf = append(ctx.Buf, storeScalarMem(prefixFor(t), rsp, int32(loc.SpillOff), srcReg)...)
		} else {
			ctx.Buf = append(ctx.Buf, storeMem(rsp, int32(loc.SpillOff), srcReg)...)
		}
		return
	}
	reg := physReg(loc)
	if reg == srcReg {
		return
	}
	if isFloat {
		ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixSD, reg, srcReg)...)
	} else {
		ctx.Buf = append(ctx.Buf, movRegReg(reg, srcReg)...)
	}
}

// destReg returns the register dest's Alloc.Location names, or a temp if dest spills (the caller
// computes the value in the temp and storeResult spills it afterward).
func destReg(ctx *codegen.EmitCtx, dest ir.VReg, isFloat bool, tempInt, tempFloat int) int {
	loc, ok := ctx.Alloc.Loc[dest]
	if !ok || loc.Spilled {
		if isFloat {
			return tempFloat
		}
		return tempInt
	}
	return physReg(loc)
}

// ----- Instruction dispatch -----

func (e *emitter) Instruction(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	switch inst.Op {
	case ir.Add, ir.Sub, ir.And, ir.Or, ir.Xor:
		return e.binArith(ctx, inst)
	case ir.Mul:
		return e.mul(ctx, inst)
	case ir.SDiv, ir.SRem, ir.UDiv, ir.URem:
		return e.divRem(ctx, inst)
	case ir.Shl, ir.LShr, ir.AShr:
		return e.shift(ctx, inst)
	case ir.FAdd, ir.FSub, ir.FMul, ir.FDiv:
		return e.fbin(ctx, inst)
	case ir.FRem:
		return fmt.Errorf("isel/amd64: frem has no libm call stub wired, unsupported on the fast path")
	case ir.FNeg:
		return e.fneg(ctx, inst)
	case ir.ICmp:
		return e.icmp(ctx, inst)
	case ir.FCmp:
		return e.fcmp(ctx, inst)
	case ir.Alloca:
		return e.alloca(ctx, inst)
	case ir.Load:
		return e.load(ctx, inst)
	case ir.Store:
		return e.store(ctx, inst)
	case ir.Gep:
		return e.gep(ctx, inst)
	case ir.Call:
		return e.call(ctx, inst)
	case ir.Ret:
		return e.ret(ctx, inst)
	case ir.RetVoid:
		ctx.Buf = append(ctx.Buf, restoreBytes(ctx.Frame)...)
		ctx.Buf = append(ctx.Buf, ret()...)
		return nil
	case ir.Br:
		return e.br(ctx, inst)
	case ir.CondBr:
		return e.condBr(ctx, inst)
	case ir.Unreachable:
		ctx.Buf = append(ctx.Buf, ud2()...)
		return nil
	case ir.Select:
		return e.selectInst(ctx, inst)
	case ir.SExt, ir.ZExt, ir.Trunc, ir.Bitcast, ir.PtrToInt, ir.IntToPtr:
		return e.intConv(ctx, inst)
	case ir.SIToFP, ir.UIToFP:
		return e.intToFloat(ctx, inst)
	case ir.FPToSI, ir.FPToUI:
		return e.floatToInt(ctx, inst)
	case ir.FPExt:
		return e.fpConv(ctx, inst, cvtss2sdReg)
	case ir.FPTrunc:
		return e.fpConv(ctx, inst, cvtsd2ssReg)
	case ir.Phi:
		return nil // consumed from the predecessor side, see phi.go.
	case ir.ExtractValue, ir.InsertValue:
		return fmt.Errorf("isel/amd64: aggregate %s is not supported by the register-based fast path", inst.Op)
	default:
		return fmt.Errorf("isel/amd64: unhandled opcode %s", inst.Op)
	}
}

// binArith lowers Add/Sub/And/Or/Xor. §4.4 step 3's immediate-propagation rule collapses `add x,
// 0` (and the other identities) to a plain move; this also happens to be exactly how phi copies
// are lowered (see phi.go), so the fold is not a micro-optimization here, it is load-bearing.
func (e *emitter) binArith(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	lhs, rhs := inst.Operands[0], inst.Operands[1]
	if inst.Op == ir.Add && isZeroImm(rhs) {
		src, isFloat := materialize(ctx, lhs, tempA, tempFA)
		storeResult(ctx, inst.Dest, isFloat, src, inst.ResultType)
		return nil
	}
	a, _ := materialize(ctx, lhs, tempA, tempFA)
	b, _ := materialize(ctx, rhs, tempB, tempFB)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if dst != a {
		ctx.Buf = append(ctx.Buf, movRegReg(dst, a)...)
	}
	ctx.Buf = append(ctx.Buf, arithRegReg(arithOpFor(inst.Op), dst, b)...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

func isZeroImm(op ir.Operand) bool {
	return op.Kind == ir.OperandImmI64 && op.ImmI64 == 0
}

func arithOpFor(op ir.Opcode) arithOp {
	switch op {
	case ir.Add:
		return opAdd
	case ir.Sub:
		return opSub
	case ir.And:
		return opAnd
	case ir.Or:
		return opOr
	case ir.Xor:
		return opXor
	}
	return opAdd
}

func (e *emitter) mul(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	b, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if dst != a {
		ctx.Buf = append(ctx.Buf, movRegReg(dst, a)...)
	}
	ctx.Buf = append(ctx.Buf, imulRegReg(dst, b)...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

// divRem lowers SDiv/SRem/UDiv/URem. The dividend must sit in rax (and rdx:rax for the 128-bit
// dividend idiv/div wants), so rax and rdx are overwritten here regardless of the allocator's
// choices; the quotient/remainder is then moved to the destination's real location.
func (e *emitter) divRem(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	b, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	if b == rax || b == rdx {
		// The dividend move and the rdx setup below would overwrite a divisor held in rax or rdx,
		// so it is moved into tempB first.
		ctx.Buf = append(ctx.Buf, movRegReg(tempB, b)...)
		b = tempB
	}
	ctx.Buf = append(ctx.Buf, movRegReg(rax, a)...)
	if inst.Op == ir.SDiv || inst.Op == ir.SRem {
		ctx.Buf = append(ctx.Buf, idivReg(b)...)
	} else {
		ctx.Buf = append(ctx.Buf, xorSelf(rdx)...)
		ctx.Buf = append(ctx.Buf, []byte{rex(true, false, false, b >= 8), 0xF7, modrm(6, b)}...) // div b
	}
	result := rax
	if inst.Op == ir.SRem || inst.Op == ir.URem {
		result = rdx
	}
	storeResult(ctx, inst.Dest, false, result, inst.ResultType)
	return nil
}

// shift lowers Shl/LShr/AShr. The count must be in cl; if the count operand materializes into cl's
// owning register (rcx) directly there is nothing to move, otherwise rcx (an allocatable register)
// is pushed, loaded with the count, and popped again after the shift, so a live value in it survives.
func (e *emitter) shift(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	cnt, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	saveRcx := cnt != rcx
	if saveRcx {
		if a == rcx {
			ctx.Buf = append(ctx.Buf, movRegReg(tempA, rcx)...)
			a = tempA
		}
		ctx.Buf = append(ctx.Buf, pushReg(rcx)...)
		ctx.Buf = append(ctx.Buf, movRegReg(rcx, cnt)...)
	}
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if dst == rcx {
		dst = tempA // avoid clobbering the shift count register if the allocator chose it anyway.
	}
	if dst != a {
		ctx.Buf = append(ctx.Buf, movRegReg(dst, a)...)
	}
	var op shiftOp
	switch inst.Op {
	case ir.Shl:
		op = shShl
	case ir.LShr:
		op = shShr
	case ir.AShr:
		op = shSar
	}
	ctx.Buf = append(ctx.Buf, shiftRegCL(op, dst)...)
	if saveRcx {
		ctx.Buf = append(ctx.Buf, popReg(rcx)...)
	}
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

func (e *emitter) fbin(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	prefix := prefixFor(inst.ResultType)
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	b, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	dst := destReg(ctx, inst.Dest, true, tempA, tempFA)
	if dst != a {
		ctx.Buf = append(ctx.Buf, movScalarRegReg(prefix, dst, a)...)
	}
	var op sseOp
	switch inst.Op {
	case ir.FAdd:
		op = sseAdd
	case ir.FSub:
		op = sseSub
	case ir.FMul:
		op = sseMul
	case ir.FDiv:
		op = sseDiv
	}
	ctx.Buf = append(ctx.Buf, sseRegReg(prefix, op, dst, b)...)
	storeResult(ctx, inst.Dest, true, dst, inst.ResultType)
	return nil
}

// fneg lowers FNeg as `xorpd/xorps` against a sign-bit-only mask loaded through an integer temp,
// the standard branch-free float negation trick.
func (e *emitter) fneg(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	var mask int64 = math.MinInt64 // sign bit of a double
	if inst.ResultType.Kind == ir.F32 {
		mask = int64(uint32(1) << 31)
	}
	ctx.Buf = append(ctx.Buf, movImm64(tempA, mask)...)
	ctx.Buf = append(ctx.Buf, movqIntToXMM(tempFB, tempA)...)
	dst := destReg(ctx, inst.Dest, true, tempA, tempFA)
	if dst != a {
		ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixSD, dst, a)...)
	}
	ctx.Buf = append(ctx.Buf, []byte{0x66, rexOpt(dst >= 8, tempFB >= 8), 0x0F, 0x57, modrm(dst, tempFB)}...) // xorpd
	storeResult(ctx, inst.Dest, true, dst, inst.ResultType)
	return nil
}

// icmp maps an ir.Predicate to SETcc's condition nibble; ValidateInstruction already rejects the
// float-only predicates (OEQ..OGE) on an ICmp, so they are absent from this table.
func setccCond(p ir.Predicate) (byte, error) {
	switch p {
	case ir.PredEQ:
		return 0x4, nil
	case ir.PredNE:
		return 0x5, nil
	case ir.PredSLT:
		return 0xC, nil
	case ir.PredSLE:
		return 0xE, nil
	case ir.PredSGT:
		return 0xF, nil
	case ir.PredSGE:
		return 0xD, nil
	case ir.PredULT:
		return 0x2, nil
	case ir.PredULE:
		return 0x6, nil
	case ir.PredUGT:
		return 0x7, nil
	case ir.PredUGE:
		return 0x3, nil
	default:
		return 0, fmt.Errorf("isel/amd64: predicate %s is not valid on icmp", p)
	}
}

func (e *emitter) icmp(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	b, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	cc, err := setccCond(inst.Predicate)
	if err != nil {
		return err
	}
	ctx.Buf = append(ctx.Buf, arithRegReg(opCmp, a, b)...)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	ctx.Buf = append(ctx.Buf, setcc(cc, dst)...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

// fcmp's ucomisd/ucomiss leaves EFLAGS in the same shape an unsigned compare would, which is why
// the ordered predicates below use seta/setae rather than setl-family codes: both read false on an
// unordered result, so fcmp evaluates OLT/OLE with the operands swapped (a < b as b > a); OEQ/ONE
// approximate "ordered and equal/not-equal" with plain sete/setne, ignoring the NaN case
// (a documented simplification, see DESIGN.md).
func fcmpCond(p ir.Predicate) (byte, error) {
	switch p {
	case ir.PredOEQ:
		return 0x4, nil
	case ir.PredONE:
		return 0x5, nil
	case ir.PredOLT:
		return 0x7, nil // with swapped operands, see fcmp
	case ir.PredOLE:
		return 0x3, nil // with swapped operands, see fcmp
	case ir.PredOGT:
		return 0x7, nil
	case ir.PredOGE:
		return 0x3, nil
	default:
		return 0, fmt.Errorf("isel/amd64: predicate %s is not valid on fcmp", p)
	}
}

func (e *emitter) fcmp(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	a, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	b, _ := materialize(ctx, inst.Operands[1], tempB, tempFB)
	cc, err := fcmpCond(inst.Predicate)
	if err != nil {
		return err
	}
	if inst.Predicate == ir.PredOLT || inst.Predicate == ir.PredOLE {
		a, b = b, a
	}
	if inst.Operands[0].Type.Kind == ir.F32 {
		ctx.Buf = append(ctx.Buf, ucomiss(a, b)...)
	} else {
		ctx.Buf = append(ctx.Buf, ucomisd(a, b)...)
	}
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	ctx.Buf = append(ctx.Buf, setcc(cc, dst)...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

// alloca materializes a static alloca's address as `lea dst, [rsp+offset]`. Dynamic (non-constant
// size) allocas are rejected here: §4.4's frame layout only reserves space for the static set
// prescan finds, and dynamic stack growth is out of scope for the linear-scan fast path (the LLVM
// backend does not share this limitation; copy-and-patch has no alloca stencil and hands any
// function with an alloca to this backend).
func (e *emitter) alloca(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	off, ok := ctx.Frame.AllocaOffsets[inst.Dest]
	if !ok {
		return fmt.Errorf("isel/amd64: dynamic-size alloca is not supported on the fast path")
	}
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	ctx.Buf = append(ctx.Buf, leaMem(dst, rsp, int32(off))...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

func (e *emitter) load(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	ptr, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	isFloat := inst.ElemType.IsFloat()
	dst := destReg(ctx, inst.Dest, isFloat, tempA, tempFA)
	if isFloat {
		ctx.Buf = append(ctx.Buf, loadScalarMem(prefixFor(inst.ElemType), dst, ptr, 0)...)
	} else {
		bits := inst.ElemType.Bits()
		if bits == 0 || bits == 64 {
			ctx.Buf = append(ctx.Buf, loadMem(dst, ptr, 0)...)
		} else {
			ctx.Buf = append(ctx.Buf, loadMemSized(dst, ptr, 0, bits)...)
		}
	}
	storeResult(ctx, inst.Dest, isFloat, dst, inst.ResultType)
	return nil
}

func (e *emitter) store(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	ptr, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	val, isFloat := materialize(ctx, inst.Operands[1], tempB, tempFB)
	if isFloat {
		ctx.Buf = append(ctx.Buf, storeScalarMem(prefixFor(inst.ElemType), ptr, 0, val)...)
	} else {
		bits := inst.ElemType.Bits()
		if bits == 0 || bits == 64 {
			ctx.Buf = append(ctx.Buf, storeMem(ptr, 0, val)...)
		} else {
			ctx.Buf = append(ctx.Buf, storeMemSized(ptr, 0, val, bits)...)
		}
	}
	return nil
}

// gep folds a single index (scaled by ElemType's size) onto the base pointer. Multi-index GEPs
// (struct field chains, nested arrays) are not supported on the fast path: the session/frontend
// layers lower field access to a flat byte offset plus a scale-one index before isel sees it (see
// DESIGN.md), so the only case isel needs to handle is "base + index*elemSize".
func (e *emitter) gep(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	base, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if len(inst.Operands) < 2 {
		if dst != base {
			ctx.Buf = append(ctx.Buf, movRegReg(dst, base)...)
		}
		storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
		return nil
	}
	idxOp := inst.Operands[1]
	size := int64(inst.ElemType.Size(8))
	if idxOp.Kind == ir.OperandImmI64 {
		if dst != base {
			ctx.Buf = append(ctx.Buf, movRegReg(dst, base)...)
		}
		if off := idxOp.ImmI64 * size; off != 0 {
			ctx.Buf = append(ctx.Buf, movImm64(tempB, off)...)
			ctx.Buf = append(ctx.Buf, arithRegReg(opAdd, dst, tempB)...)
		}
		storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
		return nil
	}
	idx, _ := materialize(ctx, idxOp, tempB, tempFB)
	ctx.Buf = append(ctx.Buf, movImm64(tempB2(idx), size)...)
	// idx *= size
	ctx.Buf = append(ctx.Buf, imulRegReg(idx, tempB2(idx))...)
	if dst != base {
		ctx.Buf = append(ctx.Buf, movRegReg(dst, base)...)
	}
	ctx.Buf = append(ctx.Buf, arithRegReg(opAdd, dst, idx)...)
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

// tempB2 picks whichever of the two integer temps idx does not already occupy, so scaling the
// index does not clobber it before it is used.
func tempB2(idx int) int {
	if idx == tempA {
		return tempB
	}
	return tempA
}

// call lowers a direct or indirect call per the SysV ABI: integer/pointer arguments fill argInt in
// order, float arguments fill argFloat, arguments past either budget spill to the outgoing-args
// stack area prescan sized. A direct call to an unresolved symbol becomes a rel32 call plus a
// backend.Patch; an indirect call (Callee == 0) dereferences the trailing callee-pointer operand.
func (e *emitter) call(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	args := inst.Operands
	var calleeReg int
	hasIndirectCallee := inst.Callee == 0
	if hasIndirectCallee {
		if len(args) == 0 {
			return fmt.Errorf("isel/amd64: indirect call has no callee operand")
		}
		calleeReg, _ = materialize(ctx, args[len(args)-1], tempA, tempFA)
		args = args[:len(args)-1]
	}

	intIdx, floatIdx, stackOff := 0, 0, 0
	for _, a := range args {
		if a.Type.IsFloat() {
			if floatIdx < len(argFloat) {
				reg, _ := materialize(ctx, a, tempA, tempFA)
				ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixFor(a.Type), argFloat[floatIdx], reg)...)
				floatIdx++
				continue
			}
		} else if intIdx < len(argInt) {
			reg, _ := materialize(ctx, a, tempA, tempFA)
			ctx.Buf = append(ctx.Buf, movRegReg(argInt[intIdx], reg)...)
			intIdx++
			continue
		}
		reg, isFloat := materialize(ctx, a, tempA, tempFA)
		if isFloat {
			ctx.Buf = append(ctx.Buf, storeScalarMem(prefixFor(a.Type), rsp, int32(stackOff), reg)...)
		} else {
			ctx.Buf = append(ctx.Buf, storeMem(rsp, int32(stackOff), reg)...)
		}
		stackOff += 8
	}

	if inst.Call.Vararg {
		ctx.Buf = append(ctx.Buf, movImm64(rax, int64(floatIdx))...)
	}

	if hasIndirectCallee {
		ctx.Buf = append(ctx.Buf, []byte{rex(true, false, false, calleeReg >= 8), 0xFF, modrm(2, calleeReg)}...) // call r/m64
	} else {
		code, relOff := callRel32()
		patchAt := len(ctx.Buf) + relOff
		ctx.Buf = append(ctx.Buf, code...)
		ctx.Patches = append(ctx.Patches, backend.Patch{
			Offset: patchAt, Symbol: ctx.Fn.Module.SymbolName(inst.Callee), Kind: backend.RelocPCRel32, Addend: -4,
		})
	}

	if inst.ResultType.Kind != ir.Void {
		isFloat := inst.ResultType.IsFloat()
		src := rax
		if isFloat {
			src = 0 // xmm0
		}
		storeResult(ctx, inst.Dest, isFloat, src, inst.ResultType)
	}
	return nil
}

func (e *emitter) ret(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	if len(inst.Operands) > 0 {
		val, isFloat := materialize(ctx, inst.Operands[0], tempA, tempFA)
		if isFloat {
			if val != 0 {
				ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixSD, 0, val)...)
			}
		} else if val != rax {
			ctx.Buf = append(ctx.Buf, movRegReg(rax, val)...)
		}
	}
	ctx.Buf = append(ctx.Buf, restoreBytes(ctx.Frame)...)
	ctx.Buf = append(ctx.Buf, ret()...)
	return nil
}

func (e *emitter) br(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	code, relOff := jmpRel32()
	at := len(ctx.Buf) + relOff
	ctx.Buf = append(ctx.Buf, code...)
	ctx.Pending = append(ctx.Pending, codegen.PendingBranch{At: at, Target: inst.Operands[0].Block})
	return nil
}

func (e *emitter) condBr(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	cond, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	ctx.Buf = append(ctx.Buf, testRegReg(cond, cond)...)
	jccCode, jccRelOff := jccRel32(0x5) // jne: cond != 0 -> true branch
	at := len(ctx.Buf) + jccRelOff
	ctx.Buf = append(ctx.Buf, jccCode...)
	ctx.Pending = append(ctx.Pending, codegen.PendingBranch{At: at, Target: inst.Operands[1].Block})

	jmpCode, jmpRelOff := jmpRel32()
	at2 := len(ctx.Buf) + jmpRelOff
	ctx.Buf = append(ctx.Buf, jmpCode...)
	ctx.Pending = append(ctx.Pending, codegen.PendingBranch{At: at2, Target: inst.Operands[2].Block})
	return nil
}

// selectInst lowers Select branch-free: compute both operands, test the condition, cmov the
// false-value over the true-value's register for integers; floats fall back to a short local
// branch since SSE2 has no conditional move.
func (e *emitter) selectInst(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	cond, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	isFloat := inst.ResultType.IsFloat()
	if !isFloat {
		// test must run before tVal/fVal are materialized: both fall back to the same tempA/tempB
		// pair cond may already occupy, and mov/lea (what materialize emits) never touch EFLAGS,
		// so testing first and reading the flags later is safe.
		ctx.Buf = append(ctx.Buf, testRegReg(cond, cond)...)
		tVal, _ := materialize(ctx, inst.Operands[1], tempA, tempFA)
		fVal, _ := materialize(ctx, inst.Operands[2], tempB, tempFB)
		dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
		if dst != tVal {
			ctx.Buf = append(ctx.Buf, movRegReg(dst, tVal)...)
		}
		ctx.Buf = append(ctx.Buf, cmovRegReg(0x4, dst, fVal)...) // cmove: cond == 0 -> take fVal
		storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
		return nil
	}
	// Float path: `test cond; je elseLabel; mov dst, trueVal; jmp end; elseLabel: mov dst, falseVal; end:`
	ctx.Buf = append(ctx.Buf, testRegReg(cond, cond)...)
	jeCode, jeRelOff := jccRel32(0x4)
	jePatchAt := len(ctx.Buf) + jeRelOff
	ctx.Buf = append(ctx.Buf, jeCode...)

	dst := destReg(ctx, inst.Dest, true, tempA, tempFA)
	tVal, _ := materialize(ctx, inst.Operands[1], tempA, tempFA)
	if dst != tVal {
		ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixFor(inst.ResultType), dst, tVal)...)
	}
	jmpCode, jmpRelOff := jmpRel32()
	jmpPatchAt := len(ctx.Buf) + jmpRelOff
	ctx.Buf = append(ctx.Buf, jmpCode...)

	elseStart := len(ctx.Buf)
	patchLocal(ctx.Buf, jePatchAt, elseStart-jePatchAt-4)
	fVal, _ := materialize(ctx, inst.Operands[2], tempB, tempFB)
	if dst != fVal {
		ctx.Buf = append(ctx.Buf, movScalarRegReg(prefixFor(inst.ResultType), dst, fVal)...)
	}
	end := len(ctx.Buf)
	patchLocal(ctx.Buf, jmpPatchAt, end-jmpPatchAt-4)
	storeResult(ctx, inst.Dest, true, dst, inst.ResultType)
	return nil
}

// patchLocal writes a rel32 whose target is already known (both ends emitted within the same
// Instruction call), used by selectInst's local if/else shape instead of codegen.PendingBranch.
func patchLocal(buf []byte, at int, rel int) {
	v := int32(rel)
	buf[at] = byte(v)
	buf[at+1] = byte(v >> 8)
	buf[at+2] = byte(v >> 16)
	buf[at+3] = byte(v >> 24)
}

// intConv lowers SExt/ZExt/Trunc/Bitcast/PtrToInt/IntToPtr. Every Liric integer narrower than 64
// bits already lives zero- or sign-extended across its full register (see the package doc comment
// in encode.go), so these are all plain register moves except SExt, which sign-extends from the
// source width with a shl/sar pair, and ZExt/Trunc, which must clear the bits above the
// destination width to preserve that invariant.
func (e *emitter) intConv(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	src, srcIsFloat := materialize(ctx, inst.Operands[0], tempA, tempFA)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if srcIsFloat {
		return fmt.Errorf("isel/amd64: %s does not accept a float operand", inst.Op)
	}
	if dst != src {
		ctx.Buf = append(ctx.Buf, movRegReg(dst, src)...)
	}
	switch inst.Op {
	case ir.SExt:
		from := inst.Operands[0].Type.Bits()
		shift := int64(64 - from)
		ctx.Buf = append(ctx.Buf, shiftByImm(shShl, dst, shift)...)
		ctx.Buf = append(ctx.Buf, shiftByImm(shSar, dst, shift)...)
	case ir.ZExt, ir.Trunc:
		bits := inst.ResultType.Bits()
		if bits > 0 && bits < 64 {
			ctx.Buf = append(ctx.Buf, movImm64(tempB, (int64(1)<<uint(bits))-1)...)
			ctx.Buf = append(ctx.Buf, arithRegReg(opAnd, dst, tempB)...)
		}
	}
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

// shiftByImm emits `OP reg, imm8` (REX.W C1 /ext ib), used by SExt's sign-extension shift pair
// since the bit count is always a compile-time constant.
func shiftByImm(op shiftOp, reg int, n int64) []byte {
	return []byte{rex(true, false, false, reg >= 8), 0xC1, modrm(int(op), reg), byte(n)}
}

func (e *emitter) intToFloat(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	src, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	dst := destReg(ctx, inst.Dest, true, tempA, tempFA)
	if inst.ResultType.Kind == ir.F32 {
		ctx.Buf = append(ctx.Buf, cvtsi2ssReg(dst, src)...)
	} else {
		ctx.Buf = append(ctx.Buf, cvtsi2sdReg(dst, src)...)
	}
	// UIToFP for values >= 2^63 is not handled correctly by cvtsi2sd's signed interpretation; this
	// is a documented scope limit (see DESIGN.md), not a rounding bug for the common case.
	storeResult(ctx, inst.Dest, true, dst, inst.ResultType)
	return nil
}

func (e *emitter) floatToInt(ctx *codegen.EmitCtx, inst *ir.Instruction) error {
	src, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	dst := destReg(ctx, inst.Dest, false, tempA, tempFA)
	if inst.Operands[0].Type.Kind == ir.F32 {
		ctx.Buf = append(ctx.Buf, cvttss2siReg(dst, src)...)
	} else {
		ctx.Buf = append(ctx.Buf, cvttsd2siReg(dst, src)...)
	}
	storeResult(ctx, inst.Dest, false, dst, inst.ResultType)
	return nil
}

func (e *emitter) fpConv(ctx *codegen.EmitCtx, inst *ir.Instruction, conv func(dst, src int) []byte) error {
	src, _ := materialize(ctx, inst.Operands[0], tempA, tempFA)
	dst := destReg(ctx, inst.Dest, true, tempA, tempFA)
	ctx.Buf = append(ctx.Buf, conv(dst, src)...)
	storeResult(ctx, inst.Dest, true, dst, inst.ResultType)
	return nil
}

// movqIntToXMM emits `movq xmm, r64` (66 REX.W 0F 6E /r), used to materialize a float immediate's
// raw bit pattern (computed in an integer temp) into an XMM register.
func movqIntToXMM(dstXmm, srcGPR int) []byte {
	return []byte{0x66, rex(true, dstXmm >= 8, false, srcGPR >= 8), 0x0F, 0x6E, modrm(dstXmm, srcGPR)}
}
