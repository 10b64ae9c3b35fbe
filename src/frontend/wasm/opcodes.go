package wasm

import (
	"fmt"

	"liric/src/ir"
)

// ----------------------------
// ----- Constants -----
// ----------------------------

const (
	opUnreachable = 0x00
	opNop         = 0x01
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0B
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A
	opSelect      = 0x1B
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24

	opI32Load   = 0x28
	opI64Load   = 0x29
	opI32Store  = 0x36
	opI64Store  = 0x37

	opI32Const = 0x41
	opI64Const = 0x42

	opI32Eqz = 0x45
	opI32Eq  = 0x46
	opI32Ne  = 0x47
	opI32LtS = 0x48
	opI32LtU = 0x49
	opI32GtS = 0x4A
	opI32GtU = 0x4B
	opI32LeS = 0x4C
	opI32LeU = 0x4D
	opI32GeS = 0x4E
	opI32GeU = 0x4F

	opI64Eqz = 0x50
	opI64Eq  = 0x51
	opI64Ne  = 0x52
	opI64LtS = 0x53
	opI64LtU = 0x54
	opI64GtS = 0x55
	opI64GtU = 0x56
	opI64LeS = 0x57
	opI64LeU = 0x58
	opI64GeS = 0x59
	opI64GeU = 0x5A

	opI32Add  = 0x6A
	opI32Sub  = 0x6B
	opI32Mul  = 0x6C
	opI32DivS = 0x6D
	opI32DivU = 0x6E
	opI32RemS = 0x6F
	opI32RemU = 0x70
	opI32And  = 0x71
	opI32Or   = 0x72
	opI32Xor  = 0x73
	opI32Shl  = 0x74
	opI32ShrS = 0x75
	opI32ShrU = 0x76

	opI64Add  = 0x7C
	opI64Sub  = 0x7D
	opI64Mul  = 0x7E
	opI64DivS = 0x7F
	opI64DivU = 0x80
	opI64RemS = 0x81
	opI64RemU = 0x82
	opI64And  = 0x83
	opI64Or   = 0x84
	opI64Xor  = 0x85
	opI64Shl  = 0x86
	opI64ShrS = 0x87
	opI64ShrU = 0x88

	opI32WrapI64     = 0xA7
	opI64ExtendI32S  = 0xAC
	opI64ExtendI32U  = 0xAD

	blockTypeVoid = 0x40
)

var binops = map[byte]ir.Opcode{
	opI32Add: ir.Add, opI32Sub: ir.Sub, opI32Mul: ir.Mul, opI32DivS: ir.SDiv, opI32DivU: ir.UDiv,
	opI32RemS: ir.SRem, opI32RemU: ir.URem, opI32And: ir.And, opI32Or: ir.Or, opI32Xor: ir.Xor,
	opI32Shl: ir.Shl, opI32ShrS: ir.AShr, opI32ShrU: ir.LShr,
	opI64Add: ir.Add, opI64Sub: ir.Sub, opI64Mul: ir.Mul, opI64DivS: ir.SDiv, opI64DivU: ir.UDiv,
	opI64RemS: ir.SRem, opI64RemU: ir.URem, opI64And: ir.And, opI64Or: ir.Or, opI64Xor: ir.Xor,
	opI64Shl: ir.Shl, opI64ShrS: ir.AShr, opI64ShrU: ir.LShr,
}

var cmpops = map[byte]ir.Predicate{
	opI32Eq: ir.PredEQ, opI32Ne: ir.PredNE, opI32LtS: ir.PredSLT, opI32LtU: ir.PredULT,
	opI32GtS: ir.PredSGT, opI32GtU: ir.PredUGT, opI32LeS: ir.PredSLE, opI32LeU: ir.PredULE,
	opI32GeS: ir.PredSGE, opI32GeU: ir.PredUGE,
	opI64Eq: ir.PredEQ, opI64Ne: ir.PredNE, opI64LtS: ir.PredSLT, opI64LtU: ir.PredULT,
	opI64GtS: ir.PredSGT, opI64GtU: ir.PredUGT, opI64LeS: ir.PredSLE, opI64LeU: ir.PredULE,
	opI64GeS: ir.PredSGE, opI64GeU: ir.PredUGE,
}

// ---------------------
// ----- Functions -----
// ---------------------

// bodyReader is a plain forward cursor over one function body's instruction bytes (separate from
// decode.go's section cursor since it never needs bounds-checked random access, only LEB reads).
type bodyReader struct {
	data []byte
	pos  int
}

func (r *bodyReader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of function body")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *bodyReader) u32() (uint32, error) {
	c := &cursor{data: r.data, pos: r.pos}
	v, err := c.lebU32()
	r.pos = c.pos
	return v, err
}

func (r *bodyReader) i32() (int32, error) {
	c := &cursor{data: r.data, pos: r.pos}
	v, err := c.lebI32()
	r.pos = c.pos
	return v, err
}

func (r *bodyReader) i64() (int64, error) {
	c := &cursor{data: r.data, pos: r.pos}
	v, err := c.lebI64()
	r.pos = c.pos
	return v, err
}

// blockResultType reads a WASM blocktype byte (0x40 = void, else a value type).
func (r *bodyReader) blockResultType() (ir.Type, bool, error) {
	b, err := r.u8()
	if err != nil {
		return ir.Type{}, false, err
	}
	if b == blockTypeVoid {
		return ir.Type{}, false, nil
	}
	return wasmToIRType(valType(b)), true, nil
}

// run lowers the entire instruction stream of one function body, driving the session cursor
// through whatever blocks the control-flow opcodes allocate.
func (lc *lowerCtx) run(body []byte) error {
	r := &bodyReader{data: body}
	for r.pos < len(r.data) {
		op, err := r.u8()
		if err != nil {
			return err
		}
		if err := lc.step(r, op); err != nil {
			return fmt.Errorf("offset %d: opcode %#x: %w", r.pos-1, op, err)
		}
	}
	return nil
}

func (lc *lowerCtx) step(r *bodyReader, op byte) error {
	switch op {
	case opUnreachable:
		_, err := lc.sess.Emit(ir.Instruction{Op: ir.Unreachable})
		return err
	case opNop:
		return nil

	case opBlock:
		rt, has, err := r.blockResultType()
		if err != nil {
			return err
		}
		cont, err := lc.newBlock()
		if err != nil {
			return err
		}
		var slot ir.VReg
		if has {
			if slot, err = lc.alloca(rt); err != nil {
				return err
			}
		}
		lc.ctrl = append(lc.ctrl, ctrlEntry{kind: ctrlBlock, cont: cont, resultType: rt, hasResult: has, resultSlot: slot, stackHeight: len(lc.vstack)})
		return nil

	case opLoop:
		rt, has, err := r.blockResultType()
		if err != nil {
			return err
		}
		hdr, err := lc.newBlock()
		if err != nil {
			return err
		}
		cont, err := lc.newBlock()
		if err != nil {
			return err
		}
		if err := lc.emitBr(hdr); err != nil {
			return err
		}
		if err := lc.setBlock(hdr); err != nil {
			return err
		}
		lc.ctrl = append(lc.ctrl, ctrlEntry{kind: ctrlLoop, cont: cont, loopHeader: hdr, resultType: rt, hasResult: has, stackHeight: len(lc.vstack)})
		return nil

	case opIf:
		rt, has, err := r.blockResultType()
		if err != nil {
			return err
		}
		cond, condT, err := lc.pop()
		if err != nil {
			return err
		}
		condB, err := lc.toBool(cond, condT)
		if err != nil {
			return err
		}
		thenB, err := lc.newBlock()
		if err != nil {
			return err
		}
		elseB, err := lc.newBlock()
		if err != nil {
			return err
		}
		merge, err := lc.newBlock()
		if err != nil {
			return err
		}
		var slot ir.VReg
		if has {
			if slot, err = lc.alloca(rt); err != nil {
				return err
			}
		}
		if err := lc.emitCondBr(condB, thenB, elseB); err != nil {
			return err
		}
		if err := lc.setBlock(thenB); err != nil {
			return err
		}
		lc.ctrl = append(lc.ctrl, ctrlEntry{kind: ctrlIf, cont: merge, elseBlock: elseB, hasElse: true, resultType: rt, hasResult: has, resultSlot: slot, stackHeight: len(lc.vstack)})
		return nil

	case opElse:
		ce := &lc.ctrl[len(lc.ctrl)-1]
		if err := lc.spillResult(ce); err != nil {
			return err
		}
		if err := lc.emitBr(ce.cont); err != nil {
			return err
		}
		if err := lc.setBlock(ce.elseBlock); err != nil {
			return err
		}
		ce.hasElse = false
		return nil

	case opEnd:
		return lc.endBlock()

	case opBr:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		target, err := lc.branchTarget(depth)
		if err != nil {
			return err
		}
		if err := lc.emitBr(target); err != nil {
			return err
		}
		dead, err := lc.newBlock()
		if err != nil {
			return err
		}
		return lc.setBlock(dead)

	case opBrIf:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		cond, condT, err := lc.pop()
		if err != nil {
			return err
		}
		condB, err := lc.toBool(cond, condT)
		if err != nil {
			return err
		}
		target, err := lc.branchTarget(depth)
		if err != nil {
			return err
		}
		ft, err := lc.newBlock()
		if err != nil {
			return err
		}
		if err := lc.emitCondBr(condB, target, ft); err != nil {
			return err
		}
		return lc.setBlock(ft)

	case opReturn:
		fn := lc.ctrl[0]
		if fn.hasResult {
			v, t, err := lc.pop()
			if err != nil {
				return err
			}
			if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Ret, ResultType: t, Operands: []ir.Operand{ir.VRegOperand(v, t)}}); err != nil {
				return err
			}
		} else {
			if _, err := lc.sess.Emit(ir.Instruction{Op: ir.RetVoid}); err != nil {
				return err
			}
		}
		dead, err := lc.newBlock()
		if err != nil {
			return err
		}
		return lc.setBlock(dead)

	case opCall:
		return lc.call(r)

	case opDrop:
		_, _, err := lc.pop()
		return err

	case opSelect:
		cond, condT, err := lc.pop()
		if err != nil {
			return err
		}
		v2, _, err := lc.pop()
		if err != nil {
			return err
		}
		v1, t, err := lc.pop()
		if err != nil {
			return err
		}
		condB, err := lc.toBool(cond, condT)
		if err != nil {
			return err
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Select, ResultType: t, Dest: dest,
			Operands: []ir.Operand{ir.VRegOperand(condB, ir.I1Type()), ir.VRegOperand(v1, t), ir.VRegOperand(v2, t)}}); err != nil {
			return err
		}
		lc.push(dest, t)
		return nil

	case opLocalGet:
		idx, err := r.u32()
		if err != nil {
			return err
		}
		t := lc.localTypes[idx]
		v, err := lc.load(lc.localSlots[idx], t)
		if err != nil {
			return err
		}
		lc.push(v, t)
		return nil

	case opLocalSet:
		idx, err := r.u32()
		if err != nil {
			return err
		}
		v, t, err := lc.pop()
		if err != nil {
			return err
		}
		return lc.store(lc.localSlots[idx], ir.VRegOperand(v, t))

	case opLocalTee:
		idx, err := r.u32()
		if err != nil {
			return err
		}
		v, t, err := lc.pop()
		if err != nil {
			return err
		}
		if err := lc.store(lc.localSlots[idx], ir.VRegOperand(v, t)); err != nil {
			return err
		}
		lc.push(v, t)
		return nil

	case opGlobalGet, opGlobalSet:
		return fmt.Errorf("global.get/global.set require a module-level global table, not yet wired")

	case opI32Load, opI64Load:
		return lc.memLoad(r, op)
	case opI32Store, opI64Store:
		return lc.memStore(r, op)

	case opI32Const:
		v, err := r.i32()
		if err != nil {
			return err
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if err := lc.constI(dest, ir.I32Type(), int64(v)); err != nil {
			return err
		}
		lc.push(dest, ir.I32Type())
		return nil

	case opI64Const:
		v, err := r.i64()
		if err != nil {
			return err
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if err := lc.constI(dest, ir.I64Type(), v); err != nil {
			return err
		}
		lc.push(dest, ir.I64Type())
		return nil

	case opI32Eqz, opI64Eqz:
		v, t, err := lc.pop()
		if err != nil {
			return err
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if _, err := lc.sess.Emit(ir.Instruction{Op: ir.ICmp, ResultType: ir.I1Type(), Dest: dest, Predicate: ir.PredEQ,
			Operands: []ir.Operand{ir.VRegOperand(v, t), zeroOperand(t)}}); err != nil {
			return err
		}
		ext, err := lc.zext(dest, ir.I32Type())
		if err != nil {
			return err
		}
		lc.push(ext, ir.I32Type())
		return nil

	case opI32WrapI64:
		v, _, err := lc.pop()
		if err != nil {
			return err
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Trunc, ResultType: ir.I32Type(), Dest: dest,
			Operands: []ir.Operand{ir.VRegOperand(v, ir.I64Type())}}); err != nil {
			return err
		}
		lc.push(dest, ir.I32Type())
		return nil

	case opI64ExtendI32S, opI64ExtendI32U:
		v, _, err := lc.pop()
		if err != nil {
			return err
		}
		extOp := ir.SExt
		if op == opI64ExtendI32U {
			extOp = ir.ZExt
		}
		dest, err := lc.sess.VReg()
		if err != nil {
			return err
		}
		if _, err := lc.sess.Emit(ir.Instruction{Op: extOp, ResultType: ir.I64Type(), Dest: dest,
			Operands: []ir.Operand{ir.VRegOperand(v, ir.I32Type())}}); err != nil {
			return err
		}
		lc.push(dest, ir.I64Type())
		return nil

	default:
		if irOp, ok := binops[op]; ok {
			return lc.binop(irOp)
		}
		if pred, ok := cmpops[op]; ok {
			return lc.cmp(pred)
		}
		return fmt.Errorf("unsupported opcode")
	}
}

func (lc *lowerCtx) constI(dest ir.VReg, t ir.Type, v int64) error {
	_, err := lc.sess.Emit(ir.Instruction{Op: ir.Add, ResultType: t, Dest: dest,
		Operands: []ir.Operand{ir.ImmI64Operand(v, t), ir.ImmI64Operand(0, t)}})
	return err
}

func (lc *lowerCtx) zext(v ir.VReg, to ir.Type) (ir.VReg, error) {
	dest, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	_, err = lc.sess.Emit(ir.Instruction{Op: ir.ZExt, ResultType: to, Dest: dest,
		Operands: []ir.Operand{ir.VRegOperand(v, ir.I1Type())}})
	return dest, err
}

func (lc *lowerCtx) binop(op ir.Opcode) error {
	rhs, t, err := lc.pop()
	if err != nil {
		return err
	}
	lhs, _, err := lc.pop()
	if err != nil {
		return err
	}
	dest, err := lc.sess.VReg()
	if err != nil {
		return err
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: op, ResultType: t, Dest: dest,
		Operands: []ir.Operand{ir.VRegOperand(lhs, t), ir.VRegOperand(rhs, t)}}); err != nil {
		return err
	}
	lc.push(dest, t)
	return nil
}

func (lc *lowerCtx) cmp(pred ir.Predicate) error {
	rhs, t, err := lc.pop()
	if err != nil {
		return err
	}
	lhs, _, err := lc.pop()
	if err != nil {
		return err
	}
	dest, err := lc.sess.VReg()
	if err != nil {
		return err
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: ir.ICmp, ResultType: ir.I1Type(), Dest: dest, Predicate: pred,
		Operands: []ir.Operand{ir.VRegOperand(lhs, t), ir.VRegOperand(rhs, t)}}); err != nil {
		return err
	}
	ext, err := lc.zext(dest, ir.I32Type())
	if err != nil {
		return err
	}
	lc.push(ext, ir.I32Type())
	return nil
}

func (lc *lowerCtx) memLoad(r *bodyReader, op byte) error {
	if _, err := r.u32(); err != nil { // align
		return err
	}
	offset, err := r.u32()
	if err != nil {
		return err
	}
	addr, _, err := lc.pop()
	if err != nil {
		return err
	}
	t := ir.I32Type()
	if op == opI64Load {
		t = ir.I64Type()
	}
	ptr, err := lc.memAddr(addr, offset, t)
	if err != nil {
		return err
	}
	dest, err := lc.load(ptr, t)
	if err != nil {
		return err
	}
	lc.push(dest, t)
	return nil
}

func (lc *lowerCtx) memStore(r *bodyReader, op byte) error {
	if _, err := r.u32(); err != nil { // align
		return err
	}
	offset, err := r.u32()
	if err != nil {
		return err
	}
	val, t, err := lc.pop()
	if err != nil {
		return err
	}
	addr, _, err := lc.pop()
	if err != nil {
		return err
	}
	ptr, err := lc.memAddr(addr, offset, t)
	if err != nil {
		return err
	}
	return lc.store(ptr, ir.VRegOperand(val, t))
}

// memAddr computes the byte address of a linear-memory access as a GEP off the module's single
// backing global; the static offset immediate is added to the dynamic address with an Add
// instruction, and that sum (a vreg) indexes the base.
func (lc *lowerCtx) memAddr(addr ir.VReg, offset uint32, t ir.Type) (ir.VReg, error) {
	if lc.memGlobal == nil {
		return 0, fmt.Errorf("memory access with no declared linear memory")
	}
	base, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Gep, ResultType: ir.PtrType(), Dest: base, ElemType: ir.I8Type(),
		Operands:  []ir.Operand{ir.GlobalOperand(lc.memGlobal.Symbol, 0, ir.PtrType())},
		Indices:   []int64{0}}); err != nil {
		return 0, err
	}
	total, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Add, ResultType: ir.I64Type(), Dest: total,
		Operands: []ir.Operand{ir.VRegOperand(addr, ir.I32Type()), ir.ImmI64Operand(int64(offset), ir.I32Type())}}); err != nil {
		return 0, err
	}
	final, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Gep, ResultType: ir.PtrType(), Dest: final, ElemType: t,
		Operands: []ir.Operand{ir.VRegOperand(base, ir.PtrType()), ir.VRegOperand(total, ir.I64Type())}}); err != nil {
		return 0, err
	}
	return final, nil
}

func (lc *lowerCtx) call(r *bodyReader) error {
	idx, err := r.u32()
	if err != nil {
		return err
	}
	var typeIdx uint32
	if int(idx) < lc.mod.numFuncImports {
		typeIdx = lc.mod.imports[idx].typeIdx
	} else {
		typeIdx = lc.mod.funcTypeIdx[int(idx)-lc.mod.numFuncImports]
	}
	ft := lc.mod.types[typeIdx]

	args := make([]ir.Operand, len(ft.params))
	for i := len(ft.params) - 1; i >= 0; i-- {
		v, t, err := lc.pop()
		if err != nil {
			return err
		}
		args[i] = ir.VRegOperand(v, t)
	}

	ret := ir.VoidType()
	hasRet := len(ft.results) > 0
	if hasRet {
		ret = wasmToIRType(ft.results[0])
	}

	callee := lc.sess.Module().Intern(lc.funcNames[idx])
	var dest ir.VReg
	if hasRet {
		dest, err = lc.sess.VReg()
		if err != nil {
			return err
		}
	}
	if _, err := lc.sess.Emit(ir.Instruction{Op: ir.Call, ResultType: ret, Dest: dest, Callee: callee, Operands: args}); err != nil {
		return err
	}
	if hasRet {
		lc.push(dest, ret)
	}
	return nil
}

// spillResult stores the block-result value (if any) currently on top of the stack into the
// control entry's result slot, ahead of a structured branch out of the block.
func (lc *lowerCtx) spillResult(ce *ctrlEntry) error {
	if ce.hasResult && len(lc.vstack) > ce.stackHeight {
		v, t, err := lc.pop()
		if err != nil {
			return err
		}
		return lc.store(ce.resultSlot, ir.VRegOperand(v, t))
	}
	return nil
}

// branchTarget resolves a relative branch depth to the block a `br`/`br_if` should jump to: a
// loop's own header (so the branch re-enters the loop), or any other construct's continuation.
func (lc *lowerCtx) branchTarget(depth uint32) (ir.BlockID, error) {
	i := len(lc.ctrl) - 1 - int(depth)
	if i < 0 {
		return 0, fmt.Errorf("branch depth %d out of range", depth)
	}
	ce := lc.ctrl[i]
	if ce.kind == ctrlLoop {
		return ce.loopHeader, nil
	}
	return ce.cont, nil
}

// endBlock closes the innermost control construct, wiring falls-through/else-branches into the
// continuation block and reloading any spilled block result.
func (lc *lowerCtx) endBlock() error {
	if len(lc.ctrl) == 1 {
		return nil // the outermost function-level entry is closed by lowerFunction itself.
	}
	ce := lc.ctrl[len(lc.ctrl)-1]
	lc.ctrl = lc.ctrl[:len(lc.ctrl)-1]

	if err := lc.spillResult(&ce); err != nil {
		return err
	}
	if err := lc.emitBr(ce.cont); err != nil {
		return err
	}
	if ce.kind == ctrlIf && ce.hasElse {
		// No explicit "else" opcode was seen: the unpopulated else-arm still must flow to the
		// continuation so both arms of the conditional branch reach it.
		if err := lc.setBlock(ce.elseBlock); err != nil {
			return err
		}
		if err := lc.emitBr(ce.cont); err != nil {
			return err
		}
	}
	if err := lc.setBlock(ce.cont); err != nil {
		return err
	}
	if ce.hasResult {
		dest, err := lc.load(ce.resultSlot, ce.resultType)
		if err != nil {
			return err
		}
		lc.push(dest, ce.resultType)
	}
	return nil
}
