package wasm

import (
	"fmt"

	"liric/src/ir"
	"liric/src/session"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// valueEntry is one slot of the explicit operand-stack the lowering pass maintains, mirroring the
// WASM validator's stack discipline: every instruction pops a known number of typed values and
// pushes a known number back.
type valueEntry struct {
	vreg ir.VReg
	typ  ir.Type
}

// ctrlKind distinguishes the three structured control constructs WASM nests.
type ctrlKind int

const (
	ctrlBlock ctrlKind = iota
	ctrlLoop
	ctrlIf
)

// ctrlEntry is one level of the control stack, recording where `br`/`end` should land.
type ctrlEntry struct {
	kind        ctrlKind
	cont        ir.BlockID // block entered on a normal `end` (or the branch target for non-loops)
	loopHeader  ir.BlockID // branch target for `br`/`br_if` targeting a loop (the header, not cont)
	elseBlock   ir.BlockID
	hasElse     bool
	resultType  ir.Type
	hasResult   bool
	resultSlot  ir.VReg
	stackHeight int
}

// lowerCtx carries all per-function lowering state, the Go analogue of the reference decoder's
// wasm_ctx_t.
type lowerCtx struct {
	sess       *session.Session
	mod        *module
	localSlots []ir.VReg
	localTypes []ir.Type
	vstack     []valueEntry
	ctrl       []ctrlEntry
	memGlobal  *ir.Global // backing store for linear memory, nil if the module declares none
	funcNames  []string   // resolved name for every function index (imports then locals)
	cur        ir.BlockID // block id the session cursor currently points at
}

// ---------------------
// ----- Functions -----
// ---------------------

// Decode parses src as a binary WASM module and lowers every function body into sess.
func Decode(sess *session.Session, src []byte) error {
	m, err := decodeModule(src)
	if err != nil {
		return err
	}
	return lowerModule(sess, m)
}

func wasmToIRType(vt valType) ir.Type {
	switch vt {
	case valI32:
		return ir.I32Type()
	case valI64:
		return ir.I64Type()
	case valF32:
		return ir.F32Type()
	case valF64:
		return ir.F64Type()
	default:
		return ir.I32Type()
	}
}

// exportedName returns the export-table name for a function index, or a synthetic one.
func exportedName(m *module, idx uint32) string {
	for _, e := range m.exports {
		if e.kind == 0 && e.index == idx {
			return e.name
		}
	}
	if int(idx) < m.numFuncImports {
		return m.imports[idx].name
	}
	return fmt.Sprintf("wasm_func_%d", idx)
}

func lowerModule(sess *session.Session, m *module) error {
	funcNames := make([]string, m.numFuncImports+len(m.funcTypeIdx))
	for i := 0; i < m.numFuncImports; i++ {
		funcNames[i] = m.imports[i].name
	}
	for i := range m.funcTypeIdx {
		funcNames[m.numFuncImports+i] = exportedName(m, uint32(m.numFuncImports+i))
	}

	for i := 0; i < m.numFuncImports; i++ {
		ft := m.types[m.imports[i].typeIdx]
		ret := ir.VoidType()
		if len(ft.results) > 0 {
			ret = wasmToIRType(ft.results[0])
		}
		params := make([]ir.Type, len(ft.params))
		for j, p := range ft.params {
			params[j] = wasmToIRType(p)
		}
		if _, err := sess.Declare(funcNames[i], ret, params, false); err != nil {
			return err
		}
	}

	var memGlobal *ir.Global
	if len(m.memories) > 0 {
		pageBytes := uint64(m.memories[0].min) * 65536
		g, err := sess.CreateGlobal("__wasm_memory", ir.ArrayType(ir.I8Type(), pageBytes), nil, false, false, false)
		if err != nil {
			return err
		}
		memGlobal = g
	}

	for i := range m.code {
		idx := uint32(m.numFuncImports + i)
		if err := lowerFunction(sess, m, idx, funcNames, memGlobal); err != nil {
			return fmt.Errorf("wasm: function %d (%s): %w", idx, funcNames[idx], err)
		}
	}
	return nil
}

func lowerFunction(sess *session.Session, m *module, idx uint32, funcNames []string, memGlobal *ir.Global) error {
	ft := m.types[m.funcTypeIdx[idx-uint32(m.numFuncImports)]]
	ret := ir.VoidType()
	if len(ft.results) > 0 {
		ret = wasmToIRType(ft.results[0])
	}
	paramTypes := make([]ir.Type, len(ft.params))
	paramNames := make([]string, len(ft.params))
	for j, p := range ft.params {
		paramTypes[j] = wasmToIRType(p)
		paramNames[j] = fmt.Sprintf("p%d", j)
	}

	fn, err := sess.FuncBegin(funcNames[idx], ret, paramNames, paramTypes, false)
	if err != nil {
		return err
	}

	lc := &lowerCtx{sess: sess, mod: m, memGlobal: memGlobal, funcNames: funcNames}

	entry, err := lc.newBlock()
	if err != nil {
		return err
	}
	if err := lc.setBlock(entry); err != nil {
		return err
	}

	code := &m.code[idx-uint32(m.numFuncImports)]
	numLocals := len(ft.params)
	for _, g := range code.locals {
		numLocals += int(g.count)
	}
	lc.localSlots = make([]ir.VReg, numLocals)
	lc.localTypes = make([]ir.Type, numLocals)

	for i, pt := range paramTypes {
		slot, err := lc.alloca(pt)
		if err != nil {
			return err
		}
		lc.localSlots[i] = slot
		lc.localTypes[i] = pt
		if err := lc.store(slot, ir.VRegOperand(fn.ParamVRegs[i], pt)); err != nil {
			return err
		}
	}
	li := len(paramTypes)
	for _, g := range code.locals {
		t := wasmToIRType(g.typ)
		for j := uint32(0); j < g.count; j++ {
			slot, err := lc.alloca(t)
			if err != nil {
				return err
			}
			lc.localSlots[li] = slot
			lc.localTypes[li] = t
			if err := lc.store(slot, zeroOperand(t)); err != nil {
				return err
			}
			li++
		}
	}

	funcExit, err := lc.newBlock()
	if err != nil {
		return err
	}
	lc.ctrl = append(lc.ctrl, ctrlEntry{kind: ctrlBlock, cont: funcExit, resultType: ret, hasResult: ret.Kind != ir.Void})

	if err := lc.run(code.body); err != nil {
		return err
	}

	// Fall off the end of the body into the function-exit block and return whatever is left
	// on the stack (wasm's implicit "function body behaves like an outermost block").
	if err := lc.emitBr(funcExit); err != nil {
		return err
	}
	if err := lc.setBlock(funcExit); err != nil {
		return err
	}
	if ret.Kind == ir.Void {
		if _, err := sess.Emit(ir.Instruction{Op: ir.RetVoid}); err != nil {
			return err
		}
	} else {
		v, _, err := lc.pop()
		if err != nil {
			return err
		}
		if _, err := sess.Emit(ir.Instruction{Op: ir.Ret, ResultType: ret, Operands: []ir.Operand{ir.VRegOperand(v, ret)}}); err != nil {
			return err
		}
	}

	_, err = sess.FuncEnd()
	return err
}

func zeroOperand(t ir.Type) ir.Operand {
	if t.IsFloat() {
		return ir.ImmF64Operand(0, t)
	}
	return ir.ImmI64Operand(0, t)
}

func (lc *lowerCtx) alloca(t ir.Type) (ir.VReg, error) {
	v, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	_, err = lc.sess.Emit(ir.Instruction{Op: ir.Alloca, ResultType: ir.PtrType(), Dest: v, ElemType: t,
		Operands: []ir.Operand{ir.ImmI64Operand(1, ir.I32Type())}})
	return v, err
}

func (lc *lowerCtx) store(slot ir.VReg, val ir.Operand) error {
	_, err := lc.sess.Emit(ir.Instruction{Op: ir.Store, ElemType: val.Type,
		Operands: []ir.Operand{ir.VRegOperand(slot, ir.PtrType()), val}})
	return err
}

func (lc *lowerCtx) load(slot ir.VReg, t ir.Type) (ir.VReg, error) {
	v, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	_, err = lc.sess.Emit(ir.Instruction{Op: ir.Load, ResultType: t, Dest: v, ElemType: t,
		Operands: []ir.Operand{ir.VRegOperand(slot, ir.PtrType())}})
	return v, err
}

func (lc *lowerCtx) push(v ir.VReg, t ir.Type) {
	lc.vstack = append(lc.vstack, valueEntry{vreg: v, typ: t})
}

func (lc *lowerCtx) pop() (ir.VReg, ir.Type, error) {
	if len(lc.vstack) == 0 {
		return 0, ir.Type{}, fmt.Errorf("value stack underflow")
	}
	e := lc.vstack[len(lc.vstack)-1]
	lc.vstack = lc.vstack[:len(lc.vstack)-1]
	return e.vreg, e.typ, nil
}

func (lc *lowerCtx) newBlock() (ir.BlockID, error) {
	return lc.sess.Block()
}

func (lc *lowerCtx) setBlock(id ir.BlockID) error {
	if err := lc.sess.SetBlock(id); err != nil {
		return err
	}
	lc.cur = id
	return nil
}

func (lc *lowerCtx) emitBr(target ir.BlockID) error {
	_, err := lc.sess.Emit(ir.Instruction{Op: ir.Br, ResultType: ir.VoidType(),
		Operands: []ir.Operand{ir.BlockOperand(target)}})
	return err
}

func (lc *lowerCtx) emitCondBr(cond ir.VReg, thenB, elseB ir.BlockID) error {
	_, err := lc.sess.Emit(ir.Instruction{Op: ir.CondBr, ResultType: ir.VoidType(),
		Operands: []ir.Operand{ir.VRegOperand(cond, ir.I1Type()), ir.BlockOperand(thenB), ir.BlockOperand(elseB)}})
	return err
}

// toBool lowers a wasm i32 "truthy" test (`!= 0`) into an i1, the same pattern `if`/`br_if`/
// `select` all share.
func (lc *lowerCtx) toBool(v ir.VReg, t ir.Type) (ir.VReg, error) {
	dest, err := lc.sess.VReg()
	if err != nil {
		return 0, err
	}
	zero := zeroOperand(t)
	_, err = lc.sess.Emit(ir.Instruction{Op: ir.ICmp, ResultType: ir.I1Type(), Dest: dest, Predicate: ir.PredNE,
		Operands: []ir.Operand{ir.VRegOperand(v, t), zero}})
	return dest, err
}
