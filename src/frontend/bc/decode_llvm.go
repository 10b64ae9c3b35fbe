//go:build liric_llvm

package bc

import (
	"fmt"

	"tinygo.org/x/go-llvm"

	"liric/src/ir"
	"liric/src/session"
)

// ----------------------------
// ----- Functions -----
// ----------------------------

// Decode parses data as LLVM bitcode and replays every function definition and declaration into
// sess, mapping LLVM opcodes and predicates onto Liric's opcode set 1:1 where a direct mapping
// exists (§4.2). Unsigned divides and remainders canonicalize to their signed siblings: Liric
// treats integers as bit patterns and keeps signedness solely in the opcode, so udiv/urem simply
// become sdiv/srem on the way in.
func Decode(sess *session.Session, data []byte) error {
	buf := llvm.NewMemoryBufferFromMemoryRangeCopy(data, "bitcode")
	ctx := llvm.NewContext()
	defer ctx.Dispose()

	mod, err := ctx.ParseBitcode(buf)
	if err != nil {
		return fmt.Errorf("bc: parse bitcode: %w", err)
	}
	defer mod.Dispose()

	d := &decoder{sess: sess, vregs: make(map[llvm.Value]ir.VReg), blocks: make(map[llvm.BasicBlock]ir.BlockID)}
	for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if err := d.declareOrDefine(fn); err != nil {
			return fmt.Errorf("bc: function %s: %w", fn.Name(), err)
		}
	}
	return nil
}

// decoder carries the per-module translation state: a map from LLVM values to the vregs that
// hold their translated result, and from LLVM basic blocks to their allocated BlockID, since LLVM
// blocks may be referenced (branch targets, phi predecessors) before they are visited.
type decoder struct {
	sess   *session.Session
	vregs  map[llvm.Value]ir.VReg
	blocks map[llvm.BasicBlock]ir.BlockID
}

func (d *decoder) declareOrDefine(fn llvm.Value) error {
	ret, params, vararg := translateFuncType(fn.GlobalValueType())

	if fn.BasicBlocksCount() == 0 {
		_, err := d.sess.Declare(fn.Name(), ret, params, vararg)
		return err
	}

	paramNames := make([]string, len(params))
	for i := range paramNames {
		paramNames[i] = fmt.Sprintf("p%d", i)
	}
	irFn, err := d.sess.FuncBegin(fn.Name(), ret, paramNames, params, vararg)
	if err != nil {
		return err
	}
	for i, p := range fn.Params() {
		d.vregs[p] = irFn.ParamVRegs[i]
	}

	d.blocks = make(map[llvm.BasicBlock]ir.BlockID)
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		id, err := d.sess.Block()
		if err != nil {
			return err
		}
		d.blocks[bb] = id
	}

	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		if err := d.sess.SetBlock(d.blocks[bb]); err != nil {
			return err
		}
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if err := d.translateInst(inst); err != nil {
				return fmt.Errorf("%s: %w", inst.Name(), err)
			}
		}
	}

	_, err = d.sess.FuncEnd()
	return err
}

func translateFuncType(t llvm.Type) (ret ir.Type, params []ir.Type, vararg bool) {
	ret = translateType(t.ReturnType())
	pts := t.ParamTypes()
	params = make([]ir.Type, len(pts))
	for i, pt := range pts {
		params[i] = translateType(pt)
	}
	return ret, params, t.IsFunctionVarArg()
}

func translateType(t llvm.Type) ir.Type {
	switch t.TypeKind() {
	case llvm.VoidTypeKind:
		return ir.VoidType()
	case llvm.IntegerTypeKind:
		switch t.IntTypeWidth() {
		case 1:
			return ir.I1Type()
		case 8:
			return ir.I8Type()
		case 16:
			return ir.I16Type()
		case 32:
			return ir.I32Type()
		default:
			return ir.I64Type()
		}
	case llvm.FloatTypeKind:
		return ir.F32Type()
	case llvm.DoubleTypeKind:
		return ir.F64Type()
	case llvm.PointerTypeKind:
		return ir.PtrType()
	case llvm.ArrayTypeKind:
		return ir.ArrayType(translateType(t.ElementType()), uint64(t.ArrayLength()))
	case llvm.StructTypeKind:
		fields := make([]ir.Type, t.StructElementTypesCount())
		for i, f := range t.StructElementTypes() {
			fields[i] = translateType(f)
		}
		return ir.StructType(fields, t.IsPackedStruct())
	default:
		return ir.I64Type()
	}
}

func (d *decoder) operand(v llvm.Value) ir.Operand {
	t := translateType(v.Type())
	if v.IsAGlobalValue() {
		sym := d.sess.Module().Intern(v.Name())
		return ir.GlobalOperand(sym, 0, t)
	}
	if v.IsConstant() {
		if v.Type().TypeKind() == llvm.FloatTypeKind || v.Type().TypeKind() == llvm.DoubleTypeKind {
			return ir.ImmF64Operand(v.Float(v.Type()), t)
		}
		return ir.ImmI64Operand(v.SExtValue(), t)
	}
	if reg, ok := d.vregs[v]; ok {
		return ir.VRegOperand(reg, t)
	}
	return ir.UndefOperand(t)
}

func icmpPredicate(p llvm.IntPredicate) ir.Predicate {
	switch p {
	case llvm.IntEQ:
		return ir.PredEQ
	case llvm.IntNE:
		return ir.PredNE
	case llvm.IntSLT:
		return ir.PredSLT
	case llvm.IntSLE:
		return ir.PredSLE
	case llvm.IntSGT:
		return ir.PredSGT
	case llvm.IntSGE:
		return ir.PredSGE
	case llvm.IntULT:
		return ir.PredULT
	case llvm.IntULE:
		return ir.PredULE
	case llvm.IntUGT:
		return ir.PredUGT
	case llvm.IntUGE:
		return ir.PredUGE
	default:
		return ir.PredEQ
	}
}

func fcmpPredicate(p llvm.FloatPredicate) ir.Predicate {
	switch p {
	case llvm.FloatOEQ:
		return ir.PredOEQ
	case llvm.FloatONE:
		return ir.PredONE
	case llvm.FloatOLT:
		return ir.PredOLT
	case llvm.FloatOLE:
		return ir.PredOLE
	case llvm.FloatOGT:
		return ir.PredOGT
	case llvm.FloatOGE:
		return ir.PredOGE
	default:
		return ir.PredOEQ
	}
}

func (d *decoder) translateInst(inst llvm.Value) error {
	resultType := translateType(inst.Type())
	var dest ir.VReg
	needsDest := resultType.Kind != ir.Void && inst.InstructionOpcode() != llvm.Store

	if needsDest {
		v, err := d.sess.VReg()
		if err != nil {
			return err
		}
		dest = v
		d.vregs[inst] = v
	}

	operands := make([]ir.Operand, inst.OperandsCount())
	for i := range operands {
		operands[i] = d.operand(inst.Operand(i))
	}

	op, pred, err := translateOpcode(inst)
	if err != nil {
		return err
	}

	built := ir.Instruction{Op: op, ResultType: resultType, Dest: dest, Operands: operands, Predicate: pred}

	switch inst.InstructionOpcode() {
	case llvm.Br:
		if inst.SuccessorsCount() == 1 {
			built.Operands = []ir.Operand{ir.BlockOperand(d.blocks[inst.Successor(0)])}
		} else {
			built.Operands = []ir.Operand{
				d.operand(inst.Condition()),
				ir.BlockOperand(d.blocks[inst.Successor(0)]),
				ir.BlockOperand(d.blocks[inst.Successor(1)]),
			}
		}
	case llvm.Call:
		callee := inst.CalledValue()
		if callee.IsAGlobalValue() && !callee.IsNil() {
			built.Callee = d.sess.Module().Intern(callee.Name())
			built.Operands = operands[:len(operands)-1] // drop the trailing callee-value operand
		}
	case llvm.Load, llvm.Store, llvm.GetElementPtr:
		built.ElemType = translateType(inst.Type())
	}

	_, err = d.sess.Emit(built)
	return err
}

// translateOpcode maps an LLVM instruction opcode (and, for icmp/fcmp, its predicate) onto the
// corresponding Liric opcode. Unsigned divide/remainder opcodes fold onto their signed Liric
// siblings per the frontend's stated canonicalization rule.
func translateOpcode(inst llvm.Value) (ir.Opcode, ir.Predicate, error) {
	switch inst.InstructionOpcode() {
	case llvm.Ret:
		if inst.OperandsCount() == 0 {
			return ir.RetVoid, 0, nil
		}
		return ir.Ret, 0, nil
	case llvm.Br:
		if inst.OperandsCount() == 1 {
			return ir.Br, 0, nil
		}
		return ir.CondBr, 0, nil
	case llvm.Unreachable:
		return ir.Unreachable, 0, nil
	case llvm.Add:
		return ir.Add, 0, nil
	case llvm.Sub:
		return ir.Sub, 0, nil
	case llvm.Mul:
		return ir.Mul, 0, nil
	case llvm.SDiv:
		return ir.SDiv, 0, nil
	case llvm.UDiv:
		return ir.SDiv, 0, nil // canonicalized per the bitcode frontend's contract: unsigned div/rem fold onto the signed opcode.
	case llvm.SRem:
		return ir.SRem, 0, nil
	case llvm.URem:
		return ir.SRem, 0, nil
	case llvm.And:
		return ir.And, 0, nil
	case llvm.Or:
		return ir.Or, 0, nil
	case llvm.Xor:
		return ir.Xor, 0, nil
	case llvm.Shl:
		return ir.Shl, 0, nil
	case llvm.LShr:
		return ir.LShr, 0, nil
	case llvm.AShr:
		return ir.AShr, 0, nil
	case llvm.FAdd:
		return ir.FAdd, 0, nil
	case llvm.FSub:
		return ir.FSub, 0, nil
	case llvm.FMul:
		return ir.FMul, 0, nil
	case llvm.FDiv:
		return ir.FDiv, 0, nil
	case llvm.FRem:
		return ir.FRem, 0, nil
	case llvm.FNeg:
		return ir.FNeg, 0, nil
	case llvm.ICmp:
		return ir.ICmp, icmpPredicate(inst.IntPredicate()), nil
	case llvm.FCmp:
		return ir.FCmp, fcmpPredicate(inst.FCmpPredicate()), nil
	case llvm.Alloca:
		return ir.Alloca, 0, nil
	case llvm.Load:
		return ir.Load, 0, nil
	case llvm.Store:
		return ir.Store, 0, nil
	case llvm.GetElementPtr:
		return ir.Gep, 0, nil
	case llvm.Call:
		return ir.Call, 0, nil
	case llvm.PHI:
		return ir.Phi, 0, nil
	case llvm.Select:
		return ir.Select, 0, nil
	case llvm.SExt:
		return ir.SExt, 0, nil
	case llvm.ZExt:
		return ir.ZExt, 0, nil
	case llvm.Trunc:
		return ir.Trunc, 0, nil
	case llvm.BitCast:
		return ir.Bitcast, 0, nil
	case llvm.PtrToInt:
		return ir.PtrToInt, 0, nil
	case llvm.IntToPtr:
		return ir.IntToPtr, 0, nil
	case llvm.SIToFP:
		return ir.SIToFP, 0, nil
	case llvm.UIToFP:
		return ir.UIToFP, 0, nil
	case llvm.FPToSI:
		return ir.FPToSI, 0, nil
	case llvm.FPToUI:
		return ir.FPToUI, 0, nil
	case llvm.FPExt:
		return ir.FPExt, 0, nil
	case llvm.FPTrunc:
		return ir.FPTrunc, 0, nil
	case llvm.ExtractValue:
		return ir.ExtractValue, 0, nil
	case llvm.InsertValue:
		return ir.InsertValue, 0, nil
	default:
		return 0, 0, fmt.Errorf("unsupported LLVM opcode %d", inst.InstructionOpcode())
	}
}
