//go:build liric_llvm

package llvmbackend

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"tinygo.org/x/go-llvm"

	"liric/src/backend"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Backend rebuilds an ir.Module as an llvm.Module once per compile, runs an O0+always-inline
// pipeline over it, and hands execution to LLVM's own MCJIT engine rather than Liric's jit
// package - per §4.6, this backend's execution path is LLVM's, not Liric's. CompileFunction's
// per-function contract is kept only nominally: the real unit of work is the whole module, built
// lazily on first use and memoized here.
type Backend struct {
	target backend.Target

	once    sync.Once
	buildOK bool
	buildErr error

	ctx    llvm.Context
	mod    llvm.Module
	tm     llvm.TargetMachine
	engine llvm.ExecutionEngine

	fnVals  map[string]llvm.Value
	globals map[string]llvm.Value
	mod0    *ir.Module // The ir.Module last built, to detect a caller handing in a different one.
}

// ---------------------
// ----- Functions -----
// ---------------------

// New constructs the LLVM-backed backend for target t.
func New(t backend.Target) *Backend {
	return &Backend{target: t, fnVals: make(map[string]llvm.Value), globals: make(map[string]llvm.Value)}
}

func (b *Backend) Name() string       { return "llvm" }
func (b *Backend) Kind() backend.Kind { return backend.LLVM }

// Supports reports true unconditionally: with the liric_llvm tag present, LLVM itself is the
// fallback-of-last-resort lane and is expected to lower anything the IR can express.
func (b *Backend) Supports(fn *ir.Function, t backend.Target) bool { return true }

// CompileFunction builds (memoized) the whole module fn belongs to, JITs it via MCJIT, and returns
// a CompiledFunction whose Code is always nil - the real executable code lives inside LLVM's own
// JIT memory manager, reachable only through (*Backend).FunctionPointer, not through mmap'd bytes
// the way isel/copypatch hand code to Liric's own jit package. StackSymbol carries the function's
// linkage name so a caller that knows to ask LLVM instead of the generic jit executor can do so.
func (b *Backend) CompileFunction(fn *ir.Function, t backend.Target) (*backend.CompiledFunction, error) {
	if err := b.ensureBuilt(fn.Module); err != nil {
		return nil, err
	}
	if _, ok := b.fnVals[fn.Name]; !ok {
		return nil, fmt.Errorf("llvmbackend: function %q not found in the built module", fn.Name)
	}
	return &backend.CompiledFunction{Code: nil, StackSymbol: fn.Name}, nil
}

// FunctionPointer returns the MCJIT-resident callable address of name, for a caller that knows to
// invoke LLVM-compiled code directly rather than through Liric's own executable-memory path.
func (b *Backend) FunctionPointer(name string) (uintptr, error) {
	fv, ok := b.fnVals[name]
	if !ok {
		return 0, fmt.Errorf("llvmbackend: unknown function %q", name)
	}
	return uintptr(b.engine.PointerToGlobal(fv)), nil
}

// EmitObject builds mod (independently of any JIT engine) and writes its target object code to w,
// through TargetMachine.EmitToMemoryBuffer - this bypasses objemit's hand-rolled
// ELF writer entirely for the LLVM lane, since LLVM's own object emitter already produces a
// correct, relocatable object for the chosen target.
func EmitObject(mod *ir.Module, t backend.Target, w io.Writer) error {
	ctx := llvm.NewContext()
	defer ctx.Dispose()

	lm, _, tm, err := buildModule(ctx, mod, t)
	if err != nil {
		return err
	}
	defer tm.Dispose()

	buf, err := tm.EmitToMemoryBuffer(lm, llvm.ObjectFile)
	if err != nil {
		return err
	}
	if buf.IsNil() {
		return errors.New("llvmbackend: EmitToMemoryBuffer returned an empty buffer")
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// ensureBuilt builds b.mod/b.tm/b.engine from mod exactly once; a second call against a different
// *ir.Module is an error, since a Backend is meant to serve one compile.
func (b *Backend) ensureBuilt(mod *ir.Module) error {
	b.once.Do(func() {
		b.mod0 = mod
		b.ctx = llvm.NewContext()
		lm, fnVals, tm, err := buildModule(b.ctx, mod, b.target)
		if err != nil {
			b.buildErr = err
			return
		}
		b.mod = lm
		b.fnVals = fnVals
		b.tm = tm

		runO0AlwaysInline(lm)

		opts := llvm.NewMCJITCompilerOptions()
		opts.SetMCJITOptimizationLevel(0)
		engine, err := llvm.NewMCJITCompiler(lm, opts)
		if err != nil {
			b.buildErr = fmt.Errorf("llvmbackend: MCJIT init failed: %w", err)
			return
		}
		b.engine = engine
		b.buildOK = true
	})
	if b.mod0 != mod {
		return errors.New("llvmbackend: Backend instance reused across different modules")
	}
	if !b.buildOK {
		return b.buildErr
	}
	return nil
}

// runO0AlwaysInline mirrors §4.6's "O0+always-inline pipeline": LLVM's legacy PassManager running
// just the always-inliner, no other optimization, matching the teacher's own llvm.CodeGenLevelNone
// choice for EmitToMemoryBuffer (ir/llvm/transform.go) generalized to also cover the JIT path.
func runO0AlwaysInline(lm llvm.Module) {
	pm := llvm.NewPassManager()
	defer pm.Dispose()
	pm.AddAlwaysInlinerPass()
	pm.Run(lm)
}

// ----- Module construction -----

// buildModule rebuilds mod as an llvm.Module under ctx targeting t, returning the module, a
// lookup table of every defined/declared function's llvm.Value, and a configured TargetMachine.
// Grounded on ir/llvm/transform.go's GenLLVM: initialize targets, construct a triple, create a
// target machine with CodeGenLevelNone/RelocDefault/CodeModelDefault, and set the module's data
// layout/triple from it before emitting anything.
func buildModule(ctx llvm.Context, mod *ir.Module, t backend.Target) (llvm.Module, map[string]llvm.Value, llvm.TargetMachine, error) {
	llvm.InitializeAllTargetInfos()
	llvm.InitializeAllTargets()
	llvm.InitializeAllTargetMCs()
	llvm.InitializeAllAsmParsers()
	llvm.InitializeAllAsmPrinters()

	lm := ctx.NewModule("liric")

	triple, err := tripleFor(t)
	if err != nil {
		return lm, nil, llvm.TargetMachine{}, err
	}
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		return lm, nil, llvm.TargetMachine{}, fmt.Errorf("llvmbackend: %w", err)
	}
	tm := target.CreateTargetMachine(triple, "generic", "",
		llvm.CodeGenLevelNone, llvm.RelocDefault, llvm.CodeModelDefault)

	td := tm.CreateTargetData()
	defer td.Dispose()
	lm.SetDataLayout(td.String())
	lm.SetTarget(triple)

	c := &conv{ctx: ctx, mod: lm, lmod: mod, globals: make(map[string]llvm.Value), fnVals: make(map[string]llvm.Value)}

	for _, g := range mod.Globals() {
		if err := c.declareGlobal(g); err != nil {
			return lm, nil, tm, err
		}
	}
	for _, fn := range mod.Functions() {
		if err := c.declareFunction(fn); err != nil {
			return lm, nil, tm, err
		}
	}
	for _, fn := range mod.Functions() {
		if fn.IsDecl {
			continue
		}
		if err := c.buildFunctionBody(fn); err != nil {
			return lm, nil, tm, err
		}
	}

	return lm, c.fnVals, tm, nil
}

func tripleFor(t backend.Target) (string, error) {
	var arch string
	switch t.Arch {
	case backend.X86_64:
		arch = "x86_64"
	case backend.AArch64:
		arch = "aarch64"
	default:
		return "", fmt.Errorf("llvmbackend: unsupported arch %v", t.Arch)
	}
	return arch + "-unknown-linux-gnu", nil
}

// conv holds the state threaded through one module's worth of ir->llvm translation.
type conv struct {
	ctx     llvm.Context
	mod     llvm.Module
	lmod    *ir.Module
	globals map[string]llvm.Value
	fnVals  map[string]llvm.Value
}

// llType maps an ir.Type onto its llvm.Type, under the same opaque-pointer model the rest of
// Liric uses: every ir.Ptr becomes a generic i8* regardless of pointee, since Load/Store/Gep carry
// their element type explicitly rather than relying on pointee types the way classic LLVM IR does.
func (c *conv) llType(t ir.Type) llvm.Type {
	switch t.Kind {
	case ir.Void:
		return c.ctx.VoidType()
	case ir.I1:
		return c.ctx.Int1Type()
	case ir.I8:
		return c.ctx.Int8Type()
	case ir.I16:
		return c.ctx.Int16Type()
	case ir.I32:
		return c.ctx.Int32Type()
	case ir.I64:
		return c.ctx.Int64Type()
	case ir.F32:
		return c.ctx.FloatType()
	case ir.F64:
		return c.ctx.DoubleType()
	case ir.Ptr:
		return llvm.PointerType(c.ctx.Int8Type(), 0)
	case ir.Array:
		return llvm.ArrayType(c.llType(*t.Elem), int(t.ArrayLen))
	case ir.Struct:
		fields := make([]llvm.Type, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = c.llType(f)
		}
		return c.ctx.StructType(fields, t.Packed)
	case ir.FuncKind:
		params := make([]llvm.Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = c.llType(p)
		}
		return llvm.FunctionType(c.llType(*t.Ret), params, t.Vararg)
	default:
		return c.ctx.Int64Type()
	}
}

func (c *conv) declareGlobal(g *ir.Global) error {
	gv := llvm.AddGlobal(c.mod, c.llType(g.Type), g.Name)
	if g.IsExternal {
		gv.SetLinkage(llvm.ExternalLinkage)
	} else if g.IsLocal {
		gv.SetLinkage(llvm.InternalLinkage)
	}
	gv.SetGlobalConstant(g.IsConst)
	if g.Init != nil && !g.IsExternal {
		gv.SetInitializer(llvm.ConstString(string(g.Init), true))
	}
	c.globals[g.Name] = gv
	return nil
}

func (c *conv) declareFunction(fn *ir.Function) error {
	sig := fn.Signature()
	fv := llvm.AddFunction(c.mod, fn.Name, c.llType(sig))
	if fn.IsDecl {
		fv.SetLinkage(llvm.ExternalLinkage)
	}
	c.fnVals[fn.Name] = fv
	return nil
}

// buildFunctionBody translates one ir.Function's blocks and instructions. Every ir.Block maps to
// exactly one llvm.BasicBlock (Liric's IR is already in basic-block SSA form, so there is no
// statement-sequencing work left to do the way the teacher's ast->LLVM gen() does for structured
// control flow).
func (c *conv) buildFunctionBody(fn *ir.Function) error {
	fv := c.fnVals[fn.Name]
	b := c.ctx.NewBuilder()
	defer b.Dispose()

	blocks := make(map[ir.BlockID]llvm.BasicBlock, len(fn.Blocks))
	for _, blk := range fn.Blocks {
		blocks[blk.ID] = llvm.AddBasicBlock(fv, blk.Name())
	}

	vals := make(map[ir.VReg]llvm.Value)
	for i, v := range fn.ParamVRegs {
		vals[v] = fv.Param(i)
	}

	var pendingPhis []struct {
		phi llvm.Value
		inst *ir.Instruction
	}

	for _, blk := range fn.Blocks {
		b.SetInsertPointAtEnd(blocks[blk.ID])
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			if inst.Op == ir.Phi {
				ph := b.CreatePHI(c.llType(inst.ResultType), "")
				vals[inst.Dest] = ph
				pendingPhis = append(pendingPhis, struct {
					phi  llvm.Value
					inst *ir.Instruction
				}{ph, inst})
				continue
			}
			if err := c.instruction(b, fn, inst, vals, blocks); err != nil {
				return fmt.Errorf("llvmbackend: function %q: %w", fn.Name, err)
			}
		}
	}

	for _, p := range pendingPhis {
		for i := 0; i < len(p.inst.Operands); i += 2 {
			v := c.operand(fn, p.inst.Operands[i], vals)
			pred := blocks[p.inst.Operands[i+1].Block]
			p.phi.AddIncoming([]llvm.Value{v}, []llvm.BasicBlock{pred})
		}
	}

	return nil
}

func (c *conv) operand(fn *ir.Function, op ir.Operand, vals map[ir.VReg]llvm.Value) llvm.Value {
	switch op.Kind {
	case ir.OperandVReg:
		return vals[op.VReg]
	case ir.OperandImmI64:
		return llvm.ConstInt(c.llType(op.Type), uint64(op.ImmI64), true)
	case ir.OperandImmF64:
		return llvm.ConstFloat(c.llType(op.Type), op.ImmF64)
	case ir.OperandGlobal:
		name := fn.Module.SymbolName(op.Symbol)
		if v, ok := c.fnVals[name]; ok {
			return v
		}
		return c.globals[name]
	case ir.OperandNull:
		return llvm.ConstNull(c.llType(op.Type))
	default:
		return llvm.Undef(c.llType(op.Type))
	}
}

func predIs(op ir.Opcode) bool { return op == ir.ICmp || op == ir.FCmp }

var intPred = map[ir.Predicate]llvm.IntPredicate{
	ir.PredEQ: llvm.IntEQ, ir.PredNE: llvm.IntNE,
	ir.PredSLT: llvm.IntSLT, ir.PredSLE: llvm.IntSLE, ir.PredSGT: llvm.IntSGT, ir.PredSGE: llvm.IntSGE,
	ir.PredULT: llvm.IntULT, ir.PredULE: llvm.IntULE, ir.PredUGT: llvm.IntUGT, ir.PredUGE: llvm.IntUGE,
}

var floatPred = map[ir.Predicate]llvm.FloatPredicate{
	ir.PredOEQ: llvm.FloatOEQ, ir.PredONE: llvm.FloatONE,
	ir.PredOLT: llvm.FloatOLT, ir.PredOLE: llvm.FloatOLE, ir.PredOGT: llvm.FloatOGT, ir.PredOGE: llvm.FloatOGE,
}

// instruction translates one non-Phi, non-terminator-exempt ir.Instruction into LLVM IR through b.
func (c *conv) instruction(b llvm.Builder, fn *ir.Function, inst *ir.Instruction, vals map[ir.VReg]llvm.Value, blocks map[ir.BlockID]llvm.BasicBlock) error {
	op := func(i int) llvm.Value { return c.operand(fn, inst.Operands[i], vals) }
	set := func(v llvm.Value) { vals[inst.Dest] = v }

	switch inst.Op {
	case ir.Add:
		set(b.CreateAdd(op(0), op(1), ""))
	case ir.Sub:
		set(b.CreateSub(op(0), op(1), ""))
	case ir.Mul:
		set(b.CreateMul(op(0), op(1), ""))
	case ir.SDiv:
		set(b.CreateSDiv(op(0), op(1), ""))
	case ir.UDiv:
		set(b.CreateUDiv(op(0), op(1), ""))
	case ir.SRem:
		set(b.CreateSRem(op(0), op(1), ""))
	case ir.URem:
		set(b.CreateURem(op(0), op(1), ""))
	case ir.And:
		set(b.CreateAnd(op(0), op(1), ""))
	case ir.Or:
		set(b.CreateOr(op(0), op(1), ""))
	case ir.Xor:
		set(b.CreateXor(op(0), op(1), ""))
	case ir.Shl:
		set(b.CreateShl(op(0), op(1), ""))
	case ir.LShr:
		set(b.CreateLShr(op(0), op(1), ""))
	case ir.AShr:
		set(b.CreateAShr(op(0), op(1), ""))
	case ir.FAdd:
		set(b.CreateFAdd(op(0), op(1), ""))
	case ir.FSub:
		set(b.CreateFSub(op(0), op(1), ""))
	case ir.FMul:
		set(b.CreateFMul(op(0), op(1), ""))
	case ir.FDiv:
		set(b.CreateFDiv(op(0), op(1), ""))
	case ir.FRem:
		set(b.CreateFRem(op(0), op(1), ""))
	case ir.FNeg:
		set(b.CreateFNeg(op(0), ""))
	case ir.ICmp:
		p, ok := intPred[inst.Predicate]
		if !ok {
			return fmt.Errorf("icmp: unsupported predicate %s", inst.Predicate)
		}
		set(b.CreateICmp(p, op(0), op(1), ""))
	case ir.FCmp:
		p, ok := floatPred[inst.Predicate]
		if !ok {
			return fmt.Errorf("fcmp: unsupported predicate %s", inst.Predicate)
		}
		set(b.CreateFCmp(p, op(0), op(1), ""))
	case ir.Alloca:
		set(b.CreateAlloca(c.llType(inst.ElemType), ""))
	case ir.Load:
		set(b.CreateLoad(c.llType(inst.ElemType), op(0), ""))
	case ir.Store:
		b.CreateStore(op(1), op(0))
	case ir.Gep:
		base := op(0)
		idx := []llvm.Value{op(1)}
		set(b.CreateGEP(c.llType(inst.ElemType), base, idx, ""))
	case ir.Call:
		args := make([]llvm.Value, 0, len(inst.Operands))
		var callee llvm.Value
		if inst.Callee != 0 {
			callee = c.fnVals[fn.Module.SymbolName(inst.Callee)]
			for i := range inst.Operands {
				args = append(args, op(i))
			}
		} else {
			for i := 0; i < len(inst.Operands)-1; i++ {
				args = append(args, op(i))
			}
			callee = op(len(inst.Operands) - 1)
		}
		cv := b.CreateCall(c.llType(inst.ResultType), callee, args, "")
		if inst.ResultType.Kind != ir.Void {
			set(cv)
		}
	case ir.Select:
		set(b.CreateSelect(op(0), op(1), op(2), ""))
	case ir.SExt:
		set(b.CreateSExt(op(0), c.llType(inst.ResultType), ""))
	case ir.ZExt:
		set(b.CreateZExt(op(0), c.llType(inst.ResultType), ""))
	case ir.Trunc:
		set(b.CreateTrunc(op(0), c.llType(inst.ResultType), ""))
	case ir.Bitcast:
		set(b.CreateBitCast(op(0), c.llType(inst.ResultType), ""))
	case ir.PtrToInt:
		set(b.CreatePtrToInt(op(0), c.llType(inst.ResultType), ""))
	case ir.IntToPtr:
		set(b.CreateIntToPtr(op(0), c.llType(inst.ResultType), ""))
	case ir.SIToFP:
		set(b.CreateSIToFP(op(0), c.llType(inst.ResultType), ""))
	case ir.UIToFP:
		set(b.CreateUIToFP(op(0), c.llType(inst.ResultType), ""))
	case ir.FPToSI:
		set(b.CreateFPToSI(op(0), c.llType(inst.ResultType), ""))
	case ir.FPToUI:
		set(b.CreateFPToUI(op(0), c.llType(inst.ResultType), ""))
	case ir.FPExt:
		set(b.CreateFPExt(op(0), c.llType(inst.ResultType), ""))
	case ir.FPTrunc:
		set(b.CreateFPTrunc(op(0), c.llType(inst.ResultType), ""))
	case ir.ExtractValue:
		idx := make([]uint32, len(inst.Indices))
		for i, n := range inst.Indices {
			idx[i] = uint32(n)
		}
		set(b.CreateExtractValue(op(0), int(idx[0]), ""))
	case ir.InsertValue:
		idx := make([]uint32, len(inst.Indices))
		for i, n := range inst.Indices {
			idx[i] = uint32(n)
		}
		set(b.CreateInsertValue(op(0), op(1), int(idx[0]), ""))
	case ir.Ret:
		b.CreateRet(op(0))
	case ir.RetVoid:
		b.CreateRetVoid()
	case ir.Br:
		b.CreateBr(blocks[inst.Operands[0].Block])
	case ir.CondBr:
		b.CreateCondBr(op(0), blocks[inst.Operands[1].Block], blocks[inst.Operands[2].Block])
	case ir.Unreachable:
		b.CreateUnreachable()
	default:
		return fmt.Errorf("unhandled opcode %s", inst.Op)
	}
	return nil
}
