package copypatch

import (
	"liric/src/backend"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Backend is the copy-and-patch backend.Backend implementation (§4.5). It owns no catalog state
// of its own - the stencil tables are package-level, built once at init - and wraps a fallback
// backend (isel, in practice) for any function copy-and-patch's small integer-only catalog cannot
// cover.
type Backend struct {
	fallback backend.Backend
}

type pendingBranchCP struct {
	holeOffset int
	instrEnd   int
	target     ir.BlockID
}

// ---------------------
// ----- Functions -----
// ---------------------

// New constructs the copy-and-patch backend, falling back to fb for any function outside the
// stencil catalog.
func New(fb backend.Backend) *Backend { return &Backend{fallback: fb} }

func (b *Backend) Name() string       { return "copy_patch" }
func (b *Backend) Kind() backend.Kind { return backend.CopyPatch }

// Supports defers entirely to the fallback: copy-and-patch presents the same architecture
// coverage as isel, silently using its own catalog when a function fits and delegating otherwise.
func (b *Backend) Supports(fn *ir.Function, t backend.Target) bool {
	return b.fallback.Supports(fn, t)
}

// CompileFunction lowers fn with the stencil catalog if every instruction fits it, otherwise
// delegates the whole function to the fallback backend per §4.5.
func (b *Backend) CompileFunction(fn *ir.Function, t backend.Target) (*backend.CompiledFunction, error) {
	if !fitsCatalog(fn) {
		return b.fallback.CompileFunction(fn, t)
	}
	switch t.Arch {
	case backend.X86_64:
		return compileAmd64(fn)
	case backend.AArch64:
		return compileArm64(fn)
	default:
		return b.fallback.CompileFunction(fn, t)
	}
}

// fitsCatalog reports whether every instruction in fn is one the stencil catalog can express:
// opcode present, ICmp predicate present, and every value operand a plain vreg (stencils always
// load from a slot, so an immediate or global operand needs upstream materialization into a vreg
// that copy-and-patch cannot itself perform).
func fitsCatalog(fn *ir.Function) bool {
	if fn.Vararg || len(fn.ParamVRegs) > 6 {
		// 6 is amd64's integer argument register count, the tighter of the two catalogs; a
		// function with more params than that falls back to isel on both architectures rather
		// than the stencil catalog silently dropping stack-passed arguments.
		return false
	}
	ops := supportedOpcodes()
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			if !ops[inst.Op] {
				return false
			}
			if inst.Op == ir.ICmp {
				if _, ok := cmpCCFor(inst.Predicate); !ok {
					return false
				}
			}
			for _, o := range inst.Operands {
				switch o.Kind {
				case ir.OperandVReg, ir.OperandBlock:
				default:
					return false
				}
			}
		}
	}
	return true
}

// assignSlots gives every vreg fn defines or receives as a parameter its own 8-byte frame slot, in
// first-appearance order (parameters first).
func assignSlots(fn *ir.Function) map[ir.VReg]int {
	slots := make(map[ir.VReg]int)
	next := 0
	for _, v := range fn.ParamVRegs {
		if _, ok := slots[v]; !ok {
			slots[v] = next
			next++
		}
	}
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			if inst.Dest != 0 {
				if _, ok := slots[inst.Dest]; !ok {
					slots[inst.Dest] = next
					next++
				}
			}
			for _, o := range inst.Operands {
				if o.Kind == ir.OperandVReg {
					if _, ok := slots[o.VReg]; !ok {
						slots[o.VReg] = next
						next++
					}
				}
			}
		}
	}
	return slots
}

// ----- amd64 -----

func compileAmd64(fn *ir.Function) (*backend.CompiledFunction, error) {
	slots := assignSlots(fn)
	frameSize := alignUp(8*len(slots), 16)

	dispOf := func(v ir.VReg) int32 { return -int32(8 * (slots[v] + 1)) }

	var code []byte
	argDisps := make([]int32, len(fn.ParamVRegs))
	for i, v := range fn.ParamVRegs {
		argDisps[i] = dispOf(v)
	}
	code = append(code, frameSetupAmd64(int32(frameSize), argDisps)...)

	blockOffs := make(map[ir.BlockID]int)
	var pending []pendingBranchCP

	for _, blk := range fn.Blocks {
		blockOffs[blk.ID] = len(code)
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			switch inst.Op {
			case ir.Add, ir.Sub, ir.And, ir.Or, ir.Xor:
				s := stencilCatalogAmd64[inst.Op]
				vals := map[HoleKind]int32{
					HoleSlotA:   dispOf(inst.Operands[0].VReg),
					HoleSlotB:   dispOf(inst.Operands[1].VReg),
					HoleSlotDst: dispOf(inst.Dest),
				}
				code = append(code, instantiate(s, vals)...)
			case ir.ICmp:
				s := icmpCatalogAmd64[inst.Predicate]
				vals := map[HoleKind]int32{
					HoleSlotA:   dispOf(inst.Operands[0].VReg),
					HoleSlotB:   dispOf(inst.Operands[1].VReg),
					HoleSlotDst: dispOf(inst.Dest),
				}
				code = append(code, instantiate(s, vals)...)
			case ir.Load:
				s := stencilCatalogAmd64[ir.Load]
				vals := map[HoleKind]int32{HoleSlotA: dispOf(inst.Operands[0].VReg), HoleSlotDst: dispOf(inst.Dest)}
				code = append(code, instantiate(s, vals)...)
			case ir.Store:
				s := stencilCatalogAmd64[ir.Store]
				vals := map[HoleKind]int32{
					HoleSlotA: dispOf(inst.Operands[0].VReg),
					HoleSlotB: dispOf(inst.Operands[1].VReg),
				}
				code = append(code, instantiate(s, vals)...)
			case ir.Ret:
				s := stencilCatalogAmd64[ir.Ret]
				code = append(code, instantiate(s, map[HoleKind]int32{HoleSlotA: dispOf(inst.Operands[0].VReg)})...)
				code = append(code, frameTeardownAmd64()...)
			case ir.RetVoid:
				code = append(code, retVoidAmd64()...)
			case ir.Br:
				at := len(code)
				code = append(code, buildBrStencil().Code...)
				pending = append(pending, pendingBranchCP{holeOffset: at + 1, instrEnd: at + 5, target: inst.Operands[0].Block})
			case ir.CondBr:
				s := buildCondBrStencil()
				at := len(code)
				code = append(code, instantiate(s, map[HoleKind]int32{HoleSlotA: dispOf(inst.Operands[0].VReg)})...)
				// The two branch holes sit at fixed offsets within this stencil shape: the jne's
				// imm32 two bytes after its own start (0F 85), the jmp's imm32 one byte after its start.
				jneHole := at + s.Holes[1].Offset
				jmpHole := at + s.Holes[2].Offset
				pending = append(pending, pendingBranchCP{holeOffset: jneHole, instrEnd: jneHole + 4, target: inst.Operands[1].Block})
				pending = append(pending, pendingBranchCP{holeOffset: jmpHole, instrEnd: jmpHole + 4, target: inst.Operands[2].Block})
			}
		}
	}

	for _, pb := range pending {
		rel := int32(blockOffs[pb.target] - pb.instrEnd)
		patch(code, pb.holeOffset, rel)
	}

	return &backend.CompiledFunction{Code: code, FrameSize: frameSize}, nil
}

// ----- arm64 -----

func compileArm64(fn *ir.Function) (*backend.CompiledFunction, error) {
	slots := assignSlots(fn)
	frameSize := alignUp(8*len(slots), 16)

	dispOf := func(v ir.VReg) int32 { return int32(8 * slots[v]) }

	var code []byte
	argDisps := make([]int32, len(fn.ParamVRegs))
	for i, v := range fn.ParamVRegs {
		argDisps[i] = dispOf(v)
	}
	code = append(code, frameSetupArm64(int32(frameSize), argDisps)...)

	blockOffs := make(map[ir.BlockID]int)
	var pending []pendingBranchCP

	instArm := func(s Stencil, slotVals map[HoleKind]ir.VReg) []byte {
		out := make([]byte, len(s.Code))
		copy(out, s.Code)
		for _, h := range s.Holes {
			if v, ok := slotVals[h.Kind]; ok {
				patchLdrStrImm(out, h.Offset, dispOf(v))
			}
		}
		return out
	}

	for _, blk := range fn.Blocks {
		blockOffs[blk.ID] = len(code)
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			switch inst.Op {
			case ir.Add, ir.Sub, ir.And, ir.Or, ir.Xor:
				s := stencilCatalogArm64[inst.Op]
				code = append(code, instArm(s, map[HoleKind]ir.VReg{
					HoleSlotA: inst.Operands[0].VReg, HoleSlotB: inst.Operands[1].VReg, HoleSlotDst: inst.Dest,
				})...)
			case ir.ICmp:
				s := icmpCatalogArm64[inst.Predicate]
				code = append(code, instArm(s, map[HoleKind]ir.VReg{
					HoleSlotA: inst.Operands[0].VReg, HoleSlotB: inst.Operands[1].VReg, HoleSlotDst: inst.Dest,
				})...)
			case ir.Load:
				s := stencilCatalogArm64[ir.Load]
				code = append(code, instArm(s, map[HoleKind]ir.VReg{HoleSlotA: inst.Operands[0].VReg, HoleSlotDst: inst.Dest})...)
			case ir.Store:
				s := stencilCatalogArm64[ir.Store]
				code = append(code, instArm(s, map[HoleKind]ir.VReg{HoleSlotA: inst.Operands[0].VReg, HoleSlotB: inst.Operands[1].VReg})...)
			case ir.Ret:
				s := stencilCatalogArm64[ir.Ret]
				code = append(code, instArm(s, map[HoleKind]ir.VReg{HoleSlotA: inst.Operands[0].VReg})...)
				code = append(code, frameTeardownArm64(int32(frameSize))...)
			case ir.RetVoid:
				code = append(code, retVoidArm64(int32(frameSize))...)
			case ir.Br:
				at := len(code)
				code = append(code, buildBrStencilArm().Code...)
				pending = append(pending, pendingBranchCP{holeOffset: at, instrEnd: at, target: inst.Operands[0].Block})
			case ir.CondBr:
				s := buildCondBrStencilArm()
				at := len(code)
				code = append(code, instArm(s, map[HoleKind]ir.VReg{HoleSlotA: inst.Operands[0].VReg})...)
				trueAt := at + s.Holes[1].Offset
				falseAt := at + s.Holes[2].Offset
				pending = append(pending, pendingBranchCP{holeOffset: trueAt, instrEnd: trueAt, target: inst.Operands[1].Block})
				pending = append(pending, pendingBranchCP{holeOffset: falseAt, instrEnd: falseAt, target: inst.Operands[2].Block})
			}
		}
	}

	for _, pb := range pending {
		rel := blockOffs[pb.target] - pb.instrEnd
		patchArmBranch(code, pb.holeOffset, int32(rel))
	}

	return &backend.CompiledFunction{Code: code, FrameSize: frameSize}, nil
}

// patchArmBranch rewrites a B or B.cond word's word-aligned relative immediate, choosing the
// imm26 or imm19 field by inspecting the opcode bits already present, mirroring
// backend/isel/arm64's ResolveBranch.
func patchArmBranch(code []byte, wordOff int, byteRel int32) {
	w := uint32(code[wordOff]) | uint32(code[wordOff+1])<<8 | uint32(code[wordOff+2])<<16 | uint32(code[wordOff+3])<<24
	imm := uint32(byteRel/4)
	if w>>26 == 0b000101 {
		w = (w &^ 0x3FFFFFF) | (imm & 0x3FFFFFF)
	} else {
		w = (w &^ (0x7FFFF << 5)) | ((imm & 0x7FFFF) << 5)
	}
	code[wordOff] = byte(w)
	code[wordOff+1] = byte(w >> 8)
	code[wordOff+2] = byte(w >> 16)
	code[wordOff+3] = byte(w >> 24)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
