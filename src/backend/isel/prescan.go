package isel

import "liric/src/ir"

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// prescanResult is the one-pass analysis §4.4 step 1 asks for: static alloca slots, the set of
// vregs live at any point (for sizing the register allocator's interval table), which blocks
// receive phi copies, and the largest outgoing-argument area any call site in the function needs.
type prescanResult struct {
	staticAllocas map[ir.VReg]ir.Type // Constant-size allocas (in any block), keyed by dest vreg.
	dynamicAllocas map[ir.VReg]bool   // Non-constant-size allocas, excluded from the static slot table.
	defOrder      []ir.VReg            // Every value-producing vreg, in definition order (for linear scan).
	defBlock      map[ir.VReg]ir.BlockID
	lastUse       map[ir.VReg]int // Index into defOrder-relative program order of the last use, for interval end.
	phiBlocks     map[ir.BlockID]bool
	maxOutgoing   int // Largest stack-passed-argument byte count over every call site.
}

// ---------------------
// ----- Functions -----
// ---------------------

// prescanFunction walks fn's instructions exactly once, in block order, and gathers everything
// the frame-layout and register-allocation passes need.
func prescanFunction(fn *ir.Function) *prescanResult {
	ps := &prescanResult{
		staticAllocas:  make(map[ir.VReg]ir.Type),
		dynamicAllocas: make(map[ir.VReg]bool),
		defBlock:       make(map[ir.VReg]ir.BlockID),
		lastUse:        make(map[ir.VReg]int),
		phiBlocks:      make(map[ir.BlockID]bool),
	}

	pos := 0
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			pos++

			if inst.Op == ir.Alloca {
				if len(inst.Operands) == 1 && inst.Operands[0].Kind == ir.OperandImmI64 {
					ps.staticAllocas[inst.Dest] = inst.ElemType
				} else {
					ps.dynamicAllocas[inst.Dest] = true
				}
			}

			if inst.Op.ProducesValue() && inst.Dest != 0 {
				ps.defOrder = append(ps.defOrder, inst.Dest)
				ps.defBlock[inst.Dest] = blk.ID
			}

			for _, op := range inst.Operands {
				if op.Kind == ir.OperandVReg {
					ps.lastUse[op.VReg] = pos
				}
			}

			if inst.Op == ir.Phi {
				ps.phiBlocks[blk.ID] = true
			}

			if inst.Op == ir.Call {
				if n := outgoingArgBytes(inst); n > ps.maxOutgoing {
					ps.maxOutgoing = n
				}
			}
		}
	}
	return ps
}

// outgoingArgBytes estimates the stack-passed-argument footprint of a call site: every argument
// past a register budget of 6 (SysV's integer register count, the smaller of the SysV and AAPCS64
// integer budgets, applied to every argument since isel does not classify args by class) spills to
// the outgoing-args area, 8 bytes per slot.
func outgoingArgBytes(inst *ir.Instruction) int {
	const regArgs = 6
	n := len(inst.Operands)
	if inst.Callee == 0 && n > 0 {
		n-- // the last operand is the indirect callee target, not an argument.
	}
	if n <= regArgs {
		return 0
	}
	return (n - regArgs) * 8
}
