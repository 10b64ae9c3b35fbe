package isel

import (
	"fmt"

	"liric/src/backend/isel/codegen"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// phiNode is one Phi instruction's destination plus its (value, predecessor) operand pairs,
// indexed by the block it lives in.
type phiNode struct {
	dest     ir.VReg
	destType ir.Type
	incoming map[ir.BlockID]ir.Operand
}

// ---------------------
// ----- Functions -----
// ---------------------

// collectPhiEdges scans every block of fn for leading Phi instructions (the textual and binary
// IR both require phis first in a block) and indexes them by owning block, so the predecessor
// side of each edge can look up what to copy without rescanning the whole function per branch.
func collectPhiEdges(fn *ir.Function) map[ir.BlockID][]phiNode {
	out := make(map[ir.BlockID][]phiNode)
	for _, blk := range fn.Blocks {
		var nodes []phiNode
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			if inst.Op != ir.Phi {
				break
			}
			n := phiNode{dest: inst.Dest, destType: inst.ResultType, incoming: make(map[ir.BlockID]ir.Operand)}
			for j := 0; j+1 < len(inst.Operands); j += 2 {
				val, pred := inst.Operands[j], inst.Operands[j+1]
				n.incoming[pred.Block] = val
			}
			nodes = append(nodes, n)
		}
		if len(nodes) > 0 {
			out[blk.ID] = nodes
		}
	}
	return out
}

// emitPhiCopies lowers §4.4 step 5's "before any branch whose target begins with a phi, emit the
// parallel copies registered... in a safe order": for every successor of pred's terminator that
// has phi nodes, find the value incoming from pred and emit a copy into the phi's destination.
// Each copy is a synthetic `add dest_type dest, 0` instruction - the immediate-propagation rule
// (§4.4 step 3) collapses that to a plain register move in the emitter, so no separate "copy"
// opcode is needed anywhere in the IR or the Emitter interface.
//
// The copies of one edge are ordered by orderParallelCopies. Copies that form a cycle (phi A reads
// phi B's old value and vice versa) are not routed through a temporary; see orderParallelCopies
// for what such a batch produces.
func emitPhiCopies(ctx *codegen.EmitCtx, em codegen.Emitter, phis map[ir.BlockID][]phiNode, pred ir.BlockID, term *ir.Instruction) error {
	for _, succ := range successorsOf(term) {
		nodes, ok := phis[succ]
		if !ok {
			continue
		}
		copies := make([]ir.Instruction, 0, len(nodes))
		for _, n := range nodes {
			val, ok := n.incoming[pred]
			if !ok {
				return fmt.Errorf("phi in block%d has no incoming value from predecessor block%d", succ, pred)
			}
			copies = append(copies, ir.Instruction{
				Op: ir.Add, ResultType: n.destType, Dest: n.dest,
				Operands: []ir.Operand{val, ir.ImmI64Operand(0, n.destType)},
			})
		}
		for _, c := range orderParallelCopies(copies) {
			cp := c
			if err := em.Instruction(ctx, &cp); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderParallelCopies reorders a batch of "dest = src" copies (here modeled as `add src, 0`
// instructions) so that a copy overwriting a vreg another copy of the batch reads runs after the
// copies that do not: copies whose destination no other copy reads go first, the rest follow in
// program order. Every single-step dependency is settled this way; among the deferred copies a
// longer chain keeps program order, and a genuine cycle is emitted in program order with no
// temporary, so one side of the cycle reads the already-updated value.
func orderParallelCopies(copies []ir.Instruction) []ir.Instruction {
	srcOf := make(map[ir.VReg]bool, len(copies))
	for _, c := range copies {
		if c.Operands[0].Kind == ir.OperandVReg {
			srcOf[c.Operands[0].VReg] = true
		}
	}
	var ready, deferred []ir.Instruction
	for _, c := range copies {
		if srcOf[c.Dest] {
			deferred = append(deferred, c)
		} else {
			ready = append(ready, c)
		}
	}
	return append(ready, deferred...)
}

// successorsOf extracts the branch-target block operands from a terminator instruction.
func successorsOf(term *ir.Instruction) []ir.BlockID {
	var out []ir.BlockID
	switch term.Op {
	case ir.Br:
		out = append(out, term.Operands[0].Block)
	case ir.CondBr:
		out = append(out, term.Operands[1].Block, term.Operands[2].Block)
	}
	return out
}
