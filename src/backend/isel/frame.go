package isel

import (
	"liric/src/backend"
	"liric/src/backend/isel/codegen"
	"liric/src/ir"
)

// ---------------------
// ----- Functions -----
// ---------------------

// layoutFrame computes fn's stack frame per §4.4 step 2: a saved-registers region, then locals
// (static allocas), then the outgoing-argument area, aligned to the target's stack alignment (16
// bytes on both supported architectures). Spill slots are not placed here, since their count is
// not known until allocation runs: allocateRegisters calls reserveSpillSlots, which records them in
// Frame.SpillOffsets between the locals and the outgoing-argument area and grows the frame a
// second time.
func layoutFrame(fn *ir.Function, ps *prescanResult, t backend.Target) *codegen.Frame {
	const stackAlign = 16
	fr := codegen.NewFrame()

	// Every callee-saved register the allocator might clobber gets one word of save space;
	// over-reserving a little here is cheaper than a second allocation pass just to find out.
	fr.SavedRegsSize = 8 * 6

	off := fr.SavedRegsSize
	for _, v := range orderedAllocaVRegs(ps) {
		elemType := ps.staticAllocas[v]
		size := elemType.Size(t.WordSize())
		align := elemType.Align(t.WordSize())
		off = codegen.AlignUp(off, align)
		fr.AllocaOffsets[v] = off
		off += size
	}

	fr.OutgoingArgs = ps.maxOutgoing
	off += fr.OutgoingArgs

	fr.Size = codegen.AlignUp(off, stackAlign)
	return fr
}

// orderedAllocaVRegs returns the static-alloca vregs in a deterministic order (definition order)
// so two compiles of the same function produce byte-identical frames, which the materialization
// cache's content-hash scheme depends on.
func orderedAllocaVRegs(ps *prescanResult) []ir.VReg {
	seen := make(map[ir.VReg]bool, len(ps.staticAllocas))
	var order []ir.VReg
	for _, v := range ps.defOrder {
		if _, ok := ps.staticAllocas[v]; ok && !seen[v] {
			seen[v] = true
			order = append(order, v)
		}
	}
	return order
}

// reserveSpillSlots grows fr to make room for one 8-byte spill slot per vreg in vregs, placed
// after the locals and before the outgoing-args area, realigning to the stack alignment.
func reserveSpillSlots(fr *codegen.Frame, vregs []ir.VReg) {
	const stackAlign = 16
	off := fr.Size - fr.OutgoingArgs // insert spill slots before the outgoing-args area
	for _, v := range vregs {
		fr.SpillOffsets[v] = off
		off += 8
	}
	off += fr.OutgoingArgs
	fr.Size = codegen.AlignUp(off, stackAlign)
}
