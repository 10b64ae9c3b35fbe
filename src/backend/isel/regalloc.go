package isel

import (
	"sort"

	"liric/src/backend"
	"liric/src/backend/isel/codegen"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// interval is one vreg's live range in linear program-point order, the unit the linear-scan
// allocator works over.
type interval struct {
	vreg    ir.VReg
	isFloat bool
	start   int
	end     int
}

// ---------------------
// ----- Functions -----
// ---------------------

// scratchCounts returns the number of caller-saved scratch registers ISEL prefers for
// short-lived values on t, per §4.4 step 3. Physical register numbering is architecture-specific
// and owned entirely by each emitter; isel only needs the count to decide when to spill.
func scratchCounts(t backend.Target) (ints, floats int) {
	switch t.Arch {
	case backend.X86_64:
		// rax, rcx, rdx, r8-r10, rdi (7 GPRs); r11 and rbx are reserved by the amd64 emitter as
		// always-available scratch for materializing immediates and spilled operands mid-
		// instruction, so they never appear here. xmm0-5 (6) for float, xmm6/xmm7 reserved the
		// same way.
		return 7, 6
	case backend.AArch64:
		// x9-x14 (6) are caller-saved temporaries outside the argument/result registers; x16/x17
		// are reserved by the arm64 emitter as scratch, mirroring amd64's tempA/tempB.
		return 6, 6
	default:
		return 4, 4
	}
}

// allocateRegisters runs linear-scan allocation over fn (§4.4 step 3): build one interval per
// vreg from prescan's def/last-use positions, walk them sorted by start point while keeping the
// active set bounded by the scratch register count. When a new interval needs a register and none
// is free, the earliest-starting active interval (an LRU victim policy) is spilled if it ends after
// the new one, otherwise the new interval is spilled. fr already has locals/outgoing-args laid out;
// this pass adds spill slots to it once spilling is known.
func allocateRegisters(fn *ir.Function, ps *prescanResult, fr *codegen.Frame, t backend.Target) *codegen.Alloc {
	alloc := codegen.NewAlloc()
	intervals := buildIntervals(fn, ps)
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start < intervals[j].start })

	nInt, nFloat := scratchCounts(t)
	var activeInt, activeFloat []*interval
	var spilled []ir.VReg

	for i := range intervals {
		iv := &intervals[i]
		if _, isAlloca := ps.staticAllocas[iv.vreg]; isAlloca {
			// Static allocas never occupy a register; the emitter computes their address on
			// demand from Frame.AllocaOffsets.
			continue
		}

		active, k := &activeInt, nInt
		if iv.isFloat {
			active, k = &activeFloat, nFloat
		}

		// Expire intervals that ended before this one starts.
		live := (*active)[:0:0]
		for _, a := range *active {
			if a.end > iv.start {
				live = append(live, a)
			}
		}
		*active = live

		if len(*active) < k {
			alloc.Loc[iv.vreg] = codegen.Location{Reg: len(*active), IsFloat: iv.isFloat}
			*active = append(*active, iv)
			continue
		}

		victim, victimIdx := oldestActive(*active)
		if victim.end > iv.end {
			// The oldest active value outlives iv: give iv its register and spill the victim
			// instead of the newcomer.
			alloc.Loc[iv.vreg] = alloc.Loc[victim.vreg]
			spilled = append(spilled, victim.vreg)
			(*active)[victimIdx] = iv
		} else {
			spilled = append(spilled, iv.vreg)
		}
	}

	reserveSpillSlots(fr, spilled)
	for _, v := range spilled {
		alloc.Loc[v] = codegen.Location{Spilled: true, SpillOff: fr.SpillOffsets[v]}
	}
	alloc.Clobbered = clobberedRegs(alloc)
	return alloc
}

// buildIntervals derives one interval per value-producing vreg from prescan's lastUse map and a
// fresh pass recording each vreg's definition position (prescan keeps definition order but not
// the numeric program point, which only the allocator needs).
func buildIntervals(fn *ir.Function, ps *prescanResult) []interval {
	defPos := make(map[ir.VReg]int, len(ps.defOrder))
	defType := make(map[ir.VReg]ir.Type, len(ps.defOrder))
	pc := 0
	for _, blk := range fn.Blocks {
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			pc++
			if inst.Op.ProducesValue() && inst.Dest != 0 {
				if _, ok := defPos[inst.Dest]; !ok {
					defPos[inst.Dest] = pc
					defType[inst.Dest] = inst.ResultType
				}
			}
		}
	}

	intervals := make([]interval, 0, len(ps.defOrder))
	for _, v := range ps.defOrder {
		end, ok := ps.lastUse[v]
		if !ok {
			end = defPos[v]
		}
		intervals = append(intervals, interval{
			vreg:    v,
			isFloat: defType[v].IsFloat(),
			start:   defPos[v],
			end:     end,
		})
	}
	return intervals
}

func oldestActive(active []*interval) (*interval, int) {
	oldest := active[0]
	idx := 0
	for i, a := range active {
		if a.start < oldest.start {
			oldest = a
			idx = i
		}
	}
	return oldest, idx
}

func clobberedRegs(alloc *codegen.Alloc) []int {
	seen := make(map[int]bool)
	var regs []int
	for _, loc := range alloc.Loc {
		if loc.Spilled {
			continue
		}
		if !seen[loc.Reg] {
			seen[loc.Reg] = true
			regs = append(regs, loc.Reg)
		}
	}
	sort.Ints(regs)
	return regs
}
