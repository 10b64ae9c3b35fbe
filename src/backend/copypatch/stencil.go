// Package copypatch implements Liric's copy-and-patch backend (§4.5): a catalog of precompiled
// machine code templates ("stencils"), one per supported opcode, copied byte-for-byte into the
// output buffer and then patched at a handful of known offsets (a frame-slot displacement, a
// branch target) rather than run through instruction selection at all. It trades isel's per-
// instruction encoding work for a memcpy plus a few word writes, at the cost of supporting only a
// small integer-only opcode subset and using a fixed memory slot per value instead of registers.
//
// The real copy-and-patch technique (Xu & Kjolstad) compiles each stencil once, offline, from a
// small C source file per opcode, and checks in the resulting object code. Liric cannot shell out
// to a C compiler here, so the stencil builder functions in stencils_amd64.go/stencils_arm64.go play
// that role at Go package-init time instead: they run once, emits the same machine code a real stencil
// compile would have produced, and the result is cached in a package-level catalog precisely as if
// it had been checked in as a []byte literal. See DESIGN.md for the tradeoff this accepts.
package copypatch

import (
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// HoleKind identifies what a Stencil's Hole offset needs patched with once the caller knows the
// function's frame layout and branch targets.
type HoleKind uint8

// Hole is one offset inside a Stencil's Code that CompileFunction must rewrite before the stencil
// is usable: a frame-slot displacement or a branch's relative immediate.
type Hole struct {
	Offset int
	Kind   HoleKind
	Size   int // Byte width of the field to overwrite (4, matching disp32/rel32 on both targets).
}

// Stencil is one opcode's precompiled template: raw machine code plus the list of holes that must
// be patched per call site before the bytes are valid.
type Stencil struct {
	Code  []byte
	Holes []Hole
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	HoleSlotA   HoleKind = iota // First operand's frame-slot displacement.
	HoleSlotB                   // Second operand's frame-slot displacement.
	HoleSlotDst                 // Destination's frame-slot displacement.
	HoleBranchTrue
	HoleBranchFalse
)

// ---------------------
// ----- Functions -----
// ---------------------

// patch overwrites the little-endian 32-bit field at off in code with v.
func patch(code []byte, off int, v int32) {
	u := uint32(v)
	code[off] = byte(u)
	code[off+1] = byte(u >> 8)
	code[off+2] = byte(u >> 16)
	code[off+3] = byte(u >> 24)
}

// instantiate copies s.Code and patches every hole whose kind is present in vals, leaving holes
// absent from vals untouched (a stencil with no branch holes ignores HoleBranchTrue, say).
func instantiate(s Stencil, vals map[HoleKind]int32) []byte {
	code := make([]byte, len(s.Code))
	copy(code, s.Code)
	for _, h := range s.Holes {
		if v, ok := vals[h.Kind]; ok {
			patch(code, h.Offset, v)
		}
	}
	return code
}

// supportedOpcodes lists every ir.Opcode copypatch can lower directly; anything else forces a
// whole-function fallback to backend/isel per §4.5.
func supportedOpcodes() map[ir.Opcode]bool {
	return map[ir.Opcode]bool{
		ir.Add: true, ir.Sub: true, ir.And: true, ir.Or: true, ir.Xor: true,
		ir.ICmp: true, ir.Load: true, ir.Store: true,
		ir.Br: true, ir.CondBr: true, ir.Ret: true, ir.RetVoid: true,
	}
}
