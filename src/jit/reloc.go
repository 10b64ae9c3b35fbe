package jit

import (
	"encoding/binary"
	"fmt"

	"liric/src/backend"
)

// ----------------------------
// ----- Functions -----
// ----------------------------

// applyRelocation patches code in place: p.Offset is a byte offset into code, target is the final
// resolved address of p.Symbol, and base is the address code itself will execute from. The
// encodings mirror what backend/isel's per-opcode emitters leave behind at each patch site.
func applyRelocation(code []byte, base uintptr, p backend.Patch, target uintptr) error {
	off := p.Offset
	switch p.Kind {
	case backend.RelocAbs64:
		if off+8 > len(code) {
			return fmt.Errorf("jit: abs64 relocation at %d out of range (len %d)", off, len(code))
		}
		binary.LittleEndian.PutUint64(code[off:off+8], uint64(int64(target)+p.Addend))

	case backend.RelocPCRel32, backend.RelocGOTPCRel32:
		if off+4 > len(code) {
			return fmt.Errorf("jit: pcrel32 relocation at %d out of range (len %d)", off, len(code))
		}
		pc := int64(base) + int64(off) // ELF S+A-P: the Addend (-4 from isel) makes it relative to the field's end.
		rel := int64(target) + p.Addend - pc
		binary.LittleEndian.PutUint32(code[off:off+4], uint32(int32(rel)))

	case backend.RelocCall26:
		if off+4 > len(code) {
			return fmt.Errorf("jit: call26 relocation at %d out of range (len %d)", off, len(code))
		}
		pc := int64(base) + int64(off)
		rel := (int64(target) + p.Addend - pc) / 4
		instr := binary.LittleEndian.Uint32(code[off : off+4])
		instr = instr&^0x03ffffff | uint32(rel)&0x03ffffff
		binary.LittleEndian.PutUint32(code[off:off+4], instr)

	case backend.RelocAdrPage21:
		if off+4 > len(code) {
			return fmt.Errorf("jit: adrp relocation at %d out of range (len %d)", off, len(code))
		}
		pc := int64(base) + int64(off)
		pageRel := (int64(target)+p.Addend)>>12 - pc>>12
		instr := binary.LittleEndian.Uint32(code[off : off+4])
		immlo := uint32(pageRel) & 3
		immhi := (uint32(pageRel) >> 2) & 0x7ffff
		instr = instr&^(3<<29) | immlo<<29
		instr = instr&^(0x7ffff << 5) | immhi<<5
		binary.LittleEndian.PutUint32(code[off:off+4], instr)

	case backend.RelocAddAbsLo12:
		if off+4 > len(code) {
			return fmt.Errorf("jit: add-lo12 relocation at %d out of range (len %d)", off, len(code))
		}
		lo12 := uint32(int64(target)+p.Addend) & 0xfff
		instr := binary.LittleEndian.Uint32(code[off : off+4])
		instr = instr&^(0xfff << 10) | lo12<<10
		binary.LittleEndian.PutUint32(code[off:off+4], instr)

	default:
		return fmt.Errorf("jit: unsupported relocation kind %d", p.Kind)
	}
	return nil
}
