package objemit

import (
	"encoding/binary"
	"fmt"

	"liric/src/backend"
)

// ---------------------
// ----- Functions -----
// ---------------------

// applyReloc resolves one relocation in place against code, the way a static linker would, given
// the final virtual addresses of the patch site (p) and the target symbol (s). Used only by the
// executable builders (static and dynamic), which act as their own minimal linker for references
// they can resolve directly; an ET_REL object never calls this; see emitRelocatable.
func applyReloc(code []byte, offset int, kind backend.RelocKind, s, p uint64, addend int64) error {
	switch kind {
	case backend.RelocPCRel32:
		rel := int64(s) + addend - int64(p) // S+A-P; the addend carries the -4 to the field's end.
		if rel > 1<<31-1 || rel < -(1<<31) {
			return fmt.Errorf("objemit: PC-relative relocation out of range (%d)", rel)
		}
		binary.LittleEndian.PutUint32(code[offset:], uint32(int32(rel)))
	case backend.RelocAbs64:
		binary.LittleEndian.PutUint64(code[offset:], uint64(int64(s)+addend))
	case backend.RelocCall26:
		rel := int64(s) + addend - int64(p)
		if rel%4 != 0 {
			return fmt.Errorf("objemit: CALL26 target not 4-byte aligned")
		}
		imm26 := uint32((rel/4)&0x3FFFFFF)
		word := binary.LittleEndian.Uint32(code[offset:])
		word = (word &^ 0x3FFFFFF) | imm26
		binary.LittleEndian.PutUint32(code[offset:], word)
	case backend.RelocAdrPage21:
		pageTarget := (int64(s) + addend) &^ 0xFFF
		pageSite := int64(p) &^ 0xFFF
		delta := (pageTarget - pageSite) >> 12
		if delta > 1<<20-1 || delta < -(1<<20) {
			return fmt.Errorf("objemit: ADRP page delta out of range (%d)", delta)
		}
		immlo := uint32(delta) & 0x3
		immhi := (uint32(delta) >> 2) & 0x7FFFF
		word := binary.LittleEndian.Uint32(code[offset:])
		word = (word &^ (0x3 << 29)) | (immlo << 29)
		word = (word &^ (0x7FFFF << 5)) | (immhi << 5)
		binary.LittleEndian.PutUint32(code[offset:], word)
	case backend.RelocAddAbsLo12:
		lo12 := uint32((int64(s)+addend)&0xFFF) << 10
		word := binary.LittleEndian.Uint32(code[offset:])
		word = (word &^ (0xFFF << 10)) | lo12
		binary.LittleEndian.PutUint32(code[offset:], word)
	default:
		return fmt.Errorf("objemit: relocation kind %d cannot be resolved without a dynamic linker (GOT-relative)", kind)
	}
	return nil
}
