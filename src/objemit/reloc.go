package objemit

import (
	"debug/elf"
	"fmt"

	"liric/src/backend"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// relocSpec carries the ELF relocation type for both the direct (symbol is locally defined or
// will be resolved at static-link time) and PLT-indirected (symbol is an imported function called
// through the procedure linkage table) shape of the same backend.Patch, since the choice between
// the two is only known once it is clear whether the target symbol is locally defined.
type relocSpec struct {
	direct uint32
	plt    uint32
	got    uint32
}

// ---------------------
// ----- Functions -----
// ---------------------

// relocFor maps a backend.RelocKind produced by isel/copy-and-patch onto the ELF64 relocation
// type to emit for target t, per §4.8's explicit kind list: x86-64 uses R_X86_64_PC32/PLT32 for
// direct calls and R_X86_64_GOTPCRELX for indirect ones; aarch64 uses
// R_AARCH64_CALL26/ADR_PREL_PG_HI21/ADD_ABS_LO12_NC.
func relocFor(k backend.RelocKind, t backend.Target) (relocSpec, error) {
	switch t.Arch {
	case backend.X86_64:
		switch k {
		case backend.RelocPCRel32:
			return relocSpec{direct: uint32(elf.R_X86_64_PC32), plt: uint32(elf.R_X86_64_PLT32)}, nil
		case backend.RelocAbs64:
			return relocSpec{direct: uint32(elf.R_X86_64_64)}, nil
		case backend.RelocGOTPCRel32:
			return relocSpec{direct: uint32(elf.R_X86_64_GOTPCRELX), got: uint32(elf.R_X86_64_GOTPCRELX)}, nil
		default:
			return relocSpec{}, fmt.Errorf("objemit: reloc kind %d has no x86-64 ELF mapping", k)
		}
	case backend.AArch64:
		switch k {
		case backend.RelocCall26:
			return relocSpec{direct: uint32(elf.R_AARCH64_CALL26), plt: uint32(elf.R_AARCH64_CALL26)}, nil
		case backend.RelocAdrPage21:
			return relocSpec{direct: uint32(elf.R_AARCH64_ADR_PREL_PG_HI21)}, nil
		case backend.RelocAddAbsLo12:
			return relocSpec{direct: uint32(elf.R_AARCH64_ADD_ABS_LO12_NC)}, nil
		case backend.RelocAbs64:
			return relocSpec{direct: uint32(elf.R_AARCH64_ABS64)}, nil
		default:
			return relocSpec{}, fmt.Errorf("objemit: reloc kind %d has no aarch64 ELF mapping", k)
		}
	default:
		return relocSpec{}, fmt.Errorf("objemit: unsupported target arch %v", t.Arch)
	}
}

// jumpSlotType returns the PLT/GOT-populating relocation type a dynamic linker uses to bind an
// imported symbol, per architecture.
func jumpSlotType(t backend.Target) uint32 {
	if t.Arch == backend.AArch64 {
		return uint32(elf.R_AARCH64_JUMP_SLOT)
	}
	return uint32(elf.R_X86_64_JMP_SLOT)
}
