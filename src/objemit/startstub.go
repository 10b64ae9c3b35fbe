package objemit

import "encoding/binary"

// ---------------------
// ----- Functions -----
// ---------------------

// startStubAmd64 returns a tiny _start that calls the entry function and exits with its return
// value, the "custom start stub that calls the chosen entry symbol and exits via the raw syscall"
// §4.8 requires for a static executable. entryRel is the call's rel32 operand, relative to the
// byte immediately following the call instruction, which the caller computes once final virtual
// addresses are known (the stub itself is built after section layout is fixed, so this is passed
// in rather than patched after the fact the way a cross-function call would be).
func startStubAmd64(entryRel int32) []byte {
	buf := make([]byte, 0, 14)
	buf = append(buf, 0xE8) // call rel32
	var rel [4]byte
	binary.LittleEndian.PutUint32(rel[:], uint32(entryRel))
	buf = append(buf, rel[:]...)
	buf = append(buf, 0x89, 0xC7) // mov edi, eax
	buf = append(buf, 0xB8, 0x3C, 0x00, 0x00, 0x00) // mov eax, 60 (sys_exit)
	buf = append(buf, 0x0F, 0x05) // syscall
	return buf
}

// startStubArm64 is startStubAmd64's aarch64 equivalent: bl entry, then exit(x0) via SVC.
func startStubArm64(entryRel int32) []byte {
	buf := make([]byte, 0, 12)
	imm26 := uint32(entryRel/4) & 0x3FFFFFF
	bl := (uint32(0b100101) << 26) | imm26
	buf = append(buf, le32(bl)...)
	// movz x8, #93 (sys_exit)
	movz := (uint32(1) << 31) | (uint32(0b10) << 29) | (uint32(0b100101) << 23) | (uint32(93) << 5) | 8
	buf = append(buf, le32(movz)...)
	buf = append(buf, le32(0xD4000001)...) // svc #0
	return buf
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
