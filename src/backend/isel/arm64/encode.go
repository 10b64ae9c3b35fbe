package arm64

// ----------------------------
// ----- Functions -----
// ----------------------------
//
// Every aarch64 instruction is a fixed 4-byte little-endian word; the helpers below build the word
// as a uint32 and le32 converts it to bytes. As in the amd64 package, Liric's sub-64-bit integer
// types are kept zero/sign-extended across their whole Xn register, so the general-purpose
// arithmetic helpers only ever operate on the 64-bit (sf=1) encodings.

func le32(w uint32) []byte {
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}

// movWide builds the MOVZ/MOVN/MOVK family (opc 10/00/11), used to materialize 64-bit immediates
// in up to four 16-bit chunks.
func movWide(opc uint32, rd int, imm16 uint32, hw uint32) []byte {
	w := (uint32(1) << 31) | (opc << 29) | (0b100101 << 23) | (hw << 21) | (imm16 << 5) | uint32(rd)
	return le32(w)
}

// movImm64 emits the shortest movz+movk sequence materializing v into rd.
func movImm64(rd int, v int64) []byte {
	u := uint64(v)
	chunks := [4]uint32{uint32(u), uint32(u >> 16), uint32(u >> 32), uint32(u >> 48)}
	var out []byte
	first := true
	for hw, c := range chunks {
		if c == 0 && !(first && hw == 3) {
			continue
		}
		if first {
			out = append(out, movWide(0b10, rd, c&0xFFFF, uint32(hw))...)
			first = false
		} else {
			out = append(out, movWide(0b11, rd, c&0xFFFF, uint32(hw))...)
		}
	}
	if first {
		out = append(out, movWide(0b10, rd, 0, 0)...)
	}
	return out
}

// addSubReg builds ADD/SUB (shifted register, shift amount 0).
func addSubReg(op, s uint32, rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (op << 30) | (s << 29) | (0b01011 << 24) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

func addReg(rd, rn, rm int) []byte  { return addSubReg(0, 0, rd, rn, rm) }
func subReg(rd, rn, rm int) []byte  { return addSubReg(1, 0, rd, rn, rm) }
func cmpRegs(rn, rm int) []byte     { return addSubReg(1, 1, xzr, rn, rm) } // subs xzr, rn, rm
func movRegReg(rd, rn int) []byte   { return orrReg(rd, xzr, rn) }          // mov is an orr alias

// logicalReg builds AND/ORR/EOR (shifted register, shift 0). opc: 00=AND,01=ORR,10=EOR.
func logicalReg(opc uint32, rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (opc << 29) | (0b01010 << 24) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

func andReg(rd, rn, rm int) []byte { return logicalReg(0b00, rd, rn, rm) }
func orrReg(rd, rn, rm int) []byte { return logicalReg(0b01, rd, rn, rm) }
func eorReg(rd, rn, rm int) []byte { return logicalReg(0b10, rd, rn, rm) }

// mulReg emits MADD rd, rn, rm, xzr (the MUL alias).
func mulReg(rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (0b11011 << 24) | (uint32(rm) << 16) | (uint32(xzr) << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

// divReg emits SDIV/UDIV rd, rn, rm.
func divReg(signed bool, rd, rn, rm int) []byte {
	opcode := uint32(0b000010)
	if signed {
		opcode = 0b000011
	}
	w := (uint32(1) << 31) | (0b11010110 << 21) | (uint32(rm) << 16) | (opcode << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

// shiftReg emits LSLV/LSRV/ASRV rd, rn, rm (variable-count shifts).
func shiftReg(opcode uint32, rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (0b11010110 << 21) | (uint32(rm) << 16) | (opcode << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

const (
	lslvOp = 0b001000
	lsrvOp = 0b001001
	asrvOp = 0b001010
)

// condCodes mirrors AArch64's 4-bit condition field.
const (
	condEQ = 0x0
	condNE = 0x1
	condCS = 0x2 // unsigned >=
	condCC = 0x3 // unsigned <
	condHI = 0x8 // unsigned >
	condLS = 0x9 // unsigned <=
	condLT = 0xB
	condGE = 0xA
	condGT = 0xC
	condLE = 0xD
)

// csetReg emits CSET rd, cond (CSINC rd, xzr, xzr, invert(cond)).
func csetReg(rd int, cond uint32) []byte {
	inv := cond ^ 1 // condition codes are paired so that inverting flips the low bit.
	w := (uint32(1) << 31) | (0b11010100 << 21) | (uint32(xzr) << 16) | (inv << 12) | (0b01 << 10) | (uint32(xzr) << 5) | uint32(rd)
	return le32(w)
}

// cselReg emits CSEL rd, rn, rm, cond (rd = cond ? rn : rm), Select's branch-free lowering.
func cselReg(rd, rn, rm int, cond uint32) []byte {
	w := (uint32(1) << 31) | (0b11010100 << 21) | (uint32(rm) << 16) | (cond << 12) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

// ldrStrUnsigned builds the "Load/store register (unsigned immediate)" family; imm is a byte
// offset, pre-scaled by the access size internally.
func ldrStrUnsigned(size, opc uint32, rt, rn int, byteOff int32) []byte {
	scale := uint32(1) << size
	imm12 := uint32(byteOff) / scale
	w := (size << 30) | (0b111 << 27) | (0b01 << 24) | (opc << 22) | (imm12 << 10) | (uint32(rn) << 5) | uint32(rt)
	return le32(w)
}

func ldrImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b11, 0b01, rt, rn, byteOff) }
func strImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b11, 0b00, rt, rn, byteOff) }
func ldrwImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b10, 0b01, rt, rn, byteOff) }
func strwImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b10, 0b00, rt, rn, byteOff) }
func ldrhImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b01, 0b01, rt, rn, byteOff) }
func strhImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b01, 0b00, rt, rn, byteOff) }
func ldrbImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b00, 0b01, rt, rn, byteOff) }
func strbImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsigned(0b00, 0b00, rt, rn, byteOff) }

// ldrStrUnsignedV builds the SIMD&FP unsigned-immediate load/store family (V=1), the float
// counterpart to ldrStrUnsigned's general-register encoding.
func ldrStrUnsignedV(size, opc uint32, rt, rn int, byteOff int32) []byte {
	scale := uint32(1) << size
	imm12 := uint32(byteOff) / scale
	w := (size << 30) | (0b111 << 27) | (1 << 26) | (0b01 << 24) | (opc << 22) | (imm12 << 10) | (uint32(rn) << 5) | uint32(rt)
	return le32(w)
}

func ldrFpImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsignedV(0b11, 0b01, rt, rn, byteOff) }
func strFpImm(rt, rn int, byteOff int32) []byte { return ldrStrUnsignedV(0b11, 0b00, rt, rn, byteOff) }

// ldrStrIndexed builds pre/post-indexed single-register load/store, used for the prologue/
// epilogue's frame-pointer/link-register save (push/pop). idx: 0b11=pre-index, 0b01=post-index.
func ldrStrIndexed(opc, idx uint32, rt, rn int, imm9 int32) []byte {
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b00 << 24) | (opc << 22) | ((uint32(imm9) & 0x1FF) << 12) | (idx << 10) | (uint32(rn) << 5) | uint32(rt)
	return le32(w)
}

// pushReg emits `str rt, [sp, #-16]!`, keeping the stack 16-byte aligned one register at a time
// (the second half of the 16 bytes is simply unused padding, matching the rbx/rbp pairing amd64
// uses its own push pair for).
func pushReg(rt int) []byte { return ldrStrIndexed(0b00, 0b11, rt, sp, -16) }

// popReg emits `ldr rt, [sp], #16`.
func popReg(rt int) []byte { return ldrStrIndexed(0b01, 0b01, rt, sp, 16) }

// addSubImm builds ADD/SUB (immediate), used for stack-pointer adjustment with a 12-bit-or-less
// immediate (isel frames are expected to stay well under the 4095-byte single-instruction limit;
// a frame larger than that is not handled, see DESIGN.md).
func addSubImm(op uint32, rd, rn int, imm12 uint32) []byte {
	w := (uint32(1) << 31) | (op << 30) | (0b100010 << 23) | ((imm12 & 0xFFF) << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

func addImm(rd, rn int, imm12 uint32) []byte { return addSubImm(0, rd, rn, imm12) }
func subImm(rd, rn int, imm12 uint32) []byte { return addSubImm(1, rd, rn, imm12) }

// adrpPlaceholder/addLo12Placeholder emit the two-instruction symbol-address sequence, immediate
// fields zeroed; isel records RelocAdrPage21/RelocAddAbsLo12 patches at their offsets.
func adrpPlaceholder(rd int) []byte {
	w := (uint32(1) << 31) | (0b10000 << 24) | uint32(rd)
	return le32(w)
}

func addLo12Placeholder(rd, rn int) []byte { return addImm(rd, rn, 0) }

// blRel26/bRel26 build BL/B with a placeholder 26-bit immediate (word-aligned, so the patcher
// divides the byte displacement by 4).
func blRel26() []byte { return le32(0b100101 << 26) }
func bRel26() []byte  { return le32(0b000101 << 26) }

// bCond builds B.cond with a placeholder imm19.
func bCond(cond uint32) []byte {
	w := (uint32(0b01010100) << 24) | cond
	return le32(w)
}

// blrReg/retReg build an indirect call/return through a register.
func blrReg(rn int) []byte { return le32((0b1101011000111111000000 << 5) | uint32(rn)) }
func retReg(rn int) []byte { return le32((0b1101011001011111000000 << 5) | uint32(rn)) }

func ret() []byte { return retReg(lr) }

// brk emits BRK #0, the Unreachable trap.
func brk() []byte { return le32(0xD4200000) }

// ----- Scalar floating point (double precision unless noted) -----

// fpTwoSource builds FADD/FSUB/FMUL/FDIV (scalar). ftype: 0=single,1=double.
func fpTwoSource(ftype, opcode uint32, rd, rn, rm int) []byte {
	w := (0b11110 << 24) | (ftype << 22) | (1 << 21) | (uint32(rm) << 16) | (opcode << 12) | (0b10 << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

const (
	fmulOp = 0b0000
	fdivOp = 0b0001
	faddOp = 0b0010
	fsubOp = 0b0011
)

// fpOneSource builds the 1-source FP family (FNEG, FCVT, ...).
func fpOneSource(ftype, opcode uint32, rd, rn int) []byte {
	w := (0b11110 << 24) | (ftype << 22) | (1 << 21) | (opcode << 15) | (0b10000 << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

const (
	fnegOp    = 0b000010
	fcvtToSOp = 0b000100 // FCVT Sd, Dn (double -> single)
	fcvtToDOp = 0b000101 // FCVT Dd, Sn (single -> double)
)

// fcmpRegs builds FCMP Fn, Fm (sets condition flags, no destination register).
func fcmpRegs(ftype uint32, rn, rm int) []byte {
	w := (0b11110 << 24) | (ftype << 22) | (1 << 21) | (uint32(rm) << 16) | (0b1000 << 10) | (uint32(rn) << 5)
	return le32(w)
}

// convertIntFloat builds SCVTF/UCVTF/FCVTZS/FCVTZU (scalar, 64-bit general register <-> scalar
// float register).
func convertIntFloat(ftype, rmode, opcode uint32, rd, rn int) []byte {
	w := (uint32(1) << 31) | (0b11110 << 24) | (ftype << 22) | (1 << 21) | (rmode << 19) | (opcode << 16) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}

const (
	scvtfRmode, scvtfOp   = 0b00, 0b010
	ucvtfRmode, ucvtfOp   = 0b00, 0b011
	fcvtzsRmode, fcvtzsOp = 0b11, 0b000
	fcvtzuRmode, fcvtzuOp = 0b11, 0b001
)

// fmovRegReg builds FMOV Dd, Dn / Sd, Sn (register-to-register scalar move, no conversion).
func fmovRegReg(ftype uint32, rd, rn int) []byte {
	w := (0b11110 << 24) | (ftype << 22) | (1 << 21) | (0b000000 << 15) | (0b10000 << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32(w)
}
