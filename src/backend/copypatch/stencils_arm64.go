package copypatch

import "liric/src/ir"

// ----------------------------
// ----- arm64 stencil encoding -----
// ----------------------------
//
// Mirrors stencils_amd64.go's role but targets AAPCS64: x0/x1 are the two scratch registers every
// stencil needs, value slots are addressed from sp, and every load/store/branch uses the same instruction
// shapes backend/isel/arm64/encode.go uses, kept as an independent minimal encoder for the reason
// noted in stencil.go's package doc.
const (
	aX0 = 0
	aX1 = 1
	aFp = 29
)

func le32Arm(w uint32) []byte {
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}

// ldrSlot emits `ldr rt, [sp, #0]` (unsigned 12-bit immediate, scaled by 8, placeholder zero) and
// returns the offset of the 4-byte instruction word holding that immediate (the whole word is the
// hole since the immediate is not byte-aligned inside it). Slots are addressed from sp rather than
// fp because LDR/STR's unsigned-immediate form only encodes non-negative offsets, and sp stays
// fixed for the whole function body after the prologue's single `sub sp, sp, #frameSize`, the same
// convention backend/isel/arm64 uses for its frame slots.
func ldrSlot(rt int) ([]byte, int) {
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b01 << 24) | (0b01 << 22) | (uint32(31) << 5) | uint32(rt)
	return le32Arm(w), 0
}

func strSlot(rt int) ([]byte, int) {
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b01 << 24) | (0b00 << 22) | (uint32(31) << 5) | uint32(rt)
	return le32Arm(w), 0
}

// patchLdrStrImm rewrites an already-emitted ldr/str-unsigned-immediate word's imm12 field (bits
// 21:10) to address byteOff from sp; used instead of the generic 4-byte patch() helper since
// aarch64 immediates are bit-packed into the instruction word, not byte-aligned.
func patchLdrStrImm(code []byte, wordOff int, byteOff int32) {
	w := uint32(code[wordOff]) | uint32(code[wordOff+1])<<8 | uint32(code[wordOff+2])<<16 | uint32(code[wordOff+3])<<24
	imm12 := uint32(byteOff/8) & 0xFFF
	w = (w &^ (0xFFF << 10)) | (imm12 << 10)
	code[wordOff] = byte(w)
	code[wordOff+1] = byte(w >> 8)
	code[wordOff+2] = byte(w >> 16)
	code[wordOff+3] = byte(w >> 24)
}

func addSubReg(op uint32, rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (op << 30) | (0b01011 << 24) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
	return le32Arm(w)
}

func logicalReg(opc uint32, rd, rn, rm int) []byte {
	w := (uint32(1) << 31) | (opc << 29) | (0b01010 << 24) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
	return le32Arm(w)
}

func cmpRegsArm(rn, rm int) []byte { return addSubReg(1, 31, rn, rm) } // subs xzr, rn, rm

const (
	acondEQ = 0x0
	acondNE = 0x1
	acondLT = 0xB
	acondLE = 0xD
	acondGT = 0xC
	acondGE = 0xA
	acondCC = 0x3
	acondLS = 0x9
	acondHI = 0x8
	acondCS = 0x2
)

func csetRegArm(rd int, cond uint32) []byte {
	inv := cond ^ 1
	w := (uint32(1) << 31) | (0b11010100 << 21) | (uint32(31) << 16) | (inv << 12) | (0b01 << 10) | (uint32(31) << 5) | uint32(rd)
	return le32Arm(w)
}

func buildBinStencilArm(addSubOp func(rd, rn, rm int) []byte) Stencil {
	var code []byte
	var holes []Hole

	la, _ := ldrSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotA})
	code = append(code, la...)

	lb, _ := ldrSlot(aX1)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotB})
	code = append(code, lb...)

	code = append(code, addSubOp(aX0, aX0, aX1)...)

	sd, _ := strSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotDst})
	code = append(code, sd...)

	return Stencil{Code: code, Holes: holes}
}

func condFor(p ir.Predicate) (uint32, bool) {
	switch p {
	case ir.PredEQ:
		return acondEQ, true
	case ir.PredNE:
		return acondNE, true
	case ir.PredSLT:
		return acondLT, true
	case ir.PredSLE:
		return acondLE, true
	case ir.PredSGT:
		return acondGT, true
	case ir.PredSGE:
		return acondGE, true
	case ir.PredULT:
		return acondCC, true
	case ir.PredULE:
		return acondLS, true
	case ir.PredUGT:
		return acondHI, true
	case ir.PredUGE:
		return acondCS, true
	default:
		return 0, false
	}
}

func buildICmpStencilArm(p ir.Predicate) (Stencil, bool) {
	cond, ok := condFor(p)
	if !ok {
		return Stencil{}, false
	}
	var code []byte
	var holes []Hole

	la, _ := ldrSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotA})
	code = append(code, la...)

	lb, _ := ldrSlot(aX1)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotB})
	code = append(code, lb...)

	code = append(code, cmpRegsArm(aX0, aX1)...)
	code = append(code, csetRegArm(aX0, cond)...)

	sd, _ := strSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotDst})
	code = append(code, sd...)

	return Stencil{Code: code, Holes: holes}, true
}

func buildLoadStencilArm() Stencil {
	var code []byte
	var holes []Hole
	la, _ := ldrSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotA})
	code = append(code, la...)
	// ldr x0, [x0] (unsigned-offset, imm12=0)
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b01 << 24) | (0b01 << 22) | (uint32(aX0) << 5) | uint32(aX0)
	code = append(code, le32Arm(w)...)
	sd, _ := strSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotDst})
	code = append(code, sd...)
	return Stencil{Code: code, Holes: holes}
}

func buildStoreStencilArm() Stencil {
	var code []byte
	var holes []Hole
	la, _ := ldrSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotA})
	code = append(code, la...)
	lb, _ := ldrSlot(aX1)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotB})
	code = append(code, lb...)
	// str x1, [x0]
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b01 << 24) | (0b00 << 22) | (uint32(aX0) << 5) | uint32(aX1)
	code = append(code, le32Arm(w)...)
	return Stencil{Code: code, Holes: holes}
}

func buildRetStencilArm() Stencil {
	la, _ := ldrSlot(aX0)
	return Stencil{Code: la, Holes: []Hole{{Offset: 0, Kind: HoleSlotA}}}
}

// buildBrStencilArm emits a placeholder unconditional B with a word-aligned imm26.
func buildBrStencilArm() Stencil {
	w := uint32(0b000101) << 26
	return Stencil{Code: le32Arm(w), Holes: []Hole{{Offset: 0, Kind: HoleBranchTrue}}}
}

func buildCondBrStencilArm() Stencil {
	var code []byte
	var holes []Hole
	la, _ := ldrSlot(aX0)
	holes = append(holes, Hole{Offset: len(code), Kind: HoleSlotA})
	code = append(code, la...)
	code = append(code, cmpRegsArm(aX0, 31)...) // subs xzr, x0, xzr
	bCondAt := len(code)
	bCondW := (uint32(0b01010100) << 24) | acondNE
	code = append(code, le32Arm(bCondW)...)
	holes = append(holes, Hole{Offset: bCondAt, Kind: HoleBranchTrue})
	bAt := len(code)
	code = append(code, le32Arm(uint32(0b000101)<<26)...)
	holes = append(holes, Hole{Offset: bAt, Kind: HoleBranchFalse})
	return Stencil{Code: code, Holes: holes}
}

var stencilCatalogArm64 = buildStencilCatalogArm64()
var icmpCatalogArm64 = buildICmpCatalogArm64()

func buildStencilCatalogArm64() map[ir.Opcode]Stencil {
	return map[ir.Opcode]Stencil{
		ir.Add:    buildBinStencilArm(addReg),
		ir.Sub:    buildBinStencilArm(subReg),
		ir.And:    buildBinStencilArm(func(rd, rn, rm int) []byte { return logicalReg(0b00, rd, rn, rm) }),
		ir.Or:     buildBinStencilArm(func(rd, rn, rm int) []byte { return logicalReg(0b01, rd, rn, rm) }),
		ir.Xor:    buildBinStencilArm(func(rd, rn, rm int) []byte { return logicalReg(0b10, rd, rn, rm) }),
		ir.Load:   buildLoadStencilArm(),
		ir.Store:  buildStoreStencilArm(),
		ir.Ret:    buildRetStencilArm(),
		ir.Br:     buildBrStencilArm(),
		ir.CondBr: buildCondBrStencilArm(),
	}
}

func addReg(rd, rn, rm int) []byte { return addSubReg(0, rd, rn, rm) }
func subReg(rd, rn, rm int) []byte { return addSubReg(1, rd, rn, rm) }

func buildICmpCatalogArm64() map[ir.Predicate]Stencil {
	cat := make(map[ir.Predicate]Stencil)
	for _, p := range []ir.Predicate{
		ir.PredEQ, ir.PredNE, ir.PredSLT, ir.PredSLE, ir.PredSGT, ir.PredSGE,
		ir.PredULT, ir.PredULE, ir.PredUGT, ir.PredUGE,
	} {
		if s, ok := buildICmpStencilArm(p); ok {
			cat[p] = s
		}
	}
	return cat
}

// frameSetupArm64 returns the prologue: stp-equivalent save of fp/lr via two pushes, mov fp,sp,
// sub sp,#frameSize, plus a str-to-slot for each incoming integer argument register.
func frameSetupArm64(frameSize int32, argSlotDisps []int32) []byte {
	var code []byte
	code = append(code, pushRegArm(30)...) // lr
	code = append(code, pushRegArm(29)...) // fp
	code = append(code, movRegRegArm(aFp, 31)...)
	if frameSize > 0 {
		code = append(code, addSubImmArm(1, 31, 31, uint32(frameSize))...)
	}
	for i, disp := range argSlotDisps {
		if i >= 8 {
			break
		}
		s, wordOff := strSlot(i)
		patchLdrStrImm(s, wordOff, disp)
		code = append(code, s...)
	}
	return code
}

func pushRegArm(rt int) []byte {
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b00 << 24) | (0b00 << 22) | (uint32(0x1FF&-16) << 12) | (0b11 << 10) | (uint32(31) << 5) | uint32(rt)
	return le32Arm(w)
}

func popRegArm(rt int) []byte {
	w := (uint32(0b11) << 30) | (0b111 << 27) | (0b00 << 24) | (0b01 << 22) | (uint32(16) << 12) | (0b01 << 10) | (uint32(31) << 5) | uint32(rt)
	return le32Arm(w)
}

func movRegRegArm(rd, rn int) []byte { return logicalReg(0b01, rd, 31, rn) } // mov is orr alias

func addSubImmArm(op uint32, rd, rn int, imm12 uint32) []byte {
	w := (uint32(1) << 31) | (op << 30) | (0b100010 << 23) | ((imm12 & 0xFFF) << 10) | (uint32(rn) << 5) | uint32(rd)
	return le32Arm(w)
}

func frameTeardownArm64(frameSize int32) []byte {
	var code []byte
	if frameSize > 0 {
		code = append(code, addSubImmArm(0, 31, 31, uint32(frameSize))...)
	}
	code = append(code, popRegArm(29)...)
	code = append(code, popRegArm(30)...)
	code = append(code, retRegArm(30)...)
	return code
}

func retRegArm(rn int) []byte {
	return le32Arm((0b1101011001011111000000 << 5) | uint32(rn))
}

func retVoidArm64(frameSize int32) []byte { return frameTeardownArm64(frameSize) }
