// Package arm64 implements the ISEL aarch64 emitter: machine code bytes for the ARM64 procedure
// call standard (AAPCS64), Liric's second supported architecture alongside amd64.
package arm64

// ----------------------------
// ----- Constants -----
// ----------------------------

// Integer register ids 0-30, plus 31 standing for either SP or XZR depending on instruction
// context (the encoder picks the right reading per field, as AAPCS64 itself does).
const (
	x0 = iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	fp // x29, the frame pointer.
	lr // x30, the link register.
)

const (
	sp  = 31
	xzr = 31
)

// scratchInt lists the caller-saved temporaries isel's allocator indexes into via Location.Reg.
// x16/x17 (the platform's intra-procedure-call scratch registers, IP0/IP1) are reserved as the
// emitter's own tempA/tempB rather than handed to a live vreg, mirroring amd64's r11/rbx split.
var scratchInt = [...]int{x9, x10, x11, x12, x13, x14}

// scratchFloat lists the Vn registers used for float scratch; v6/v7 are reserved as tempFA/tempFB.
var scratchFloat = [...]int{0, 1, 2, 3, 4, 5}

const (
	tempA = x16
	tempB = x17
)

const (
	tempFA = 6
	tempFB = 7
)

// argInt is the AAPCS64 integer argument-register order.
var argInt = [...]int{x0, x1, x2, x3, x4, x5, x6, x7}

// argFloat is the AAPCS64 vector argument-register order (v0-v7).
var argFloat = [...]int{0, 1, 2, 3, 4, 5, 6, 7}

func physInt(idx int) int   { return scratchInt[idx%len(scratchInt)] }
func physFloat(idx int) int { return scratchFloat[idx%len(scratchFloat)] }
