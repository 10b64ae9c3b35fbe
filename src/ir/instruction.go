package ir

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Opcode identifies the operation an Instruction performs.
type Opcode uint8

// Predicate is the comparison predicate slot used by ICmp/FCmp.
type Predicate uint8

// CallFlags carries call-site metadata for the Call opcode.
type CallFlags struct {
	ExternalABI bool // Target uses the platform C ABI rather than Liric's own calling convention.
	Vararg      bool // Call site passes a variable tail of arguments.
	FixedArgs   int  // Number of fixed (non-variadic) arguments, for ABI shadowing on x86-64.
}

// Instruction is Liric's single, uniform instruction shape: an opcode, a result type, a
// destination vreg (VReg 0 if the opcode produces no value), an ordered operand list, an optional
// index list for ExtractValue/InsertValue, a comparison predicate slot, and call-site flags.
type Instruction struct {
	Op         Opcode
	ResultType Type
	Dest       VReg
	Operands   []Operand
	Indices    []int64
	Predicate  Predicate
	Call       CallFlags
	Callee     SymbolID // Direct call target for Op == Call with a known callee; 0 if indirect.
	ElemType   Type     // Element type carried explicitly by Load/Store/Gep (opaque-pointer model).
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	Ret Opcode = iota
	RetVoid
	Br
	CondBr
	Unreachable

	Add
	Sub
	Mul
	SDiv
	SRem
	UDiv
	URem
	And
	Or
	Xor
	Shl
	LShr
	AShr

	FAdd
	FSub
	FMul
	FDiv
	FRem
	FNeg

	ICmp
	FCmp

	Alloca
	Load
	Store
	Gep

	Call

	Phi
	Select

	SExt
	ZExt
	Trunc
	Bitcast
	PtrToInt
	IntToPtr
	SIToFP
	UIToFP
	FPToSI
	FPToUI
	FPExt
	FPTrunc

	ExtractValue
	InsertValue
)

const (
	PredEQ Predicate = iota
	PredNE
	PredSLT
	PredSLE
	PredSGT
	PredSGE
	PredULT
	PredULE
	PredUGT
	PredUGE
	PredOEQ
	PredONE
	PredOLT
	PredOLE
	PredOGT
	PredOGE
)

// -------------------
// ----- Globals -----
// -------------------

var opcodeNames = [...]string{
	"ret", "ret_void", "br", "condbr", "unreachable",
	"add", "sub", "mul", "sdiv", "srem", "udiv", "urem", "and", "or", "xor", "shl", "lshr", "ashr",
	"fadd", "fsub", "fmul", "fdiv", "frem", "fneg",
	"icmp", "fcmp",
	"alloca", "load", "store", "gep",
	"call",
	"phi", "select",
	"sext", "zext", "trunc", "bitcast", "ptrtoint", "inttoptr", "sitofp", "uitofp", "fptosi", "fptoui", "fpext", "fptrunc",
	"extractvalue", "insertvalue",
}

var predicateNames = [...]string{
	"eq", "ne", "slt", "sle", "sgt", "sge", "ult", "ule", "ugt", "uge",
	"oeq", "one", "olt", "ole", "ogt", "oge",
}

// ---------------------
// ----- Functions -----
// ---------------------

// String returns the textual IR mnemonic of the Opcode.
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// String returns the textual IR mnemonic of the Predicate.
func (p Predicate) String() string {
	if int(p) < len(predicateNames) {
		return predicateNames[p]
	}
	return "unknown"
}

// IsTerminator reports whether op ends a basic block.
func (op Opcode) IsTerminator() bool {
	return op == Ret || op == RetVoid || op == Br || op == CondBr || op == Unreachable
}

// ProducesValue reports whether op writes a destination vreg.
func (op Opcode) ProducesValue() bool {
	switch op {
	case Ret, RetVoid, Br, CondBr, Unreachable, Store:
		return false
	default:
		return true
	}
}

// IsCommutative reports whether operand order is insignificant, used by the ISEL backend's
// immediate-propagation fold (see backend/isel).
func (op Opcode) IsCommutative() bool {
	switch op {
	case Add, Mul, And, Or, Xor, FAdd, FMul:
		return true
	default:
		return false
	}
}
