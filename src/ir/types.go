// Package ir implements Liric's typed, SSA-style intermediate representation: types, operands,
// instructions, basic blocks, functions, globals, modules, and per-module symbol interning.
//
// The IR is arena-backed in spirit: every global initializer blob a Module owns is allocated from
// the Module's arena.Arena. Name strings are also copied through the arena (arena.StrDup), but the
// string each copy hands back is an ordinary Go string, not a view into arena memory. Types, operands and instructions themselves are ordinary Go values owned transitively by the
// Module/Function/Block that reference them - Go's garbage collector already gives the "freed in
// one step, no per-node destructor" property for pointer-containing structs, so there is nothing
// for a byte-oriented arena to add there; see DESIGN.md.
package ir

import "strings"

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Kind identifies one variant of the Type tagged union.
type Kind uint8

// Type is a tagged union of Liric's value types. Primitive kinds (Void..Ptr) ignore every field
// below Kind. Array uses ArrayLen and Elem. Struct uses Fields and Packed. Function uses Ret,
// Params and Vararg.
type Type struct {
	Kind     Kind
	ArrayLen uint64
	Elem     *Type
	Fields   []Type
	Packed   bool
	Ret      *Type
	Params   []Type
	Vararg   bool
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	Void Kind = iota
	I1
	I8
	I16
	I32
	I64
	F32
	F64
	Ptr // Opaque pointer: no pointee type travels with the type itself, see Operand/Instruction.
	Array
	Struct
	FuncKind
)

// -------------------
// ----- Globals -----
// -------------------

var kindNames = [...]string{
	"void", "i1", "i8", "i16", "i32", "i64", "f32", "f64", "ptr", "array", "struct", "function",
}

// ---------------------
// ----- Functions -----
// ---------------------

// String returns the LLVM-IR-flavoured textual name of the Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// VoidType, I1Type, ... construct the primitive Types. They are plain value constructors: since
// Type carries no arena-owned state for primitives, "interning" a primitive is simply comparing
// Kind, which Equal already does.
func VoidType() Type { return Type{Kind: Void} }
func I1Type() Type   { return Type{Kind: I1} }
func I8Type() Type   { return Type{Kind: I8} }
func I16Type() Type  { return Type{Kind: I16} }
func I32Type() Type  { return Type{Kind: I32} }
func I64Type() Type  { return Type{Kind: I64} }
func F32Type() Type  { return Type{Kind: F32} }
func F64Type() Type  { return Type{Kind: F64} }
func PtrType() Type  { return Type{Kind: Ptr} }

// ArrayType constructs an array of count elements of type elem.
func ArrayType(elem Type, count uint64) Type {
	e := elem
	return Type{Kind: Array, ArrayLen: count, Elem: &e}
}

// StructType constructs a (possibly packed) struct of the given fields, in order.
func StructType(fields []Type, packed bool) Type {
	cp := make([]Type, len(fields))
	copy(cp, fields)
	return Type{Kind: Struct, Fields: cp, Packed: packed}
}

// FunctionType constructs a function signature type.
func FunctionType(ret Type, params []Type, vararg bool) Type {
	r := ret
	cp := make([]Type, len(params))
	copy(cp, params)
	return Type{Kind: FuncKind, Ret: &r, Params: cp, Vararg: vararg}
}

// IsPrimitive reports whether t is one of Void..Ptr.
func (t Type) IsPrimitive() bool { return t.Kind <= Ptr }

// IsInt reports whether t is one of the fixed-width integer kinds.
func (t Type) IsInt() bool { return t.Kind >= I1 && t.Kind <= I64 }

// IsFloat reports whether t is F32 or F64.
func (t Type) IsFloat() bool { return t.Kind == F32 || t.Kind == F64 }

// Bits returns the bit width of an integer or float Kind, or 0 for non-scalar kinds.
func (t Type) Bits() int {
	switch t.Kind {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32, F32:
		return 32
	case I64, F64:
		return 64
	default:
		return 0
	}
}

// Size returns the storage size of t in bytes, used by alloca/gep lowering. Pointers and the
// function kind are machine-word sized.
func (t Type) Size(wordSize int) int {
	switch t.Kind {
	case Void:
		return 0
	case I1, I8:
		return 1
	case I16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	case Ptr, FuncKind:
		return wordSize
	case Array:
		return int(t.ArrayLen) * t.Elem.Size(wordSize)
	case Struct:
		n := 0
		for _, f := range t.Fields {
			if !t.Packed {
				a := f.Align(wordSize)
				n = (n + a - 1) &^ (a - 1)
			}
			n += f.Size(wordSize)
		}
		if !t.Packed && len(t.Fields) > 0 {
			a := t.Align(wordSize)
			n = (n + a - 1) &^ (a - 1)
		}
		return n
	default:
		return 0
	}
}

// Align returns the natural alignment of t in bytes.
func (t Type) Align(wordSize int) int {
	switch t.Kind {
	case Void:
		return 1
	case I1, I8:
		return 1
	case I16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	case Ptr, FuncKind:
		return wordSize
	case Array:
		return t.Elem.Align(wordSize)
	case Struct:
		a := 1
		for _, f := range t.Fields {
			if fa := f.Align(wordSize); fa > a {
				a = fa
			}
		}
		return a
	default:
		return 1
	}
}

// Equal reports whether t and o are structurally identical, which is the only notion of type
// identity composite types have in this implementation (see the package doc comment).
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case Array:
		return t.ArrayLen == o.ArrayLen && t.Elem.Equal(*o.Elem)
	case Struct:
		if t.Packed != o.Packed || len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if !t.Fields[i].Equal(o.Fields[i]) {
				return false
			}
		}
		return true
	case FuncKind:
		if t.Vararg != o.Vararg || len(t.Params) != len(o.Params) || !t.Ret.Equal(*o.Ret) {
			return false
		}
		for i := range t.Params {
			if !t.Params[i].Equal(o.Params[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders t in the textual IR surface syntax, e.g. "{i32, ptr}" or "[4 x i64]".
func (t Type) String() string {
	switch t.Kind {
	case Array:
		return "[" + itoa(int(t.ArrayLen)) + " x " + t.Elem.String() + "]"
	case Struct:
		sb := strings.Builder{}
		if t.Packed {
			sb.WriteString("<{")
		} else {
			sb.WriteString("{")
		}
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.String())
		}
		if t.Packed {
			sb.WriteString("}>")
		} else {
			sb.WriteString("}")
		}
		return sb.String()
	case FuncKind:
		sb := strings.Builder{}
		sb.WriteString(t.Ret.String())
		sb.WriteString(" (")
		for i, p := range t.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.String())
		}
		if t.Vararg {
			if len(t.Params) > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("...")
		}
		sb.WriteString(")")
		return sb.String()
	default:
		return t.Kind.String()
	}
}

// itoa avoids pulling in strconv just for this small helper, matching the teacher's habit
// (backend/xtoa) of hand-rolling tiny numeric-to-string conversions used at compile time.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
