package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// ----------------------------
// ----- Functions -----
// ----------------------------

// printFunction renders fn in a textual form close enough to LLVM-IR surface syntax that
// frontend/ll.Parse can read it back, satisfying the round-trip testable property (§8.1).
func printFunction(fn *Function) string {
	sb := strings.Builder{}
	if fn.IsDecl {
		sb.WriteString("declare ")
	} else {
		sb.WriteString("define ")
	}
	sb.WriteString(fn.ReturnType.String())
	sb.WriteString(" @")
	sb.WriteString(fn.Name)
	sb.WriteRune('(')
	for i, p := range fn.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
		sb.WriteString(" %")
		sb.WriteString(strconv.Itoa(int(fn.ParamVRegs[i])))
	}
	if fn.Vararg {
		if len(fn.Params) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("...")
	}
	sb.WriteRune(')')
	if fn.IsDecl {
		return sb.String()
	}
	sb.WriteString(" {\n")
	for _, b := range fn.Blocks {
		sb.WriteString(b.Name())
		sb.WriteString(":\n")
		for _, inst := range b.Instructions {
			sb.WriteString("  ")
			sb.WriteString(printInstruction(fn, inst))
			sb.WriteRune('\n')
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// printInstruction renders a single instruction.
func printInstruction(fn *Function, inst Instruction) string {
	sb := strings.Builder{}
	if inst.Op.ProducesValue() && inst.Dest != 0 {
		sb.WriteString("%")
		sb.WriteString(strconv.Itoa(int(inst.Dest)))
		sb.WriteString(" = ")
	}
	sb.WriteString(inst.Op.String())
	switch inst.Op {
	case ICmp, FCmp:
		sb.WriteString(" ")
		sb.WriteString(inst.Predicate.String())
	case Call:
		if inst.Callee != 0 {
			sb.WriteString(" @")
			sb.WriteString(fn.Module.SymbolName(inst.Callee))
		}
	case Load, Store, Gep:
		sb.WriteString(" ")
		sb.WriteString(inst.ElemType.String())
	}
	sb.WriteString(" ")
	sb.WriteString(inst.ResultType.String())
	for i, op := range inst.Operands {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(" ")
		sb.WriteString(printOperand(fn, op))
	}
	for _, idx := range inst.Indices {
		sb.WriteString(fmt.Sprintf(", %d", idx))
	}
	return sb.String()
}

// printOperand renders a single operand as "type value", except block targets which carry no
// value type of their own. Printing the type alongside every value operand (rather than relying
// on the instruction's single ResultType) is what makes frontend/ll.Parse able to reconstruct
// Operand.Type losslessly for instructions whose operand types differ from their result type
// (icmp, store, gep).
func printOperand(fn *Function, op Operand) string {
	switch op.Kind {
	case OperandVReg:
		return op.Type.String() + " %" + strconv.Itoa(int(op.VReg))
	case OperandImmI64:
		return op.Type.String() + " " + strconv.FormatInt(op.ImmI64, 10)
	case OperandImmF64:
		return op.Type.String() + " " + strconv.FormatFloat(op.ImmF64, 'g', -1, 64)
	case OperandBlock:
		return "%block" + strconv.Itoa(int(op.Block))
	case OperandGlobal:
		name := "@" + fn.Module.SymbolName(op.Symbol)
		if op.Offset != 0 {
			return fmt.Sprintf("%s (%s + %d)", op.Type.String(), name, op.Offset)
		}
		return op.Type.String() + " " + name
	case OperandNull:
		return op.Type.String() + " null"
	case OperandUndef:
		return op.Type.String() + " undef"
	default:
		return "?"
	}
}

// PrintBody renders fn using the shared printer, for debugging and tests.
func (fn *Function) PrintBody() string {
	return printFunction(fn)
}
