package ll

import (
	"math"
	"strconv"
	"strings"

	"liric/src/ir"
	"liric/src/lirerr"
	"liric/src/session"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// parser is a recursive-descent reader over the token stream, pumping every declaration straight
// into a session.Session - there is no intermediate AST, matching the spec's "populates the IR via
// a single session API" framing (§4.2).
type parser struct {
	l    *lexer
	tok  [2]item
	sess *session.Session
}

// ---------------------
// ----- Constants -----
// ---------------------

// fixedArity mirrors ir's internal arity table for the opcodes the parser must know how many
// value-operands to read before moving on to call/gep/phi's variable tail. Kept here rather than
// exported from ir because it is purely a grammar concern, not an IR invariant.
var fixedArity = map[ir.Opcode]int{
	ir.RetVoid: 0, ir.Unreachable: 0,
	ir.Ret: 1, ir.Br: 1, ir.Alloca: 1, ir.FNeg: 1,
	ir.SExt: 1, ir.ZExt: 1, ir.Trunc: 1, ir.Bitcast: 1, ir.PtrToInt: 1, ir.IntToPtr: 1,
	ir.SIToFP: 1, ir.UIToFP: 1, ir.FPToSI: 1, ir.FPToUI: 1, ir.FPExt: 1, ir.FPTrunc: 1, ir.Load: 1,
	ir.Add: 2, ir.Sub: 2, ir.Mul: 2, ir.SDiv: 2, ir.SRem: 2, ir.UDiv: 2, ir.URem: 2,
	ir.And: 2, ir.Or: 2, ir.Xor: 2, ir.Shl: 2, ir.LShr: 2, ir.AShr: 2,
	ir.FAdd: 2, ir.FSub: 2, ir.FMul: 2, ir.FDiv: 2, ir.FRem: 2, ir.ICmp: 2, ir.FCmp: 2,
	ir.Store: 2, ir.ExtractValue: 2,
	ir.CondBr: 3, ir.Select: 3, ir.InsertValue: 3,
}

// ---------------------
// ----- Functions -----
// ---------------------

// Parse reads src as textual IR, feeding every declaration, function definition, block and
// instruction into sess through its builder API.
func Parse(sess *session.Session, src string) error {
	p := &parser{l: newLexer(src), sess: sess}
	p.tok[0] = <-p.l.items
	p.tok[1] = <-p.l.items
	for p.cur().typ != itemEOF {
		if p.cur().typ == itemError {
			return lirerr.At(lirerr.Parse, lirerr.Position{Line: p.cur().line, Column: p.cur().col}, "%s", p.cur().val)
		}
		if p.cur().typ != itemIdent {
			return p.errorf("expected 'declare' or 'define', got %q", p.cur().val)
		}
		switch p.cur().val {
		case "declare":
			if err := p.parseDeclare(); err != nil {
				return err
			}
		case "define":
			if err := p.parseDefine(); err != nil {
				return err
			}
		default:
			return p.errorf("expected 'declare' or 'define', got %q", p.cur().val)
		}
	}
	return nil
}

func (p *parser) cur() item  { return p.tok[0] }
func (p *parser) peek() item { return p.tok[1] }

func (p *parser) advance() {
	p.tok[0] = p.tok[1]
	p.tok[1] = <-p.l.items
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return lirerr.At(lirerr.Parse, lirerr.Position{Line: p.cur().line, Column: p.cur().col}, format, args...)
}

func (p *parser) expect(typ itemType, what string) error {
	if p.cur().typ != typ {
		return p.errorf("expected %s, got %q", what, p.cur().val)
	}
	return nil
}

// parseDeclare reads "declare RETTYPE @name(PARAM, PARAM, ...)".
func (p *parser) parseDeclare() error {
	p.advance() // 'declare'
	ret, err := p.parseType()
	if err != nil {
		return err
	}
	if err := p.expect(itemGlobal, "a function name"); err != nil {
		return err
	}
	name := strings.TrimPrefix(p.cur().val, "@")
	p.advance()
	params, vararg, err := p.parseParamTypeList()
	if err != nil {
		return err
	}
	_, err = p.sess.Declare(name, ret, params, vararg)
	return err
}

// parseDefine reads "define RETTYPE @name(PARAM %v, ...) { block* }".
func (p *parser) parseDefine() error {
	p.advance() // 'define'
	ret, err := p.parseType()
	if err != nil {
		return err
	}
	if err := p.expect(itemGlobal, "a function name"); err != nil {
		return err
	}
	name := strings.TrimPrefix(p.cur().val, "@")
	p.advance()

	if err := p.expect(itemLParen, "'('"); err != nil {
		return err
	}
	p.advance()
	var paramTypes []ir.Type
	var paramNames []string
	vararg := false
	for p.cur().typ != itemRParen {
		if p.cur().typ == itemEllipsis {
			vararg = true
			p.advance()
			break
		}
		t, err := p.parseType()
		if err != nil {
			return err
		}
		paramTypes = append(paramTypes, t)
		paramNames = append(paramNames, "")
		if p.cur().typ == itemLocal {
			p.advance() // discard the printed vreg number; FuncBegin allocates its own.
		}
		if p.cur().typ == itemComma {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(itemRParen, "')'"); err != nil {
		return err
	}
	p.advance()

	if err := p.expect(itemLBrace, "'{'"); err != nil {
		return err
	}
	p.advance()

	if _, err := p.sess.FuncBegin(name, ret, paramNames, paramTypes, vararg); err != nil {
		return err
	}

	for p.cur().typ != itemRBrace {
		if p.cur().typ != itemIdent || p.peek().typ != itemColon {
			return p.errorf("expected a block label, got %q", p.cur().val)
		}
		p.advance() // label text
		p.advance() // ':'
		bid, err := p.sess.Block()
		if err != nil {
			return err
		}
		if err := p.sess.SetBlock(bid); err != nil {
			return err
		}
		for !(p.cur().typ == itemRBrace) && !(p.cur().typ == itemIdent && p.peek().typ == itemColon) {
			if err := p.parseInstruction(); err != nil {
				return err
			}
		}
	}
	p.advance() // '}'

	_, err = p.sess.FuncEnd()
	return err
}

// parseParamTypeList reads "(" TYPE ("," TYPE)* ["," "..."] ")" for a declare's signature.
func (p *parser) parseParamTypeList() ([]ir.Type, bool, error) {
	if err := p.expect(itemLParen, "'('"); err != nil {
		return nil, false, err
	}
	p.advance()
	var params []ir.Type
	vararg := false
	for p.cur().typ != itemRParen {
		if p.cur().typ == itemEllipsis {
			vararg = true
			p.advance()
			break
		}
		t, err := p.parseType()
		if err != nil {
			return nil, false, err
		}
		params = append(params, t)
		if p.cur().typ == itemComma {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(itemRParen, "')'"); err != nil {
		return nil, false, err
	}
	p.advance()
	return params, vararg, nil
}

// parseType reads one Type per the textual grammar ir.Type.String() produces.
func (p *parser) parseType() (ir.Type, error) {
	switch p.cur().typ {
	case itemIdent:
		switch p.cur().val {
		case "void":
			p.advance()
			return ir.VoidType(), nil
		case "i1":
			p.advance()
			return ir.I1Type(), nil
		case "i8":
			p.advance()
			return ir.I8Type(), nil
		case "i16":
			p.advance()
			return ir.I16Type(), nil
		case "i32":
			p.advance()
			return ir.I32Type(), nil
		case "i64":
			p.advance()
			return ir.I64Type(), nil
		case "f32":
			p.advance()
			return ir.F32Type(), nil
		case "f64":
			p.advance()
			return ir.F64Type(), nil
		case "ptr":
			p.advance()
			return ir.PtrType(), nil
		}
		return ir.Type{}, p.errorf("expected a type, got %q", p.cur().val)
	case itemLBracket:
		p.advance()
		if p.cur().typ != itemInt {
			return ir.Type{}, p.errorf("expected array length, got %q", p.cur().val)
		}
		n, err := strconv.ParseUint(p.cur().val, 10, 64)
		if err != nil {
			return ir.Type{}, p.errorf("invalid array length %q", p.cur().val)
		}
		p.advance()
		if p.cur().typ != itemIdent || p.cur().val != "x" {
			return ir.Type{}, p.errorf("expected 'x' in array type, got %q", p.cur().val)
		}
		p.advance()
		elem, err := p.parseType()
		if err != nil {
			return ir.Type{}, err
		}
		if err := p.expect(itemRBracket, "']'"); err != nil {
			return ir.Type{}, err
		}
		p.advance()
		return ir.ArrayType(elem, n), nil
	case itemLBrace:
		return p.parseStructType(false)
	case itemLAngleBrace:
		return p.parseStructType(true)
	default:
		return ir.Type{}, p.errorf("expected a type, got %q", p.cur().val)
	}
}

func (p *parser) parseStructType(packed bool) (ir.Type, error) {
	p.advance() // '{' or '<{'
	var fields []ir.Type
	closing := itemRBrace
	if packed {
		closing = itemRAngleBrace
	}
	for p.cur().typ != closing {
		f, err := p.parseType()
		if err != nil {
			return ir.Type{}, err
		}
		fields = append(fields, f)
		if p.cur().typ == itemComma {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(closing, "closing brace"); err != nil {
		return ir.Type{}, err
	}
	p.advance()
	return ir.StructType(fields, packed), nil
}

// opcodeByName maps the textual opcode keyword back to ir.Opcode.
var opcodeByName = func() map[string]ir.Opcode {
	m := make(map[string]ir.Opcode, 64)
	for op := ir.Ret; op <= ir.InsertValue; op++ {
		m[op.String()] = op
	}
	return m
}()

var predicateByName = func() map[string]ir.Predicate {
	m := make(map[string]ir.Predicate, 16)
	for pr := ir.PredEQ; pr <= ir.PredOGE; pr++ {
		m[pr.String()] = pr
	}
	return m
}()

// parseInstruction reads one instruction line ("%v = " is optional) and emits it.
func (p *parser) parseInstruction() error {
	dest := ir.VReg(0)
	hasDest := false
	if p.cur().typ == itemLocal && p.peek().typ == itemEquals {
		n, err := strconv.Atoi(strings.TrimPrefix(p.cur().val, "%"))
		if err != nil {
			return p.errorf("invalid destination register %q", p.cur().val)
		}
		dest = ir.VReg(n)
		hasDest = true
		p.advance()
		p.advance()
	}
	if p.cur().typ != itemIdent {
		return p.errorf("expected an opcode, got %q", p.cur().val)
	}
	op, ok := opcodeByName[p.cur().val]
	if !ok {
		return p.errorf("unknown opcode %q", p.cur().val)
	}
	p.advance()

	inst := ir.Instruction{Op: op}
	if hasDest {
		inst.Dest = dest
	}

	switch op {
	case ir.ICmp, ir.FCmp:
		pred, ok := predicateByName[p.cur().val]
		if !ok {
			return p.errorf("expected a comparison predicate, got %q", p.cur().val)
		}
		inst.Predicate = pred
		p.advance()
	case ir.Call:
		if p.cur().typ == itemGlobal {
			name := strings.TrimPrefix(p.cur().val, "@")
			inst.Callee = p.sess.Module().Intern(name)
			p.advance()
		}
	case ir.Load, ir.Store, ir.Gep:
		t, err := p.parseType()
		if err != nil {
			return err
		}
		inst.ElemType = t
	}

	rt, err := p.parseType()
	if err != nil {
		return err
	}
	inst.ResultType = rt

	n, fixed := fixedArity[op]
	switch {
	case op == ir.Gep:
		base, err := p.parseOperand()
		if err != nil {
			return err
		}
		inst.Operands = []ir.Operand{base}
		for p.cur().typ == itemComma {
			p.advance()
			if p.cur().typ != itemInt {
				return p.errorf("expected a constant gep index, got %q", p.cur().val)
			}
			idx, _ := strconv.ParseInt(p.cur().val, 10, 64)
			inst.Indices = append(inst.Indices, idx)
			p.advance()
		}
	case fixed:
		for i := 0; i < n; i++ {
			if i > 0 {
				if err := p.expect(itemComma, "','"); err != nil {
					return err
				}
				p.advance()
			}
			o, err := p.parseOperand()
			if err != nil {
				return err
			}
			inst.Operands = append(inst.Operands, o)
		}
	default: // Call, Phi: a plain comma-separated operand list.
		if p.canStartOperand() {
			o, err := p.parseOperand()
			if err != nil {
				return err
			}
			inst.Operands = append(inst.Operands, o)
			for p.cur().typ == itemComma {
				p.advance()
				o, err := p.parseOperand()
				if err != nil {
					return err
				}
				inst.Operands = append(inst.Operands, o)
			}
		}
	}

	_, err = p.sess.Emit(inst)
	return err
}

// canStartOperand reports whether the current token could begin an operand, used to detect a
// call/phi with zero extra operands.
func (p *parser) canStartOperand() bool {
	switch p.cur().typ {
	case itemLocal, itemGlobal, itemInt, itemFloat, itemLParen:
		return true
	case itemIdent:
		switch p.cur().val {
		case "void", "i1", "i8", "i16", "i32", "i64", "f32", "f64", "ptr":
			return true
		}
		return false
	case itemLBracket, itemLBrace, itemLAngleBrace:
		return true
	default:
		return false
	}
}

// parseOperand reads one value operand: a block target ("%blockN", untyped), or a typed value
// ("TYPE %v", "TYPE 42", "TYPE @name", "TYPE null", "TYPE undef").
func (p *parser) parseOperand() (ir.Operand, error) {
	if p.cur().typ == itemLocal && strings.HasPrefix(p.cur().val, "%block") {
		n, err := strconv.Atoi(strings.TrimPrefix(p.cur().val, "%block"))
		if err != nil {
			return ir.Operand{}, p.errorf("invalid block operand %q", p.cur().val)
		}
		p.advance()
		return ir.BlockOperand(ir.BlockID(n)), nil
	}

	t, err := p.parseType()
	if err != nil {
		return ir.Operand{}, err
	}

	switch p.cur().typ {
	case itemLocal:
		n, err := strconv.Atoi(strings.TrimPrefix(p.cur().val, "%"))
		if err != nil {
			return ir.Operand{}, p.errorf("invalid register operand %q", p.cur().val)
		}
		p.advance()
		return ir.VRegOperand(ir.VReg(n), t), nil
	case itemGlobal:
		name := strings.TrimPrefix(p.cur().val, "@")
		p.advance()
		sym := p.sess.Module().Intern(name)
		return ir.GlobalOperand(sym, 0, t), nil
	case itemLParen:
		p.advance()
		if p.cur().typ != itemGlobal {
			return ir.Operand{}, p.errorf("expected a global name, got %q", p.cur().val)
		}
		name := strings.TrimPrefix(p.cur().val, "@")
		p.advance()
		if p.cur().typ != itemPlus {
			return ir.Operand{}, p.errorf("expected '+' in global offset expression")
		}
		p.advance()
		if p.cur().typ != itemInt {
			return ir.Operand{}, p.errorf("expected an integer offset, got %q", p.cur().val)
		}
		off, _ := strconv.ParseInt(p.cur().val, 10, 64)
		p.advance()
		if err := p.expect(itemRParen, "')'"); err != nil {
			return ir.Operand{}, err
		}
		p.advance()
		sym := p.sess.Module().Intern(name)
		return ir.GlobalOperand(sym, off, t), nil
	case itemInt:
		n, err := strconv.ParseInt(p.cur().val, 10, 64)
		if err != nil {
			return ir.Operand{}, p.errorf("invalid integer literal %q", p.cur().val)
		}
		p.advance()
		return ir.ImmI64Operand(n, t), nil
	case itemFloat:
		s := p.cur().val
		var v float64
		var err error
		if h := strings.TrimPrefix(s, "-"); len(h) > 2 && (h[:2] == "0x" || h[:2] == "0X") {
			var bits uint64
			bits, err = strconv.ParseUint(h[2:], 16, 64)
			v = math.Float64frombits(bits)
			if h != s {
				v = -v
			}
		} else {
			v, err = strconv.ParseFloat(s, 64)
		}
		if err != nil {
			return ir.Operand{}, p.errorf("invalid float literal %q", p.cur().val)
		}
		p.advance()
		return ir.ImmF64Operand(v, t), nil
	case itemIdent:
		switch p.cur().val {
		case "null":
			p.advance()
			return ir.NullOperand(t), nil
		case "undef":
			p.advance()
			return ir.UndefOperand(t), nil
		}
	}
	return ir.Operand{}, p.errorf("expected an operand, got %q", p.cur().val)
}
