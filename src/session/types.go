package session

import "liric/src/ir"

// ----------------------------
// ----- Functions -----
// ----------------------------

// Type constructors mirror ir's free functions but are exposed through the session so a caller
// never has to reach into the ir package directly. ir.Type values are plain Go values, so these
// do not allocate from the session module's arena.

func (s *Session) VoidType() ir.Type     { return ir.VoidType() }
func (s *Session) I1Type() ir.Type       { return ir.I1Type() }
func (s *Session) I8Type() ir.Type       { return ir.I8Type() }
func (s *Session) I16Type() ir.Type      { return ir.I16Type() }
func (s *Session) I32Type() ir.Type      { return ir.I32Type() }
func (s *Session) I64Type() ir.Type      { return ir.I64Type() }
func (s *Session) F32Type() ir.Type      { return ir.F32Type() }
func (s *Session) F64Type() ir.Type      { return ir.F64Type() }
func (s *Session) PtrType() ir.Type      { return ir.PtrType() }

func (s *Session) ArrayType(elem ir.Type, count uint64) ir.Type {
	return ir.ArrayType(elem, count)
}

func (s *Session) StructType(fields []ir.Type, packed bool) ir.Type {
	return ir.StructType(fields, packed)
}

func (s *Session) FunctionType(ret ir.Type, params []ir.Type, vararg bool) ir.Type {
	return ir.FunctionType(ret, params, vararg)
}

// CreateGlobal creates a module-level data symbol through the session's module.
func (s *Session) CreateGlobal(name string, typ ir.Type, init []byte, isConst, isExternal, isLocal bool) (*ir.Global, error) {
	return s.module.CreateGlobal(name, typ, init, isConst, isExternal, isLocal)
}

// CreateString interns a string literal as an anonymous global.
func (s *Session) CreateString(v string) *ir.Global {
	return s.module.CreateString(v)
}
