package ir

import (
	"fmt"
	"strings"
	"sync"

	"liric/src/internal/arena"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Module owns an Arena, the function and global lists, and the per-module SymbolTable. Freeing
// the module (dropping the last reference) frees the arena and everything allocated from it.
//
// External references into a module (e.g. a JIT caching a function's name) must copy the string
// out rather than retain a pointer into the arena, per the spec's ownership model.
type Module struct {
	Name string

	Arena  *arena.Arena
	symtab *SymbolTable

	functions []*Function
	funcIndex map[string]int // name -> index into functions

	globals     []*Global
	globalIndex map[string]int // name -> index into globals

	strings []*Global // interned string-literal globals, see CreateString

	sync.Mutex // guards functions/globals/symtab during concurrent session use (§5).
}

// ---------------------
// ----- Functions -----
// ---------------------

// NewModule creates an empty Module with the given optional name.
func NewModule(name string) *Module {
	if len(name) == 0 {
		name = "module"
	}
	return &Module{
		Name:        name,
		Arena:       arena.New(),
		symtab:      newSymbolTable(),
		funcIndex:   make(map[string]int, 16),
		globalIndex: make(map[string]int, 16),
	}
}

// Intern assigns name a unique SymbolID within the module, or returns its existing one.
func (m *Module) Intern(name string) SymbolID {
	m.Lock()
	defer m.Unlock()
	return m.symtab.Intern(m.Arena.StrDup(name))
}

// SymbolName returns the textual name behind a SymbolID.
func (m *Module) SymbolName(id SymbolID) string {
	m.Lock()
	defer m.Unlock()
	return m.symtab.Name(id)
}

// Declare records an external function signature and returns its Function, creating an
// undefined (IsDecl) entry if one does not already exist by that name. Re-declaring with an
// identical signature is idempotent.
func (m *Module) Declare(name string, ret Type, params []Type, vararg bool) (*Function, error) {
	m.Lock()
	defer m.Unlock()
	if i, ok := m.funcIndex[name]; ok {
		return m.functions[i], nil
	}
	fn := &Function{
		Module:     m,
		Name:       m.Arena.StrDup(name),
		Symbol:     m.symtab.Intern(name),
		ReturnType: ret,
		Params:     append([]Type(nil), params...),
		Vararg:     vararg,
		IsDecl:     true,
	}
	fn.finalized = true
	m.funcIndex[name] = len(m.functions)
	m.functions = append(m.functions, fn)
	return fn, nil
}

// CreateFunction creates a new function definition. If a declaration with the same name already
// exists it is upgraded in place (definitions replace declarations), matching the module-merge
// rule in §3. A conflicting existing definition is an error.
func (m *Module) CreateFunction(name string, ret Type, paramNames []string, paramTypes []Type, vararg bool) (*Function, error) {
	if len(paramNames) != len(paramTypes) {
		return nil, fmt.Errorf("ir: function %s: %d parameter names but %d parameter types", name, len(paramNames), len(paramTypes))
	}
	m.Lock()
	defer m.Unlock()

	var fn *Function
	if i, ok := m.funcIndex[name]; ok {
		existing := m.functions[i]
		if !existing.IsDecl {
			return nil, fmt.Errorf("ir: duplicate definition of function %s", name)
		}
		fn = existing
	} else {
		fn = &Function{
			Module: m,
			Name:   m.Arena.StrDup(name),
			Symbol: m.symtab.Intern(name),
		}
		m.funcIndex[name] = len(m.functions)
		m.functions = append(m.functions, fn)
	}
	fn.ReturnType = ret
	fn.Params = append([]Type(nil), paramTypes...)
	fn.Vararg = vararg
	fn.IsDecl = false
	fn.ParamVRegs = make([]VReg, len(paramTypes))
	for i := range paramTypes {
		fn.ParamVRegs[i] = fn.NewVReg()
	}
	return fn, nil
}

// GetFunction returns the named function, or nil if it does not exist.
func (m *Module) GetFunction(name string) *Function {
	m.Lock()
	defer m.Unlock()
	if i, ok := m.funcIndex[name]; ok {
		return m.functions[i]
	}
	return nil
}

// Functions returns every function declared or defined in the module, in declaration order.
func (m *Module) Functions() []*Function {
	m.Lock()
	defer m.Unlock()
	res := make([]*Function, len(m.functions))
	copy(res, m.functions)
	return res
}

// CreateGlobal creates a new module-level data symbol.
func (m *Module) CreateGlobal(name string, typ Type, init []byte, isConst, isExternal, isLocal bool) (*Global, error) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.globalIndex[name]; ok {
		return nil, fmt.Errorf("ir: duplicate global %s", name)
	}
	var blob []byte
	if init != nil {
		blob = m.Arena.AllocUninit(len(init), 1)
		copy(blob, init)
	}
	g := &Global{
		Name:       m.Arena.StrDup(name),
		Symbol:     m.symtab.Intern(name),
		Type:       typ,
		Init:       blob,
		IsConst:    isConst,
		IsExternal: isExternal,
		IsLocal:    isLocal,
	}
	m.globalIndex[name] = len(m.globals)
	m.globals = append(m.globals, g)
	return g, nil
}

// GetGlobal returns the named global, or nil if it does not exist.
func (m *Module) GetGlobal(name string) *Global {
	m.Lock()
	defer m.Unlock()
	if i, ok := m.globalIndex[name]; ok {
		return m.globals[i]
	}
	return nil
}

// Globals returns every global variable declared in the module, in declaration order.
func (m *Module) Globals() []*Global {
	m.Lock()
	defer m.Unlock()
	res := make([]*Global, len(m.globals))
	copy(res, m.globals)
	return res
}

// CreateString interns a byte-string constant as an anonymous global of type [N x i8] and returns
// it, similar to a C-style string literal's storage.
func (m *Module) CreateString(s string) *Global {
	m.Lock()
	defer m.Unlock()
	name := fmt.Sprintf(".str.%d", len(m.strings))
	blob := m.Arena.AllocUninit(len(s)+1, 1)
	copy(blob, s)
	blob[len(s)] = 0
	g := &Global{
		Name:    m.Arena.StrDup(name),
		Symbol:  m.symtab.Intern(name),
		Type:    ArrayType(I8Type(), uint64(len(s)+1)),
		Init:    blob,
		IsConst: true,
		IsLocal: true,
	}
	m.globalIndex[g.Name] = len(m.globals)
	m.globals = append(m.globals, g)
	m.strings = append(m.strings, g)
	return g
}

// Merge merges src into m: definitions in src replace matching declarations in m; a global or
// function defined in both with the same name is an error (§3 "Lifecycle"). Symbol ids referenced
// by src's operands are not remapped here - callers that move whole functions across modules must
// re-intern names through m's table, since Operand.Symbol values are only meaningful within the
// module that produced them.
func (m *Module) Merge(src *Module) error {
	src.Lock()
	srcFuncs := append([]*Function(nil), src.functions...)
	srcGlobals := append([]*Global(nil), src.globals...)
	src.Unlock()

	for _, f := range srcFuncs {
		existing := m.GetFunction(f.Name)
		if existing != nil && !existing.IsDecl && !f.IsDecl {
			return fmt.Errorf("ir: merge conflict: function %s defined in both modules", f.Name)
		}
		if existing == nil || existing.IsDecl {
			m.Lock()
			f.Module = m
			f.Symbol = m.symtab.Intern(f.Name)
			if i, ok := m.funcIndex[f.Name]; ok {
				m.functions[i] = f
			} else {
				m.funcIndex[f.Name] = len(m.functions)
				m.functions = append(m.functions, f)
			}
			m.Unlock()
		}
	}
	for _, g := range srcGlobals {
		existing := m.GetGlobal(g.Name)
		if existing != nil && !existing.IsExternal && !g.IsExternal {
			return fmt.Errorf("ir: merge conflict: global %s defined in both modules", g.Name)
		}
		if existing == nil || existing.IsExternal {
			m.Lock()
			g.Symbol = m.symtab.Intern(g.Name)
			if i, ok := m.globalIndex[g.Name]; ok {
				m.globals[i] = g
			} else {
				m.globalIndex[g.Name] = len(m.globals)
				m.globals = append(m.globals, g)
			}
			m.Unlock()
		}
	}
	return nil
}

// String returns a textual dump of the module: globals, then function bodies.
func (m *Module) String() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("; module %s\n", m.Name))
	for _, g := range m.Globals() {
		sb.WriteString(g.String())
		sb.WriteRune('\n')
	}
	if len(m.globals) > 0 {
		sb.WriteRune('\n')
	}
	for _, f := range m.Functions() {
		sb.WriteString(printFunction(f))
		sb.WriteRune('\n')
	}
	return sb.String()
}
