package ir

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Relocation records a byte offset inside a Global's initializer blob that must be patched to
// hold the address of another symbol, e.g. a pointer field initialized to point at another global.
type Relocation struct {
	Offset int64
	Target SymbolID
}

// Global is a module-level data symbol: a name, a type, an optional initializer blob (copied into
// the Module's arena), a list of relocations embedded in that blob, and linkage flags.
type Global struct {
	Name       string
	Symbol     SymbolID
	Type       Type
	Init       []byte // nil if uninitialized (zero-init, lives in .bss).
	Relocs     []Relocation
	IsConst    bool
	IsExternal bool
	IsLocal    bool
}

// ---------------------
// ----- Functions -----
// ---------------------

// AddRelocation records that the bytes at offset within g's initializer should be patched to the
// address of target.
func (g *Global) AddRelocation(offset int64, target SymbolID) {
	g.Relocs = append(g.Relocs, Relocation{Offset: offset, Target: target})
}

// String returns a compact human-readable declaration, e.g. "ptr @msg = constant".
func (g *Global) String() string {
	s := g.Type.String() + " @" + g.Name
	switch {
	case g.IsExternal:
		s += " = external global"
	case g.IsConst:
		s += " = constant"
	default:
		s += " = global"
	}
	return s
}
