package objemit

import (
	"fmt"
	"strings"

	"liric/src/backend"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// FuncObj is one compiled function's machine code plus its unresolved patch list, as produced by
// a backend.Backend. It is the bridge between backend.CompiledFunction and the section layout
// objemit assembles.
type FuncObj struct {
	Name    string
	Code    []byte
	Patches []backend.Patch
}

// Input is everything objemit needs to emit an object or executable for one ir.Module: its
// compiled functions, its globals (read directly off the Module), the target, and (for
// executables) the entry symbol.
type Input struct {
	Target    backend.Target
	Module    *ir.Module
	Functions []FuncObj
	Entry     string // Required for StaticExecutable/DynamicExecutable, ignored for Relocatable.
}

// dataSym names one symbol's placement within a section being assembled.
type dataSym struct {
	name   string
	offset int
	size   int
}

// relocEntry records one unresolved reference against a section under construction: patch.Symbol
// at byte offset (the blob's start within the section plus patch.Offset) must be rewritten once
// Symbol's address is known.
type relocEntry struct {
	section string // "text", "rodata", "data"
	offset  int    // Byte offset within that section.
	patch   backend.Patch
}

// layout is the fully assembled, not-yet-written section/symbol plan for a module.
type layout struct {
	target backend.Target

	text   []byte
	rodata []byte
	data   []byte
	bssLen int

	funcSyms []dataSym
	roSyms   []dataSym
	dataSyms []dataSym
	bssSyms  []dataSym

	relocs []relocEntry

	// defined maps every symbol name this module itself defines to its (section, dataSym).
	defined map[string]struct {
		section string
		sym     dataSym
	}
	undefined map[string]bool
}

// ---------------------
// ----- Functions -----
// ---------------------

// buildLayout concatenates every function's code into one .text blob (in Functions order, per
// §4.8's "one .text section per module, flattened across functions, with symbol offsets"),
// classifies every ir.Global into .rodata/.data/.bss, and records every patch as a pending
// relocation against the section it landed in.
func buildLayout(in Input) (*layout, error) {
	l := &layout{
		target: in.Target,
		defined: make(map[string]struct {
			section string
			sym     dataSym
		}),
		undefined: make(map[string]bool),
	}

	for _, fn := range in.Functions {
		off := len(l.text)
		sym := dataSym{name: fn.Name, offset: off, size: len(fn.Code)}
		l.funcSyms = append(l.funcSyms, sym)
		l.defined[fn.Name] = struct {
			section string
			sym     dataSym
		}{"text", sym}
		l.text = append(l.text, fn.Code...)
		for _, p := range fn.Patches {
			l.relocs = append(l.relocs, relocEntry{section: "text", offset: off + p.Offset, patch: p})
		}
	}

	if in.Module != nil {
		for _, g := range in.Module.Globals() {
			switch {
			case g.IsExternal:
				l.undefined[g.Name] = true
			case g.Init == nil:
				sym := dataSym{name: g.Name, offset: l.bssLen, size: g.Type.Size(in.Target.WordSize())}
				if sym.size == 0 {
					sym.size = 1
				}
				l.bssLen += sym.size
				l.bssSyms = append(l.bssSyms, sym)
				l.defined[g.Name] = struct {
					section string
					sym     dataSym
				}{"bss", sym}
			case g.IsConst:
				off := len(l.rodata)
				sym := dataSym{name: g.Name, offset: off, size: len(g.Init)}
				l.rodata = append(l.rodata, g.Init...)
				l.roSyms = append(l.roSyms, sym)
				l.defined[g.Name] = struct {
					section string
					sym     dataSym
				}{"rodata", sym}
				for _, r := range g.Relocs {
					l.relocs = append(l.relocs, relocEntry{
						section: "rodata",
						offset:  off + int(r.Offset),
						patch:   backend.Patch{Symbol: in.Module.SymbolName(r.Target), Kind: backend.RelocAbs64},
					})
				}
			default:
				off := len(l.data)
				sym := dataSym{name: g.Name, offset: off, size: len(g.Init)}
				l.data = append(l.data, g.Init...)
				l.dataSyms = append(l.dataSyms, sym)
				l.defined[g.Name] = struct {
					section string
					sym     dataSym
				}{"data", sym}
				for _, r := range g.Relocs {
					l.relocs = append(l.relocs, relocEntry{
						section: "data",
						offset:  off + int(r.Offset),
						patch:   backend.Patch{Symbol: in.Module.SymbolName(r.Target), Kind: backend.RelocAbs64},
					})
				}
			}
		}
	}

	for _, r := range l.relocs {
		if _, ok := l.defined[r.patch.Symbol]; !ok {
			l.undefined[r.patch.Symbol] = true
		}
	}

	return l, nil
}

// weakRuntimeSymbol reports whether name carries one of the Fortran-runtime helper prefixes that
// must be emitted STB_WEAK rather than STB_GLOBAL, so that overlapping definitions of the same
// runtime helper across multiple relocatable objects link without an ODR violation (§4.8).
func weakRuntimeSymbol(name string) bool {
	prefixes := []string{
		"__lfortran_module_init_",
		"_copy_",
		"_Type_Info_",
		"__module_file_common_block_",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// describe summarizes a layout as one line for diagnostic logging; nothing in the module calls
// it at present.
func (l *layout) describe() string {
	return fmt.Sprintf("text=%dB rodata=%dB data=%dB bss=%dB funcs=%d relocs=%d undefined=%d",
		len(l.text), len(l.rodata), len(l.data), l.bssLen, len(l.funcSyms), len(l.relocs), len(l.undefined))
}
