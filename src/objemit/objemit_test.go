package objemit

import (
	"bytes"
	"debug/elf"
	"testing"

	"liric/src/backend"
	"liric/src/ir"
)

// ----------------------
// ----- Functions ------
// ----------------------

// retOnlyAmd64 is "xor eax, eax; ret" - a minimal, self-contained function body requiring no
// relocations, used wherever a test just needs a valid callable stand-in for @main.
func retOnlyAmd64() []byte { return []byte{0x31, 0xC0, 0xC3} }

// retOnlyArm64 is "mov w0, #0; ret".
func retOnlyArm64() []byte { return []byte{0x00, 0x00, 0x80, 0x52, 0xC0, 0x03, 0x5F, 0xD6} }

func amd64Target() backend.Target { return backend.Target{Arch: backend.X86_64, OS: backend.Linux} }
func arm64Target() backend.Target { return backend.Target{Arch: backend.AArch64, OS: backend.Linux} }

func TestEmitRelocatableSections(t *testing.T) {
	in := Input{
		Target: amd64Target(),
		Functions: []FuncObj{
			{Name: "main", Code: retOnlyAmd64()},
		},
	}
	var buf bytes.Buffer
	if err := Emit(in, Relocatable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted object: %v", err)
	}
	if f.Type != elf.ET_REL {
		t.Fatalf("Type = %v, want ET_REL", f.Type)
	}
	if f.Machine != elf.EM_X86_64 {
		t.Fatalf("Machine = %v, want EM_X86_64", f.Machine)
	}
	if sec := f.Section(".text"); sec == nil {
		t.Fatal("missing .text section")
	} else if sec.Size != uint64(len(retOnlyAmd64())) {
		t.Fatalf(".text size = %d, want %d", sec.Size, len(retOnlyAmd64()))
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	var found bool
	for _, s := range syms {
		if s.Name == "main" {
			found = true
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				t.Fatalf("main symbol type = %v, want STT_FUNC", elf.ST_TYPE(s.Info))
			}
			if elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
				t.Fatalf("main symbol bind = %v, want STB_GLOBAL", elf.ST_BIND(s.Info))
			}
		}
	}
	if !found {
		t.Fatal("symtab missing \"main\"")
	}
}

func TestEmitRelocatableUndefinedSymbolGetsRelocation(t *testing.T) {
	// "call puts" with a placeholder rel32, patched against an undefined external symbol.
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}
	in := Input{
		Target: amd64Target(),
		Functions: []FuncObj{
			{Name: "main", Code: code, Patches: []backend.Patch{
				{Offset: 1, Symbol: "puts", Kind: backend.RelocPCRel32},
			}},
		},
	}
	var buf bytes.Buffer
	if err := Emit(in, Relocatable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted object: %v", err)
	}

	relaText := f.Section(".rela.text")
	if relaText == nil {
		t.Fatal("missing .rela.text for a call against an undefined symbol")
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	var sawUndefPuts bool
	for _, s := range syms {
		if s.Name == "puts" && s.Section == elf.SHN_UNDEF {
			sawUndefPuts = true
		}
	}
	if !sawUndefPuts {
		t.Fatal("symtab missing undefined \"puts\"")
	}
}

func TestEmitRelocatableWeakRuntimeSymbol(t *testing.T) {
	in := Input{
		Target: amd64Target(),
		Functions: []FuncObj{
			{Name: "__lfortran_module_init_foo", Code: retOnlyAmd64()},
		},
	}
	var buf bytes.Buffer
	if err := Emit(in, Relocatable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted object: %v", err)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	for _, s := range syms {
		if s.Name == "__lfortran_module_init_foo" && elf.ST_BIND(s.Info) != elf.STB_WEAK {
			t.Fatalf("bind = %v, want STB_WEAK for a Fortran runtime-init symbol", elf.ST_BIND(s.Info))
		}
	}
}

func TestEmitRelocatableGlobalsSections(t *testing.T) {
	mod := ir.NewModule("t")
	if _, err := mod.CreateGlobal("msg", ir.ArrayType(ir.I8Type(), 4), []byte("hi\x00\x00"), true, false, false); err != nil {
		t.Fatalf("CreateGlobal rodata: %v", err)
	}
	if _, err := mod.CreateGlobal("counter", ir.I32Type(), []byte{0, 0, 0, 0}, false, false, false); err != nil {
		t.Fatalf("CreateGlobal data: %v", err)
	}
	if _, err := mod.CreateGlobal("scratch", ir.I64Type(), nil, false, false, false); err != nil {
		t.Fatalf("CreateGlobal bss: %v", err)
	}

	in := Input{Target: amd64Target(), Module: mod, Functions: []FuncObj{{Name: "main", Code: retOnlyAmd64()}}}
	var buf bytes.Buffer
	if err := Emit(in, Relocatable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted object: %v", err)
	}
	for _, name := range []string{".rodata", ".data", ".bss"} {
		if f.Section(name) == nil {
			t.Fatalf("missing %s section", name)
		}
	}
	if bss := f.Section(".bss"); bss.Type != elf.SHT_NOBITS {
		t.Fatalf(".bss type = %v, want SHT_NOBITS", bss.Type)
	}
}

func TestEmitStaticExecutable(t *testing.T) {
	in := Input{
		Target:    amd64Target(),
		Functions: []FuncObj{{Name: "main", Code: retOnlyAmd64()}},
		Entry:     "main",
	}
	var buf bytes.Buffer
	if err := Emit(in, StaticExecutable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted executable: %v", err)
	}
	if f.Type != elf.ET_EXEC {
		t.Fatalf("Type = %v, want ET_EXEC", f.Type)
	}
	var loads int
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads++
			if p.Flags != elf.PF_R|elf.PF_W|elf.PF_X {
				t.Fatalf("PT_LOAD flags = %v, want RWX", p.Flags)
			}
		}
	}
	if loads != 1 {
		t.Fatalf("PT_LOAD count = %d, want 1 (single loadable segment)", loads)
	}
	if f.Entry == 0 {
		t.Fatal("e_entry is zero")
	}
	// The entry point is the _start stub, not @main's own address: @main's symbol sits after the
	// stub in .text, so e_entry must be strictly less than it.
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	for _, s := range syms {
		if s.Name == "main" && f.Entry >= s.Value {
			t.Fatalf("e_entry (0x%x) should precede @main (0x%x); the stub must run first", f.Entry, s.Value)
		}
	}
}

func TestEmitStaticExecutableRejectsUndefinedSymbols(t *testing.T) {
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}
	in := Input{
		Target: amd64Target(),
		Functions: []FuncObj{
			{Name: "main", Code: code, Patches: []backend.Patch{
				{Offset: 1, Symbol: "puts", Kind: backend.RelocPCRel32},
			}},
		},
		Entry: "main",
	}
	var buf bytes.Buffer
	if err := Emit(in, StaticExecutable, &buf); err == nil {
		t.Fatal("expected an error for a static executable with an unresolved external symbol")
	}
}

func TestEmitDynamicExecutableInterpAndNeeded(t *testing.T) {
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}
	in := Input{
		Target: amd64Target(),
		Functions: []FuncObj{
			{Name: "main", Code: code, Patches: []backend.Patch{
				{Offset: 1, Symbol: "puts", Kind: backend.RelocPCRel32},
			}},
		},
		Entry: "main",
	}
	var buf bytes.Buffer
	if err := Emit(in, DynamicExecutable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted executable: %v", err)
	}
	if f.Type != elf.ET_DYN {
		t.Fatalf("Type = %v, want ET_DYN", f.Type)
	}
	var sawInterp bool
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			sawInterp = true
		}
	}
	if !sawInterp {
		t.Fatal("missing PT_INTERP")
	}
	libs, err := f.ImportedLibraries()
	if err != nil {
		t.Fatalf("ImportedLibraries: %v", err)
	}
	var sawLibc bool
	for _, l := range libs {
		if l == "libc.so.6" {
			sawLibc = true
		}
	}
	if !sawLibc {
		t.Fatalf("DT_NEEDED = %v, want libc.so.6 (puts is a known libc symbol)", libs)
	}
	dsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatalf("DynamicSymbols: %v", err)
	}
	var sawPuts bool
	for _, s := range dsyms {
		if s.Name == "puts" {
			sawPuts = true
		}
	}
	if !sawPuts {
		t.Fatal(".dynsym missing \"puts\"")
	}
}

func TestDeduceLibraries(t *testing.T) {
	libs := deduceLibraries(map[string]bool{"puts": true, "__muldc3": true, "some_weird_fn": true})
	want := map[string]bool{"libc.so.6": true, "libgcc_s.so.1": true}
	for _, l := range libs {
		if !want[l] {
			t.Fatalf("unexpected library %q", l)
		}
		delete(want, l)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected libraries: %v", want)
	}
}

func TestWeakRuntimeSymbol(t *testing.T) {
	cases := map[string]bool{
		"__lfortran_module_init_mymod": true,
		"_copy_array":                  true,
		"_Type_Info_point":             true,
		"__module_file_common_block_x": true,
		"main":                         false,
		"puts":                         false,
	}
	for name, want := range cases {
		if got := weakRuntimeSymbol(name); got != want {
			t.Errorf("weakRuntimeSymbol(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEmitDynamicExecutableArm64(t *testing.T) {
	in := Input{
		Target:    arm64Target(),
		Functions: []FuncObj{{Name: "main", Code: retOnlyArm64()}},
		Entry:     "main",
	}
	var buf bytes.Buffer
	if err := Emit(in, DynamicExecutable, &buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parsing emitted executable: %v", err)
	}
	if f.Machine != elf.EM_AARCH64 {
		t.Fatalf("Machine = %v, want EM_AARCH64", f.Machine)
	}
}

func TestEmitUnknownFormat(t *testing.T) {
	in := Input{Target: amd64Target(), Functions: []FuncObj{{Name: "main", Code: retOnlyAmd64()}}, Entry: "main"}
	var buf bytes.Buffer
	if err := Emit(in, Format(99), &buf); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}
