package objemit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"liric/src/backend"
)

// -------------------
// ----- Globals -----
// -------------------

// knownLibcSymbols and knownLibgccSymbols ground the DT_NEEDED deduction rule §4.8 states
// explicitly by name: "any reference to puts/printf adds libc.so.6; any __muldc3/__divdc3 adds
// libgcc_s.so.1". Any undefined symbol outside both sets still needs *some* library to satisfy
// it, so it falls back to libc.so.6 - documented in DESIGN.md as the one place this deduction is
// a heuristic rather than a closed-form rule.
var knownLibcSymbols = map[string]bool{
	"puts": true, "printf": true, "fprintf": true, "sprintf": true, "snprintf": true,
	"malloc": true, "free": true, "calloc": true, "realloc": true, "memcpy": true, "memset": true,
	"memmove": true, "strlen": true, "strcmp": true, "exit": true, "abort": true, "putchar": true,
	"getchar": true, "fopen": true, "fclose": true, "fread": true, "fwrite": true, "pow": true,
	"sqrt": true, "sin": true, "cos": true, "exp": true, "log": true,
}

var knownLibgccSymbols = map[string]bool{
	"__muldc3": true, "__divdc3": true, "__mulsc3": true, "__divsc3": true,
}

// ---------------------
// ----- Functions -----
// ---------------------

// deduceLibraries implements §4.8's "DT_NEEDED entries deduced from undefined-symbol provenance".
func deduceLibraries(undefined map[string]bool) []string {
	need := map[string]bool{}
	for name := range undefined {
		switch {
		case knownLibcSymbols[name]:
			need["libc.so.6"] = true
		case knownLibgccSymbols[name]:
			need["libgcc_s.so.1"] = true
		default:
			need["libc.so.6"] = true
		}
	}
	var libs []string
	for l := range need {
		libs = append(libs, l)
	}
	sort.Strings(libs)
	return libs
}

func interpPath(t backend.Target) string {
	if t.Arch == backend.AArch64 {
		return "/lib/ld-linux-aarch64.so.1"
	}
	return "/lib64/ld-linux-x86-64.so.2"
}

// pltEntryAmd64 is a non-lazy PLT stub: "jmp *got_slot(%rip)". Correct without a PLT0 resolver
// trampoline because the dynamic section below sets DT_BIND_NOW, so every JUMP_SLOT relocation
// is already resolved by the time _start runs.
func pltEntryAmd64(gotSlotVA, pltEntryVA uint64) []byte {
	buf := make([]byte, 6)
	buf[0], buf[1] = 0xFF, 0x25
	disp := int64(gotSlotVA) - int64(pltEntryVA+6)
	binary.LittleEndian.PutUint32(buf[2:], uint32(int32(disp)))
	return buf
}

// pltEntryArm64 is the aarch64 equivalent: adrp+ldr+br through x16/x17, AAPCS64's designated
// intra-procedure-call scratch registers.
func pltEntryArm64(gotSlotVA, pltEntryVA uint64) []byte {
	buf := make([]byte, 0, 12)
	pageDelta := (int64(gotSlotVA)&^0xFFF - int64(pltEntryVA)&^0xFFF) >> 12
	immlo := uint32(pageDelta) & 0x3
	immhi := (uint32(pageDelta) >> 2) & 0x7FFFF
	adrp := (uint32(1) << 31) | (immlo << 29) | (uint32(0b10000) << 24) | (immhi << 5) | 16 // x16
	buf = append(buf, le32(adrp)...)
	lo12 := uint32(gotSlotVA&0xFFF) >> 3 // scaled by access size (8 bytes) for LDR unsigned-imm.
	ldr := (uint32(0b11) << 30) | (uint32(0b111001) << 24) | (uint32(0b01) << 22) | (lo12 << 10) | (16 << 5) | 17
	buf = append(buf, le32(ldr)...)
	// BR Xn: 1101011 0 00 011111 000000 Rn 00000
	br := uint32(0xD61F0000) | (17 << 5)
	buf = append(buf, le32(br)...)
	return buf
}

// emitDynamicExecutable writes an ET_DYN-style minimal dynamic executable: PT_INTERP, a
// .dynamic section with DT_NEEDED entries, .dynsym/.dynstr, .rela.plt with R_*_JUMP_SLOT, a .plt
// stub per imported function, and .got.plt populated by the loader - §4.8's "Dynamic executable"
// paragraph. Every import is treated as a function (STT_FUNC, PLT stub, JUMP_SLOT); there is no
// .got/.rela.dyn or R_*_GLOB_DAT path for imported data.
func emitDynamicExecutable(l *layout, entry string, w *bytes.Buffer) error {
	entrySym, ok := l.defined[entry]
	if !ok || entrySym.section != "text" {
		return fmt.Errorf("objemit: entry symbol %q is not a defined function", entry)
	}

	var imports []string
	for name := range l.undefined {
		imports = append(imports, name)
	}
	sort.Strings(imports)
	libs := deduceLibraries(l.undefined)

	isARM := l.target.Arch == backend.AArch64
	pltEntrySize := uint64(6)
	if isARM {
		pltEntrySize = 12
	}

	dynstr := newStrtab()
	dynstr.intern(interpPath(l.target))
	for _, lib := range libs {
		dynstr.intern(lib)
	}
	for _, name := range imports {
		dynstr.intern(name)
	}

	// ----- Layout pass: PT_INTERP, PT_LOAD(RX), PT_LOAD(RW), PT_DYNAMIC -> 4 program headers. -----
	headerSize := uint64(ehdr64Size + 4*phdr64Size)

	interpBytes := append([]byte(interpPath(l.target)), 0)
	interpOff := headerSize

	dynsymOff := alignUp(interpOff+uint64(len(interpBytes)), 8)
	dynsymCount := 1 + len(imports) // null + one per import
	dynsymSize := uint64(dynsymCount) * sym64Size

	dynstrOff := alignUp(dynsymOff+dynsymSize, 1)
	dynstrBytes := dynstr.bytes()

	relaPltOff := alignUp(dynstrOff+uint64(len(dynstrBytes)), 8)
	relaPltSize := uint64(len(imports)) * rela64Size

	pltOff := alignUp(relaPltOff+relaPltSize, uint64(pltEntrySize))
	pltSize := uint64(len(imports)) * pltEntrySize

	textOff := alignUp(pltOff+pltSize, 16)

	stubLen := 14
	if isARM {
		stubLen = 12
	}
	entryOffInText := stubLen + entrySym.sym.offset
	var entryRel int32
	if isARM {
		entryRel = int32(entryOffInText)
	} else {
		entryRel = int32(entryOffInText - 5)
	}
	var stub []byte
	if isARM {
		stub = startStubArm64(entryRel)
	} else {
		stub = startStubAmd64(entryRel)
	}
	text := append(append([]byte{}, stub...), l.text...)
	shift := len(stub)

	roOff := alignUp(textOff+uint64(len(text)), 8)

	roEnd := roOff + uint64(len(l.rodata))
	// ----- Segment 2 (RW): .got.plt, .dynamic, .data, .bss -----
	gotPltOff := alignUp(roEnd, 8)
	gotPltCount := 3 + len(imports)
	gotPltSize := uint64(gotPltCount) * 8

	dynamicOff := alignUp(gotPltOff+gotPltSize, 8)
	dynEntCount := 1 /*STRTAB*/ + 1 /*SYMTAB*/ + 1 /*STRSZ*/ + 1 /*SYMENT*/ + 1 /*PLTGOT*/ + 1 /*PLTRELSZ*/ + 1 /*PLTREL*/ + 1 /*JMPREL*/ + 1 /*BIND_NOW*/ + len(libs) + 1 /*NULL*/
	dynamicSize := uint64(dynEntCount) * dyn64Size

	dataOff := alignUp(dynamicOff+dynamicSize, 8)
	bssOff := alignUp(dataOff+uint64(len(l.data)), 8)
	fileEnd := bssOff
	memEnd := fileEnd + uint64(l.bssLen)

	rxVA := uint64(loadBaseVA)
	interpVA := rxVA + interpOff
	dynsymVA := rxVA + dynsymOff
	dynstrVA := rxVA + dynstrOff
	relaPltVA := rxVA + relaPltOff
	pltVA := rxVA + pltOff
	textVA := rxVA + textOff
	roVA := rxVA + roOff
	gotPltVA := rxVA + gotPltOff
	dynamicVA := rxVA + dynamicOff
	dataVA := rxVA + dataOff
	bssVA := rxVA + bssOff

	// ----- Symbol/address resolution for cross-section relocations -----
	secVA := func(sec string) uint64 {
		switch sec {
		case "text":
			return textVA
		case "rodata":
			return roVA
		case "data":
			return dataVA
		case "bss":
			return bssVA
		}
		return 0
	}
	importIdx := map[string]int{}
	for i, name := range imports {
		importIdx[name] = i
	}
	pltVAFor := func(name string) uint64 { return pltVA + uint64(importIdx[name])*pltEntrySize }
	gotSlotVAFor := func(name string) uint64 { return gotPltVA + uint64(3+importIdx[name])*8 }

	symVA := func(name string) (uint64, bool, error) {
		if d, ok := l.defined[name]; ok {
			off := d.sym.offset
			if d.section == "text" {
				off += shift
			}
			return secVA(d.section) + uint64(off), false, nil
		}
		if _, ok := importIdx[name]; ok {
			return pltVAFor(name), true, nil
		}
		return 0, false, fmt.Errorf("objemit: symbol %q neither defined nor imported", name)
	}

	for _, r := range l.relocs {
		s, viaPLT, err := symVA(r.patch.Symbol)
		if err != nil {
			return err
		}
		kind := r.patch.Kind
		if viaPLT && kind == backend.RelocGOTPCRel32 {
			// An indirect-call-through-GOT reference to an imported function is satisfied by the
			// PLT stub directly; no separate GOT load is needed since the PLT stub itself already
			// indirects through .got.plt.
			kind = backend.RelocPCRel32
		}
		off := r.offset
		var buf []byte
		switch r.section {
		case "rodata":
			buf = l.rodata
		case "data":
			buf = l.data
		default:
			buf = text
			off += shift
		}
		p := secVA(r.section) + uint64(off)
		if err := applyReloc(buf, off, kind, s, p, r.patch.Addend); err != nil {
			return fmt.Errorf("objemit: relocating %q: %w", r.patch.Symbol, err)
		}
	}

	// ----- .dynsym / .dynstr / .rela.plt / .plt / .got.plt -----
	dynsymBuf := &bytes.Buffer{}
	writeStruct(dynsymBuf, &sym64{})
	for _, name := range imports {
		rec := sym64{Name: dynstr.intern(name), Info: symInfo(byte(elf.STB_GLOBAL), byte(elf.STT_FUNC)), Shndx: uint16(elf.SHN_UNDEF)}
		writeStruct(dynsymBuf, &rec)
	}

	relaPltBuf := &bytes.Buffer{}
	for i, name := range imports {
		rec := rela64{Offset: gotSlotVAFor(name), Info: relaInfo(uint32(i+1), jumpSlotType(l.target)), Addend: 0}
		writeStruct(relaPltBuf, &rec)
	}

	pltBuf := &bytes.Buffer{}
	for _, name := range imports {
		entryVA := pltVAFor(name)
		var code []byte
		if isARM {
			code = pltEntryArm64(gotSlotVAFor(name), entryVA)
		} else {
			code = pltEntryAmd64(gotSlotVAFor(name), entryVA)
		}
		pltBuf.Write(code)
	}

	gotPltBuf := &bytes.Buffer{}
	for i := 0; i < 3; i++ {
		writeStruct(gotPltBuf, uint64(0))
	}
	for _, name := range imports {
		// Pre-BIND_NOW convention value: points back at the PLT stub itself; the dynamic linker
		// overwrites this with the real resolved address before _start runs (DT_BIND_NOW below).
		writeStruct(gotPltBuf, pltVAFor(name))
	}

	dynBuf := &bytes.Buffer{}
	writeDyn := func(tag int64, val uint64) { writeStruct(dynBuf, &dyn64{Tag: tag, Val: val}) }
	for _, lib := range libs {
		writeDyn(int64(elf.DT_NEEDED), uint64(dynstr.intern(lib)))
	}
	writeDyn(int64(elf.DT_STRTAB), dynstrVA)
	writeDyn(int64(elf.DT_SYMTAB), dynsymVA)
	writeDyn(int64(elf.DT_STRSZ), uint64(len(dynstrBytes)))
	writeDyn(int64(elf.DT_SYMENT), sym64Size)
	writeDyn(int64(elf.DT_PLTGOT), gotPltVA)
	writeDyn(int64(elf.DT_PLTRELSZ), relaPltSize)
	writeDyn(int64(elf.DT_PLTREL), uint64(elf.DT_RELA))
	writeDyn(int64(elf.DT_JMPREL), relaPltVA)
	writeDyn(int64(elf.DT_BIND_NOW), 0)
	writeDyn(int64(elf.DT_NULL), 0)

	entryVAFinal := textVA // _start (the stub) is the very first instruction of .text.

	phdrs := []phdr64{
		{Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R), Offset: interpOff, Vaddr: interpVA, Paddr: interpVA,
			Filesz: uint64(len(interpBytes)), Memsz: uint64(len(interpBytes)), Align: 1},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Offset: 0, Vaddr: rxVA, Paddr: rxVA,
			Filesz: roEnd, Memsz: roEnd, Align: pageAlign},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Offset: gotPltOff, Vaddr: gotPltVA, Paddr: gotPltVA,
			Filesz: fileEnd - gotPltOff, Memsz: memEnd - gotPltOff, Align: pageAlign},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Offset: dynamicOff, Vaddr: dynamicVA, Paddr: dynamicVA,
			Filesz: dynamicSize, Memsz: dynamicSize, Align: 8},
	}

	shstr := newStrtab()
	var sections []secPlan
	add := func(name string, typ uint32, flags, addr, offset, size uint64, align uint64, payload []byte, link, info uint32) {
		sections = append(sections, secPlan{name: name, payload: payload, hdr: shdr64{
			Name: shstr.intern(name), Type: typ, Flags: flags, Addr: addr, Offset: offset, Size: size,
			Addralign: align, Link: link, Info: info,
		}})
	}
	add("", uint32(elf.SHT_NULL), 0, 0, 0, 0, 0, nil, 0, 0)
	add(".interp", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), interpVA, interpOff, uint64(len(interpBytes)), 1, interpBytes, 0, 0)
	dynsymIdx := len(sections)
	add(".dynsym", uint32(elf.SHT_DYNSYM), uint64(elf.SHF_ALLOC), dynsymVA, dynsymOff, dynsymSize, 8, dynsymBuf.Bytes(), 0, 1)
	dynstrIdx := len(sections)
	add(".dynstr", uint32(elf.SHT_STRTAB), uint64(elf.SHF_ALLOC), dynstrVA, dynstrOff, uint64(len(dynstrBytes)), 1, dynstrBytes, 0, 0)
	sections[dynsymIdx].hdr.Link = uint32(dynstrIdx)
	add(".rela.plt", uint32(elf.SHT_RELA), uint64(elf.SHF_ALLOC|elf.SHF_INFO_LINK), relaPltVA, relaPltOff, relaPltSize, 8, relaPltBuf.Bytes(), uint32(dynsymIdx), 0)
	add(".plt", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), pltVA, pltOff, pltSize, pltEntrySize, pltBuf.Bytes(), 0, 0)
	add(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), textVA, textOff, uint64(len(text)), 16, text, 0, 0)
	if len(l.rodata) > 0 {
		add(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), roVA, roOff, uint64(len(l.rodata)), 8, l.rodata, 0, 0)
	}
	add(".got.plt", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), gotPltVA, gotPltOff, gotPltSize, 8, gotPltBuf.Bytes(), 0, 0)
	dynamicIdx := len(sections)
	add(".dynamic", uint32(elf.SHT_DYNAMIC), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), dynamicVA, dynamicOff, dynamicSize, 8, dynBuf.Bytes(), uint32(dynstrIdx), 0)
	_ = dynamicIdx
	if len(l.data) > 0 {
		add(".data", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), dataVA, dataOff, uint64(len(l.data)), 8, l.data, 0, 0)
	}
	if l.bssLen > 0 {
		add(".bss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), bssVA, bssOff, uint64(l.bssLen), 8, nil, 0, 0)
	}
	shstrIdx := len(sections)
	add(".shstrtab", uint32(elf.SHT_STRTAB), 0, 0, 0, 0, 1, nil, 0, 0)
	sections[shstrIdx].payload = shstr.bytes()
	sections[shstrIdx].hdr.Size = uint64(len(shstr.bytes()))

	return writeELFFile(w, l.target, sections, uint16(shstrIdx), uint16(elf.ET_DYN), entryVAFinal, phdrs)
}
