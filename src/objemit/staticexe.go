package objemit

import (
	"bytes"
	"debug/elf"
	"fmt"

	"liric/src/backend"
)

// ---------------------
// ----- Functions -----
// ---------------------

// emitStaticExecutable writes an ET_EXEC with a single RWX PT_LOAD segment, a hand-written
// _start stub, and every relocation resolved directly against final virtual addresses - §4.8's
// "static executable" exactly: "a single loadable segment, a custom start stub... and no dynamic
// section". A reference objemit cannot resolve itself (an undefined symbol) is an error here,
// since there is no dynamic linker available to defer it to.
func emitStaticExecutable(l *layout, entry string, w *bytes.Buffer) error {
	if len(l.undefined) > 0 {
		return fmt.Errorf("objemit: static executable has %d unresolved symbol(s) (first: see layout); "+
			"use a dynamic executable or link the missing definitions in", len(l.undefined))
	}
	entrySym, ok := l.defined[entry]
	if !ok || entrySym.section != "text" {
		return fmt.Errorf("objemit: entry symbol %q is not a defined function", entry)
	}

	headerSize := uint64(ehdr64Size + phdr64Size)
	textOff := alignUp(headerSize, 16)

	var stub []byte
	{
		// entryRel depends on the stub's own length, which depends on the architecture but not on
		// entryRel itself, so the length is a per-arch constant and the stub is built once.
		isARM := l.target.Arch == backend.AArch64
		stubLen := 14
		if isARM {
			stubLen = 12
		}
		entryOffInText := stubLen + entrySym.sym.offset
		var rel int32
		if isARM {
			rel = int32(entryOffInText - 0) // bl is the first instruction; PC-relative to itself.
		} else {
			rel = int32(entryOffInText - 5) // call rel32 relative to the byte after the call.
		}
		if isARM {
			stub = startStubArm64(rel)
		} else {
			stub = startStubAmd64(rel)
		}
	}

	text := append(append([]byte{}, stub...), l.text...)
	shift := len(stub)

	roOff := alignUp(textOff+uint64(len(text)), 8)
	dataOff := alignUp(roOff+uint64(len(l.rodata)), 8)
	bssOff := alignUp(dataOff+uint64(len(l.data)), 8)
	fileEnd := bssOff // .bss contributes no file bytes.
	memEnd := fileEnd + uint64(l.bssLen)

	textVA := loadBaseVA + textOff
	roVA := loadBaseVA + roOff
	dataVA := loadBaseVA + dataOff
	bssVA := loadBaseVA + bssOff

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
	symVA := func(name string) (uint64, error) {
		d, ok := l.defined[name]
		if !ok {
			return 0, fmt.Errorf("objemit: symbol %q has no address (unresolved)", name)
		}
		off := d.sym.offset
		if d.section == "text" {
			off += shift
		}
		return secVA(d.section) + uint64(off), nil
	}

	for _, r := range l.relocs {
		s, err := symVA(r.patch.Symbol)
		if err != nil {
			return err
		}
		off := r.offset
		buf := text
		if r.section == "rodata" {
			buf = l.rodata
		} else if r.section == "data" {
			buf = l.data
		} else {
			off += shift
		}
		p := secVA(r.section) + uint64(off)
		if err := applyReloc(buf, off, r.patch.Kind, s, p, r.patch.Addend); err != nil {
			return fmt.Errorf("objemit: relocating %q: %w", r.patch.Symbol, err)
		}
	}

	entryVA := textVA // _start is the very first instruction of .text.

	ph := phdr64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Offset: 0, Vaddr: loadBaseVA, Paddr: loadBaseVA,
		Filesz: fileEnd, Memsz: memEnd, Align: pageAlign,
	}

	shstr := newStrtab()
	var sections []secPlan
	addSection := func(name string, typ uint32, flags, addr, offset, size uint64, align uint64) {
		sections = append(sections, secPlan{
			name: name,
			hdr: shdr64{
				Name: shstr.intern(name), Type: typ, Flags: flags,
				Addr: addr, Offset: offset, Size: size, Addralign: align,
			},
		})
	}
	addSection("", uint32(elf.SHT_NULL), 0, 0, 0, 0, 0)
	sections = append(sections, secPlan{name: ".text", hdr: shdr64{
		Name: shstr.intern(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addr: textVA, Offset: textOff, Size: uint64(len(text)), Addralign: 16}, payload: text})
	if len(l.rodata) > 0 {
		sections = append(sections, secPlan{name: ".rodata", hdr: shdr64{
			Name: shstr.intern(".rodata"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC),
			Addr: roVA, Offset: roOff, Size: uint64(len(l.rodata)), Addralign: 8}, payload: l.rodata})
	}
	if len(l.data) > 0 {
		sections = append(sections, secPlan{name: ".data", hdr: shdr64{
			Name: shstr.intern(".data"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: dataVA, Offset: dataOff, Size: uint64(len(l.data)), Addralign: 8}, payload: l.data})
	}
	if l.bssLen > 0 {
		sections = append(sections, secPlan{name: ".bss", hdr: shdr64{
			Name: shstr.intern(".bss"), Type: uint32(elf.SHT_NOBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: bssVA, Offset: bssOff, Size: uint64(l.bssLen), Addralign: 8}})
	}
	// .symtab/.strtab list every function at its final address (after the _start stub).
	str := newStrtab()
	symBuf := &bytes.Buffer{}
	writeStruct(symBuf, &sym64{})
	for _, s := range l.funcSyms {
		writeStruct(symBuf, &sym64{Name: str.intern(s.name), Info: symInfo(byte(elf.STB_GLOBAL), byte(elf.STT_FUNC)),
			Shndx: 1, Value: textVA + uint64(s.offset+shift), Size: uint64(s.size)})
	}
	symtabIdx := len(sections)
	sections = append(sections, secPlan{name: ".symtab", payload: symBuf.Bytes(), hdr: shdr64{Name: shstr.intern(".symtab"),
		Type: uint32(elf.SHT_SYMTAB), Size: uint64(symBuf.Len()), Entsize: sym64Size, Link: uint32(symtabIdx + 1), Info: 1, Addralign: 8}})
	sections = append(sections, secPlan{name: ".strtab", payload: str.bytes(), hdr: shdr64{Name: shstr.intern(".strtab"),
		Type: uint32(elf.SHT_STRTAB), Size: uint64(len(str.bytes())), Addralign: 1}})
	shstrIdx := len(sections)
	addSection(".shstrtab", uint32(elf.SHT_STRTAB), 0, 0, 0, 0, 1)
	sections[shstrIdx].payload = shstr.bytes()
	sections[shstrIdx].hdr.Size = uint64(len(shstr.bytes()))

	return writeELFFile(w, l.target, sections, uint16(shstrIdx), uint16(elf.ET_EXEC), entryVA, []phdr64{ph})
}
