package objemit

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sort"

	"liric/src/backend"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// secPlan tracks one output section's header fields as they are assembled, before final offsets
// are known.
type secPlan struct {
	name    string
	hdr     shdr64
	payload []byte // nil for SHT_NOBITS (.bss).
}

// ---------------------
// ----- Functions -----
// ---------------------

// emitRelocatable writes an ET_REL object: §4.8's "Relocatable .o" exactly - one flattened .text,
// one .rodata/.data/.bss, a .symtab/.strtab, and per-populated-section .rela.* relocation lists.
// Every reference a patch carries becomes a relocation entry here, even references to symbols
// this same object defines, since the final address is only known once a linker places the
// sections - an ET_REL file never bakes in absolute addresses itself.
func emitRelocatable(l *layout, w *bytes.Buffer) error {
	shstr := newStrtab()
	str := newStrtab()

	var sections []secPlan
	addSection := func(name string, typ uint32, flags uint64, payload []byte, entsize uint64, link, info uint32, align uint64) int {
		sections = append(sections, secPlan{
			name: name,
			hdr: shdr64{
				Name: shstr.intern(name), Type: typ, Flags: flags,
				Size: uint64(len(payload)), Entsize: entsize, Link: link, Info: info, Addralign: align,
			},
			payload: payload,
		})
		return len(sections) - 1
	}

	addSection("", uint32(elf.SHT_NULL), 0, nil, 0, 0, 0, 0)
	textIdx := -1
	if len(l.text) > 0 {
		textIdx = addSection(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), l.text, 0, 0, 0, 16)
	}
	roIdx := -1
	if len(l.rodata) > 0 {
		roIdx = addSection(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), l.rodata, 0, 0, 0, 8)
	}
	dataIdx := -1
	if len(l.data) > 0 {
		dataIdx = addSection(".data", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), l.data, 0, 0, 0, 8)
	}
	bssIdx := -1
	if l.bssLen > 0 {
		bssIdx = addSection(".bss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), nil, 0, 0, 0, 8)
		sections[bssIdx].hdr.Size = uint64(l.bssLen)
	}

	secIndexOf := map[string]uint16{"text": uint16(textIdx), "rodata": uint16(roIdx), "data": uint16(dataIdx), "bss": uint16(bssIdx)}

	// ----- Symbol table -----
	type symRec struct {
		sym64
		name string
	}
	var syms []symRec
	symIndex := map[string]uint32{}
	addSym := func(name string, shndx uint16, value, size uint64, bind, typ byte) {
		symIndex[name] = uint32(len(syms) + 1) // +1: index 0 is the null symbol.
		syms = append(syms, symRec{
			sym64: sym64{Name: str.intern(name), Info: symInfo(bind, typ), Shndx: shndx, Value: value, Size: uint64(size)},
			name:  name,
		})
	}

	for _, s := range l.funcSyms {
		bind := byte(elf.STB_GLOBAL)
		if weakRuntimeSymbol(s.name) {
			bind = byte(elf.STB_WEAK)
		}
		addSym(s.name, secIndexOf["text"], uint64(s.offset), uint64(s.size), bind, byte(elf.STT_FUNC))
	}
	for _, group := range []struct {
		syms []dataSym
		sec  string
	}{{l.roSyms, "rodata"}, {l.dataSyms, "data"}, {l.bssSyms, "bss"}} {
		for _, s := range group.syms {
			bind := byte(elf.STB_GLOBAL)
			if weakRuntimeSymbol(s.name) {
				bind = byte(elf.STB_WEAK)
			}
			addSym(s.name, secIndexOf[group.sec], uint64(s.offset), uint64(s.size), bind, byte(elf.STT_OBJECT))
		}
	}
	var undef []string
	for name := range l.undefined {
		undef = append(undef, name)
	}
	sort.Strings(undef)
	for _, name := range undef {
		addSym(name, uint16(elf.SHN_UNDEF), 0, 0, byte(elf.STB_GLOBAL), byte(elf.STT_NOTYPE))
	}

	symtabBuf := &bytes.Buffer{}
	writeStruct(symtabBuf, &sym64{}) // null symbol
	for _, s := range syms {
		writeStruct(symtabBuf, &s.sym64)
	}

	// ----- Relocations, grouped by target section -----
	relaBufs := map[string]*bytes.Buffer{}
	for _, r := range l.relocs {
		symIdx, ok := symIndex[r.patch.Symbol]
		if !ok {
			return fmt.Errorf("objemit: relocation against unknown symbol %q", r.patch.Symbol)
		}
		spec, err := relocFor(r.patch.Kind, l.target)
		if err != nil {
			return err
		}
		relType := spec.direct
		if l.undefined[r.patch.Symbol] && spec.plt != 0 {
			relType = spec.plt
		}
		buf, ok := relaBufs[r.section]
		if !ok {
			buf = &bytes.Buffer{}
			relaBufs[r.section] = buf
		}
		rec := rela64{Offset: uint64(r.offset), Info: relaInfo(symIdx, relType), Addend: r.patch.Addend}
		writeStruct(buf, &rec)
	}

	// sh_info for SHT_SYMTAB is the index of the first non-local symbol; every symbol objemit
	// emits is STB_GLOBAL or STB_WEAK; the null symbol at index 0 is the only local one.
	symtabIdx := addSection(".symtab", uint32(elf.SHT_SYMTAB), 0, symtabBuf.Bytes(), sym64Size, 0, 1, 8)
	strtabIdx := addSection(".strtab", uint32(elf.SHT_STRTAB), 0, str.bytes(), 0, 0, 0, 1)
	sections[symtabIdx].hdr.Link = uint32(strtabIdx)

	for _, secName := range []string{"text", "rodata", "data"} {
		buf, ok := relaBufs[secName]
		if !ok {
			continue
		}
		target := secIndexOf[secName]
		addSection(".rela."+secName, uint32(elf.SHT_RELA), uint64(elf.SHF_INFO_LINK), buf.Bytes(), rela64Size, uint32(symtabIdx), uint32(target), 8)
	}

	shstrtabIdx := addSection(".shstrtab", uint32(elf.SHT_STRTAB), 0, shstr.bytes(), 0, 0, 0, 1)
	sections[shstrtabIdx].payload = shstr.bytes() // now including ".shstrtab" itself
	sections[shstrtabIdx].hdr.Size = uint64(len(sections[shstrtabIdx].payload))

	return writeELFFile(w, l.target, sections, uint16(shstrtabIdx), uint16(elf.ET_REL), 0, nil)
}

// writeELFFile lays out the final file: header, then every section's payload back-to-back
// (SHT_NOBITS sections contribute no bytes), then the section header table. phdrs, when non-nil,
// are written between the ELF header and the section payloads, as an executable's program headers
// must precede the segments they describe.
func writeELFFile(w *bytes.Buffer, t backend.Target, sections []secPlan, shstrndx uint16, etype uint16, entry uint64, phdrs []phdr64) error {
	isARM := t.Arch == backend.AArch64
	ident := newIdent(byte(elf.ELFCLASS64))

	phoff := uint64(0)
	if len(phdrs) > 0 {
		phoff = ehdr64Size
	}

	cursor := ehdr64Size + uint64(len(phdrs))*phdr64Size
	for i := range sections {
		if sections[i].hdr.Type == uint32(elf.SHT_NULL) || sections[i].hdr.Type == uint32(elf.SHT_NOBITS) {
			sections[i].hdr.Offset = cursor
			continue
		}
		cursor = alignUp(cursor, sections[i].hdr.Addralign)
		sections[i].hdr.Offset = cursor
		cursor += uint64(len(sections[i].payload))
	}
	shoff := alignUp(cursor, 8)

	eh := ehdr64{
		Ident: ident, Type: etype, Machine: machineFor(isARM), Version: uint32(elf.EV_CURRENT),
		Entry: entry, Phoff: phoff, Shoff: shoff,
		Ehsize: ehdr64Size, Phentsize: phdr64Size, Phnum: uint16(len(phdrs)),
		Shentsize: shdr64Size, Shnum: uint16(len(sections)), Shstrndx: shstrndx,
	}
	writeStruct(w, &eh)
	for _, p := range phdrs {
		writeStruct(w, &p)
	}
	for _, s := range sections {
		if s.hdr.Type == uint32(elf.SHT_NULL) || s.hdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		for uint64(w.Len()) < s.hdr.Offset {
			w.WriteByte(0)
		}
		w.Write(s.payload)
	}
	for uint64(w.Len()) < shoff {
		w.WriteByte(0)
	}
	for _, s := range sections {
		writeStruct(w, &s.hdr)
	}
	return nil
}
