// Package wasm decodes a binary WebAssembly module (version 1) and lowers its stack-machine
// function bodies to Liric IR. The binary-format reader is ported from the C reference decoder's
// cursor-based section readers; the lowering pass mirrors its explicit value-stack/control-stack
// approach, both adapted into idiomatic Go rather than translated line for line.
package wasm

import (
	"encoding/binary"
	"fmt"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// valType is a WebAssembly value type byte (i32/i64/f32/f64).
type valType byte

// funcType is a WASM function signature: a flat list of param and result value types.
type funcType struct {
	params  []valType
	results []valType
}

// importDecl records one entry of the import section.
type importDecl struct {
	module   string
	name     string
	kind     byte
	typeIdx  uint32
}

// exportDecl records one entry of the export section.
type exportDecl struct {
	name  string
	kind  byte
	index uint32
}

// localGroup is a run of locals of one value type, as wasm's local declarations are RLE-encoded.
type localGroup struct {
	count uint32
	typ   valType
}

// codeEntry is one function body: its local declarations and its raw instruction bytes.
type codeEntry struct {
	locals []localGroup
	body   []byte
}

// memoryDecl is a linear memory's page limits.
type memoryDecl struct {
	min, max uint32
	hasMax   bool
}

// globalDecl is a module-level global: its type, mutability, and constant initializer.
type globalDecl struct {
	typ      valType
	mutable  bool
	initI64  int64
}

// dataSeg is an active or passive data segment.
type dataSeg struct {
	memIdx uint32
	offset uint32
	bytes  []byte
	active bool
}

// module is the fully decoded binary module, section contents preserved in declaration order.
type module struct {
	types           []funcType
	imports         []importDecl
	funcTypeIdx     []uint32 // one per locally-defined function, indexing types
	numFuncImports  int
	exports         []exportDecl
	code            []codeEntry
	memories        []memoryDecl
	globals         []globalDecl
	data            []dataSeg
}

// cursor is a bounds-checked reader over a byte slice, modeled on the C decoder's cursor_t.
type cursor struct {
	data []byte
	pos  int
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	wasmMagic   = 0x6d736100 // "\0asm" little-endian
	wasmVersion = 1

	valI32 valType = 0x7F
	valI64 valType = 0x7E
	valF32 valType = 0x7D
	valF64 valType = 0x7C

	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secData     = 11
)

// ---------------------
// ----- Functions -----
// ---------------------

func (c *cursor) u8() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, fmt.Errorf("unexpected end of input at offset %d", c.pos)
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) bytes(n uint32) ([]byte, error) {
	if c.pos+int(n) > len(c.data) {
		return nil, fmt.Errorf("unexpected end of input at offset %d", c.pos)
	}
	b := c.data[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

func (c *cursor) u32le() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) lebU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, fmt.Errorf("LEB128 u32 overflow at offset %d", c.pos)
		}
	}
}

func (c *cursor) lebI32() (int32, error) {
	var result int32
	var shift uint
	var b byte
	var err error
	for {
		b, err = c.u8()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 35 {
			return 0, fmt.Errorf("LEB128 i32 overflow at offset %d", c.pos)
		}
	}
	if shift < 32 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (c *cursor) lebI64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = c.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, fmt.Errorf("LEB128 i64 overflow at offset %d", c.pos)
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (c *cursor) name() (string, error) {
	n, err := c.lebU32()
	if err != nil {
		return "", err
	}
	b, err := c.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeModule parses a full binary module, section by section.
func decodeModule(src []byte) (*module, error) {
	c := &cursor{data: src}
	magic, err := c.u32le()
	if err != nil || magic != wasmMagic {
		return nil, fmt.Errorf("wasm: invalid module magic")
	}
	version, err := c.u32le()
	if err != nil || version != wasmVersion {
		return nil, fmt.Errorf("wasm: unsupported module version")
	}

	m := &module{}
	for c.pos < len(c.data) {
		id, err := c.u8()
		if err != nil {
			return nil, err
		}
		secLen, err := c.lebU32()
		if err != nil {
			return nil, err
		}
		secEnd := c.pos + int(secLen)
		if secEnd > len(c.data) {
			return nil, fmt.Errorf("wasm: section %d length overruns module", id)
		}
		sc := &cursor{data: c.data[:secEnd], pos: c.pos}
		if err := decodeSection(id, sc, m); err != nil {
			return nil, err
		}
		c.pos = secEnd
	}
	return m, nil
}

func decodeSection(id byte, c *cursor, m *module) error {
	switch id {
	case secType:
		return decodeTypeSection(c, m)
	case secImport:
		return decodeImportSection(c, m)
	case secFunction:
		return decodeFunctionSection(c, m)
	case secMemory:
		return decodeMemorySection(c, m)
	case secGlobal:
		return decodeGlobalSection(c, m)
	case secExport:
		return decodeExportSection(c, m)
	case secCode:
		return decodeCodeSection(c, m)
	case secData:
		return decodeDataSection(c, m)
	default:
		return nil // unknown sections (custom, table, element, start) are skipped.
	}
}

func decodeTypeSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.types = make([]funcType, count)
	for i := range m.types {
		form, err := c.u8()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("wasm: expected functype marker 0x60, got %#x", form)
		}
		np, err := c.lebU32()
		if err != nil {
			return err
		}
		params := make([]valType, np)
		for j := range params {
			b, err := c.u8()
			if err != nil {
				return err
			}
			params[j] = valType(b)
		}
		nr, err := c.lebU32()
		if err != nil {
			return err
		}
		results := make([]valType, nr)
		for j := range results {
			b, err := c.u8()
			if err != nil {
				return err
			}
			results[j] = valType(b)
		}
		m.types[i] = funcType{params: params, results: results}
	}
	return nil
}

func decodeImportSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.imports = make([]importDecl, count)
	for i := range m.imports {
		modName, err := c.name()
		if err != nil {
			return err
		}
		name, err := c.name()
		if err != nil {
			return err
		}
		kind, err := c.u8()
		if err != nil {
			return err
		}
		imp := importDecl{module: modName, name: name, kind: kind}
		switch kind {
		case 0: // func
			imp.typeIdx, err = c.lebU32()
			if err != nil {
				return err
			}
			m.numFuncImports++
		case 1: // table
			if _, err := c.u8(); err != nil {
				return err
			}
			if _, err := c.lebU32(); err != nil {
				return err
			}
		case 2: // memory
			flags, err := c.u8()
			if err != nil {
				return err
			}
			if _, err := c.lebU32(); err != nil {
				return err
			}
			if flags&1 != 0 {
				if _, err := c.lebU32(); err != nil {
					return err
				}
			}
		case 3: // global
			if _, err := c.u8(); err != nil {
				return err
			}
			if _, err := c.u8(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("wasm: unknown import kind %d", kind)
		}
		m.imports[i] = imp
	}
	return nil
}

func decodeFunctionSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.funcTypeIdx = make([]uint32, count)
	for i := range m.funcTypeIdx {
		m.funcTypeIdx[i], err = c.lebU32()
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeMemorySection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.memories = make([]memoryDecl, count)
	for i := range m.memories {
		flags, err := c.u8()
		if err != nil {
			return err
		}
		min, err := c.lebU32()
		if err != nil {
			return err
		}
		md := memoryDecl{min: min}
		if flags&1 != 0 {
			md.hasMax = true
			md.max, err = c.lebU32()
			if err != nil {
				return err
			}
		}
		m.memories[i] = md
	}
	return nil
}

func decodeGlobalSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.globals = make([]globalDecl, count)
	for i := range m.globals {
		t, err := c.u8()
		if err != nil {
			return err
		}
		mu, err := c.u8()
		if err != nil {
			return err
		}
		op, err := c.u8()
		if err != nil {
			return err
		}
		var initV int64
		switch op {
		case 0x41:
			v, err := c.lebI32()
			if err != nil {
				return err
			}
			initV = int64(v)
		case 0x42:
			v, err := c.lebI64()
			if err != nil {
				return err
			}
			initV = v
		}
		end, err := c.u8()
		if err != nil || end != 0x0B {
			return fmt.Errorf("wasm: expected end opcode in global init expression")
		}
		m.globals[i] = globalDecl{typ: valType(t), mutable: mu != 0, initI64: initV}
	}
	return nil
}

func decodeExportSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.exports = make([]exportDecl, count)
	for i := range m.exports {
		name, err := c.name()
		if err != nil {
			return err
		}
		kind, err := c.u8()
		if err != nil {
			return err
		}
		idx, err := c.lebU32()
		if err != nil {
			return err
		}
		m.exports[i] = exportDecl{name: name, kind: kind, index: idx}
	}
	return nil
}

func decodeCodeSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.code = make([]codeEntry, count)
	for i := range m.code {
		bodySize, err := c.lebU32()
		if err != nil {
			return err
		}
		bodyStart := c.pos
		numGroups, err := c.lebU32()
		if err != nil {
			return err
		}
		groups := make([]localGroup, numGroups)
		for j := range groups {
			cnt, err := c.lebU32()
			if err != nil {
				return err
			}
			t, err := c.u8()
			if err != nil {
				return err
			}
			groups[j] = localGroup{count: cnt, typ: valType(t)}
		}
		localsSize := c.pos - bodyStart
		bodyLen := int(bodySize) - localsSize
		if bodyLen < 0 || c.pos+bodyLen > len(c.data) {
			return fmt.Errorf("wasm: malformed code entry %d", i)
		}
		body, err := c.bytes(uint32(bodyLen))
		if err != nil {
			return err
		}
		m.code[i] = codeEntry{locals: groups, body: body}
	}
	return nil
}

func decodeDataSection(c *cursor, m *module) error {
	count, err := c.lebU32()
	if err != nil {
		return err
	}
	m.data = make([]dataSeg, count)
	for i := range m.data {
		flags, err := c.lebU32()
		if err != nil {
			return err
		}
		seg := dataSeg{active: flags&1 == 0}
		if flags&2 != 0 {
			seg.memIdx, err = c.lebU32()
			if err != nil {
				return err
			}
		}
		if seg.active {
			op, err := c.u8()
			if err != nil {
				return err
			}
			if op == 0x41 {
				v, err := c.lebI32()
				if err != nil {
					return err
				}
				seg.offset = uint32(v)
			}
			end, err := c.u8()
			if err != nil || end != 0x0B {
				return fmt.Errorf("wasm: expected end opcode in data offset expression")
			}
		}
		size, err := c.lebU32()
		if err != nil {
			return err
		}
		b, err := c.bytes(size)
		if err != nil {
			return err
		}
		seg.bytes = b
		m.data[i] = seg
	}
	return nil
}
