// Package objemit turns a compiled ir.Module into an on-disk ELF64 object: a relocatable .o for a
// downstream linker, or a self-contained static/dynamic executable that objemit links itself
// (§4.8). It never shells out to readelf, ld, or gcc; every byte is written directly against the
// ELF64 on-disk layout via encoding/binary, since no ELF writer exists anywhere in the example
// pack to wire instead (debug/elf's exported constants are reused for the type tags, but its
// decoder is never invoked on the write path).
package objemit

import (
	"bytes"
	"fmt"
	"io"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Format selects which of the three object kinds Emit produces.
type Format uint8

// ---------------------
// ----- Constants -----
// ---------------------

const (
	// Relocatable is an ET_REL .o: flattened .text/.rodata/.data/.bss, .symtab/.strtab, and
	// per-section .rela.* left for a real linker to resolve.
	Relocatable Format = iota
	// StaticExecutable is an ET_EXEC with a single RWX PT_LOAD segment and a hand-written _start
	// stub; every reference must already be resolvable, since there is no dynamic linker.
	StaticExecutable
	// DynamicExecutable is an ET_DYN-style executable (PT_INTERP, .dynamic, PLT/GOT) that defers
	// undefined symbols to the runtime dynamic linker instead of failing at emit time.
	DynamicExecutable
)

// -------------------
// ----- Globals -----
// -------------------

var formatNames = [...]string{"relocatable", "static_executable", "dynamic_executable"}

// ---------------------
// ----- Functions -----
// ---------------------

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

// Emit assembles in's functions and globals into a single section/symbol layout and writes it to
// w in the requested format. in.Entry is required for StaticExecutable and DynamicExecutable
// (ignored for Relocatable, which has no process entry point).
func Emit(in Input, format Format, w io.Writer) error {
	l, err := buildLayout(in)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	switch format {
	case Relocatable:
		err = emitRelocatable(l, buf)
	case StaticExecutable:
		err = emitStaticExecutable(l, in.Entry, buf)
	case DynamicExecutable:
		err = emitDynamicExecutable(l, in.Entry, buf)
	default:
		return fmt.Errorf("objemit: unknown format %v", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
