// Package frontend dispatches raw input bytes to one of Liric's three ingestion frontends
// (textual IR, LLVM bitcode, WebAssembly) and pumps the result into a session.Session. This is the
// "three frontends share a dispatcher that sniffs the first bytes" piece of the ingestion pipeline
// (§4.2); the actual lexing/decoding/lowering lives in the frontend/ll, frontend/bc and
// frontend/wasm sub-packages, the way the teacher keeps per-architecture codegen split into
// backend/arm and backend/riscv behind one driver.
package frontend

import (
	"bytes"

	"liric/src/frontend/bc"
	"liric/src/frontend/ll"
	"liric/src/frontend/wasm"
	"liric/src/lirerr"
	"liric/src/session"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Kind identifies which of the three frontends produced (or should consume) a given input.
type Kind uint8

// ---------------------
// ----- Constants -----
// ---------------------

const (
	Unknown Kind = iota
	TextualIR
	Bitcode
	WebAssembly
)

var kindNames = [...]string{"unknown", "ll", "bc", "wasm"}

// -------------------
// ----- Globals -----
// -------------------

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"
var bitcodeMagic = []byte{'B', 'C', 0xc0, 0xde}
var bitcodeWrapperMagic = []byte{0xde, 0xc0, 0x17, 0x0b} // LLVM bitcode wrapper header magic

// ---------------------
// ----- Functions -----
// ---------------------

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Sniff inspects the first bytes of src and reports which frontend should consume it, without
// consuming or copying src. It never returns an error: unrecognized input is classified as
// TextualIR, since the textual frontend's own parser is what reports a syntax error for genuinely
// invalid input (§4.2 "otherwise textual IR").
func Sniff(src []byte) Kind {
	switch {
	case bytes.HasPrefix(src, wasmMagic):
		return WebAssembly
	case bytes.HasPrefix(src, bitcodeMagic), bytes.HasPrefix(src, bitcodeWrapperMagic):
		return Bitcode
	default:
		return TextualIR
	}
}

// Auto sniffs src and feeds it into sess through the matching frontend.
func Auto(sess *session.Session, src []byte) error {
	switch Sniff(src) {
	case WebAssembly:
		return wasm.Decode(sess, src)
	case Bitcode:
		return bc.Decode(sess, src)
	default:
		return ll.Parse(sess, string(src))
	}
}

// FeedLL parses src as textual IR unconditionally, regardless of its contents.
func FeedLL(sess *session.Session, src string) error {
	return ll.Parse(sess, src)
}

// FeedBC decodes src as LLVM bitcode unconditionally.
func FeedBC(sess *session.Session, src []byte) error {
	if !bytes.HasPrefix(src, bitcodeMagic) && !bytes.HasPrefix(src, bitcodeWrapperMagic) {
		return lirerr.New(lirerr.Argument, "frontend: feed_bc: input is not bitcode (bad magic)")
	}
	return bc.Decode(sess, src)
}

// FeedWasm decodes src as a WebAssembly binary module unconditionally.
func FeedWasm(sess *session.Session, src []byte) error {
	if !bytes.HasPrefix(src, wasmMagic) {
		return lirerr.New(lirerr.Argument, "frontend: feed_wasm: input is not a wasm module (bad magic)")
	}
	return wasm.Decode(sess, src)
}
