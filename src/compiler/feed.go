package compiler

import (
	"liric/src/frontend"
)

// ---------------------
// ----- Functions -----
// ---------------------

// FeedLL parses textual LLVM IR and appends its definitions to the Compiler's session, the
// `feed_ll` operation.
func (c *Compiler) FeedLL(src string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frontend.FeedLL(c.sess, src)
}

// FeedBC decodes LLVM bitcode and appends its definitions to the Compiler's session, the
// `feed_bc` operation.
func (c *Compiler) FeedBC(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frontend.FeedBC(c.sess, data)
}

// FeedWasm decodes a WebAssembly module and appends its definitions to the Compiler's session,
// the `feed_wasm` operation.
func (c *Compiler) FeedWasm(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frontend.FeedWasm(c.sess, data)
}

// FeedAuto sniffs src's format (textual IR, bitcode, or wasm) and dispatches to the matching
// frontend, the `feed_auto` operation.
func (c *Compiler) FeedAuto(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frontend.Auto(c.sess, data)
}

// AddSymbol registers addr as the resolved address of an externally-defined symbol name, the
// `add_symbol` operation. Used to satisfy declarations the fed sources leave undefined without
// going through LoadLibrary.
func (c *Compiler) AddSymbol(name string, addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.AddSymbol(name, addr)
}

// Lookup resolves name to its compiled address, the `lookup` operation. Only meaningful once the
// owning function has been finalized (direct mode) or the module has been JIT-linked (IR mode).
func (c *Compiler) Lookup(name string) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Lookup(name)
}
