//go:build !liric_llvm

// Package llvmbackend implements Liric's third codegen lane: lowering ir.Module through LLVM
// itself rather than Liric's own isel/copypatch encoders (§4.6). It is gated behind the
// `liric_llvm` build tag because the real implementation links `tinygo.org/x/go-llvm`, which needs
// cgo and a system LLVM install - exactly the condition the teacher's own `ir/llvm` package
// imposes on its `-ll` flag. This file is the fallback built when that tag is absent: every
// operation fails loudly with a named error rather than the caller silently getting a backend that
// does nothing.
package llvmbackend

import (
	"fmt"

	"liric/src/backend"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Backend is the liric_llvm-less stand-in for the real LLVM-backed backend.
type Backend struct{}

// ---------------------
// ----- Functions -----
// ---------------------

// New constructs the stand-in backend. The real constructor (liric_llvm build) takes a
// backend.Target; this one matches its signature so callers do not need a build-tag switch of
// their own.
func New(t backend.Target) *Backend { return &Backend{} }

func (b *Backend) Name() string       { return "llvm" }
func (b *Backend) Kind() backend.Kind { return backend.LLVM }

// Supports always reports false: without the liric_llvm tag this backend cannot compile anything,
// and Backend.Supports is exactly the mechanism callers use to skip it.
func (b *Backend) Supports(fn *ir.Function, t backend.Target) bool { return false }

func (b *Backend) CompileFunction(fn *ir.Function, t backend.Target) (*backend.CompiledFunction, error) {
	return nil, fmt.Errorf("llvmbackend: built without the liric_llvm tag; rebuild with -tags liric_llvm and a system LLVM install to use the LLVM-backed backend")
}
