// Package session implements the stateful builder that is the single place frontends and
// backends meet: it owns the current module, the JIT, the symbol table, and the cursor used to
// incrementally construct functions one instruction at a time (§4.3).
package session

import (
	"fmt"

	"liric/src/backend"
	"liric/src/internal/diag"
	"liric/src/ir"
	"liric/src/jit"
	"liric/src/lirerr"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Mode selects between compiling each function as it is finalized (Direct) or buffering the
// whole module for lazy, whole-module codegen (IR).
type Mode uint8

// PhiCopy is a declarative (predecessor, destination vreg, source operand) triple registered by a
// caller against a target block. The session only stores these; no backend in this module reads
// them (ISEL lowers ir.Phi instructions into edge copies instead).
type PhiCopy struct {
	Pred BlockRef
	Dest ir.VReg
	Src  ir.Operand
}

// BlockRef names a block within the function currently open on the cursor.
type BlockRef struct {
	Block ir.BlockID
}

// Session is the stateful builder. It is single-threaded and not reentrant: callers must not
// alias one Session across goroutines (§4.3 "Concurrency").
type Session struct {
	mode    Mode
	backend backend.Backend
	target  backend.Target
	jit     *jit.JIT

	module *ir.Module

	curFn    *ir.Function
	curBlock *ir.Block

	phiCopies map[ir.BlockID][]PhiCopy // pending phi copies keyed by destination block

	stableFuncCount int // number of functions in the module after the last successful func_end; rollback does not read it
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	Direct Mode = iota
	IR
)

// ---------------------
// ----- Functions -----
// ---------------------

// New creates a Session over a fresh, empty module, ready to accept declarations and function
// definitions.
func New(mode Mode, be backend.Backend, target backend.Target) *Session {
	return &Session{
		mode:      mode,
		backend:   be,
		target:    target,
		jit:       jit.New(target, be),
		module:    ir.NewModule("session"),
		phiCopies: make(map[ir.BlockID][]PhiCopy),
	}
}

// Module returns the session's underlying IR module. In IR mode this is the buffer a caller emits
// an object/executable from; mutating it outside the session's own operations is unsupported.
func (s *Session) Module() *ir.Module { return s.module }

// JIT returns the session's JIT instance, used by compile_ll/bc/wasm callers that want to look up
// a freshly compiled function's address directly.
func (s *Session) JIT() *jit.JIT { return s.jit }

// Declare records an external function signature, per the declare(name, sig) operation.
func (s *Session) Declare(name string, ret ir.Type, params []ir.Type, vararg bool) (*ir.Function, error) {
	fn, err := s.module.Declare(name, ret, params, vararg)
	if err != nil {
		return nil, lirerr.New(lirerr.Argument, "session: declare %s: %s", name, err)
	}
	return fn, nil
}

// FuncBegin starts a new function definition and moves the cursor onto it. No block is current
// until Block is called.
func (s *Session) FuncBegin(name string, ret ir.Type, paramNames []string, paramTypes []ir.Type, vararg bool) (*ir.Function, error) {
	if s.curFn != nil {
		return nil, lirerr.New(lirerr.State, "session: func_begin %s called while function %s is still open", name, s.curFn.Name)
	}
	fn, err := s.module.CreateFunction(name, ret, paramNames, paramTypes, vararg)
	if err != nil {
		return nil, lirerr.New(lirerr.Argument, "session: func_begin %s: %s", name, err)
	}
	s.curFn = fn
	s.curBlock = nil
	return fn, nil
}

// Block allocates a new block id in the current function, without moving the cursor onto it.
func (s *Session) Block() (ir.BlockID, error) {
	if s.curFn == nil {
		return 0, lirerr.New(lirerr.State, "session: block() called with no open function")
	}
	b := s.curFn.NewBlock()
	return b.ID, nil
}

// SetBlock moves the cursor to the named block, which must belong to the currently open function.
func (s *Session) SetBlock(id ir.BlockID) error {
	if s.curFn == nil {
		return lirerr.New(lirerr.State, "session: set_block called with no open function")
	}
	b := s.curFn.Block(id)
	if b == nil {
		return lirerr.New(lirerr.Argument, "session: set_block: no such block %d in function %s", id, s.curFn.Name)
	}
	s.curBlock = b
	return nil
}

// VReg allocates a fresh virtual register in the currently open function.
func (s *Session) VReg() (ir.VReg, error) {
	if s.curFn == nil {
		return 0, lirerr.New(lirerr.State, "session: vreg() called with no open function")
	}
	return s.curFn.NewVReg(), nil
}

// Emit appends inst to the current block after validating its shape, returning the destination
// vreg (0 for void-producing opcodes). Matches the emit(inst) operation exactly.
func (s *Session) Emit(inst ir.Instruction) (ir.VReg, error) {
	if s.curBlock == nil {
		return 0, lirerr.New(lirerr.State, "session: emit called with no current block")
	}
	if err := ir.ValidateInstruction(inst); err != nil {
		return 0, lirerr.New(lirerr.Argument, "session: emit: %s", err)
	}
	s.curBlock.Append(inst)
	if inst.Op.ProducesValue() {
		return inst.Dest, nil
	}
	return 0, nil
}

// AddPhiCopy records a declarative phi copy (on entry to destBlock from pred, src into vreg dest).
// It is stored for PhiCopiesFor only; no backend lowers it, so it does not change generated code.
func (s *Session) AddPhiCopy(destBlock ir.BlockID, pred ir.BlockID, dest ir.VReg, src ir.Operand) error {
	if s.curFn == nil {
		return lirerr.New(lirerr.State, "session: add_phi_copy called with no open function")
	}
	s.phiCopies[destBlock] = append(s.phiCopies[destBlock], PhiCopy{Pred: BlockRef{Block: pred}, Dest: dest, Src: src})
	return nil
}

// PhiCopiesFor returns the phi copies registered against block; no backend in this module calls
// it.
func (s *Session) PhiCopiesFor(block ir.BlockID) []PhiCopy {
	return s.phiCopies[block]
}

// FuncEnd finalizes the currently open function. In Direct mode the backend compiles it
// immediately and the function's code address is returned; in IR mode codegen is deferred until
// Lookup or emission is requested, and the returned address is 0.
func (s *Session) FuncEnd() (uintptr, error) {
	if s.curFn == nil {
		return 0, lirerr.New(lirerr.State, "session: func_end called with no open function")
	}
	fn := s.curFn
	if err := ir.ValidateFunction(fn); err != nil {
		s.rollback()
		return 0, lirerr.New(lirerr.Argument, "session: func_end %s: %s", fn.Name, err)
	}
	if err := fn.Finalize(); err != nil {
		s.rollback()
		return 0, lirerr.New(lirerr.Argument, "session: func_end %s: %s", fn.Name, err)
	}
	s.curFn = nil
	s.curBlock = nil
	s.stableFuncCount = len(s.module.Functions())

	if s.mode == Direct {
		if err := s.jit.AddFunction(fn); err != nil {
			return 0, err
		}
		addr, err := s.jit.Lookup(fn.Name)
		if err != nil {
			return 0, lirerr.New(lirerr.Backend, "session: func_end %s: %s", fn.Name, err)
		}
		diag.Verbosef("session: compiled %s at %#x", fn.Name, addr)
		return addr, nil
	}
	if err := s.jit.AddFunction(fn); err != nil {
		return 0, err
	}
	return 0, nil
}

// rollback abandons the function currently under construction: the cursor and the pending phi
// copies are reset so the session stays usable for the next input. The module is not truncated;
// the failed function, already added by CreateFunction, stays in module.Functions().
func (s *Session) rollback() {
	s.curFn = nil
	s.curBlock = nil
	s.phiCopies = make(map[ir.BlockID][]PhiCopy)
}

// Lookup materializes (if necessary) and returns the address of a finalized function, valid in
// both modes.
func (s *Session) Lookup(name string) (uintptr, error) {
	addr, err := s.jit.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("session: lookup %s: %w", name, err)
	}
	return addr, nil
}

// AddSymbol registers a host-provided symbol the JIT can resolve calls against.
func (s *Session) AddSymbol(name string, addr uintptr) {
	s.jit.AddSymbol(name, addr)
}

// Mode returns the session's compilation policy.
func (s *Session) Mode() Mode { return s.mode }

// Target returns the session's target descriptor.
func (s *Session) Target() backend.Target { return s.target }

// Close tears down the session's JIT.
func (s *Session) Close() error {
	return s.jit.Close()
}
