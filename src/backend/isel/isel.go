// Package isel implements Liric's primary codegen backend: a single-pass register allocator and
// per-opcode machine code emitter for x86-64 and aarch64 (§4.4). Unlike the teacher's arm/riscv
// backends, which print textual assembly for an external assembler, isel writes machine code
// bytes directly into a buffer the JIT can mmap and execute - there is no assemble-and-link step
// anywhere in Liric's pipeline.
package isel

import (
	"fmt"

	"liric/src/backend"
	"liric/src/backend/isel/amd64"
	"liric/src/backend/isel/arm64"
	"liric/src/backend/isel/codegen"
	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Backend is the ISEL backend.Backend implementation. It holds no per-compile state of its own;
// everything scoped to a single function lives in the codegen.EmitCtx it constructs per call.
type Backend struct{}

// ---------------------
// ----- Functions -----
// ---------------------

// New constructs the ISEL backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string       { return "isel" }
func (b *Backend) Kind() backend.Kind { return backend.ISEL }

// Supports reports whether fn can be lowered by ISEL at all. ISEL aims to support every opcode
// the IR defines and only declines architectures it has no emitter for; unsupported individual
// opcode/operand combinations are instead caught at emission time per the "Failure model" note.
func (b *Backend) Supports(fn *ir.Function, t backend.Target) bool {
	switch t.Arch {
	case backend.X86_64, backend.AArch64:
		return true
	default:
		return false
	}
}

// CompileFunction lowers fn for target t: prescan, frame layout, linear-scan register
// allocation, per-opcode emission, then branch/phi patching, per §4.4's six numbered steps.
func (b *Backend) CompileFunction(fn *ir.Function, t backend.Target) (*backend.CompiledFunction, error) {
	if fn.IsDecl {
		return nil, fmt.Errorf("isel: %s is a declaration, nothing to compile", fn.Name)
	}
	em, err := archEmitter(t)
	if err != nil {
		return nil, err
	}

	ps := prescanFunction(fn)
	fr := layoutFrame(fn, ps, t)
	alloc := allocateRegisters(fn, ps, fr, t)
	phis := collectPhiEdges(fn)

	ctx := &codegen.EmitCtx{
		Fn:        fn,
		Target:    t,
		Frame:     fr,
		Alloc:     alloc,
		BlockOffs: make([]int, len(fn.Blocks)),
	}

	ctx.Buf = append(ctx.Buf, em.Prologue(fr, alloc)...)
	for _, blk := range fn.Blocks {
		ctx.BlockOffs[blk.ID] = len(ctx.Buf)
		for i := range blk.Instructions {
			inst := &blk.Instructions[i]
			if inst.Op == ir.Phi {
				continue // Phis are consumed from the predecessor side, see emitPhiCopies.
			}
			if inst.Op.IsTerminator() {
				if err := emitPhiCopies(ctx, em, phis, blk.ID, inst); err != nil {
					return nil, fmt.Errorf("isel: %s: phi lowering: %w", fn.Name, err)
				}
			}
			if err := em.Instruction(ctx, inst); err != nil {
				return nil, fmt.Errorf("isel: %s: %s: %w", fn.Name, inst.Op, err)
			}
		}
	}
	ctx.Buf = append(ctx.Buf, em.Epilogue(fr, alloc)...)

	for _, pb := range ctx.Pending {
		target := ctx.BlockOffs[pb.Target]
		em.ResolveBranch(ctx.Buf, pb.At, target-pb.At)
	}

	return &backend.CompiledFunction{
		Code:        ctx.Buf,
		Patches:     ctx.Patches,
		FrameSize:   fr.Size,
		StackSymbol: fn.Name,
	}, nil
}

func archEmitter(t backend.Target) (codegen.Emitter, error) {
	switch t.Arch {
	case backend.X86_64:
		return amd64.NewEmitter(), nil
	case backend.AArch64:
		return arm64.NewEmitter(), nil
	default:
		return nil, fmt.Errorf("isel: unsupported architecture %s", t.Arch)
	}
}
