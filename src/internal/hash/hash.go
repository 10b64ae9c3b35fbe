// Package hash computes the content hash used to key the JIT's cross-session materialization
// cache (see package jit). The original C implementation hand-rolls SHA-256 (sha256.c); no
// third-party SHA-256 implementation appears anywhere in the reference corpus, so this is the one
// component of Liric that reaches for the standard library on purpose - crypto/sha256 is the
// uncontested idiomatic choice in the Go ecosystem for this.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"liric/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Sum is a content hash: 32 bytes of SHA-256 over a canonical serialization of an ir.Function.
type Sum [32]byte

// ---------------------
// ----- Functions -----
// ---------------------

// Function computes the canonical content hash of fn: its opcodes, types by structural tag,
// operand kinds, and block topology. Two functions that are textually different but structurally
// identical (e.g. differing only by name) hash identically, which is what lets the cache be keyed
// by content rather than by session identity.
func Function(fn *ir.Function) Sum {
	h := sha256.New()
	var buf [8]byte

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	var putType func(t ir.Type)
	putType = func(t ir.Type) {
		putU64(uint64(t.Kind))
		putU64(uint64(t.ArrayLen))
		if t.Elem != nil {
			putType(*t.Elem)
		}
		putU64(uint64(len(t.Fields)))
		for _, f := range t.Fields {
			putType(f)
		}
	}

	putU64(uint64(fn.ReturnType.Kind))
	putU64(uint64(len(fn.Params)))
	for _, p := range fn.Params {
		putType(p)
	}
	putU64(uint64(len(fn.Blocks)))

	for _, b := range fn.Blocks {
		putU64(uint64(len(b.Instructions)))
		for _, inst := range b.Instructions {
			putU64(uint64(inst.Op))
			putType(inst.ResultType)
			putU64(uint64(inst.Dest))
			putU64(uint64(inst.Predicate))
			putType(inst.ElemType)
			if inst.Callee != 0 && fn.Module != nil {
				name := fn.Module.SymbolName(inst.Callee)
				putU64(uint64(len(name)))
				h.Write([]byte(name))
			}
			putU64(uint64(len(inst.Operands)))
			for _, op := range inst.Operands {
				putU64(uint64(op.Kind))
				putType(op.Type)
				switch op.Kind {
				case ir.OperandVReg:
					putU64(uint64(op.VReg))
				case ir.OperandImmI64:
					putU64(uint64(op.ImmI64))
				case ir.OperandImmF64:
					putU64(math.Float64bits(op.ImmF64))
				case ir.OperandBlock:
					putU64(uint64(op.Block))
				case ir.OperandGlobal:
					putU64(uint64(op.Symbol))
					putU64(uint64(op.Offset))
				}
			}
			putU64(uint64(len(inst.Indices)))
			for _, idx := range inst.Indices {
				putU64(uint64(idx))
			}
		}
	}
	var sum Sum
	copy(sum[:], h.Sum(nil))
	return sum
}
