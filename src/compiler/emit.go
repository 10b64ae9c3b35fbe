package compiler

import (
	"bytes"
	"io"
	"runtime"
	"sync"

	"liric/src/frontend/bc"
	"liric/src/internal/perr"
	"liric/src/ir"
	"liric/src/lirerr"
	"liric/src/objemit"
	"liric/src/session"
)

// ---------------------
// ----- Functions -----
// ---------------------

// requireIR rejects emit_object/emit_exe in Direct-mode sessions: object and executable emission
// need a whole module to lay sections out over, and the LLVM backend they may be paired with only
// ever compiles whole functions, so both are defined solely in IR mode (§4.3).
func (c *Compiler) requireIR(op string) error {
	if c.sess.Mode() != session.IR {
		return lirerr.New(lirerr.State, "compiler: %s requires policy=IR, session is in direct mode", op)
	}
	return nil
}

// compileAll lowers every function definition in mod through be, independently of anything the
// session's own JIT has already cached: objemit needs raw code and an unresolved patch list
// against this module's own symbol table, not the JIT's relocated, process-resident copy.
//
// Functions are independent compilation units (§4.5: a backend compiles "one function at a time,
// with no cross-function analysis"), so emit_object/emit_exe split them across worker goroutines
// the same way the teacher's ir.Optimise splits its function list across opt.Threads workers:
// never more workers than functions, each worker taking a contiguous slice, residual work handed
// to the first few workers. Results are written back by index so the output order still matches
// mod.Functions(), and every worker's error is buffered by a perr.Collector rather than racing on
// a shared return value.
func (c *Compiler) compileAll(mod *ir.Module) ([]objemit.FuncObj, error) {
	var defs []*ir.Function
	for _, fn := range mod.Functions() {
		if !fn.IsDecl {
			defs = append(defs, fn)
		}
	}
	if len(defs) == 0 {
		return nil, nil
	}

	workers := runtime.NumCPU()
	if workers > len(defs) {
		workers = len(defs)
	}
	n := len(defs) / workers
	res := len(defs) % workers

	out := make([]objemit.FuncObj, len(defs))
	errs := perr.New(workers)
	wg := sync.WaitGroup{}
	wg.Add(workers)

	start := 0
	for i := 0; i < workers; i++ {
		end := start + n
		if i < res {
			end++
		}
		go func(start, end int) {
			defer wg.Done()
			for i, fn := range defs[start:end] {
				if !c.be.Supports(fn, c.target) {
					errs.Append(lirerr.New(lirerr.Unsupported, "compiler: backend %s cannot compile %s for %s", c.be.Name(), fn.Name, c.target.Arch))
					return
				}
				cf, err := c.be.CompileFunction(fn, c.target)
				if err != nil {
					errs.Append(lirerr.New(lirerr.Backend, "compiler: compiling %s: %v", fn.Name, err))
					return
				}
				out[start+i] = objemit.FuncObj{Name: fn.Name, Code: cf.Code, Patches: cf.Patches}
			}
		}(start, end)
		start = end
	}

	wg.Wait()
	errs.Stop()
	if err := errs.First(); err != nil {
		return nil, err
	}
	return out, nil
}

// emitBuffered runs objemit.Emit into an in-memory buffer so EmitExecutable can attempt the
// static form, inspect whether it failed, and only then fall back to the dynamic form, without
// ever writing a partial static attempt to w.
func emitBuffered(in objemit.Input, format objemit.Format) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	if err := objemit.Emit(in, format, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeRuntimeBC decodes data as bitcode into rt, wrapping bc.Decode's error in the public
// taxonomy.
func decodeRuntimeBC(rt *session.Session, data []byte) error {
	if err := bc.Decode(rt, data); err != nil {
		return lirerr.New(lirerr.Parse, "compiler: emit_exe_with_runtime: decoding runtime bitcode: %v", err)
	}
	return nil
}

// EmitObject writes a relocatable ELF64 object (.o) for the session's module to w, the
// `emit_object` operation.
func (c *Compiler) EmitObject(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireIR("emit_object"); err != nil {
		return err
	}

	mod := c.sess.Module()
	funcs, err := c.compileAll(mod)
	if err != nil {
		return err
	}
	c.log.Verbosef("compiler: emit_object: %d functions, %d globals", len(funcs), len(mod.Globals()))

	in := objemit.Input{Target: c.target, Module: mod, Functions: funcs}
	return objemit.Emit(in, objemit.Relocatable, w)
}

// EmitExecutable writes a self-contained ELF64 executable to w, the `emit_exe` operation. entry
// defaults to "main" when empty. objemit tries a statically-linked executable first; if any
// referenced symbol is left undefined (libc/libgcc calls the compiled module never defines
// itself), it falls back to a dynamically-linked one that defers those symbols to the runtime
// linker instead of failing outright.
func (c *Compiler) EmitExecutable(w io.Writer, entry string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireIR("emit_exe"); err != nil {
		return err
	}
	if entry == "" {
		entry = "main"
	}

	mod := c.sess.Module()
	funcs, err := c.compileAll(mod)
	if err != nil {
		return err
	}

	in := objemit.Input{Target: c.target, Module: mod, Functions: funcs, Entry: entry}
	buf, ferr := emitBuffered(in, objemit.StaticExecutable)
	if ferr == nil {
		c.log.Verbosef("compiler: emit_exe: static executable, %d bytes", buf.Len())
		_, err = w.Write(buf.Bytes())
		return err
	}

	c.log.Verbosef("compiler: emit_exe: static link failed (%v), falling back to dynamic", ferr)
	buf, err = emitBuffered(in, objemit.DynamicExecutable)
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// EmitExecutableWithRuntime is EmitExecutable, but first merges runtimeBC's full function and
// global bodies directly into the session's own module, satisfying the runtime-helper calls
// (__muldc3, __divdc3, ...) an `liric_llvm` build leaves as undefined references. Unlike
// SetRuntimeBC, which only ever exposes declarations to the caller, this path needs the bodies
// themselves so the emitted executable has no outstanding dependency on the runtime bundle at
// link time. The merge target is the session's live module, not a throwaway copy: ir.Module.Merge
// re-interns every moved function's symbol id, and a fresh empty module would hand out new ids
// that no longer match the Operand.Symbol values already baked into the session's existing call
// sites. Merging into the same module whose declarations the runtime's definitions replace keeps
// Intern's name lookup returning the id already in use.
func (c *Compiler) EmitExecutableWithRuntime(w io.Writer, entry string, runtimeBC []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireIR("emit_exe_with_runtime"); err != nil {
		return err
	}
	if entry == "" {
		entry = "main"
	}

	rt := session.New(session.IR, c.be, c.target)
	defer rt.Close()
	if err := decodeRuntimeBC(rt, runtimeBC); err != nil {
		return err
	}

	mod := c.sess.Module()
	if err := mod.Merge(rt.Module()); err != nil {
		return lirerr.New(lirerr.State, "compiler: emit_exe_with_runtime: %v", err)
	}

	funcs, err := c.compileAll(mod)
	if err != nil {
		return err
	}

	in := objemit.Input{Target: c.target, Module: mod, Functions: funcs, Entry: entry}
	buf, ferr := emitBuffered(in, objemit.StaticExecutable)
	if ferr == nil {
		_, err = w.Write(buf.Bytes())
		return err
	}
	buf, err = emitBuffered(in, objemit.DynamicExecutable)
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
