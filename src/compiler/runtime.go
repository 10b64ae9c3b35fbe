package compiler

import (
	"liric/src/frontend/bc"
	"liric/src/lirerr"
	"liric/src/session"
)

// ---------------------
// ----- Functions -----
// ---------------------

// SetRuntimeBC decodes a runtime support bitcode bundle (the libc/libm-replacement helpers a
// `liric_llvm` build emits calls to, e.g. __muldc3/__divdc3) into a side module and declares its
// functions as externs on the Compiler's own session, the `set_runtime_bc` operation (§6).
//
// The bundle is held at arm's length in its own session rather than merged into the main module
// outright: Feed*/LoadLibrary callers only ever need the runtime's signatures to resolve calls
// against, and declaring (not defining) keeps emit_object/emit_exe honest about which symbols the
// module itself still leaves undefined. EmitExecutableWithRuntime is the one path that pulls the
// full bodies back in, by Merge-ing this side module at emission time.
func (c *Compiler) SetRuntimeBC(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := session.New(session.IR, c.be, c.target)
	if err := bc.Decode(rt, data); err != nil {
		rt.Close()
		return lirerr.New(lirerr.Parse, "compiler: set_runtime_bc: %v", err)
	}

	for _, fn := range rt.Module().Functions() {
		if _, err := c.sess.Declare(fn.Name, fn.ReturnType, fn.Params, fn.Vararg); err != nil {
			rt.Close()
			return err
		}
	}
	for _, g := range rt.Module().Globals() {
		if _, err := c.sess.CreateGlobal(g.Name, g.Type, nil, g.IsConst, true, false); err != nil {
			rt.Close()
			return err
		}
	}

	c.runtimeModules = append(c.runtimeModules, rt)
	return nil
}
