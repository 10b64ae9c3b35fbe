// Package compiler is Liric's top-level public facade (§4.9): a small, language-neutral surface
// over package session that a host binding (C ABI, CLI, or a Go caller directly) drives without
// touching session/jit/objemit itself. It owns the policy→mode and backend→implementation
// translation the lower layers leave to their caller, and maps every internal error onto the
// stable lirerr.Kind taxonomy.
package compiler

import (
	"os"
	"sync"

	"github.com/ebitengine/purego"

	"liric/src/backend"
	"liric/src/backend/copypatch"
	"liric/src/backend/isel"
	"liric/src/backend/llvmbackend"
	"liric/src/internal/diag"
	"liric/src/lirerr"
	"liric/src/session"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Policy selects between per-function and whole-module compilation, the public mirror of
// session.Mode.
type Policy uint8

// BackendKind selects which of the three codegen lanes a Compiler drives.
type BackendKind uint8

// Options configures a Compiler at creation time.
type Options struct {
	Policy  Policy
	Backend BackendKind
	// TargetName selects the machine to generate code for: "" or "host" picks HostTarget();
	// "x86_64" and "aarch64"/"arm64" select explicitly. Anything else (including the riscv64-<abi>
	// forms the options table names) is UNSUPPORTED, since Liric's own codegen lanes only ever
	// implement x86-64 and aarch64 (§1 Non-goals: "cross-compilation beyond host-arch selection
	// between x86-64 and aarch64").
	TargetName string
	Verbose    bool
}

// Compiler is the opaque top-level handle (§6 "Public library API"). The zero value is not
// usable; construct one with New.
type Compiler struct {
	mu sync.Mutex

	sess   *session.Session
	be     backend.Backend
	target backend.Target

	log *diag.Logger

	// runtimeModules accumulates every module decoded by SetRuntimeBC, in installation order, so
	// EmitExecutableWithRuntime can merge their full definitions back in at emission time even
	// though SetRuntimeBC itself only ever exposed them to the session as declarations.
	runtimeModules []*session.Session

	// libHandles keeps every purego.Dlopen handle alive for the Compiler's lifetime and closed on
	// Close, so a loaded library's code stays mapped for as long as its symbols might be called.
	libHandles []uintptr
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	Direct Policy = iota
	IR
)

const (
	ISEL BackendKind = iota
	CopyPatch
	LLVM
)

// -------------------
// ----- Globals -----
// -------------------

var policyNames = [...]string{"direct", "ir"}
var backendNames = [...]string{"isel", "copy_patch", "llvm"}

// ---------------------
// ----- Functions -----
// ---------------------

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

func (k BackendKind) String() string {
	if int(k) < len(backendNames) {
		return backendNames[k]
	}
	return "unknown"
}

// resolveTarget translates opts.TargetName per the options table's `target = <name or NULL>` row.
func resolveTarget(name string) (backend.Target, error) {
	switch name {
	case "", "host":
		return backend.HostTarget(), nil
	case "x86_64":
		return backend.Target{Arch: backend.X86_64, OS: backend.Linux}, nil
	case "aarch64", "arm64":
		return backend.Target{Arch: backend.AArch64, OS: backend.Linux}, nil
	default:
		return backend.Target{}, lirerr.New(lirerr.Unsupported, "compiler: target %q is not implemented (only host/x86_64/aarch64)", name)
	}
}

// newBackend constructs the backend.Backend implementation for kind, wiring the copy-and-patch
// lane's ISEL fallback exactly the way §4.5 describes ("falls back to ISEL transparently").
func newBackend(kind BackendKind, t backend.Target) backend.Backend {
	switch kind {
	case CopyPatch:
		return copypatch.New(isel.New())
	case LLVM:
		return llvmbackend.New(t)
	default:
		return isel.New()
	}
}

// New creates a Compiler over a fresh session per opts, the `create` operation. backend = LLVM
// requires policy = IR (§6); an LLVM backend that Supports reports unavailable (the liric_llvm
// build tag was not used) fails here with UNSUPPORTED rather than deferring the surprise to the
// first compile or emit call.
func New(opts Options) (*Compiler, error) {
	if opts.Backend == LLVM && opts.Policy != IR {
		return nil, lirerr.New(lirerr.Argument, "compiler: backend=LLVM requires policy=IR")
	}
	target, err := resolveTarget(opts.TargetName)
	if err != nil {
		return nil, err
	}

	be := newBackend(opts.Backend, target)
	if !be.Supports(nil, target) {
		return nil, lirerr.New(lirerr.Unsupported, "compiler: backend %s does not support target %s", opts.Backend, target.Arch)
	}

	mode := session.Direct
	if opts.Policy == IR {
		mode = session.IR
	}

	log := diag.New(os.Stderr, opts.Verbose)
	c := &Compiler{
		sess:   session.New(mode, be, target),
		be:     be,
		target: target,
		log:    log,
	}
	return c, nil
}

// Close tears down the Compiler's session, the `destroy` operation. Also releases every library
// handle registered through LoadLibrary.
func (c *Compiler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sess.Close()
	for _, m := range c.runtimeModules {
		_ = m.Close()
	}
	for _, h := range c.libHandles {
		_ = purego.Dlclose(h)
	}
	c.libHandles = nil
	return err
}

// Session exposes the underlying session.Session for callers (the CLI driver, tests) that need
// the incremental builder surface directly rather than only feed/lookup/emit.
func (c *Compiler) Session() *session.Session { return c.sess }

// Target returns the machine this Compiler generates code for.
func (c *Compiler) Target() backend.Target { return c.target }
