// Command liricc is a thin CLI driver over package compiler: read one input file, feed it into a
// Compiler, then either JIT-lookup its entry symbol or emit an object/executable, the same
// three-stage shape as the teacher's own src/main.go (parse, build, emit) built over this
// repository's facade instead of vslc's.
package main

import (
	"fmt"
	"os"

	"liric/src/compiler"
	"liric/src/internal/clopt"
)

func run(opt clopt.Options) error {
	if opt.Src == "" {
		return fmt.Errorf("no input file given")
	}
	data, err := os.ReadFile(opt.Src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", opt.Src, err)
	}

	copts := compiler.Options{
		Policy:     toPolicy(opt.Policy),
		Backend:    toBackend(opt.Backend),
		TargetName: toTargetName(opt.TargetArch),
		Verbose:    opt.Verbose,
	}
	if opt.EmitObject || opt.EmitExe {
		copts.Policy = compiler.IR
	}

	c, err := compiler.New(copts)
	if err != nil {
		return fmt.Errorf("creating compiler: %w", err)
	}
	defer c.Close()

	if err := c.FeedAuto(data); err != nil {
		return fmt.Errorf("feeding %s: %w", opt.Src, err)
	}

	switch {
	case opt.EmitObject:
		return emitTo(opt.Out, c.EmitObject)
	case opt.EmitExe:
		return emitTo(opt.Out, func(w *os.File) error { return c.EmitExecutable(w, "") })
	default:
		addr, err := c.Lookup("main")
		if err != nil {
			return fmt.Errorf("looking up main: %w", err)
		}
		fmt.Printf("main compiled at %#x\n", addr)
		return nil
	}
}

// emitTo opens opt.Out (truncating/creating it) and runs fn over the result, closing the file
// afterward. A missing -o is an error for both -obj and -exe: unlike the JIT path there is no
// sensible default destination for generated machine code.
func emitTo(path string, fn func(*os.File) error) error {
	if path == "" {
		return fmt.Errorf("-o is required for -obj/-exe")
	}
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0755)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return fn(f)
}

func toPolicy(p clopt.Policy) compiler.Policy {
	if p == clopt.PolicyIR {
		return compiler.IR
	}
	return compiler.Direct
}

func toBackend(b clopt.Backend) compiler.BackendKind {
	switch b {
	case clopt.BackendCopyPatch:
		return compiler.CopyPatch
	case clopt.BackendLLVM:
		return compiler.LLVM
	default:
		return compiler.ISEL
	}
}

func toTargetName(arch int) string {
	switch arch {
	case 1:
		return "x86_64"
	case 2:
		return "aarch64"
	default:
		return ""
	}
}

func main() {
	opt, err := clopt.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "liricc: %s\n", err)
		os.Exit(1)
	}
	if err := run(opt); err != nil {
		fmt.Fprintf(os.Stderr, "liricc: %s\n", err)
		os.Exit(1)
	}
}
