package backend

import "runtime"

// ---------------------
// ----- Functions -----
// ---------------------

// hostArch maps the running process's GOARCH to the Arch enum, mirroring the teacher's
// command-line -arch flag resolution but driven by the Go runtime instead of argv.
func hostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64
	case "arm64":
		return AArch64
	default:
		return UnknownArch
	}
}
