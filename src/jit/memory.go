package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// region is one mmap'd range of pages. Code regions are written while RW, then flipped to RX
// before any address inside them is handed out as a callable pointer; data regions stay RW for
// the lifetime of the JIT.
type region struct {
	mem  []byte
	used int
	exec bool // true once flipped to PROT_READ|PROT_EXEC.
}

// ---------------------
// ----- Constants -----
// ---------------------

// regionSize is the allocation granularity for new regions. 64KiB amortizes the mmap syscall cost
// across many small functions, matching typical JIT region sizing.
const regionSize = 64 * 1024

// ---------------------
// ----- Functions -----
// ---------------------

// newRegion mmaps a fresh RW, anonymous, non-file-backed region of at least size bytes.
func newRegion(size int) (*region, error) {
	if size < regionSize {
		size = regionSize
	}
	size = alignUp(size, unix.Getpagesize())
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap %d bytes: %w", size, err)
	}
	return &region{mem: mem}, nil
}

// reserve carves out n bytes from r for writing and returns the slice, or nil if r lacks room.
// The caller must not retain the returned slice across a flip to executable.
func (r *region) reserve(n int) []byte {
	n = alignUp(n, 16)
	if r.exec || r.used+n > len(r.mem) {
		return nil
	}
	s := r.mem[r.used : r.used+n]
	r.used += n
	return s
}

// flip transitions r from writable to executable. Once flipped, no further reserve calls succeed;
// a JIT that needs more code space opens a new region instead of reusing this one, matching the
// spec's "RW region, then a flip-to-RX step" description.
func (r *region) flip() error {
	if r.exec {
		return nil
	}
	if err := unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jit: mprotect RX: %w", err)
	}
	r.exec = true
	return nil
}

// base returns the address of the first byte of r's backing memory.
func (r *region) base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// addrOf returns the address of a slice previously returned by reserve, for recording a symbol's
// final executable address once its region has been flipped.
func (r *region) addrOf(s []byte) uintptr {
	if len(s) == 0 {
		return r.base()
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

// free unmaps r's backing memory. Called only when the owning JIT is torn down.
func (r *region) free() error {
	return unix.Munmap(r.mem)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
