package arena

import (
	"testing"
	"unsafe"
)

// inChunk reports whether b's backing array is entirely contained in c's backing buffer.
func inChunk(b []byte, c *chunk) bool {
	if len(b) == 0 {
		return true
	}
	lo := uintptr(unsafe.Pointer(&c.buf[0]))
	hi := lo + uintptr(len(c.buf))
	p := uintptr(unsafe.Pointer(&b[0]))
	return p >= lo && p+uintptr(len(b)) <= hi
}

// TestAllocLocality is the arena locality property (spec.md §8.2): every allocation an Arena hands
// out lies inside one of its own chunks, across enough allocations and sizes to force at least one
// chunk growth.
func TestAllocLocality(t *testing.T) {
	a := New()
	var live [][]byte
	sizes := []int{1, 8, 17, 256, 4096, defaultChunkSize, 9}
	for i := 0; i < 64; i++ {
		b := a.Alloc(sizes[i%len(sizes)], 8)
		live = append(live, b)
	}

	for i, b := range live {
		found := false
		for _, c := range a.chunks {
			if inChunk(b, c) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("allocation %d (len %d) does not lie within any chunk", i, len(b))
		}
	}
	if a.Chunks() < 2 {
		t.Fatalf("expected growth past the first chunk, got %d chunk(s)", a.Chunks())
	}
}

// TestAllocNoOverlap confirms distinct allocations never alias the same bytes, the half of the
// locality property that guards against a bump-pointer-arithmetic bug double-handing out a range.
func TestAllocNoOverlap(t *testing.T) {
	a := New()
	type span struct{ lo, hi uintptr }
	var spans []span
	for i := 0; i < 32; i++ {
		b := a.Alloc(24, 8)
		lo := uintptr(unsafe.Pointer(&b[0]))
		hi := lo + uintptr(len(b))
		for _, s := range spans {
			if lo < s.hi && s.lo < hi {
				t.Fatalf("allocation %d overlaps an earlier allocation", i)
			}
		}
		spans = append(spans, span{lo, hi})
	}
}

// TestStrDup confirms StrDup round-trips the original bytes.
func TestStrDup(t *testing.T) {
	a := New()
	s := a.StrDup("liric")
	if s != "liric" {
		t.Fatalf("StrDup round-trip = %q, want %q", s, "liric")
	}
}
