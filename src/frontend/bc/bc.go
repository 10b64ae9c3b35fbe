// Package bc decodes LLVM bitcode (raw or wrapped) into Liric IR. The decoder (decode_llvm.go)
// only exists when built with the liric_llvm tag, linking tinygo.org/x/go-llvm's bitcode reader -
// the same LLVM Go binding the teacher's own ir/llvm package uses for codegen. Without that tag,
// Decode (bc_stub.go) fails with a clear "decoder unavailable" message rather than attempting to
// misinterpret the bytes, per the ingestion pipeline's frontend contract (§4.2).
package bc

// ----------------------------
// ----- Functions -----
// ----------------------------

// IsBitcode reports whether data begins with either the raw LLVM bitcode magic ("BC\xc0\xde") or
// the bitcode wrapper header magic, without attempting to parse it.
func IsBitcode(data []byte) bool {
	raw := []byte{'B', 'C', 0xc0, 0xde}
	wrapped := []byte{0xde, 0xc0, 0x17, 0x0b}
	return hasPrefix(data, raw) || hasPrefix(data, wrapped)
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
