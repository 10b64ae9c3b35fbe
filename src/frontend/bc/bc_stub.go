//go:build !liric_llvm

package bc

import (
	"liric/src/lirerr"
	"liric/src/session"
)

// Decode always fails in builds without the liric_llvm tag: bitcode ingestion needs an LLVM
// reader and this build was not linked against one. Rebuild with -tags liric_llvm to enable it.
func Decode(sess *session.Session, data []byte) error {
	return lirerr.New(lirerr.Unsupported, "bc: decoder unavailable (built without liric_llvm tag)")
}
