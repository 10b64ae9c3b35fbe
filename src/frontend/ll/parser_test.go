package ll

import (
	"os"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"liric/src/backend"
	"liric/src/backend/isel"
	"liric/src/session"
)

// TestParseGolden walks testdata/golden.txtar, a bundle of small textual-IR modules, feeding each
// into its own session and checking that parsing and direct-mode compilation succeed, then that
// the function named after the fixture (minus its .ll suffix) resolves to a real address. One
// archive file holding many named fixtures beats one file per case for a grammar this small -
// golden.txtar's own header comment states the fixture naming rule.
func TestParseGolden(t *testing.T) {
	data, err := os.ReadFile("testdata/golden.txtar")
	if err != nil {
		t.Fatalf("reading golden.txtar: %v", err)
	}
	archive := txtar.Parse(data)
	if len(archive.Files) == 0 {
		t.Fatalf("golden.txtar has no fixture files")
	}

	for _, f := range archive.Files {
		f := f
		name := strings.TrimSuffix(f.Name, ".ll")
		t.Run(name, func(t *testing.T) {
			sess := session.New(session.Direct, isel.New(), backend.Target{Arch: backend.X86_64, OS: backend.Linux})
			defer sess.Close()

			if err := Parse(sess, string(f.Data)); err != nil {
				t.Fatalf("Parse(%s): %v", f.Name, err)
			}
			addr, err := sess.Lookup(name)
			if err != nil {
				t.Fatalf("Lookup(%s): %v", name, err)
			}
			if addr == 0 {
				t.Fatalf("Lookup(%s) returned a nil address", name)
			}
		})
	}
}
