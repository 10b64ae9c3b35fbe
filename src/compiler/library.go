package compiler

import (
	"debug/elf"
	"os"

	"github.com/ebitengine/purego"

	"liric/src/lirerr"
)

// ---------------------
// ----- Functions -----
// ---------------------

// dynamicSymbols lists every defined, named symbol a shared object at path exports, by reading
// its .dynsym through debug/elf rather than dlsym-probing blind: Dlsym alone has no "list exports"
// operation, so the handle purego opens is only used to resolve addresses, never to discover the
// names in the first place.
func dynamicSymbols(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC && elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		names = append(names, s.Name)
	}
	return names, nil
}

// LoadLibrary dlopens the shared object at path and registers every symbol it exports with the
// Compiler's session, the `load_library` operation (§6). Like AddSymbol, a name already resolved
// by an earlier LoadLibrary or AddSymbol call is replaced by this one: last registration wins.
//
// purego gives a cgo-free dlopen/dlsym (§1 Non-goals rules out requiring a C toolchain for a pure
// library build); debug/elf supplies the export list purego itself has no API for.
func (c *Compiler) LoadLibrary(path string) error {
	if _, err := os.Stat(path); err != nil {
		return lirerr.New(lirerr.NotFound, "compiler: load_library: %v", err)
	}
	names, err := dynamicSymbols(path)
	if err != nil {
		return lirerr.New(lirerr.Argument, "compiler: load_library: %s is not a readable ELF shared object: %v", path, err)
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return lirerr.New(lirerr.State, "compiler: load_library: dlopen %s: %v", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		addr, err := purego.Dlsym(handle, name)
		if err != nil || addr == 0 {
			continue
		}
		c.sess.AddSymbol(name, addr)
	}
	c.libHandles = append(c.libHandles, handle)
	return nil
}
