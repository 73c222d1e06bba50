package linker

import (
	"debug/elf"
	"strings"
)

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".gnu.warning.", ".openbsd.randomdata.",
}

// GetOutputName stems an input section name to its output section name,
// e.g. .text.main to .text. Mergeable sections keep their name.
func GetOutputName(name string, flags uint64) string {
	if flags&uint64(elf.SHF_MERGE) != 0 {
		return name
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}

	return name
}

// CanonicalizeType gives .init_array and .fini_array sections emitted as
// SHT_PROGBITS by old toolchains their proper type.
func CanonicalizeType(name string, typ uint32) uint32 {
	if typ == uint32(elf.SHT_PROGBITS) {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return uint32(elf.SHT_INIT_ARRAY)
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return uint32(elf.SHT_FINI_ARRAY)
		}
	}
	return typ
}

// GetOutputSectionKey returns the name and type an input section is
// combined under.
func GetOutputSectionKey(ctx *Context, isec *InputSection) (string, uint32) {
	shdr := isec.Shdr()
	name := isec.Name()

	if ctx.HasCtorsAndInitArray && len(isec.GetRels()) > 0 {
		if name == ".ctors" || strings.HasPrefix(name, ".ctors.") {
			return ".init_array", uint32(elf.SHT_INIT_ARRAY)
		}
		if name == ".dtors" || strings.HasPrefix(name, ".dtors.") {
			return ".fini_array", uint32(elf.SHT_FINI_ARRAY)
		}
	}

	name = GetOutputName(name, shdr.Flags)
	return name, CanonicalizeType(name, shdr.Type)
}
