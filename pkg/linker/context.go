package linker

import (
	"log/slog"
	"sync"
)

type ContextArgs struct {
	Output            string
	Emulation         MachineType
	LibraryPaths      []string
	Entry             string
	ImageBase         uint64
	PhysicalImageBase uint64
	HasPhysicalBase   bool
	PageSize          uint64
	Verbose           bool
}

// Context carries all state of one link.
//
// Objs holds every input file in command-line order until ResolveSymbols,
// and only the live ones afterwards. ObjectFile values are never moved, so
// Symbol.File and the global symbol table keep pointing at the same
// objects across the pruning.
type Context struct {
	Args   ContextArgs
	Buf    []byte
	Logger *slog.Logger

	Ehdr        *OutputEhdr
	Shdr        *OutputShdr
	Phdr        *OutputPhdr
	Got         *GotSection
	Symtab      *SymtabSection
	SymtabShndx *SymtabShndxSection
	Strtab      *StrtabSection
	Shstrtab    *ShstrtabSection
	Attributes  *RiscvAttributesSection

	TpAddr uint64

	OutputSections []*OutputSection
	Chunks         []Chunker

	Objs        []*ObjectFile
	InternalObj *ObjectFile
	SymbolMap   *SymbolTable

	mergedMu       sync.Mutex
	MergedSections []*MergedSection

	// set once after liveness: .ctors/.dtors are folded into
	// .init_array/.fini_array when both kinds are present
	HasCtorsAndInitArray bool

	Synthetic SyntheticSymbols
}

func NewContext() *Context {
	ctx := &Context{
		Args: ContextArgs{
			Output:    "a.out",
			Emulation: MachineTypeNone,
			Entry:     "_start",
			ImageBase: DefaultImageBase,
			PageSize:  DefaultPageSize,
		},
		Logger:    slog.Default(),
		SymbolMap: NewSymbolTable(),
	}
	return ctx
}
