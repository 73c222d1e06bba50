package linker

const (
	NeedsGot   uint32 = 1 << 0
	NeedsGotTp uint32 = 1 << 1
)

// Symbol is the linker's view of one ELF symbol.
//
// Global symbols are shared: every file that names the symbol points at the
// same Symbol through its Symbols slice, and File/SymIdx identify the
// current definition. Local symbols are owned by their file.
//
// At most one of InputSection and SectionFragment is set. A symbol in a
// mergeable section is moved from the section to the fragment that holds
// its bytes, and Value becomes the offset inside that fragment.
type Symbol struct {
	File     *ObjectFile
	Name     string
	Value    uint64
	SymIdx   int
	GotIdx   int32
	GotTpIdx int32

	InputSection    *InputSection
	SectionFragment *SectionFragment

	// linker-defined symbols are placed relative to a chunk
	OutputChunk Chunker

	Flags uint32
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:     name,
		SymIdx:   -1,
		GotIdx:   -1,
		GotTpIdx: -1,
	}
	return s
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.SectionFragment = frag
}

func (s *Symbol) ElfSym() *Sym {
	assertf(s.File != nil && s.SymIdx >= 0 && s.SymIdx < len(s.File.ElfSyms),
		"symbol %s has no ELF entry", s.Name)
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) IsDefined() bool {
	return s.File != nil && s.SymIdx >= 0 && !s.ElfSym().IsUndef()
}

func (s *Symbol) Clear() {
	s.File = nil
	s.InputSection = nil
	s.SectionFragment = nil
	s.OutputChunk = nil
	s.Value = 0
	s.SymIdx = -1
}

func (s *Symbol) define(file *ObjectFile, idx int, isec *InputSection) {
	s.File = file
	s.SymIdx = idx
	s.Value = file.ElfSyms[idx].Val
	s.SetInputSection(isec)
}

func (s *Symbol) GetAddr() uint64 {
	if s.SectionFragment != nil {
		return s.SectionFragment.GetAddr() + s.Value
	}

	if s.InputSection != nil {
		return s.InputSection.GetAddr() + s.Value
	}

	return s.Value
}

// GetShndx is the output section index the symbol is reported against,
// or zero for an absolute symbol.
func (s *Symbol) GetShndx() uint32 {
	switch {
	case s.SectionFragment != nil:
		return uint32(s.SectionFragment.OutputSection.Shndx)
	case s.InputSection != nil && s.InputSection.OutputSection != nil:
		return uint32(s.InputSection.OutputSection.Shndx)
	case s.OutputChunk != nil && s.OutputChunk.GetShndx() > 0:
		return uint32(s.OutputChunk.GetShndx())
	}
	return 0
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotIdx)*8
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotTpIdx)*8
}

// SyntheticSymbols are the linker-defined symbols. A field stays nil when
// an input file defines the name itself.
type SyntheticSymbols struct {
	EhdrStart         *Symbol
	ExecutableStart   *Symbol
	End               *Symbol
	End2              *Symbol
	Etext             *Symbol
	Etext2            *Symbol
	Edata             *Symbol
	Edata2            *Symbol
	BssStart          *Symbol
	InitArrayStart    *Symbol
	InitArrayEnd      *Symbol
	FiniArrayStart    *Symbol
	FiniArrayEnd      *Symbol
	PreinitArrayStart *Symbol
	PreinitArrayEnd   *Symbol
	GlobalPointer     *Symbol
}
