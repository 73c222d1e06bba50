package linker

import (
	"debug/elf"
	"math"
	"strings"
)

type SectionState uint8

const (
	SectionNoNeed SectionState = iota
	SectionRelocatable
	SectionMergeable
)

func (s SectionState) String() string {
	switch s {
	case SectionRelocatable:
		return "relocatable"
	case SectionMergeable:
		return "mergeable"
	}
	return "no_need"
}

// sections dropped by name, whatever their type
var noNeedSectionNames = map[string]bool{
	".debug_gnu_pubnames": true,
	".debug_gnu_pubtypes": true,
	".eh_frame":           true,
}

// ObjectFile is the mutable linking state of one relocatable file.
//
// Sections, MergeableSections and States are indexed by ELF section index.
// Symbols is indexed by symbol index: locals point into LocalSymbols,
// globals at the shared entries of the symbol table. Synthesized fragment
// symbols are appended past the ELF symbol count.
type ObjectFile struct {
	InputFile
	Index   int
	IsAlive bool
	InLib   bool

	States            []SectionState
	Sections          []*InputSection
	MergeableSections []*MergeableSection

	LocalSymbols []Symbol
	Symbols      []*Symbol

	HasCtors     bool
	HasInitArray bool

	Attributes *RiscvAttributes
}

func NewObjectFile(file *File, inLib bool) *ObjectFile {
	o := &ObjectFile{
		InputFile: NewInputFile(file),
		IsAlive:   !inLib,
		InLib:     inLib,
	}
	return o
}

func (o *ObjectFile) Parse(ctx *Context) {
	o.ParseSymtab()
	o.InitializeSections()
	o.InitializeSymbols()
	o.InitializeMergeableSections(ctx)
	o.InitializeAttributes()
}

func isSectionNameDenied(name string) bool {
	return noNeedSectionNames[name]
}

// InitializeSections classifies every section and pairs relocation sections
// with their targets.
func (o *ObjectFile) InitializeSections() {
	o.States = make([]SectionState, len(o.ElfSections))
	o.Sections = make([]*InputSection, len(o.ElfSections))
	o.MergeableSections = make([]*MergeableSection, len(o.ElfSections))
	denied := make([]bool, len(o.ElfSections))

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		switch shdr.Type {
		case uint32(elf.SHT_GROUP), uint32(elf.SHT_SYMTAB), uint32(elf.SHT_STRTAB),
			uint32(elf.SHT_REL), uint32(elf.SHT_RELA), uint32(elf.SHT_NULL),
			uint32(elf.SHT_SYMTAB_SHNDX), SHT_RISCV_ATTRIBUTES, SHT_LLVM_ADDRSIG:
			continue
		}

		name := o.SectionName(i)
		if isSectionNameDenied(name) || shdr.Flags&SHF_EXCLUDE != 0 {
			denied[i] = true
			continue
		}
		if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
			Fatalf(ErrInputFormat, o.File.Name, "%s: compressed sections are not supported", name)
		}

		o.States[i] = SectionRelocatable
		o.Sections[i] = NewInputSection(o, uint32(i))

		switch {
		case isCtorsName(name):
			o.HasCtors = true
		case isInitArrayName(name) ||
			shdr.Type == uint32(elf.SHT_INIT_ARRAY) ||
			shdr.Type == uint32(elf.SHT_FINI_ARRAY) ||
			shdr.Type == uint32(elf.SHT_PREINIT_ARRAY):
			o.HasInitArray = true
		}
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) && shdr.Type != uint32(elf.SHT_REL) {
			continue
		}

		if shdr.Info >= uint32(len(o.Sections)) {
			Fatalf(ErrInputFormat, o.File.Name,
				"relocation section %d targets section %d out of range", i, shdr.Info)
		}
		target := o.Sections[shdr.Info]
		if target == nil {
			if denied[shdr.Info] {
				continue
			}
			Fatalf(ErrInternal, o.File.Name,
				"relocation section %d targets section %d which is not relocatable",
				i, shdr.Info)
		}
		if target.RelsecIdx != math.MaxUint32 {
			Fatalf(ErrInputFormat, o.File.Name,
				"section %d has more than one relocation section", shdr.Info)
		}
		target.RelsecIdx = uint32(i)
	}
}

func isCtorsName(name string) bool {
	for _, stem := range []string{".ctors", ".dtors"} {
		if name == stem || strings.HasPrefix(name, stem+".") {
			return true
		}
	}
	return false
}

func isInitArrayName(name string) bool {
	for _, stem := range []string{".init_array", ".fini_array", ".preinit_array"} {
		if name == stem || strings.HasPrefix(name, stem+".") {
			return true
		}
	}
	return false
}

func (o *ObjectFile) InitializeSymbols() {
	if len(o.ElfSyms) == 0 {
		return
	}

	o.LocalSymbols = make([]Symbol, o.FirstGlobal)
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.LocalSymbols[i] = *NewSymbol("")
	}
	if len(o.LocalSymbols) > 0 {
		o.LocalSymbols[0].File = o
	}

	for i := 1; i < len(o.LocalSymbols); i++ {
		esym := &o.ElfSyms[i]
		sym := &o.LocalSymbols[i]
		sym.Name = o.SymbolName(i)
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = i

		if esym.IsCommon() {
			Fatalf(ErrSymbol, o.File.Name, "common local symbol %s is not supported", sym.Name)
		}
		if !esym.IsAbs() && !esym.IsUndef() {
			sym.SetInputSection(o.GetSection(esym, i))
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.Symbols[i] = &o.LocalSymbols[i]
	}
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) int64 {
	assertf(idx >= 0 && idx < len(o.ElfSyms), "%s: symbol index %d out of range", o.File.Name, idx)

	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if idx >= len(o.SymtabShndxSec) {
			Fatalf(ErrInputFormat, o.File.Name, "symbol %d has no extended section index", idx)
		}
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

func (o *ObjectFile) GetSection(esym *Sym, idx int) *InputSection {
	shndx := o.GetShndx(esym, idx)
	if shndx < 0 || shndx >= int64(len(o.Sections)) {
		Fatalf(ErrInputFormat, o.File.Name, "symbol %d has bad section index %d", idx, shndx)
	}
	return o.Sections[shndx]
}

// PutGlobalSymbols inserts every global defined in a kept section.
func (o *ObjectFile) PutGlobalSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if esym.IsUndef() {
			continue
		}
		if esym.IsCommon() {
			Fatalf(ErrSymbol, o.File.Name, "common symbol %s is not supported", o.SymbolName(i))
		}

		var isec *InputSection
		if !esym.IsAbs() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		o.Symbols[i] = ctx.SymbolMap.Insert(o, i, isec)
	}
}

// MarkLiveObjects binds every undefined global slot of a live file and hands
// newly needed files to feeder. Weak references never pull a file in.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	assertf(o.IsAlive, "%s: marking from a dead file", o.File.Name)

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		if o.Symbols[i] != nil {
			continue
		}
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() || esym.IsWeak() {
			continue
		}

		name := o.SymbolName(i)
		sym := ctx.SymbolMap.Get(name)
		if sym == nil || sym.File == nil {
			Fatalf(ErrSymbol, o.File.Name, "undefined symbol: %s", name)
		}

		o.Symbols[i] = sym
		if !sym.File.IsAlive {
			sym.File.IsAlive = true
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.Symbols[o.FirstGlobal:] {
		if sym != nil && sym.File == o {
			sym.Clear()
		}
	}
}

// BindWeakUndefs resolves weak references that no live file defines to a
// private placeholder at address zero.
func (o *ObjectFile) BindWeakUndefs(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		if o.Symbols[i] != nil || !o.ElfSyms[i].IsUndefWeak() {
			continue
		}

		name := o.SymbolName(i)
		if sym := ctx.SymbolMap.Get(name); sym != nil && sym.File != nil {
			o.Symbols[i] = sym
			continue
		}

		sym := NewSymbol(name)
		sym.File = o
		sym.SymIdx = i
		o.Symbols[i] = sym
	}
}

// CheckDuplicateSymbols reports a strong definition that lost the name to
// another strong definition.
func (o *ObjectFile) CheckDuplicateSymbols() {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]
		if sym == nil || esym.IsUndef() || esym.IsWeak() {
			continue
		}
		if sym.File == o || sym.File == nil {
			continue
		}
		if sym.ElfSym().IsWeak() {
			continue
		}

		Fatalf(ErrSymbol, o.File.Name, "duplicate symbol: %s (also defined in %s)",
			sym.Name, sym.File.File.Name)
	}
}

// ownsSymbol reports whether slot i holds this file's own definition.
func (o *ObjectFile) ownsSymbol(i int) bool {
	sym := o.Symbols[i]
	return sym != nil && sym.File == o && sym.SymIdx == i
}

// InitializeMergeableSections splits the SHF_MERGE sections that carry no
// relocations into pieces.
func (o *ObjectFile) InitializeMergeableSections(ctx *Context) {
	for i, isec := range o.Sections {
		if isec == nil || !isec.IsAlive {
			continue
		}

		shdr := isec.Shdr()
		if shdr.Flags&uint64(elf.SHF_MERGE) == 0 || shdr.Size == 0 ||
			shdr.Type == uint32(elf.SHT_NOBITS) || len(isec.GetRels()) > 0 {
			continue
		}

		entsize := mergeEntSize(shdr)
		if entsize == 0 {
			continue
		}

		o.MergeableSections[i] = newMergeableSection(ctx, isec, entsize)
		o.States[i] = SectionMergeable
		isec.IsAlive = false
	}
}

// RegisterSectionPieces splits this file's mergeable sections and inserts
// the pieces into the merged pools, then moves symbols and
// section-relative relocations onto fragments. It only runs for live
// files, so a malformed section in an unused archive member is ignored.
func (o *ObjectFile) RegisterSectionPieces() {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}

		m.split()
		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			m.Fragments = append(m.Fragments,
				m.Parent.Insert(m.Strs[i], uint32(m.P2Align)))
		}
	}

	for i := 1; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() || !o.ownsSymbol(i) {
			continue
		}

		m := o.MergeableSections[o.GetShndx(esym, i)]
		if m == nil {
			continue
		}

		frag, fragOffset := m.GetFragment(uint32(esym.Val))
		if frag == nil {
			Fatalf(ErrLayout, o.File.Name, "symbol %s has a bad value %#x", o.SymbolName(i), esym.Val)
		}
		sym := o.Symbols[i]
		sym.SetSectionFragment(frag)
		sym.Value = uint64(fragOffset)
	}

	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive {
			continue
		}

		rels := isec.GetRels()
		for r := range rels {
			rel := &rels[r]
			esym := &o.ElfSyms[rel.Sym]
			if esym.Type() != elf.STT_SECTION {
				continue
			}

			shndx := o.GetShndx(esym, int(rel.Sym))
			if shndx >= int64(len(o.MergeableSections)) {
				continue
			}
			m := o.MergeableSections[shndx]
			if m == nil {
				continue
			}

			offset := esym.Val + uint64(rel.Addend)
			frag, fragOffset := m.GetFragment(uint32(offset))
			if frag == nil {
				Fatalf(ErrLayout, o.File.Name, "%s: bad relocation at %#x", isec.Name(), rel.Offset)
			}

			sym := NewSymbol("")
			sym.File = o
			sym.SymIdx = int(rel.Sym)
			sym.SetSectionFragment(frag)
			sym.Value = uint64(fragOffset) - uint64(rel.Addend)

			rel.Sym = uint32(len(o.Symbols))
			o.Symbols = append(o.Symbols, sym)
		}
	}
}

func (o *ObjectFile) ScanRelocations() {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive &&
			isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations()
		}
	}
}

// InitializeAttributes parses .riscv.attributes when present.
func (o *ObjectFile) InitializeAttributes() {
	shdr := o.FindSection(SHT_RISCV_ATTRIBUTES)
	if shdr == nil {
		return
	}

	attrs, err := ParseRiscvAttributes(o.GetBytesFromShdr(shdr))
	if err != nil {
		Fatalf(ErrInputFormat, o.File.Name, "%s", err)
	}
	o.Attributes = attrs
}
