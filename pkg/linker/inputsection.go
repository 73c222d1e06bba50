package linker

import (
	"debug/elf"
	"math"
	"math/bits"
	"sort"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// InputSection is one relocatable section of an input file.
//
// IsAlive is cleared when the section is handed to the fragment merger.
// Offset is the position inside OutputSection and is only valid after
// ComputeSectionSizes. RelsecIdx is the ELF index of the section holding
// this section's relocations, or MaxUint32.
type InputSection struct {
	File     *ObjectFile
	Contents []byte
	Shndx    uint32
	ShSize   uint32
	IsAlive  bool
	P2Align  uint8

	Offset        uint32
	OutputSection *OutputSection

	RelsecIdx uint32
	Rels      []Rela
}

func NewInputSection(file *ObjectFile, shndx uint32) *InputSection {
	s := &InputSection{
		File:      file,
		Shndx:     shndx,
		IsAlive:   true,
		Offset:    math.MaxUint32,
		RelsecIdx: math.MaxUint32,
		ShSize:    math.MaxUint32,
	}

	shdr := s.Shdr()
	s.Contents = file.GetBytesFromShdr(shdr)

	if shdr.Size > math.MaxUint32 {
		Fatalf(ErrInputFormat, file.File.Name, "%s: section too large", s.Name())
	}
	s.ShSize = uint32(shdr.Size)

	if shdr.AddrAlign > 1 && !utils.IsPowerOfTwo(shdr.AddrAlign) {
		Fatalf(ErrInputFormat, file.File.Name, "%s: bad alignment %d", s.Name(), shdr.AddrAlign)
	}
	if shdr.AddrAlign > 0 {
		s.P2Align = uint8(bits.TrailingZeros64(shdr.AddrAlign))
	}

	return s
}

func (i *InputSection) Shdr() *Shdr {
	assertf(i.Shndx < uint32(len(i.File.ElfSections)), "section index %d out of range", i.Shndx)
	return &i.File.ElfSections[i.Shndx]
}

func (i *InputSection) Name() string {
	return ElfGetName(i.File.ShStrtab, i.Shdr().Name)
}

func (i *InputSection) WriteTo(ctx *Context, buf []byte) {
	if i.Shdr().Type == uint32(elf.SHT_NOBITS) || i.ShSize == 0 {
		return
	}

	i.CopyContents(buf)
	i.ApplyRelocs(ctx, buf)
}

func (i *InputSection) CopyContents(buf []byte) {
	copy(buf, i.Contents)
}

// GetRels reads the section's REL or RELA entries once, sorted by offset.
// REL entries get a zero addend.
func (i *InputSection) GetRels() []Rela {
	if i.RelsecIdx == math.MaxUint32 || i.Rels != nil {
		return i.Rels
	}

	shdr := &i.File.ElfSections[i.RelsecIdx]
	bs := i.File.GetBytesFromShdr(shdr)
	if shdr.Type == uint32(elf.SHT_RELA) {
		i.Rels = utils.ReadSlice[Rela](bs, RelaSize)
	} else {
		rels := utils.ReadSlice[Rel](bs, RelSize)
		i.Rels = make([]Rela, 0, len(rels))
		for _, rel := range rels {
			i.Rels = append(i.Rels, Rela{Offset: rel.Offset, Type: rel.Type, Sym: rel.Sym})
		}
	}

	for _, rel := range i.Rels {
		if int(rel.Sym) >= len(i.File.ElfSyms) {
			Fatalf(ErrInputFormat, i.File.File.Name, "%s: relocation references symbol %d out of range",
				i.Name(), rel.Sym)
		}
		if rel.Type == uint32(elf.R_RISCV_NONE) || rel.Type == uint32(elf.R_RISCV_RELAX) {
			continue
		}
		width := max(relocWidth(rel.Type), 1)
		if rel.Offset > uint64(i.ShSize) || uint64(i.ShSize)-rel.Offset < width {
			Fatalf(ErrInputFormat, i.File.File.Name,
				"%s: relocation %v at %#x does not fit in a section of %d bytes",
				i.Name(), elf.R_RISCV(rel.Type), rel.Offset, i.ShSize)
		}
	}

	if !sort.SliceIsSorted(i.Rels, func(a, b int) bool { return i.Rels[a].Offset < i.Rels[b].Offset }) {
		sort.SliceStable(i.Rels, func(a, b int) bool { return i.Rels[a].Offset < i.Rels[b].Offset })
	}
	if i.Rels == nil {
		i.Rels = []Rela{}
	}
	return i.Rels
}

func (i *InputSection) GetAddr() uint64 {
	return i.OutputSection.Shdr.Addr + uint64(i.Offset)
}

func (i *InputSection) ScanRelocations() {
	for _, rel := range i.GetRels() {
		sym := i.File.Symbols[rel.Sym]
		if sym == nil || sym.File == nil {
			continue
		}

		switch elf.R_RISCV(rel.Type) {
		case elf.R_RISCV_GOT_HI20:
			sym.Flags |= NeedsGot
		case elf.R_RISCV_TLS_GOT_HI20:
			sym.Flags |= NeedsGotTp
		}
	}
}
