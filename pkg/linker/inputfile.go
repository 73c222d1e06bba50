package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// InputFile is the read-only view over one relocatable file: its section
// headers, symbol table and the two string tables. It owns no linking
// state.
type InputFile struct {
	File           *File
	ElfSections    []Shdr
	ShStrtab       []byte
	ElfSyms        []Sym
	FirstGlobal    int
	SymbolStrtab   []byte
	SymtabShndxSec []uint32
}

func NewInputFile(file *File) InputFile {
	f := InputFile{File: file}

	if len(file.Contents) < EhdrSize {
		Fatalf(ErrInputFormat, file.Name, "file too small")
	}
	if !CheckMagic(file.Contents) {
		Fatalf(ErrInputFormat, file.Name, "not an ELF file")
	}

	ehdr := utils.Read[Ehdr](file.Contents)
	if elf.Class(ehdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(ehdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		Fatalf(ErrInputFormat, file.Name, "not a little-endian ELF64 file")
	}
	if elf.Type(ehdr.Type) != elf.ET_REL {
		Fatalf(ErrInputFormat, file.Name, "unexpected ELF type %v", elf.Type(ehdr.Type))
	}
	if elf.Machine(ehdr.Machine) != elf.EM_RISCV {
		Fatalf(ErrInputFormat, file.Name, "unexpected machine %v", elf.Machine(ehdr.Machine))
	}
	if ehdr.ShOff == 0 {
		return f
	}
	if ehdr.ShOff > uint64(len(file.Contents)-ShdrSize) {
		Fatalf(ErrInputFormat, file.Name, "section header table is out of range")
	}

	contents := file.Contents[ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	// e_shnum overflows into the size field of the first header
	numSections := uint64(ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr.Size
	}
	if numSections*uint64(ShdrSize) > uint64(len(contents)) {
		Fatalf(ErrInputFormat, file.Name, "section header table is out of range")
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[ShdrSize:]
		f.ElfSections = append(f.ElfSections, utils.Read[Shdr](contents))
		numSections--
	}

	shstrndx := uint64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = uint64(shdr.Link)
	}
	if shstrndx >= uint64(len(f.ElfSections)) {
		Fatalf(ErrInputFormat, file.Name, "bad section name table index %d", shstrndx)
	}
	f.ShStrtab = f.GetBytesFromIdx(int64(shstrndx))
	return f
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || uint64(len(f.File.Contents)) < end {
		Fatalf(ErrInputFormat, f.File.Name, "section is out of range: offset %d size %d",
			s.Offset, s.Size)
	}
	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		Fatalf(ErrInputFormat, f.File.Name, "bad section index %d", idx)
	}
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		shdr := &f.ElfSections[i]
		if shdr.Type == ty {
			return shdr
		}
	}

	return nil
}

// ParseSymtab loads the symbol table, its string table and the optional
// SHT_SYMTAB_SHNDX extension.
func (f *InputFile) ParseSymtab() {
	symtab := f.FindSection(uint32(elf.SHT_SYMTAB))
	if symtab == nil {
		return
	}

	f.ElfSyms = utils.ReadSlice[Sym](f.GetBytesFromShdr(symtab), SymSize)
	f.FirstGlobal = int(symtab.Info)
	if f.FirstGlobal > len(f.ElfSyms) {
		Fatalf(ErrInputFormat, f.File.Name, "first global symbol %d is out of range", f.FirstGlobal)
	}
	f.SymbolStrtab = f.GetBytesFromIdx(int64(symtab.Link))

	if shndx := f.FindSection(uint32(elf.SHT_SYMTAB_SHNDX)); shndx != nil {
		f.SymtabShndxSec = utils.ReadSlice[uint32](f.GetBytesFromShdr(shndx), 4)
	}
}

func (f *InputFile) SectionName(idx int) string {
	return ElfGetName(f.ShStrtab, f.ElfSections[idx].Name)
}

func (f *InputFile) SymbolName(idx int) string {
	return ElfGetName(f.SymbolStrtab, f.ElfSyms[idx].Name)
}

func (f *InputFile) GetEhdr() Ehdr {
	return utils.Read[Ehdr](f.File.Contents)
}
