package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// SymtabSection is the output .symtab. Syms excludes the null entry;
// entries before FirstGlobal are written with STB_LOCAL.
type SymtabSection struct {
	Chunk
	Syms        []*Symbol
	FirstGlobal int
	nameOffsets []uint32
}

func NewSymtabSection() *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.EntSize = uint64(SymSize)
	s.Shdr.AddrAlign = 8
	return s
}

type StrtabSection struct {
	Chunk
	Data []byte
}

func NewStrtabSection() *StrtabSection {
	s := &StrtabSection{Chunk: NewChunk(), Data: []byte{0}}
	s.Name = ".strtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	return s
}

func (s *StrtabSection) UpdateShdr(ctx *Context) {
	s.Shdr.Size = uint64(len(s.Data))
}

func (s *StrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.Data)
}

// SymtabShndxSection carries full section indices for .symtab entries
// whose index does not fit in st_shndx.
type SymtabShndxSection struct {
	Chunk
}

func NewSymtabShndxSection() *SymtabShndxSection {
	s := &SymtabShndxSection{Chunk: NewChunk()}
	s.Name = ".symtab_shndx"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB_SHNDX)
	s.Shdr.EntSize = 4
	s.Shdr.AddrAlign = 4
	return s
}

func (s *SymtabShndxSection) UpdateShdr(ctx *Context) {
	s.Shdr.Size = uint64(len(ctx.Symtab.Syms)+1) * 4
	s.Shdr.Link = uint32(ctx.Symtab.Shndx)
}

func (s *SymtabShndxSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.Shdr.Offset : s.Shdr.Offset+s.Shdr.Size]
	clear(buf)
	for i, sym := range ctx.Symtab.Syms {
		utils.Write[uint32](buf[(i+1)*4:], sym.GetShndx())
	}
}

// isLocalSymbolWritten drops section symbols, unnamed symbols and symbols
// whose section did not make it into the output.
func isLocalSymbolWritten(sym *Symbol) bool {
	if sym == nil || sym.File == nil || sym.Name == "" {
		return false
	}
	esym := sym.ElfSym()
	if esym.Type() == elf.STT_SECTION || esym.IsUndef() {
		return false
	}
	if esym.IsAbs() || sym.SectionFragment != nil {
		return true
	}
	return sym.InputSection != nil && sym.InputSection.IsAlive
}

func isGlobalSymbolWritten(sym *Symbol) bool {
	if sym.InputSection != nil {
		return sym.InputSection.IsAlive
	}
	return true
}

// ComputeSymtab collects the output symbols and fills .strtab. Locals of
// every file come first, then hidden globals demoted to locals, then the
// remaining globals.
func ComputeSymtab(ctx *Context) {
	var locals, hidden, globals []*Symbol

	for _, file := range ctx.Objs {
		for i := 1; i < file.FirstGlobal; i++ {
			if sym := file.Symbols[i]; isLocalSymbolWritten(sym) {
				locals = append(locals, sym)
			}
		}

		for i := file.FirstGlobal; i < len(file.ElfSyms); i++ {
			if !file.ownsSymbol(i) || file.ElfSyms[i].IsUndef() {
				continue
			}
			sym := file.Symbols[i]
			if !isGlobalSymbolWritten(sym) {
				continue
			}
			if sym.ElfSym().Visibility() == elf.STV_HIDDEN {
				hidden = append(hidden, sym)
			} else {
				globals = append(globals, sym)
			}
		}
	}

	s := ctx.Symtab
	s.Syms = make([]*Symbol, 0, len(locals)+len(hidden)+len(globals))
	s.Syms = append(s.Syms, locals...)
	s.Syms = append(s.Syms, hidden...)
	s.Syms = append(s.Syms, globals...)
	s.FirstGlobal = len(locals) + len(hidden) + 1

	ctx.Strtab.Data = []byte{0}
	s.nameOffsets = make([]uint32, len(s.Syms))
	for i, sym := range s.Syms {
		s.nameOffsets[i] = uint32(len(ctx.Strtab.Data))
		ctx.Strtab.Data = append(ctx.Strtab.Data, sym.Name...)
		ctx.Strtab.Data = append(ctx.Strtab.Data, 0)
	}
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	s.Shdr.Size = uint64(len(s.Syms)+1) * uint64(SymSize)
	s.Shdr.Link = uint32(ctx.Strtab.Shndx)
	s.Shdr.Info = uint32(s.FirstGlobal)
}

func (s *SymtabSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.Shdr.Offset : s.Shdr.Offset+s.Shdr.Size]
	clear(buf[:SymSize])

	for i, sym := range s.Syms {
		esym := sym.ElfSym()

		bind := esym.Bind()
		if i+1 < s.FirstGlobal {
			bind = elf.STB_LOCAL
		}

		out := Sym{
			Name:  s.nameOffsets[i],
			Info:  elf.ST_INFO(bind, esym.Type()),
			Other: esym.Other,
			Size:  esym.Size,
			Val:   sym.GetAddr(),
		}
		if esym.Type() == elf.STT_TLS {
			out.Val -= ctx.TpAddr
		}

		switch shndx := sym.GetShndx(); {
		case shndx == 0:
			out.Shndx = uint16(elf.SHN_ABS)
		case shndx >= SHN_LORESERVE:
			out.Shndx = uint16(elf.SHN_XINDEX)
		default:
			out.Shndx = uint16(shndx)
		}

		utils.Write[Sym](buf[(i+1)*SymSize:], out)
	}
}
