package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/QQmental/simple-linker/pkg/utils"
	"github.com/stretchr/testify/require"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	align   uint64
	entsize uint64
	data    []byte
	// only for SHT_NOBITS
	size uint64
	rels []testRel
}

type testRel struct {
	offset uint64
	typ    elf.R_RISCV
	sym    string
	addend int64
}

// testSymbol names its section by name. Use "" for undefined and "*ABS*"
// for absolute symbols. Section symbols are referenced from relocations as
// "section:<name>".
type testSymbol struct {
	name    string
	typ     elf.SymType
	bind    elf.SymBind
	vis     elf.SymVis
	section string
	value   uint64
	size    uint64
	// overrides section when set, e.g. SHN_COMMON
	shndx elf.SectionIndex
}

type objBuilder struct {
	flags    uint32
	sections []*testSection
	symbols  []testSymbol
}

func newObj() *objBuilder {
	return &objBuilder{}
}

func (b *objBuilder) section(s *testSection) *objBuilder {
	if s.align == 0 {
		s.align = 1
	}
	b.sections = append(b.sections, s)
	return b
}

func (b *objBuilder) text(name string, code []byte, rels ...testRel) *objBuilder {
	return b.section(&testSection{
		name:  name,
		typ:   elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		align: 4,
		data:  code,
		rels:  rels,
	})
}

func (b *objBuilder) strings(name string, data string) *objBuilder {
	return b.section(&testSection{
		name:    name,
		typ:     elf.SHT_PROGBITS,
		flags:   elf.SHF_ALLOC | elf.SHF_MERGE | elf.SHF_STRINGS,
		align:   1,
		entsize: 1,
		data:    []byte(data),
	})
}

func (b *objBuilder) sym(s testSymbol) *objBuilder {
	b.symbols = append(b.symbols, s)
	return b
}

func (b *objBuilder) global(name, section string, value uint64) *objBuilder {
	return b.sym(testSymbol{name: name, typ: elf.STT_FUNC, bind: elf.STB_GLOBAL,
		section: section, value: value})
}

func (b *objBuilder) weak(name, section string, value uint64) *objBuilder {
	return b.sym(testSymbol{name: name, typ: elf.STT_FUNC, bind: elf.STB_WEAK,
		section: section, value: value})
}

func (b *objBuilder) local(name, section string, value uint64) *objBuilder {
	return b.sym(testSymbol{name: name, typ: elf.STT_NOTYPE, bind: elf.STB_LOCAL,
		section: section, value: value})
}

func (b *objBuilder) undef(name string) *objBuilder {
	return b.sym(testSymbol{name: name, typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL})
}

type strtabBuilder struct {
	buf []byte
}

func (s *strtabBuilder) add(str string) uint32 {
	if str == "" {
		return 0
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, str...)
	s.buf = append(s.buf, 0)
	return off
}

// bytes encodes the object as an ELF64 little-endian RISC-V relocatable.
// Section layout: null, user sections, one .rela per section with
// relocations, .symtab, .strtab, .shstrtab.
func (b *objBuilder) bytes() []byte {
	shstrtab := &strtabBuilder{buf: []byte{0}}
	strtab := &strtabBuilder{buf: []byte{0}}

	secIndex := map[string]int{}
	for i, s := range b.sections {
		secIndex[s.name] = i + 1
	}

	shndxOf := func(s testSymbol) uint16 {
		if s.shndx != 0 {
			return uint16(s.shndx)
		}
		name := s.section
		switch name {
		case "":
			return uint16(elf.SHN_UNDEF)
		case "*ABS*":
			return uint16(elf.SHN_ABS)
		}
		idx, ok := secIndex[name]
		if !ok {
			panic("unknown section " + name)
		}
		return uint16(idx)
	}

	// locals first: the null entry, one section symbol per section and the
	// local symbols, then the globals
	syms := []Sym{{}}
	symIndex := map[string]int{}
	for i, s := range b.sections {
		symIndex["section:"+s.name] = len(syms)
		syms = append(syms, Sym{
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(i + 1),
		})
	}
	var globals []testSymbol
	for _, s := range b.symbols {
		if s.bind != elf.STB_LOCAL {
			globals = append(globals, s)
			continue
		}
		symIndex[s.name] = len(syms)
		syms = append(syms, Sym{
			Name:  strtab.add(s.name),
			Info:  elf.ST_INFO(elf.STB_LOCAL, s.typ),
			Other: uint8(s.vis),
			Shndx: shndxOf(s),
			Val:   s.value,
			Size:  s.size,
		})
	}
	firstGlobal := len(syms)
	for _, s := range globals {
		symIndex[s.name] = len(syms)
		syms = append(syms, Sym{
			Name:  strtab.add(s.name),
			Info:  elf.ST_INFO(s.bind, s.typ),
			Other: uint8(s.vis),
			Shndx: shndxOf(s),
			Val:   s.value,
			Size:  s.size,
		})
	}

	var shdrs []Shdr
	var blobs [][]byte
	add := func(shdr Shdr, data []byte) int {
		shdrs = append(shdrs, shdr)
		blobs = append(blobs, data)
		return len(shdrs)
	}

	add(Shdr{}, nil)
	for _, s := range b.sections {
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		add(Shdr{
			Name:      shstrtab.add(s.name),
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Size:      size,
			AddrAlign: s.align,
			EntSize:   s.entsize,
		}, s.data)
	}

	symtabIdx := len(b.sections) + 1
	for _, s := range b.sections {
		if s.rels != nil {
			symtabIdx++
		}
	}

	for i, s := range b.sections {
		if s.rels == nil {
			continue
		}
		buf := make([]byte, 0, len(s.rels)*RelaSize)
		for _, r := range s.rels {
			idx, ok := symIndex[r.sym]
			if !ok {
				panic("unknown symbol " + r.sym)
			}
			rel := make([]byte, RelaSize)
			utils.Write[Rela](rel, Rela{
				Offset: r.offset,
				Type:   uint32(r.typ),
				Sym:    uint32(idx),
				Addend: r.addend,
			})
			buf = append(buf, rel...)
		}
		add(Shdr{
			Name:      shstrtab.add(".rela" + s.name),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Size:      uint64(len(buf)),
			Link:      uint32(symtabIdx),
			Info:      uint32(i + 1),
			AddrAlign: 8,
			EntSize:   uint64(RelaSize),
		}, buf)
	}

	symbuf := make([]byte, len(syms)*SymSize)
	for i, s := range syms {
		utils.Write[Sym](symbuf[i*SymSize:], s)
	}
	add(Shdr{
		Name:      shstrtab.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Size:      uint64(len(symbuf)),
		Link:      uint32(symtabIdx + 1),
		Info:      uint32(firstGlobal),
		AddrAlign: 8,
		EntSize:   uint64(SymSize),
	}, symbuf)
	add(Shdr{
		Name:      shstrtab.add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Size:      uint64(len(strtab.buf)),
		AddrAlign: 1,
	}, strtab.buf)

	shstrtabIdx := len(shdrs)
	name := shstrtab.add(".shstrtab")
	add(Shdr{
		Name:      name,
		Type:      uint32(elf.SHT_STRTAB),
		Size:      uint64(len(shstrtab.buf)),
		AddrAlign: 1,
	}, shstrtab.buf)

	out := make([]byte, EhdrSize)
	for i := range shdrs {
		if blobs[i] == nil {
			continue
		}
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		shdrs[i].Offset = uint64(len(out))
		out = append(out, blobs[i]...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := len(out)
	out = append(out, make([]byte, len(shdrs)*ShdrSize)...)
	for i, shdr := range shdrs {
		utils.Write[Shdr](out[shoff+i*ShdrSize:], shdr)
	}

	ehdr := Ehdr{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		ShOff:     uint64(shoff),
		Flags:     b.flags,
		EhSize:    uint16(EhdrSize),
		ShEntSize: uint16(ShdrSize),
		ShNum:     uint16(len(shdrs)),
		ShStrndx:  uint16(shstrtabIdx),
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	utils.Write[Ehdr](out, ehdr)
	return out
}

type archiveMember struct {
	name     string
	contents []byte
}

// buildArchive produces a GNU ar archive with short member names.
func buildArchive(members ...archiveMember) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, m := range members {
		if buf.Len()%2 == 1 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n",
			m.name+"/", "0", "0", "0", "644", len(m.contents))
		buf.Write(m.contents)
	}
	return buf.Bytes()
}

func writeTestFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, contents, 0644))
	return path
}

func newTestContext() *Context {
	ctx := NewContext()
	ctx.Args.Emulation = MachineTypeRISCV64
	return ctx
}

// parseTestObject runs the parsing stage on an in-memory object.
func parseTestObject(t *testing.T, ctx *Context, name string, contents []byte) *ObjectFile {
	t.Helper()
	var obj *ObjectFile
	err := func() (err error) {
		defer catch(&err)
		obj = CreateObjectFile(ctx, &File{Name: name, Contents: contents}, false)
		return nil
	}()
	require.NoError(t, err)
	return obj
}

// runFatal calls fn and returns the LinkError it raises, if any.
func runFatal(fn func()) (err error) {
	defer catch(&err)
	fn()
	return nil
}

// instruction words with every immediate zeroed
const (
	insnNop     = 0x00000013
	insnRet     = 0x00008067
	insnAuipcRa = 0x00000097 // auipc ra, 0
	insnJalrRa  = 0x000080e7 // jalr ra, 0(ra)
	insnBeq     = 0x00000063 // beq zero, zero, 0
	insnJal     = 0x0000006f // jal zero, 0
	insnAuipcA0 = 0x00000517 // auipc a0, 0
	insnAddiA0  = 0x00050513 // addi a0, a0, 0
	insnLuiA0   = 0x00000537 // lui a0, 0
	insnLdA0    = 0x00053503 // ld a0, 0(a0)
)

func code(insns ...uint32) []byte {
	buf := make([]byte, 4*len(insns))
	for i, insn := range insns {
		utils.Write[uint32](buf[i*4:], insn)
	}
	return buf
}
