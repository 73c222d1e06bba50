package linker

import (
	"bytes"
	"debug/elf"
	"strconv"
	"strings"
	"unsafe"
)

const EhdrSize = int(unsafe.Sizeof(Ehdr{}))
const ShdrSize = int(unsafe.Sizeof(Shdr{}))
const SymSize = int(unsafe.Sizeof(Sym{}))
const PhdrSize = int(unsafe.Sizeof(Phdr{}))
const RelaSize = int(unsafe.Sizeof(Rela{}))
const RelSize = int(unsafe.Sizeof(Rel{}))
const ArHdrSize = int(unsafe.Sizeof(ArHdr{}))

const SHF_EXCLUDE uint64 = 0x80000000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03
const SHT_RISCV_ATTRIBUTES uint32 = 0x70000003
const PT_RISCV_ATTRIBUTES uint32 = 0x70000003
const SHN_LORESERVE uint32 = 0xff00
const EF_RISCV_RVC uint32 = 1

const (
	R_RISCV_SET_ULEB128 uint32 = 60
	R_RISCV_SUB_ULEB128 uint32 = 61
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == elf.STB_WEAK
}

func (s *Sym) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

func (s *Sym) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type Rel struct {
	Offset uint64
	Type   uint32
	Sym    uint32
}

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) HasPrefix(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

func (a *ArHdr) IsStrtab() bool {
	return a.HasPrefix("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.HasPrefix("/ ") || a.HasPrefix("/SYM64/ ")
}

func (a *ArHdr) GetSize() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
}

// ReadName resolves both "name/" short names and "/123" offsets into the
// GNU long-name table.
func (a *ArHdr) ReadName(strTab []byte) (string, bool) {
	if a.HasPrefix("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start < 0 || start >= len(strTab) {
			return "", false
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", false
		}
		return string(strTab[start : start+end]), true
	}

	end := bytes.IndexByte(a.Name[:], '/')
	if end < 0 {
		return strings.TrimSpace(string(a.Name[:])), true
	}
	return string(a.Name[:end]), true
}

func ElfGetName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : offset+uint32(length)])
}

func WriteString(buf []byte, str string) int {
	copy(buf, str)
	buf[len(str)] = 0
	return len(str) + 1
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte("\177ELF"))
}

func WriteMagic(contents []byte) {
	copy(contents, "\177ELF")
}
