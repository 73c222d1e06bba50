package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

type OutputEhdr struct {
	Chunk
}

func NewOutputEhdr() *OutputEhdr {
	return &OutputEhdr{
		Chunk: Chunk{
			Name: "EHDR",
			Shdr: Shdr{
				Flags:     uint64(elf.SHF_ALLOC),
				Size:      uint64(EhdrSize),
				AddrAlign: 8,
			},
		},
	}
}

func (o *OutputEhdr) Kind() ChunkKind {
	return ChunkKindHeader
}

func GetEntryAddr(ctx *Context) uint64 {
	if sym := ctx.SymbolMap.Get(ctx.Args.Entry); sym != nil && sym.File != nil {
		return sym.GetAddr()
	}
	return 0
}

// GetFlags takes e_flags from the first input and adds RVC when any input
// uses compressed instructions.
func GetFlags(ctx *Context) uint32 {
	var ret uint32
	first := true
	for _, file := range ctx.Objs {
		if file == ctx.InternalObj {
			continue
		}
		flags := file.GetEhdr().Flags
		if first {
			ret = flags
			first = false
			continue
		}
		ret |= flags & EF_RISCV_RVC
	}
	return ret
}

func (o *OutputEhdr) CopyBuf(ctx *Context) {
	ehdr := Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Type = uint16(elf.ET_EXEC)
	ehdr.Machine = uint16(elf.EM_RISCV)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = GetEntryAddr(ctx)
	ehdr.PhOff = ctx.Phdr.Shdr.Offset
	ehdr.ShOff = ctx.Shdr.Shdr.Offset
	ehdr.Flags = GetFlags(ctx)
	ehdr.EhSize = uint16(EhdrSize)
	ehdr.PhEntSize = uint16(PhdrSize)
	ehdr.PhNum = uint16(ctx.Phdr.Shdr.Size / uint64(PhdrSize))
	ehdr.ShEntSize = uint16(ShdrSize)

	// counts that do not fit go to the first section header
	shnum := ctx.Shdr.Shdr.Size / uint64(ShdrSize)
	if shnum < uint64(SHN_LORESERVE) {
		ehdr.ShNum = uint16(shnum)
	}
	shstrndx := uint64(ctx.Shstrtab.Shndx)
	if shstrndx < uint64(SHN_LORESERVE) {
		ehdr.ShStrndx = uint16(shstrndx)
	} else {
		ehdr.ShStrndx = uint16(elf.SHN_XINDEX)
	}

	utils.Write[Ehdr](ctx.Buf[o.Shdr.Offset:], ehdr)
}
