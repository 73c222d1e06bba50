package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

type OutputPhdr struct {
	Chunk
	Phdrs []Phdr
}

func NewOutputPhdr() *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Name = "PHDR"
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputPhdr) Kind() ChunkKind {
	return ChunkKindHeader
}

func ToPhdrFlags(chunk Chunker) uint32 {
	ret := uint32(elf.PF_R)
	if chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0 {
		ret |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

func isTls(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

func isTbss(chunk Chunker) bool {
	shdr := chunk.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOBITS) && shdr.Flags&uint64(elf.SHF_TLS) != 0
}

func isBss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && !isTls(chunk)
}

func isNote(chunk Chunker) bool {
	shdr := chunk.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOTE) && shdr.Flags&uint64(elf.SHF_ALLOC) != 0
}

func isAlloc(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0
}

// chunkAlign is the alignment layout uses for a chunk.
func chunkAlign(chunk Chunker) uint64 {
	return max(chunk.GetShdr().AddrAlign, chunk.GetExtraAddrAlign(), 1)
}

// CreatePhdr groups the laid-out chunks into segments. It also sets the
// thread pointer to the start of PT_TLS.
func CreatePhdr(ctx *Context) []Phdr {
	vec := make([]Phdr, 0)

	define := func(typ, flags uint32, minAlign uint64, chunk Chunker) {
		shdr := chunk.GetShdr()
		phdr := Phdr{
			Type:    typ,
			Flags:   flags,
			Align:   max(minAlign, chunkAlign(chunk)),
			Offset:  shdr.Offset,
			VAddr:   shdr.Addr,
			PAddr:   shdr.Addr,
			MemSize: shdr.Size,
		}
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = shdr.Size
		}
		vec = append(vec, phdr)
	}

	push := func(chunk Chunker) {
		phdr := &vec[len(vec)-1]
		shdr := chunk.GetShdr()
		phdr.Align = max(phdr.Align, chunkAlign(chunk))
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = shdr.Addr + shdr.Size - phdr.VAddr
		}
		phdr.MemSize = shdr.Addr + shdr.Size - phdr.VAddr
	}

	define(uint32(elf.PT_PHDR), uint32(elf.PF_R), 8, ctx.Phdr)

	end := len(ctx.Chunks)
	for i := 0; i < end; {
		first := ctx.Chunks[i]
		i++
		if !isNote(first) {
			continue
		}

		flags := ToPhdrFlags(first)
		define(uint32(elf.PT_NOTE), flags, first.GetShdr().AddrAlign, first)
		for i < end && isNote(ctx.Chunks[i]) && ToPhdrFlags(ctx.Chunks[i]) == flags {
			push(ctx.Chunks[i])
			i++
		}
	}

	chunks := make([]Chunker, len(ctx.Chunks))
	copy(chunks, ctx.Chunks)
	chunks = utils.RemoveIf(chunks, isTbss)

	end = len(chunks)
	for i := 0; i < end; {
		first := chunks[i]
		i++

		if !isAlloc(first) {
			break
		}

		flags := ToPhdrFlags(first)
		define(uint32(elf.PT_LOAD), flags, ctx.Args.PageSize, first)

		if !isBss(first) {
			for i < end && !isBss(chunks[i]) && ToPhdrFlags(chunks[i]) == flags {
				push(chunks[i])
				i++
			}
		}

		for i < end && isBss(chunks[i]) && ToPhdrFlags(chunks[i]) == flags {
			push(chunks[i])
			i++
		}
	}

	for i := 0; i < len(ctx.Chunks); i++ {
		if !isTls(ctx.Chunks[i]) {
			continue
		}

		define(uint32(elf.PT_TLS), ToPhdrFlags(ctx.Chunks[i]), 1, ctx.Chunks[i])
		i++
		for i < len(ctx.Chunks) && isTls(ctx.Chunks[i]) {
			push(ctx.Chunks[i])
			i++
		}

		ctx.TpAddr = vec[len(vec)-1].VAddr
		break
	}

	if attrs := ctx.Attributes; attrs != nil && attrs.Shndx > 0 {
		define(PT_RISCV_ATTRIBUTES, uint32(elf.PF_R), 1, attrs)
		vec[len(vec)-1].VAddr = 0
		vec[len(vec)-1].PAddr = 0
	}

	if ctx.Args.HasPhysicalBase {
		for i := range vec {
			if vec[i].Type == uint32(elf.PT_LOAD) {
				vec[i].PAddr = ctx.Args.PhysicalImageBase + vec[i].VAddr - ctx.Args.ImageBase
			}
		}
	}

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.Phdrs = CreatePhdr(ctx)
	o.Shdr.Size = uint64(len(o.Phdrs)) * uint64(PhdrSize)
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	utils.Write(ctx.Buf[o.Shdr.Offset:], o.Phdrs)
}
