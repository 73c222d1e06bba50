package linker

import (
	"github.com/QQmental/simple-linker/pkg/utils"
)

type OutputShdr struct {
	Chunk
}

func NewOutputShdr() *OutputShdr {
	o := &OutputShdr{Chunk: NewChunk()}
	o.Name = "SHDR"
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputShdr) Kind() ChunkKind {
	return ChunkKindHeader
}

func (o *OutputShdr) UpdateShdr(ctx *Context) {
	n := uint64(0)
	for _, chunk := range ctx.Chunks {
		if uint64(chunk.GetShndx()) > n {
			n = uint64(chunk.GetShndx())
		}
	}

	o.Shdr.Size = (n + 1) * uint64(ShdrSize)
}

func (o *OutputShdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]

	first := Shdr{}
	if shnum := o.Shdr.Size / uint64(ShdrSize); shnum >= uint64(SHN_LORESERVE) {
		first.Size = shnum
	}
	if shstrndx := uint64(ctx.Shstrtab.Shndx); shstrndx >= uint64(SHN_LORESERVE) {
		first.Link = uint32(shstrndx)
	}
	utils.Write[Shdr](base, first)

	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 {
			utils.Write[Shdr](base[chunk.GetShndx()*int64(ShdrSize):], *chunk.GetShdr())
		}
	}
}
