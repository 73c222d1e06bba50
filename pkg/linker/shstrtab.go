package linker

import "debug/elf"

type ShstrtabSection struct {
	Chunk
	Data []byte
}

func NewShstrtabSection() *ShstrtabSection {
	s := &ShstrtabSection{Chunk: NewChunk()}
	s.Name = ".shstrtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	return s
}

// UpdateShdr rebuilds the name table and points every section header at
// its name.
func (s *ShstrtabSection) UpdateShdr(ctx *Context) {
	s.Data = []byte{0}
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader {
			continue
		}
		chunk.GetShdr().Name = uint32(len(s.Data))
		s.Data = append(s.Data, chunk.GetName()...)
		s.Data = append(s.Data, 0)
	}
	s.Shdr.Size = uint64(len(s.Data))
}

func (s *ShstrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.Data)
}
