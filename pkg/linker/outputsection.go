package linker

import (
	"debug/elf"
)

// OutputSection combines every live input section with the same output
// name and type. Idx is its position in Context.OutputSections.
type OutputSection struct {
	Chunk
	Members []*InputSection
	Idx     uint32
}

func NewOutputSection(name string, typ uint32, flags uint64, idx uint32) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Idx = idx
	return o
}

func (o *OutputSection) Kind() ChunkKind {
	return ChunkKindOutputSection
}

// CopyBuf writes every member and fills the alignment gaps in between
// with c.ebreak in code and zeros elsewhere.
func (o *OutputSection) CopyBuf(ctx *Context) {
	if o.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	base := ctx.Buf[o.Shdr.Offset : o.Shdr.Offset+o.Shdr.Size]
	exec := o.Shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0

	end := uint64(0)
	for _, isec := range o.Members {
		fillGap(base[end:isec.Offset], exec)
		isec.WriteTo(ctx, base[isec.Offset:])
		end = uint64(isec.Offset) + uint64(isec.ShSize)
	}
	fillGap(base[end:], exec)
}

func fillGap(buf []byte, exec bool) {
	if !exec {
		clear(buf)
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i] = 0x02
		buf[i+1] = 0x90
	}
	if len(buf)%2 == 1 {
		buf[len(buf)-1] = 0
	}
}

const droppedOutputFlags = uint64(elf.SHF_MERGE | elf.SHF_STRINGS | elf.SHF_COMPRESSED | elf.SHF_GROUP)

// GetOutputSection finds or creates the output section for a key. Flags
// accumulate across members.
func GetOutputSection(ctx *Context, name string, typ uint32, flags uint64) *OutputSection {
	flags &^= droppedOutputFlags

	for _, osec := range ctx.OutputSections {
		if name == osec.Name && typ == osec.Shdr.Type {
			osec.Shdr.Flags |= flags
			return osec
		}
	}

	osec := NewOutputSection(name, typ, flags, uint32(len(ctx.OutputSections)))
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}
