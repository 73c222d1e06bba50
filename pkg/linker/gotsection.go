package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// GotSection holds one 8-byte slot per GOT_HI20 target (the symbol
// address) and per TLS_GOT_HI20 target (its offset from the thread
// pointer).
type GotSection struct {
	Chunk
	GotSyms   []*Symbol
	GotTpSyms []*Symbol
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) numSlots() int {
	return len(g.GotSyms) + len(g.GotTpSyms)
}

func (g *GotSection) AddGotSymbol(sym *Symbol) {
	sym.GotIdx = int32(g.numSlots())
	g.GotSyms = append(g.GotSyms, sym)
}

func (g *GotSection) AddGotTpSymbol(sym *Symbol) {
	sym.GotTpIdx = int32(g.numSlots())
	g.GotTpSyms = append(g.GotTpSyms, sym)
}

func (g *GotSection) UpdateShdr(ctx *Context) {
	g.Shdr.Size = uint64(max(g.numSlots(), 1)) * 8
}

func (g *GotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset : g.Shdr.Offset+g.Shdr.Size]
	clear(buf)

	for _, sym := range g.GotSyms {
		utils.Write[uint64](buf[sym.GotIdx*8:], sym.GetAddr())
	}

	for _, sym := range g.GotTpSyms {
		utils.Write[uint64](buf[sym.GotTpIdx*8:], sym.GetAddr()-ctx.TpAddr)
	}
}
