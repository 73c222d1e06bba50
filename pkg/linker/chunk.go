package linker

type ChunkKind uint8

const (
	// ELF header, program headers and the section header table
	ChunkKindHeader ChunkKind = iota
	ChunkKindOutputSection
	ChunkKindSynthetic
)

// Chunker is anything that occupies space in the output image or owns a
// section header.
type Chunker interface {
	Kind() ChunkKind
	GetName() string
	GetShdr() *Shdr
	GetShndx() int64
	SetShndx(shndx int64)
	GetExtraAddrAlign() uint64
	SetExtraAddrAlign(align uint64)
	UpdateShdr(ctx *Context)
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name  string
	Shdr  Shdr
	Shndx int64

	// raised above sh_addralign for the first TLS chunk so the whole TLS
	// template starts at the segment alignment
	ExtraAddrAlign uint64
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) Kind() ChunkKind {
	return ChunkKindSynthetic
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetShndx() int64 {
	return c.Shndx
}

func (c *Chunk) SetShndx(shndx int64) {
	c.Shndx = shndx
}

func (c *Chunk) GetExtraAddrAlign() uint64 {
	return c.ExtraAddrAlign
}

func (c *Chunk) SetExtraAddrAlign(align uint64) {
	c.ExtraAddrAlign = align
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) CopyBuf(ctx *Context) {}
