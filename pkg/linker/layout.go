package linker

import (
	"debug/elf"
	"math"
	"sort"

	"github.com/QQmental/simple-linker/pkg/utils"
)

func isRelro(ctx *Context, chunk Chunker) bool {
	shdr := chunk.GetShdr()
	if shdr.Flags&uint64(elf.SHF_WRITE) == 0 {
		return false
	}
	if shdr.Flags&uint64(elf.SHF_TLS) != 0 {
		return true
	}
	switch elf.SectionType(shdr.Type) {
	case elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		return true
	}
	if chunk == Chunker(ctx.Got) {
		return true
	}
	switch chunk.GetName() {
	case ".data.rel.ro", ".bss.rel.ro", ".ctors", ".dtors":
		return true
	}
	return false
}

// rank1 puts the ELF header first, then the program headers, allocated
// notes, the remaining allocated chunks grouped by segment permissions,
// the non-allocated chunks and finally the section header table.
func rank1(ctx *Context, chunk Chunker) int32 {
	typ := chunk.GetShdr().Type
	flags := chunk.GetShdr().Flags

	switch chunk {
	case Chunker(ctx.Ehdr):
		return 0
	case Chunker(ctx.Phdr):
		return 1
	case Chunker(ctx.Shdr):
		return math.MaxInt32
	}
	if flags&uint64(elf.SHF_ALLOC) == 0 {
		return math.MaxInt32 - 1
	}
	if typ == uint32(elf.SHT_NOTE) {
		return 2
	}

	b2i := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}

	writeable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
	notExec := b2i(flags&uint64(elf.SHF_EXECINSTR) == 0)
	notTls := b2i(flags&uint64(elf.SHF_TLS) == 0)
	notRelro := b2i(!isRelro(ctx, chunk))
	isBss := b2i(typ == uint32(elf.SHT_NOBITS))

	return 1<<10 | writeable<<9 | notExec<<8 | notTls<<7 | notRelro<<6 | isBss<<5
}

// rank2 orders chunks of equal rank1: notes by decreasing alignment and
// the GOT after the other RELRO data.
func rank2(ctx *Context, chunk Chunker) int64 {
	shdr := chunk.GetShdr()
	if shdr.Type == uint32(elf.SHT_NOTE) && shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
		return -int64(shdr.AddrAlign)
	}
	if chunk == Chunker(ctx.Got) {
		return 1
	}
	return 0
}

func SortOutputSections(ctx *Context) {
	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		a, b := ctx.Chunks[i], ctx.Chunks[j]
		if r1, r2 := rank1(ctx, a), rank1(ctx, b); r1 != r2 {
			return r1 < r2
		}
		if r1, r2 := rank2(ctx, a), rank2(ctx, b); r1 != r2 {
			return r1 < r2
		}
		return a.GetName() < b.GetName()
	})
}

// AssignSectionIndices drops empty synthetic chunks and numbers the rest
// from 1. Header chunks get no section.
func AssignSectionIndices(ctx *Context) {
	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		return chunk.Kind() != ChunkKindOutputSection && chunk.Kind() != ChunkKindHeader &&
			chunk.GetShdr().Size == 0
	})

	assign := func() int64 {
		shndx := int64(1)
		for _, chunk := range ctx.Chunks {
			if chunk.Kind() != ChunkKindHeader {
				chunk.SetShndx(shndx)
				shndx++
			}
		}
		return shndx - 1
	}

	if last := assign(); last >= int64(SHN_LORESERVE) && ctx.SymtabShndx == nil {
		ctx.SymtabShndx = NewSymtabShndxSection()
		ctx.Chunks = append(ctx.Chunks, ctx.SymtabShndx)
		SortOutputSections(ctx)
		assign()
	}

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}
}

// SetOutputSectionOffsets assigns addresses and file offsets and returns
// the file size.
//
// The program header table is itself laid out, so it is recomputed until
// its size stops changing. Segments are derived from chunk kinds and
// permissions only, never from addresses, so the second round already
// agrees with the first.
func SetOutputSectionOffsets(ctx *Context) uint64 {
	setTlsAlignment(ctx)

	for iter := 1; ; iter++ {
		size := ctx.Phdr.Shdr.Size
		fileoff := doSetOutputSectionOffsets(ctx)
		ctx.Phdr.UpdateShdr(ctx)
		if size == ctx.Phdr.Shdr.Size {
			ctx.Logger.Debug("layout done", "chunks", len(ctx.Chunks), "iterations", iter,
				"size", fileoff)
			return fileoff
		}
		if iter > len(ctx.Chunks)+1 {
			Fatalf(ErrInternal, "", "program header layout does not converge")
		}
	}
}

// setTlsAlignment gives the first TLS chunk the alignment of the whole
// TLS template.
func setTlsAlignment(ctx *Context) {
	var first Chunker
	align := uint64(1)
	for _, chunk := range ctx.Chunks {
		if !isTls(chunk) || !isAlloc(chunk) {
			continue
		}
		if first == nil {
			first = chunk
		}
		align = max(align, chunk.GetShdr().AddrAlign)
	}
	if first != nil {
		first.SetExtraAddrAlign(align)
	}
}

func doSetOutputSectionOffsets(ctx *Context) uint64 {
	pageSize := ctx.Args.PageSize
	chunks := ctx.Chunks
	n := len(chunks)

	addr := ctx.Args.ImageBase
	var prev Chunker
	for i := 0; i < n; i++ {
		chunk := chunks[i]
		if !isAlloc(chunk) {
			continue
		}

		// a new segment starts on a new page
		if prev != nil && (ToPhdrFlags(prev) != ToPhdrFlags(chunk) ||
			(isBss(prev) && !isBss(chunk) && !isTbss(chunk))) {
			addr = utils.AlignTo(addr, pageSize)
		}

		// .tbss only exists as a template for each thread and overlaps
		// whatever follows it
		if isTbss(chunk) {
			tbssAddr := addr
			for ; i < n && isTbss(chunks[i]); i++ {
				shdr := chunks[i].GetShdr()
				tbssAddr = utils.AlignTo(tbssAddr, chunkAlign(chunks[i]))
				shdr.Addr = tbssAddr
				tbssAddr += shdr.Size
			}
			i--
			continue
		}

		shdr := chunk.GetShdr()
		addr = utils.AlignTo(addr, chunkAlign(chunk))
		shdr.Addr = addr
		addr += shdr.Size
		prev = chunk
	}

	fileoff := uint64(0)
	i := 0
	for i < n && isAlloc(chunks[i]) {
		first := chunks[i].GetShdr()
		if first.Type == uint32(elf.SHT_NOBITS) {
			first.Offset = utils.AlignWithSkew(fileoff, pageSize, first.Addr)
			i++
			continue
		}

		fileoff = utils.AlignWithSkew(fileoff, pageSize, first.Addr)
		first.Offset = fileoff
		flags := ToPhdrFlags(chunks[i])
		last := first
		i++

		for i < n {
			shdr := chunks[i].GetShdr()
			if !isAlloc(chunks[i]) || shdr.Type == uint32(elf.SHT_NOBITS) ||
				ToPhdrFlags(chunks[i]) != flags || shdr.Addr < last.Addr+last.Size ||
				shdr.Addr-(last.Addr+last.Size) >= pageSize {
				break
			}
			shdr.Offset = first.Offset + (shdr.Addr - first.Addr)
			last = shdr
			i++
		}

		fileoff = last.Offset + last.Size
	}

	for ; i < n; i++ {
		shdr := chunks[i].GetShdr()
		fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
		shdr.Offset = fileoff
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			fileoff += shdr.Size
		}
	}

	return fileoff
}

// FixSyntheticSymbols places the linker-defined symbols once addresses are
// final.
func FixSyntheticSymbols(ctx *Context) {
	start := func(sym *Symbol, chunk Chunker) {
		if sym != nil {
			sym.OutputChunk = chunk
			sym.Value = chunk.GetShdr().Addr
		}
	}

	stop := func(sym *Symbol, chunk Chunker) {
		if sym != nil {
			sym.OutputChunk = chunk
			sym.Value = chunk.GetShdr().Addr + chunk.GetShdr().Size
		}
	}

	s := &ctx.Synthetic
	start(s.EhdrStart, ctx.Ehdr)
	start(s.ExecutableStart, ctx.Ehdr)

	var bss, sdata Chunker
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader || !isAlloc(chunk) {
			continue
		}
		shdr := chunk.GetShdr()

		switch elf.SectionType(shdr.Type) {
		case elf.SHT_INIT_ARRAY:
			start(s.InitArrayStart, chunk)
			stop(s.InitArrayEnd, chunk)
		case elf.SHT_FINI_ARRAY:
			start(s.FiniArrayStart, chunk)
			stop(s.FiniArrayEnd, chunk)
		case elf.SHT_PREINIT_ARRAY:
			start(s.PreinitArrayStart, chunk)
			stop(s.PreinitArrayEnd, chunk)
		}

		if !isTbss(chunk) {
			stop(s.End, chunk)
			stop(s.End2, chunk)
		}
		if shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			stop(s.Etext, chunk)
			stop(s.Etext2, chunk)
		}
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			stop(s.Edata, chunk)
			stop(s.Edata2, chunk)
		}

		if bss == nil && chunk.GetName() == ".bss" {
			bss = chunk
		}
		if sdata == nil && chunk.GetName() == ".sdata" {
			sdata = chunk
		}
	}

	if bss != nil {
		start(s.BssStart, bss)
	}
	if sdata != nil && s.GlobalPointer != nil {
		start(s.GlobalPointer, sdata)
		s.GlobalPointer.Value += 0x800
	}
}
