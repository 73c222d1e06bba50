package linker

import (
	"debug/elf"
	"math"
	"sort"
	"sync"

	"github.com/QQmental/simple-linker/pkg/utils"
)

var syntheticSymbolNames = []string{
	"__ehdr_start",
	"__executable_start",
	"_end",
	"end",
	"_etext",
	"etext",
	"_edata",
	"edata",
	"__bss_start",
	"__init_array_start",
	"__init_array_end",
	"__fini_array_start",
	"__fini_array_end",
	"__preinit_array_start",
	"__preinit_array_end",
	"__global_pointer$",
}

// CreateInternalFile adds the pseudo object that owns linker-defined
// symbols. It is always live and comes last in Objs.
func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{IsAlive: true}
	obj.File = &File{Name: "<internal>"}
	obj.FirstGlobal = 1

	strtab := []byte{0}
	obj.ElfSyms = make([]Sym, 1, len(syntheticSymbolNames)+1)
	for _, name := range syntheticSymbolNames {
		obj.ElfSyms = append(obj.ElfSyms, Sym{
			Name:  uint32(len(strtab)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE),
			Other: uint8(elf.STV_HIDDEN),
			Shndx: uint16(elf.SHN_ABS),
		})
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
	}
	obj.SymbolStrtab = strtab

	obj.LocalSymbols = []Symbol{*NewSymbol("")}
	obj.LocalSymbols[0].File = obj
	obj.Symbols = make([]*Symbol, len(obj.ElfSyms))
	obj.Symbols[0] = &obj.LocalSymbols[0]

	obj.Index = len(ctx.Objs)
	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)
}

// AddSyntheticSymbols defines every linker symbol no input defines.
func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj
	add := func(name string) *Symbol {
		for i := 1; i < len(obj.ElfSyms); i++ {
			if obj.SymbolName(i) == name {
				obj.Symbols[i] = ctx.SymbolMap.InsertIfAbsent(obj, i)
				return obj.Symbols[i]
			}
		}
		return nil
	}

	s := &ctx.Synthetic
	s.EhdrStart = add("__ehdr_start")
	s.ExecutableStart = add("__executable_start")
	s.End = add("_end")
	s.End2 = add("end")
	s.Etext = add("_etext")
	s.Etext2 = add("etext")
	s.Edata = add("_edata")
	s.Edata2 = add("edata")
	s.BssStart = add("__bss_start")
	s.InitArrayStart = add("__init_array_start")
	s.InitArrayEnd = add("__init_array_end")
	s.FiniArrayStart = add("__fini_array_start")
	s.FiniArrayEnd = add("__fini_array_end")
	s.PreinitArrayStart = add("__preinit_array_start")
	s.PreinitArrayEnd = add("__preinit_array_end")
	s.GlobalPointer = add("__global_pointer$")
}

// ResolveSymbols builds the global symbol table, works out which files
// are live and drops the rest.
func ResolveSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		if file != ctx.InternalObj {
			file.PutGlobalSymbols(ctx)
		}
	}
	AddSyntheticSymbols(ctx)

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	// a name owned by a dead archive member may still be defined, with a
	// lower rank, by a live file
	for _, file := range ctx.Objs {
		if file.IsAlive && file != ctx.InternalObj {
			file.PutGlobalSymbols(ctx)
		}
	}
	pruned := ctx.SymbolMap.Prune()

	total := len(ctx.Objs)
	ctx.Objs = utils.RemoveIf(ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive
	})

	for _, file := range ctx.Objs {
		file.BindWeakUndefs(ctx)
	}
	for _, file := range ctx.Objs {
		file.CheckDuplicateSymbols()
	}

	if sym := ctx.SymbolMap.Get(ctx.Args.Entry); sym == nil || sym.File == nil {
		Fatalf(ErrSymbol, "", "entry symbol %s is not defined", ctx.Args.Entry)
	}

	ctx.Logger.Debug("resolved symbols",
		"live", len(ctx.Objs), "dead", total-len(ctx.Objs),
		"globals", ctx.SymbolMap.Len(), "pruned", pruned)
}

// MarkLiveObjects walks "needs a symbol defined by" edges breadth first,
// starting from the command-line files and the file defining the entry
// symbol. Each file is queued at most once.
func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	if sym := ctx.SymbolMap.Get(ctx.Args.Entry); sym != nil && sym.File != nil &&
		!sym.File.IsAlive {
		sym.File.IsAlive = true
		roots = append(roots, sym.File)
	}

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]

		file.MarkLiveObjects(ctx, func(file *ObjectFile) {
			roots = append(roots, file)
		})
	}
}

// ComputeCtorsPolicy decides once whether .ctors/.dtors are folded into
// .init_array/.fini_array.
func ComputeCtorsPolicy(ctx *Context) {
	hasCtors, hasInitArray := false, false
	for _, file := range ctx.Objs {
		hasCtors = hasCtors || file.HasCtors
		hasInitArray = hasInitArray || file.HasInitArray
	}
	ctx.HasCtorsAndInitArray = hasCtors && hasInitArray
}

// forEachFile runs fn on every live file concurrently. The first error in
// file order is raised again once all workers are done.
func forEachFile(ctx *Context, fn func(file *ObjectFile)) {
	errs := make([]error, len(ctx.Objs))

	var wg sync.WaitGroup
	for i, file := range ctx.Objs {
		i, file := i, file
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer catch(&errs[i])
			fn(file)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			panic(err)
		}
	}
}

func RegisterSectionPieces(ctx *Context) {
	forEachFile(ctx, func(file *ObjectFile) {
		file.RegisterSectionPieces()
	})
}

// ComputeMergedSectionSizes keeps the fragments referenced by live files
// and lays out every pool.
func ComputeMergedSectionSizes(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, m := range file.MergeableSections {
			if m == nil {
				continue
			}
			for _, frag := range m.Fragments {
				frag.IsAlive = true
			}
		}
	}

	// pools are created by concurrent parsers in no particular order
	sort.Slice(ctx.MergedSections, func(i, j int) bool {
		a, b := ctx.MergedSections[i], ctx.MergedSections[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Shdr.Type != b.Shdr.Type {
			return a.Shdr.Type < b.Shdr.Type
		}
		if a.Shdr.Flags != b.Shdr.Flags {
			return a.Shdr.Flags < b.Shdr.Flags
		}
		if a.EntSize != b.EntSize {
			return a.EntSize < b.EntSize
		}
		return a.AddrAlign < b.AddrAlign
	})

	for _, osec := range ctx.MergedSections {
		osec.AssignOffsets()
	}
}

func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr()).(*OutputEhdr)
	ctx.Phdr = push(NewOutputPhdr()).(*OutputPhdr)
	ctx.Shdr = push(NewOutputShdr()).(*OutputShdr)
	ctx.Got = push(NewGotSection()).(*GotSection)
	ctx.Symtab = push(NewSymtabSection()).(*SymtabSection)
	ctx.Strtab = push(NewStrtabSection()).(*StrtabSection)
	ctx.Shstrtab = push(NewShstrtabSection()).(*ShstrtabSection)
	ctx.Attributes = push(NewRiscvAttributesSection()).(*RiscvAttributesSection)
}

// BinSections assigns every live input section to its output section, in
// file order and then section order.
func BinSections(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}

			name, typ := GetOutputSectionKey(ctx, isec)
			osec := GetOutputSection(ctx, name, typ, isec.Shdr().Flags)
			isec.OutputSection = osec
			osec.Members = append(osec.Members, isec)
		}
	}
}

func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			osecs = append(osecs, osec)
		}
	}

	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}

	return osecs
}

// ComputeSectionSizes places members one after another at their own
// alignment. The section size is the last member's end rounded up to the
// largest alignment.
func ComputeSectionSizes(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		offset := uint64(0)
		p2align := uint8(0)

		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, 1<<isec.P2Align)
			if offset > math.MaxUint32 {
				Fatalf(ErrLayout, "", "%s: output section too large", osec.Name)
			}
			isec.Offset = uint32(offset)
			offset += uint64(isec.ShSize)
			p2align = max(p2align, isec.P2Align)
		}

		osec.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
		osec.Shdr.AddrAlign = 1 << p2align
	}
}

// ScanRelocations allocates GOT slots.
func ScanRelocations(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ScanRelocations()
	}

	seen := make(map[*Symbol]bool)
	for _, file := range ctx.Objs {
		for _, sym := range file.Symbols {
			if sym == nil || sym.File != file || sym.Flags == 0 || seen[sym] {
				continue
			}
			seen[sym] = true

			if sym.Flags&NeedsGot != 0 {
				ctx.Got.AddGotSymbol(sym)
			}
			if sym.Flags&NeedsGotTp != 0 {
				ctx.Got.AddGotTpSymbol(sym)
			}
			sym.Flags = 0
		}
	}
}

// ComputeRiscvAttributes merges the attributes of the live inputs into
// the output .riscv.attributes section.
func ComputeRiscvAttributes(ctx *Context) {
	list := make([]*RiscvAttributes, 0, len(ctx.Objs))
	for _, file := range ctx.Objs {
		list = append(list, file.Attributes)
	}

	merged, err := MergeRiscvAttributes(list)
	if err != nil {
		Fatalf(ErrInputFormat, "", "%s", err)
	}
	if merged != nil {
		ctx.Attributes.Contents = merged.Bytes()
	}
}
