package linker

import "os"

// link runs every pass up to final layout and returns the output size.
func link(ctx *Context, inputs []string) uint64 {
	if ctx.Args.Emulation == MachineTypeNone {
		Fatalf(ErrInputFormat, "", "unknown emulation type")
	}

	ReadInputFiles(ctx, inputs)
	if len(ctx.Objs) == 0 {
		Fatalf(ErrInputFormat, "", "no input files")
	}

	CreateInternalFile(ctx)
	ResolveSymbols(ctx)
	ComputeCtorsPolicy(ctx)

	RegisterSectionPieces(ctx)
	ComputeMergedSectionSizes(ctx)

	CreateSyntheticSections(ctx)
	BinSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)

	ScanRelocations(ctx)
	ComputeSectionSizes(ctx)
	ComputeRiscvAttributes(ctx)

	SortOutputSections(ctx)
	ComputeSymtab(ctx)
	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}
	AssignSectionIndices(ctx)

	fileSize := SetOutputSectionOffsets(ctx)
	FixSyntheticSymbols(ctx)
	return fileSize
}

func writeChunks(ctx *Context) {
	for _, chunk := range ctx.Chunks {
		chunk.CopyBuf(ctx)
	}
}

// Link links inputs into the executable named by ctx.Args.Output. Inputs
// are object files, archives and -l<name> library references, in
// command-line order.
func Link(ctx *Context, inputs []string) (err error) {
	defer catch(&err)

	fileSize := link(ctx, inputs)

	out, err := CreateOutputFile(ctx.Args.Output, fileSize)
	if err != nil {
		return &LinkError{Kind: ErrInternal, File: ctx.Args.Output, Msg: err.Error()}
	}
	ctx.Buf = out.Buf

	// relocation overflows surface only while copying
	if err := func() (err error) {
		defer catch(&err)
		writeChunks(ctx)
		return nil
	}(); err != nil {
		out.Discard()
		ctx.Buf = nil
		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(ctx.Args.Output)
		return &LinkError{Kind: ErrInternal, File: ctx.Args.Output, Msg: err.Error()}
	}

	ctx.Logger.Info("linked", "output", ctx.Args.Output, "size", fileSize,
		"files", len(ctx.Objs)-1)
	return nil
}

// LinkToBuffer is Link without the output file.
func LinkToBuffer(ctx *Context, inputs []string) (buf []byte, err error) {
	defer catch(&err)

	fileSize := link(ctx, inputs)
	ctx.Buf = make([]byte, fileSize)
	writeChunks(ctx)
	return ctx.Buf, nil
}
