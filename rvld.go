package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/QQmental/simple-linker/pkg/linker"
	"github.com/QQmental/simple-linker/pkg/utils"
)

var version = "dev"

func main() {
	ctx := linker.NewContext()
	utils.MustNo(linker.LoadEnv(&ctx.Args))

	remaining := parseArgs(ctx, os.Args[1:])

	level := slog.LevelWarn
	if ctx.Args.Verbose {
		level = slog.LevelDebug
	}
	ctx.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// without -m, the first recognizable object decides
	if ctx.Args.Emulation == linker.MachineTypeNone {
		ctx.Args.Emulation = inferEmulation(remaining)
	}
	if ctx.Args.Emulation != linker.MachineTypeRISCV64 {
		utils.Fatal("unknown emulation type")
	}

	if err := ctx.Args.Validate(); err != nil {
		utils.Fatal(err)
	}

	if err := linker.Link(ctx, remaining); err != nil {
		ctx.Logger.Debug("link failed", "kind", linker.KindOf(err).String())
		utils.Fatal(err)
	}
}

func inferEmulation(remaining []string) linker.MachineType {
	for _, filename := range remaining {
		if strings.HasPrefix(filename, "-") {
			continue
		}
		contents, err := os.ReadFile(filename)
		if err != nil {
			continue
		}
		if mt := linker.GetMachineTypeFromContents(contents); mt != linker.MachineTypeNone {
			return mt
		}
	}
	return linker.MachineTypeNone
}

func parseAddress(name, s string) uint64 {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		utils.Fatal(fmt.Sprintf("option --%s: invalid address: %s", name, s))
	}
	return v
}

// parseArgs fills ctx.Args from the command line and returns the input
// files and -l references in order.
func parseArgs(ctx *linker.Context, args []string) []string {
	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	arg := ""
	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
				}

				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}

		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}

		return false
	}

	remaining := make([]string, 0)
	for len(args) > 0 {
		if readFlag("help") {
			fmt.Printf("usage: %s [options] file...\n", os.Args[0])
			os.Exit(0)
		}

		if readArg("o") || readArg("output") {
			ctx.Args.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("rvld %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			if arg == "elf64lriscv" {
				ctx.Args.Emulation = linker.MachineTypeRISCV64
			} else {
				utils.Fatal(fmt.Sprintf("unknown -m argument: %s", arg))
			}
		} else if readArg("L") {
			ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, arg)
		} else if readArg("l") {
			remaining = append(remaining, "-l"+arg)
		} else if readArg("e") || readArg("entry") {
			ctx.Args.Entry = arg
		} else if readArg("image-base") {
			ctx.Args.ImageBase = parseAddress("image-base", arg)
		} else if readArg("physical-image-base") {
			ctx.Args.PhysicalImageBase = parseAddress("physical-image-base", arg)
			ctx.Args.HasPhysicalBase = true
		} else if readFlag("verbose") {
			ctx.Args.Verbose = true
		} else if readArg("sysroot") ||
			readFlag("static") ||
			readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readArg("hash-style") ||
			readArg("build-id") ||
			readFlag("s") ||
			readFlag("no-relax") {
			// Ignored
		} else if args[0][0] == '-' {
			// unknown options are skipped together with their operands
			args = args[1:]
			for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
				args = args[1:]
			}
		} else {
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	for i, path := range ctx.Args.LibraryPaths {
		ctx.Args.LibraryPaths[i] = filepath.Clean(path)
	}

	return remaining
}
