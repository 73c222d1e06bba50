package linker

import (
	"fmt"
	"strconv"

	"github.com/QQmental/simple-linker/pkg/utils"
	"github.com/xyproto/env/v2"
)

const (
	DefaultImageBase uint64 = 0x200000
	DefaultPageSize  uint64 = 4096
)

// LoadEnv applies RVLD_* environment variables on top of the built-in
// defaults. Command-line flags are parsed afterwards and win.
func LoadEnv(args *ContextArgs) error {
	if s := env.Str("RVLD_IMAGE_BASE"); s != "" {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("RVLD_IMAGE_BASE: %w", err)
		}
		args.ImageBase = v
	}

	if s := env.Str("RVLD_PHYSICAL_IMAGE_BASE"); s != "" {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("RVLD_PHYSICAL_IMAGE_BASE: %w", err)
		}
		args.PhysicalImageBase = v
		args.HasPhysicalBase = true
	}

	args.PageSize = uint64(env.Int("RVLD_PAGE_SIZE", int(args.PageSize)))
	args.Entry = env.Str("RVLD_ENTRY", args.Entry)
	if env.Bool("RVLD_VERBOSE") {
		args.Verbose = true
	}
	return nil
}

func (a *ContextArgs) Validate() error {
	if !utils.IsPowerOfTwo(a.PageSize) {
		return fmt.Errorf("page size %d is not a power of two", a.PageSize)
	}
	if a.ImageBase%a.PageSize != 0 {
		return fmt.Errorf("image base %#x is not page aligned", a.ImageBase)
	}
	if a.Entry == "" {
		return fmt.Errorf("empty entry symbol name")
	}
	return nil
}
