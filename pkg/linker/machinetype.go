package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

type MachineType uint8

const (
	MachineTypeNone MachineType = iota
	MachineTypeRISCV64
)

func GetMachineTypeFromContents(contents []byte) MachineType {
	if len(contents) < EhdrSize || !CheckMagic(contents) {
		return MachineTypeNone
	}

	machine := elf.Machine(utils.Read[uint16](contents[18:]))
	if machine == elf.EM_RISCV &&
		elf.Class(contents[elf.EI_CLASS]) == elf.ELFCLASS64 &&
		elf.Data(contents[elf.EI_DATA]) == elf.ELFDATA2LSB {
		return MachineTypeRISCV64
	}

	return MachineTypeNone
}

func (m MachineType) String() string {
	if m == MachineTypeRISCV64 {
		return "riscv64"
	}
	return "none"
}

// CheckFileCompatibility rejects anything that is not a little-endian
// RV64 relocatable of the configured emulation.
func CheckFileCompatibility(ctx *Context, file *File) {
	if GetFileType(file.Contents) != FileTypeObject {
		Fatalf(ErrInputFormat, file.Name, "not a relocatable ELF file")
	}
	mt := GetMachineTypeFromContents(file.Contents)
	if mt != ctx.Args.Emulation {
		Fatalf(ErrInputFormat, file.Name, "incompatible machine type %s, want %s",
			mt, ctx.Args.Emulation)
	}
}
