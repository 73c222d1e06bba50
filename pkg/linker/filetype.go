package linker

import (
	"bytes"
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeArchive
)

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) && len(contents) >= EhdrSize {
		et := elf.Type(utils.Read[uint16](contents[16:]))
		if et == elf.ET_REL {
			return FileTypeObject
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeArchive
	}

	return FileTypeUnknown
}

func (t FileType) String() string {
	switch t {
	case FileTypeEmpty:
		return "empty"
	case FileTypeObject:
		return "object"
	case FileTypeArchive:
		return "archive"
	}
	return "unknown"
}
