package linker

import (
	"os"
	"path/filepath"
)

// Parent is set for archive members and points at the archive.
type File struct {
	Name     string
	Contents []byte
	Parent   *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	if err != nil {
		Fatalf(ErrInputFormat, filename, "cannot open: %v", err)
	}
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(path string) *File {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	return &File{
		Name:     path,
		Contents: contents,
	}
}

// FindLibrary resolves -l<name> to the first <dir>/lib<name>.a on the
// search path.
func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Args.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name+".a")
		if f := OpenLibrary(stem); f != nil {
			if GetFileType(f.Contents) != FileTypeArchive {
				Fatalf(ErrInputFormat, stem, "not an archive file")
			}
			return f
		}
	}

	Fatalf(ErrInputFormat, "", "library not found: -l%s", name)
	return nil
}
