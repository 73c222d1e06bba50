package linker

import (
	"sync"

	"github.com/QQmental/simple-linker/pkg/utils"
)

type pendingFile struct {
	file  *File
	inLib bool
}

// ReadInputFiles loads every object file and archive named on the command
// line, in order, and parses them concurrently. Archive members start out
// dead.
func ReadInputFiles(ctx *Context, remaining []string) {
	var pending []pendingFile
	add := func(file *File, inLib bool) {
		switch GetFileType(file.Contents) {
		case FileTypeObject:
			pending = append(pending, pendingFile{file, inLib})
		case FileTypeArchive:
			for _, child := range ReadArchiveMembers(file) {
				if GetFileType(child.Contents) != FileTypeObject {
					Fatalf(ErrInputFormat, child.Name, "archive member is not a relocatable object")
				}
				pending = append(pending, pendingFile{child, true})
			}
		default:
			Fatalf(ErrInputFormat, file.Name, "unknown file type")
		}
	}

	for _, arg := range remaining {
		if name, ok := utils.RemovePrefix(arg, "-l"); ok {
			add(FindLibrary(ctx, name), true)
		} else {
			add(MustNewFile(arg), false)
		}
	}

	ctx.Objs = make([]*ObjectFile, len(pending))
	errs := make([]error, len(pending))

	var wg sync.WaitGroup
	for i, p := range pending {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer catch(&errs[i])
			obj := CreateObjectFile(ctx, p.file, p.inLib)
			obj.Index = i
			ctx.Objs[i] = obj
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			panic(err)
		}
	}

	ctx.Logger.Debug("read input files", "files", len(ctx.Objs))
}

func CreateObjectFile(ctx *Context, file *File, inLib bool) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, inLib)
	obj.Parse(ctx)
	return obj
}
