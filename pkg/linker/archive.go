package linker

import "github.com/QQmental/simple-linker/pkg/utils"

// ReadArchiveMembers splits an ar(1) archive into its object members,
// naming each one "member@archive".
func ReadArchiveMembers(file *File) []*File {
	if GetFileType(file.Contents) != FileTypeArchive {
		Fatalf(ErrInputFormat, file.Name, "not an archive file")
	}

	pos := 8
	var strTab []byte
	var files []*File
	for len(file.Contents)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if len(file.Contents)-pos < ArHdrSize {
			Fatalf(ErrInputFormat, file.Name, "truncated archive member header")
		}

		hdr := utils.Read[ArHdr](file.Contents[pos:])
		size, err := hdr.GetSize()
		if err != nil || size < 0 {
			Fatalf(ErrInputFormat, file.Name, "bad archive member size")
		}
		dataStart := pos + ArHdrSize
		pos = dataStart + size
		if pos > len(file.Contents) {
			Fatalf(ErrInputFormat, file.Name, "archive member is out of range")
		}
		contents := file.Contents[dataStart:pos]

		if hdr.IsSymtab() {
			continue
		} else if hdr.IsStrtab() {
			strTab = contents
			continue
		}

		name, ok := hdr.ReadName(strTab)
		if !ok {
			Fatalf(ErrInputFormat, file.Name, "bad archive member name")
		}
		files = append(files, &File{
			Name:     name + "@" + file.Name,
			Contents: contents,
			Parent:   file,
		})
	}

	return files
}
