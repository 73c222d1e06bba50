//go:build !unix

package linker

import "os"

type OutputFile struct {
	path string
	Buf  []byte
}

func CreateOutputFile(path string, size uint64) (*OutputFile, error) {
	return &OutputFile{path: path, Buf: make([]byte, size)}, nil
}

func (o *OutputFile) Close() error {
	if err := os.WriteFile(o.path, o.Buf, 0755); err != nil {
		return err
	}
	return os.Chmod(o.path, 0755)
}

// Discard drops the buffer. Nothing has been written to disk yet.
func (o *OutputFile) Discard() {
	o.Buf = nil
}
