//go:build unix

package linker

import (
	"os"

	"golang.org/x/sys/unix"
)

// OutputFile is the executable being written, mapped into memory.
type OutputFile struct {
	file *os.File
	Buf  []byte
}

func CreateOutputFile(path string, size uint64) (*OutputFile, error) {
	// a running copy of the old executable keeps its own inode
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}

	out := &OutputFile{file: f}
	if size == 0 {
		return out, nil
	}

	out.Buf, err = unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return out, nil
}

func (o *OutputFile) Close() error {
	if o.Buf != nil {
		if err := unix.Munmap(o.Buf); err != nil {
			o.file.Close()
			return err
		}
		o.Buf = nil
	}
	if err := unix.Fchmod(int(o.file.Fd()), 0755); err != nil {
		o.file.Close()
		return err
	}
	return o.file.Close()
}

// Discard unmaps and removes a partly written output.
func (o *OutputFile) Discard() {
	if o.Buf != nil {
		unix.Munmap(o.Buf)
		o.Buf = nil
	}
	o.file.Close()
	os.Remove(o.file.Name())
}
