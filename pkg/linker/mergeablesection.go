package linker

import (
	"bytes"
	"debug/elf"
	"sort"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// MergeableSection is an SHF_MERGE input section cut into pieces.
// Strs holds the piece bytes and FragOffsets their start offsets in the
// input section. Both are filled by split once the file is known to be
// live, and Fragments right after, one entry per piece.
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint32
	Fragments   []*SectionFragment

	section *InputSection
	entsize uint64
}

// GetFragment finds the piece holding offset and the offset inside it.
func (m *MergeableSection) GetFragment(offset uint32) (*SectionFragment, uint32) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})

	if pos == 0 || pos > len(m.Fragments) {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}

// mergeEntSize is the piece size of a mergeable section, zero when it
// cannot be split.
func mergeEntSize(shdr *Shdr) uint64 {
	if shdr.EntSize != 0 {
		return shdr.EntSize
	}
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		return 1
	}
	return shdr.AddrAlign
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.IndexByte(data, 0)
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}

	return -1
}

func newMergeableSection(ctx *Context, isec *InputSection, entsize uint64) *MergeableSection {
	shdr := isec.Shdr()
	parent := GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags,
		entsize, shdr.AddrAlign)
	return &MergeableSection{
		Parent:  parent,
		P2Align: isec.P2Align,
		section: isec,
		entsize: entsize,
	}
}

func (m *MergeableSection) split() {
	isec := m.section
	entsize := m.entsize

	data := isec.Contents
	offset := uint64(0)
	if isec.Shdr().Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(entsize))
			if end == -1 {
				Fatalf(ErrLayout, isec.File.File.Name, "%s: string is not null terminated",
					isec.Name())
			}

			sz := uint64(end) + entsize
			m.Strs = append(m.Strs, string(data[:sz]))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			data = data[sz:]
			offset += sz
		}
		return
	}

	if uint64(len(data))%entsize != 0 {
		Fatalf(ErrLayout, isec.File.File.Name,
			"%s: section size is not a multiple of entsize %d", isec.Name(), entsize)
	}

	for len(data) > 0 {
		m.Strs = append(m.Strs, string(data[:entsize]))
		m.FragOffsets = append(m.FragOffsets, uint32(offset))
		data = data[entsize:]
		offset += entsize
	}
}
