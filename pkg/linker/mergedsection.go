package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// MergedSection is the link-wide pool of one class of mergeable content.
// Pools are keyed by name, type, flags, entry size and alignment.
type MergedSection struct {
	Chunk
	EntSize   uint64
	AddrAlign uint64

	mu   sync.Mutex
	Map  map[string]*SectionFragment
	keys []string
}

func NewMergedSection(name string, flags uint64, typ uint32, entsize, addralign uint64) *MergedSection {
	m := &MergedSection{
		Chunk:     NewChunk(),
		EntSize:   entsize,
		AddrAlign: addralign,
		Map:       make(map[string]*SectionFragment),
	}

	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	m.Shdr.EntSize = entsize
	return m
}

func (m *MergedSection) Kind() ChunkKind {
	return ChunkKindOutputSection
}

// GetMergedOutputName folds compiler-generated string pool names such as
// .rodata.str1.1.foo or .rodata.bar into .rodata.str<entsize>.<align>.
func GetMergedOutputName(name string, flags, entsize, addralign uint64) string {
	if flags&uint64(elf.SHF_STRINGS) == 0 {
		return name
	}
	if name != ".rodata" && !strings.HasPrefix(name, ".rodata.") {
		return name
	}
	return ".rodata.str" + strconv.FormatUint(entsize, 10) + "." +
		strconv.FormatUint(addralign, 10)
}

func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64,
	entsize, addralign uint64) *MergedSection {
	name = GetMergedOutputName(name, flags, entsize, addralign)
	flags = flags &^ uint64(elf.SHF_GROUP) &^ uint64(elf.SHF_COMPRESSED)

	ctx.mergedMu.Lock()
	defer ctx.mergedMu.Unlock()

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type &&
			entsize == osec.EntSize && addralign == osec.AddrAlign {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ, entsize, addralign)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

// Insert returns the fragment for key, creating it on first sight. A
// fragment keeps the largest alignment any of its pieces asked for.
func (m *MergedSection) Insert(key string, p2align uint32) *SectionFragment {
	m.mu.Lock()
	defer m.mu.Unlock()

	frag, ok := m.Map[key]
	if !ok {
		frag = NewSectionFragment(m)
		frag.IsAlive = m.Shdr.Flags&uint64(elf.SHF_ALLOC) == 0
		m.Map[key] = frag
		m.keys = append(m.keys, key)
	}

	if frag.P2Align < p2align {
		frag.P2Align = p2align
	}

	return frag
}

// LiveCount is the number of fragments that will be emitted.
func (m *MergedSection) LiveCount() int {
	n := 0
	for _, frag := range m.Map {
		if frag.IsAlive {
			n++
		}
	}
	return n
}

// AssignOffsets lays out the live fragments sorted by length, then by
// content. The order does not depend on insertion order.
func (m *MergedSection) AssignOffsets() {
	keys := make([]string, 0, len(m.keys))
	for _, key := range m.keys {
		if m.Map[key].IsAlive {
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, key := range keys {
		frag := m.Map[key]
		offset = utils.AlignTo(offset, 1<<frag.P2Align)
		if offset > math.MaxUint32 {
			Fatalf(ErrLayout, "", "%s: merged section too large", m.Name)
		}
		frag.Offset = uint32(offset)
		offset += uint64(len(key))
		if p2align < uint64(frag.P2Align) {
			p2align = uint64(frag.P2Align)
		}
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	if m.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	buf := ctx.Buf[m.Shdr.Offset:]
	for key, frag := range m.Map {
		if frag.IsAlive {
			copy(buf[frag.Offset:], key)
		}
	}
}

// SectionFragment is one deduplicated piece inside a MergedSection.
// Offset stays MaxUint32 until AssignOffsets places a live fragment.
type SectionFragment struct {
	OutputSection *MergedSection
	Offset        uint32
	P2Align       uint32
	IsAlive       bool
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	return &SectionFragment{
		OutputSection: m,
		Offset:        math.MaxUint32,
	}
}

func (s *SectionFragment) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}
