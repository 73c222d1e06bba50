package linker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/QQmental/simple-linker/pkg/utils"
	"golang.org/x/crypto/cryptobyte"
)

const (
	attrTagFile            = 1
	attrStackAlign         = 4
	attrArch               = 5
	attrUnalignedAccess    = 6
	attrPrivSpec           = 8
	attrPrivSpecMinor      = 10
	attrPrivSpecRevision   = 12
	attrAtomicAbi          = 14
	attrX3RegUsage         = 16
	attrFormatVersion byte = 'A'
	attrVendor             = "riscv"
)

// RiscvAttributes is the content of a .riscv.attributes section.
type RiscvAttributes struct {
	Arch               string
	StackAlign         uint64
	HasStackAlign      bool
	UnalignedAccess    bool
	HasUnalignedAccess bool
	PrivSpec           uint64
	PrivSpecMinor      uint64
	PrivSpecRevision   uint64
	AtomicAbi          uint64
	X3RegUsage         uint64
}

var errAttrTruncated = errors.New(".riscv.attributes: truncated section")

func readUint32LE(s *cryptobyte.String, out *uint32) bool {
	var b []byte
	if !s.ReadBytes(&b, 4) {
		return false
	}
	*out = binary.LittleEndian.Uint32(b)
	return true
}

func readUleb(s *cryptobyte.String, out *uint64) bool {
	val, n := utils.DecodeUleb(*s)
	if n == 0 {
		return false
	}
	*out = val
	return s.Skip(n)
}

func readNTBS(s *cryptobyte.String, out *string) bool {
	end := bytes.IndexByte(*s, 0)
	if end < 0 {
		return false
	}
	*out = string((*s)[:end])
	return s.Skip(end + 1)
}

// ParseRiscvAttributes decodes the "riscv" vendor subsection. Other
// vendors are skipped.
func ParseRiscvAttributes(data []byte) (*RiscvAttributes, error) {
	s := cryptobyte.String(data)
	var version uint8
	if !s.ReadUint8(&version) {
		return nil, errAttrTruncated
	}
	if version != attrFormatVersion {
		return nil, fmt.Errorf(".riscv.attributes: unknown format version %q", version)
	}

	attrs := &RiscvAttributes{}
	for !s.Empty() {
		var length uint32
		var body []byte
		if !readUint32LE(&s, &length) || length < 4 || !s.ReadBytes(&body, int(length-4)) {
			return nil, errAttrTruncated
		}

		sub := cryptobyte.String(body)
		var vendor string
		if !readNTBS(&sub, &vendor) {
			return nil, errAttrTruncated
		}
		if vendor != attrVendor {
			continue
		}

		for !sub.Empty() {
			var tag uint8
			var sublen uint32
			var content []byte
			if !sub.ReadUint8(&tag) || !readUint32LE(&sub, &sublen) || sublen < 5 ||
				!sub.ReadBytes(&content, int(sublen-5)) {
				return nil, errAttrTruncated
			}
			if tag != attrTagFile {
				return nil, fmt.Errorf(".riscv.attributes: unsupported sub-subsection tag %d", tag)
			}
			if err := attrs.parseFileAttributes(cryptobyte.String(content)); err != nil {
				return nil, err
			}
		}
	}
	return attrs, nil
}

func (a *RiscvAttributes) parseFileAttributes(s cryptobyte.String) error {
	for !s.Empty() {
		var tag uint64
		if !readUleb(&s, &tag) {
			return errAttrTruncated
		}

		// odd tags carry strings, even tags numbers
		if tag%2 == 1 {
			var str string
			if !readNTBS(&s, &str) {
				return errAttrTruncated
			}
			if tag == attrArch {
				a.Arch = str
			}
			continue
		}

		var val uint64
		if !readUleb(&s, &val) {
			return errAttrTruncated
		}
		switch tag {
		case attrStackAlign:
			a.StackAlign = val
			a.HasStackAlign = true
		case attrUnalignedAccess:
			a.UnalignedAccess = val != 0
			a.HasUnalignedAccess = true
		case attrPrivSpec:
			a.PrivSpec = val
		case attrPrivSpecMinor:
			a.PrivSpecMinor = val
		case attrPrivSpecRevision:
			a.PrivSpecRevision = val
		case attrAtomicAbi:
			a.AtomicAbi = val
		case attrX3RegUsage:
			a.X3RegUsage = val
		}
	}
	return nil
}

// Bytes encodes the attributes as a complete section.
func (a *RiscvAttributes) Bytes() []byte {
	var attrs []byte
	addUint := func(tag, val uint64) {
		attrs = utils.AppendUleb(attrs, tag)
		attrs = utils.AppendUleb(attrs, val)
	}

	if a.HasStackAlign {
		addUint(attrStackAlign, a.StackAlign)
	}
	if a.Arch != "" {
		attrs = utils.AppendUleb(attrs, attrArch)
		attrs = append(attrs, a.Arch...)
		attrs = append(attrs, 0)
	}
	if a.HasUnalignedAccess {
		v := uint64(0)
		if a.UnalignedAccess {
			v = 1
		}
		addUint(attrUnalignedAccess, v)
	}
	if a.PrivSpec != 0 || a.PrivSpecMinor != 0 || a.PrivSpecRevision != 0 {
		addUint(attrPrivSpec, a.PrivSpec)
		addUint(attrPrivSpecMinor, a.PrivSpecMinor)
		addUint(attrPrivSpecRevision, a.PrivSpecRevision)
	}
	if a.AtomicAbi != 0 {
		addUint(attrAtomicAbi, a.AtomicAbi)
	}
	if a.X3RegUsage != 0 {
		addUint(attrX3RegUsage, a.X3RegUsage)
	}

	subLen := 1 + 4 + len(attrs)
	secLen := 4 + len(attrVendor) + 1 + subLen

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(attrFormatVersion)
	b.AddBytes(binary.LittleEndian.AppendUint32(nil, uint32(secLen)))
	b.AddBytes([]byte(attrVendor))
	b.AddUint8(0)
	b.AddUint8(attrTagFile)
	b.AddBytes(binary.LittleEndian.AppendUint32(nil, uint32(subLen)))
	b.AddBytes(attrs)
	return b.BytesOrPanic()
}

var multiLetterExt = regexp.MustCompile(`^([a-z][a-z0-9]*?)(\d+p\d+)?$`)

type archExtension struct {
	name         string
	major, minor int
	hasVersion   bool
}

// parseArch splits an ISA string such as rv64i2p1_m2p0_zicsr2p0 into its
// base width and extensions.
func parseArch(arch string) (string, []archExtension, error) {
	arch = strings.ToLower(arch)
	if len(arch) < 5 || (!strings.HasPrefix(arch, "rv64") && !strings.HasPrefix(arch, "rv32")) {
		return "", nil, fmt.Errorf("bad ISA string %q", arch)
	}
	base := arch[:4]

	var exts []archExtension
	for _, tok := range strings.Split(arch[4:], "_") {
		if tok == "" {
			continue
		}
		if tok[0] == 'z' || tok[0] == 's' || tok[0] == 'x' {
			m := multiLetterExt.FindStringSubmatch(tok)
			if m == nil {
				return "", nil, fmt.Errorf("bad ISA string %q", arch)
			}
			ext, _, _ := parseExtVersion(m[1], m[2])
			exts = append(exts, ext)
			continue
		}

		for tok != "" {
			ext, rest, err := parseExtVersion(tok[:1], tok[1:])
			if err != nil {
				return "", nil, fmt.Errorf("bad ISA string %q", arch)
			}
			exts = append(exts, ext)
			tok = rest
		}
	}
	return base, exts, nil
}

// parseExtVersion reads an optional <major>p<minor> from the front of s.
func parseExtVersion(name, s string) (archExtension, string, error) {
	ext := archExtension{name: name}
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == 0 {
		return ext, s, nil
	}
	major, _ := strconv.Atoi(s[:i])
	s = s[i:]
	if !strings.HasPrefix(s, "p") {
		return ext, s, fmt.Errorf("missing minor version")
	}
	s = s[1:]
	i = 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == 0 {
		return ext, s, fmt.Errorf("missing minor version")
	}
	minor, _ := strconv.Atoi(s[:i])

	ext.major, ext.minor, ext.hasVersion = major, minor, true
	return ext, s[i:], nil
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

const singleLetterOrder = "iemafdqlcbkjtpvh"

func extRank(name string) (int, int) {
	if len(name) == 1 {
		if idx := strings.IndexByte(singleLetterOrder, name[0]); idx >= 0 {
			return 0, idx
		}
		return 0, len(singleLetterOrder) + int(name[0])
	}
	switch name[0] {
	case 'z':
		if idx := strings.IndexByte(singleLetterOrder, name[1]); idx >= 0 {
			return 1, idx
		}
		return 1, len(singleLetterOrder)
	case 's':
		return 2, 0
	}
	return 3, 0
}

func newerVersion(a, b archExtension) bool {
	if a.hasVersion != b.hasVersion {
		return a.hasVersion
	}
	if a.major != b.major {
		return a.major > b.major
	}
	return a.minor > b.minor
}

// mergeArch unions the extensions of every ISA string, keeping the
// highest version of each, in canonical order.
func mergeArch(archs []string) (string, error) {
	base := ""
	exts := map[string]archExtension{}
	for _, arch := range archs {
		b, list, err := parseArch(arch)
		if err != nil {
			return "", err
		}
		if base != "" && base != b {
			return "", fmt.Errorf("incompatible ISA strings %s and %s", base, b)
		}
		base = b
		for _, ext := range list {
			if old, ok := exts[ext.name]; !ok || newerVersion(ext, old) {
				exts[ext.name] = ext
			}
		}
	}

	list := make([]archExtension, 0, len(exts))
	for _, ext := range exts {
		list = append(list, ext)
	}
	sort.Slice(list, func(i, j int) bool {
		ci, ri := extRank(list[i].name)
		cj, rj := extRank(list[j].name)
		if ci != cj {
			return ci < cj
		}
		if ri != rj {
			return ri < rj
		}
		return list[i].name < list[j].name
	})

	var sb strings.Builder
	sb.WriteString(base)
	for i, ext := range list {
		if i > 0 {
			sb.WriteByte('_')
		}
		sb.WriteString(ext.name)
		if ext.hasVersion {
			fmt.Fprintf(&sb, "%dp%d", ext.major, ext.minor)
		}
	}
	return sb.String(), nil
}

// MergeRiscvAttributes combines the attributes of every input. It returns
// nil when no input carries any.
func MergeRiscvAttributes(list []*RiscvAttributes) (*RiscvAttributes, error) {
	var out *RiscvAttributes
	var archs []string

	for _, a := range list {
		if a == nil {
			continue
		}
		if out == nil {
			out = &RiscvAttributes{}
		}
		if a.Arch != "" {
			archs = append(archs, a.Arch)
		}
		if a.HasStackAlign {
			if out.HasStackAlign && out.StackAlign != a.StackAlign {
				return nil, fmt.Errorf("stack alignment mismatch: %d and %d",
					out.StackAlign, a.StackAlign)
			}
			out.StackAlign = a.StackAlign
			out.HasStackAlign = true
		}
		if a.HasUnalignedAccess {
			out.UnalignedAccess = out.UnalignedAccess || a.UnalignedAccess
			out.HasUnalignedAccess = true
		}
		if a.PrivSpec > out.PrivSpec ||
			(a.PrivSpec == out.PrivSpec && a.PrivSpecMinor > out.PrivSpecMinor) ||
			(a.PrivSpec == out.PrivSpec && a.PrivSpecMinor == out.PrivSpecMinor &&
				a.PrivSpecRevision > out.PrivSpecRevision) {
			out.PrivSpec, out.PrivSpecMinor, out.PrivSpecRevision =
				a.PrivSpec, a.PrivSpecMinor, a.PrivSpecRevision
		}
		out.AtomicAbi = max(out.AtomicAbi, a.AtomicAbi)
		out.X3RegUsage = max(out.X3RegUsage, a.X3RegUsage)
	}

	if len(archs) > 0 {
		arch, err := mergeArch(archs)
		if err != nil {
			return nil, err
		}
		out.Arch = arch
	}
	return out, nil
}

type RiscvAttributesSection struct {
	Chunk
	Contents []byte
}

func NewRiscvAttributesSection() *RiscvAttributesSection {
	s := &RiscvAttributesSection{Chunk: NewChunk()}
	s.Name = ".riscv.attributes"
	s.Shdr.Type = SHT_RISCV_ATTRIBUTES
	return s
}

func (s *RiscvAttributesSection) UpdateShdr(ctx *Context) {
	s.Shdr.Size = uint64(len(s.Contents))
}

func (s *RiscvAttributesSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.Contents)
}
