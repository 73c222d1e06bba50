package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOutputName(t *testing.T) {
	tests := []struct {
		name  string
		flags uint64
		want  string
	}{
		{".text", 0, ".text"},
		{".text.main", 0, ".text"},
		{".text.unlikely.cold", 0, ".text"},
		{".data.rel.ro.local", 0, ".data.rel.ro"},
		{".data.rel.ro", 0, ".data.rel.ro"},
		{".data.counter", 0, ".data"},
		{".rodata.cst16", 0, ".rodata"},
		{".bss.buf", 0, ".bss"},
		{".tbss.tls", 0, ".tbss"},
		{".init_array.100", 0, ".init_array"},
		{".ctors.65435", 0, ".ctors"},
		{".textual", 0, ".textual"},
		{".comment", 0, ".comment"},
		// mergeable sections are keyed by their own pools
		{".rodata.str1.1", uint64(elf.SHF_MERGE), ".rodata.str1.1"},
		{".text.merged", uint64(elf.SHF_MERGE | elf.SHF_STRINGS), ".text.merged"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GetOutputName(tt.name, tt.flags), tt.name)
	}
}

func TestCanonicalizeType(t *testing.T) {
	progbits := uint32(elf.SHT_PROGBITS)

	assert.Equal(t, uint32(elf.SHT_INIT_ARRAY), CanonicalizeType(".init_array", progbits))
	assert.Equal(t, uint32(elf.SHT_INIT_ARRAY), CanonicalizeType(".init_array.5", progbits))
	assert.Equal(t, uint32(elf.SHT_FINI_ARRAY), CanonicalizeType(".fini_array", progbits))
	assert.Equal(t, progbits, CanonicalizeType(".init_arrayx", progbits))
	assert.Equal(t, progbits, CanonicalizeType(".data", progbits))
	assert.Equal(t, uint32(elf.SHT_NOBITS), CanonicalizeType(".init_array", uint32(elf.SHT_NOBITS)))
}

// ctorsObject holds an .init_array entry and a prioritized .ctors entry,
// both pointing at _start, plus a .dtors section without relocations.
func ctorsObject(withInitArray bool) []byte {
	b := newObj().
		text(".text", code(insnRet)).
		section(&testSection{
			name:  ".ctors.100",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  make([]byte, 8),
			rels:  []testRel{{offset: 0, typ: elf.R_RISCV_64, sym: "_start"}},
		}).
		section(&testSection{
			name:  ".dtors",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  make([]byte, 8),
		})
	if withInitArray {
		b.section(&testSection{
			name:  ".init_array",
			typ:   elf.SHT_INIT_ARRAY,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  make([]byte, 8),
			rels:  []testRel{{offset: 0, typ: elf.R_RISCV_64, sym: "section:.text"}},
		})
	}
	return b.global("_start", ".text", 0).bytes()
}

func TestCtorsMergeIntoInitArray(t *testing.T) {
	ctx := newTestContext()
	path := writeTestFile(t, t.TempDir(), "ctors.o", ctorsObject(true))
	buf, err := LinkToBuffer(ctx, []string{path})
	require.NoError(t, err)
	assert.True(t, ctx.HasCtorsAndInitArray)

	f := mustParseELF(t, buf)
	assert.Nil(t, f.Section(".ctors"))

	initArray := f.Section(".init_array")
	require.NotNil(t, initArray)
	assert.Equal(t, elf.SHT_INIT_ARRAY, initArray.Type)
	assert.Equal(t, uint64(16), initArray.Size)

	data, err := initArray.Data()
	require.NoError(t, err)
	start := symbolValue(t, f, "_start")
	assert.Equal(t, start, readUint64(data[0:]))
	assert.Equal(t, start, readUint64(data[8:]))

	// without relocations there is nothing to run, so .dtors stays put
	dtors := f.Section(".dtors")
	require.NotNil(t, dtors)
	assert.Equal(t, elf.SHT_PROGBITS, dtors.Type)
}

func TestCtorsAloneKeepTheirSection(t *testing.T) {
	ctx := newTestContext()
	path := writeTestFile(t, t.TempDir(), "ctors.o", ctorsObject(false))
	buf, err := LinkToBuffer(ctx, []string{path})
	require.NoError(t, err)
	assert.False(t, ctx.HasCtorsAndInitArray)

	f := mustParseELF(t, buf)
	assert.Nil(t, f.Section(".init_array"))

	ctors := f.Section(".ctors")
	require.NotNil(t, ctors)
	assert.Equal(t, elf.SHT_PROGBITS, ctors.Type)
	data, err := ctors.Data()
	require.NoError(t, err)
	assert.Equal(t, symbolValue(t, f, "_start"), readUint64(data))
}
