package linker

import (
	"debug/elf"
	"testing"

	"github.com/QQmental/simple-linker/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBtype(insn uint32) int64 {
	imm := utils.Bit(insn, 31)<<12 | utils.Bit(insn, 7)<<11 |
		utils.Bits(insn, 30, 25)<<5 | utils.Bits(insn, 11, 8)<<1
	return int64(utils.SignExtend(uint64(imm), 12))
}

func decodeJtype(insn uint32) int64 {
	imm := utils.Bit(insn, 31)<<20 | utils.Bits(insn, 19, 12)<<12 |
		utils.Bit(insn, 20)<<11 | utils.Bits(insn, 30, 21)<<1
	return int64(utils.SignExtend(uint64(imm), 20))
}

func decodeStype(insn uint32) int64 {
	imm := utils.Bits(insn, 31, 25)<<5 | utils.Bits(insn, 11, 7)
	return int64(utils.SignExtend(uint64(imm), 11))
}

func decodeItype(insn uint32) int64 {
	return int64(int32(insn) >> 20)
}

func patch(insn uint32, write func([]byte, uint32), val int64) uint32 {
	buf := code(insn)
	write(buf, uint32(val))
	return utils.Read[uint32](buf)
}

func TestInstructionEncoders(t *testing.T) {
	for _, val := range []int64{0, 2, -2, 0x7fe, -0x800, 4094, -4096} {
		insn := patch(insnBeq, writeBtype, val)
		assert.Equal(t, val, decodeBtype(insn), "branch %d", val)
		assert.Equal(t, uint32(insnBeq), insn&0x01fff07f)
	}

	for _, val := range []int64{0, 2, -2, 0x7fe, 0x800, 0xffffe, -0x100000} {
		insn := patch(insnJal, writeJtype, val)
		assert.Equal(t, val, decodeJtype(insn), "jal %d", val)
		assert.Equal(t, uint32(insnJal), insn&0xfff)
	}

	sd := uint32(0x00a53023) // sd a0, 0(a0)
	for _, val := range []int64{0, 1, -1, 0x7ff, -0x800} {
		insn := patch(sd, writeStype, val)
		assert.Equal(t, val, decodeStype(insn), "store %d", val)
		assert.Equal(t, sd, insn&0x01fff07f)
	}

	// a U-type upper part plus the sign-extended I-type low part gives
	// back the full value
	for _, val := range []int64{0, 0x7ff, 0x800, 0xfff, -1, -0x800, -0x801, 0x12345678, -0x7ffff800} {
		hi := patch(insnAuipcA0, writeUtype, val)
		lo := patch(insnAddiA0, writeItype, val)
		assert.Equal(t, uint32(insnAuipcA0), hi&0xfff)
		assert.Equal(t, uint32(insnAddiA0), lo&0xfffff)
		got := int64(int32(hi&0xfffff000)) + decodeItype(lo)
		assert.Equal(t, int64(int32(val)), int64(int32(got)), "pair %#x", val)
	}
}

func TestWriteNops(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	writeNops(buf[:6])
	assert.Equal(t, []byte{0x13, 0, 0, 0, 0x01, 0x00, 0xff, 0xff}, buf)

	buf = make([]byte, 8)
	writeNops(buf)
	assert.Equal(t, append(code(insnNop), code(insnNop)...), buf)
}

func TestSetRs1(t *testing.T) {
	loc := code(insnAddiA0)
	setRs1(loc, 0)
	assert.Equal(t, uint32(0x00000513), utils.Read[uint32](loc))
	setRs1(loc, 4)
	assert.Equal(t, uint32(0x00020513), utils.Read[uint32](loc))
}

// branchObject has a conditional branch at _start to a local label dist
// bytes ahead.
func branchObject(dist uint64) []byte {
	insns := make([]uint32, 1025)
	for i := range insns {
		insns[i] = insnNop
	}
	insns[0] = insnBeq
	insns[len(insns)-1] = insnRet

	return newObj().
		text(".text", code(insns...),
			testRel{offset: 0, typ: elf.R_RISCV_BRANCH, sym: "target"}).
		local("target", ".text", dist).
		global("_start", ".text", 0).
		bytes()
}

func linkObject(t *testing.T, contents []byte) (*elf.File, error) {
	t.Helper()
	path := writeTestFile(t, t.TempDir(), "test.o", contents)
	buf, err := LinkToBuffer(newTestContext(), []string{path})
	if err != nil {
		return nil, err
	}
	return mustParseELF(t, buf), nil
}

func TestBranchRelocation(t *testing.T) {
	f, err := linkObject(t, branchObject(4092))
	require.NoError(t, err)

	start := symbolValue(t, f, "_start")
	insn := readWord(t, f, start)
	assert.Equal(t, int64(4092), decodeBtype(insn))
	assert.Equal(t, uint32(insnBeq), insn&0x01fff07f)

	_, err = linkObject(t, branchObject(4096))
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
	assert.Contains(t, err.Error(), "out of range")
}

func TestJalRelocation(t *testing.T) {
	f, err := linkObject(t, newObj().
		text(".text", code(insnJal, insnNop, insnRet),
			testRel{offset: 0, typ: elf.R_RISCV_JAL, sym: "target"}).
		local("target", ".text", 8).
		global("_start", ".text", 0).
		bytes())
	require.NoError(t, err)

	start := symbolValue(t, f, "_start")
	assert.Equal(t, int64(8), decodeJtype(readWord(t, f, start)))
}

func TestAbsoluteHiLoRelocations(t *testing.T) {
	f, err := linkObject(t, newObj().
		text(".text", code(insnLuiA0, insnAddiA0, insnAddiA0),
			testRel{offset: 0, typ: elf.R_RISCV_HI20, sym: "var"},
			testRel{offset: 4, typ: elf.R_RISCV_LO12_I, sym: "var"},
			testRel{offset: 8, typ: elf.R_RISCV_LO12_I, sym: "small"}).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  make([]byte, 8),
		}).
		global("_start", ".text", 0).
		sym(testSymbol{name: "var", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".data"}).
		sym(testSymbol{name: "small", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL,
			section: "*ABS*", value: 0x10}).
		bytes())
	require.NoError(t, err)

	start := symbolValue(t, f, "_start")
	hi := readWord(t, f, start)
	lo := readWord(t, f, start+4)
	got := int64(int32(hi&0xfffff000)) + decodeItype(lo)
	assert.Equal(t, int64(symbolValue(t, f, "var")), got)
	assert.Equal(t, uint32(insnLuiA0), hi&0xfff)
	assert.Equal(t, uint32(insnAddiA0), lo&0xfffff)

	// a value that fits in 12 bits is addressed from x0
	assert.Equal(t, uint32(0x01000513), readWord(t, f, start+8))
}

func TestGotRelocation(t *testing.T) {
	f, err := linkObject(t, newObj().
		text(".text", code(insnAuipcA0, insnLdA0, insnRet),
			testRel{offset: 0, typ: elf.R_RISCV_GOT_HI20, sym: "var"},
			testRel{offset: 4, typ: elf.R_RISCV_PCREL_LO12_I, sym: ".L0"}).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  make([]byte, 8),
		}).
		local(".L0", ".text", 0).
		global("_start", ".text", 0).
		sym(testSymbol{name: "var", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".data"}).
		bytes())
	require.NoError(t, err)

	got := f.Section(".got")
	require.NotNil(t, got)
	slots, err := got.Data()
	require.NoError(t, err)
	require.Len(t, slots, 8)
	assert.Equal(t, symbolValue(t, f, "var"), readUint64(slots))

	start := symbolValue(t, f, "_start")
	disp := pcrelPair(readWord(t, f, start), readWord(t, f, start+4))
	assert.Equal(t, int64(got.Addr)-int64(start), disp)
	assert.Equal(t, uint32(insnLdA0), readWord(t, f, start+4)&0xfffff)
}

func TestDataRelocations(t *testing.T) {
	data := []byte{
		0, 0, 0, 0,       // ADD32/SUB32
		0x80, 0x80, 0x00, // SET/SUB_ULEB128, padded to three bytes
		0x05,             // SET6
	}
	f, err := linkObject(t, newObj().
		text(".text", code(insnNop, insnNop, insnRet)).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 8,
			data:  data,
			rels: []testRel{
				{offset: 0, typ: elf.R_RISCV_ADD32, sym: "last"},
				{offset: 0, typ: elf.R_RISCV_SUB32, sym: "_start"},
				{offset: 4, typ: elf.R_RISCV(R_RISCV_SET_ULEB128), sym: "last"},
				{offset: 4, typ: elf.R_RISCV(R_RISCV_SUB_ULEB128), sym: "_start"},
				{offset: 7, typ: elf.R_RISCV_SET6, sym: "_start", addend: 0x43},
			},
		}).
		local("last", ".text", 8).
		global("_start", ".text", 0).
		bytes())
	require.NoError(t, err)

	contents, err := f.Section(".data").Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0, 0, 0}, contents[0:4])
	assert.Equal(t, []byte{0x88, 0x80, 0x00}, contents[4:7])

	start := symbolValue(t, f, "_start")
	assert.Equal(t, byte((start+0x43)&0x3f), contents[7])
}

func TestAlignRelocationWritesNops(t *testing.T) {
	f, err := linkObject(t, newObj().
		text(".text", code(insnRet, 0xffffffff, 0xffffffff),
			testRel{offset: 4, typ: elf.R_RISCV_ALIGN, sym: "section:.text", addend: 6}).
		global("_start", ".text", 0).
		bytes())
	require.NoError(t, err)

	start := symbolValue(t, f, "_start")
	assert.Equal(t, uint32(insnNop), readWord(t, f, start+4))
	assert.Equal(t, uint32(0xffff0001), readWord(t, f, start+8))
}

func TestUnsupportedRelocation(t *testing.T) {
	_, err := linkObject(t, newObj().
		text(".text", code(insnNop, insnRet),
			testRel{offset: 0, typ: elf.R_RISCV_COPY, sym: "_start"}).
		global("_start", ".text", 0).
		bytes())
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
	assert.Contains(t, err.Error(), "unknown relocation")
}

func TestPcrelLo12MustPointAtSameSection(t *testing.T) {
	_, err := linkObject(t, newObj().
		text(".text", code(insnAuipcA0, insnRet)).
		text(".text.other", code(insnAddiA0),
			testRel{offset: 0, typ: elf.R_RISCV_PCREL_LO12_I, sym: ".L0"}).
		local(".L0", ".text", 0).
		global("_start", ".text", 0).
		bytes())
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
}

// farCallObject calls and loads the absolute address target from _start.
func farCallObject(typ elf.R_RISCV, target uint64) []byte {
	return newObj().
		text(".text", code(insnAuipcRa, insnJalrRa, insnRet),
			testRel{offset: 0, typ: typ, sym: "far"}).
		global("_start", ".text", 0).
		sym(testSymbol{name: "far", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL,
			section: "*ABS*", value: target}).
		bytes()
}

func TestCallRangeAccountsForRounding(t *testing.T) {
	f, err := linkObject(t, farCallObject(elf.R_RISCV_CALL, 0))
	require.NoError(t, err)
	start := symbolValue(t, f, "_start")

	for _, disp := range []int64{0x7ffff7ff, 0x12345, -0x80000000, -0x80000800} {
		f, err := linkObject(t, farCallObject(elf.R_RISCV_CALL, start+uint64(disp)))
		require.NoError(t, err, "%#x", disp)
		got := pcrelPair(readWord(t, f, start), readWord(t, f, start+4))
		assert.Equal(t, disp, got, "%#x", disp)
	}

	// the +0x800 rounding of the upper part would wrap these around
	for _, disp := range []int64{0x7ffff800, 0x7ffff900, 0x80000000, -0x80000801} {
		_, err := linkObject(t, farCallObject(elf.R_RISCV_CALL_PLT, start+uint64(disp)))
		require.Error(t, err, "%#x", disp)
		assert.Equal(t, ErrLayout, KindOf(err))
		assert.Contains(t, err.Error(), "out of range")
	}
}

func TestHi20RangeAccountsForRounding(t *testing.T) {
	absObject := func(value uint64) []byte {
		return newObj().
			text(".text", code(insnLuiA0, insnAddiA0, insnRet),
				testRel{offset: 0, typ: elf.R_RISCV_HI20, sym: "far"},
				testRel{offset: 4, typ: elf.R_RISCV_LO12_I, sym: "far"}).
			global("_start", ".text", 0).
			sym(testSymbol{name: "far", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL,
				section: "*ABS*", value: value}).
			bytes()
	}

	f, err := linkObject(t, absObject(0x7ffff7ff))
	require.NoError(t, err)
	start := symbolValue(t, f, "_start")
	hi, lo := readWord(t, f, start), readWord(t, f, start+4)
	assert.Equal(t, int64(0x7ffff7ff), int64(int32(hi&0xfffff000))+decodeItype(lo))

	// lui sign-extends, so the top of the address space is reachable
	_, err = linkObject(t, absObject(0xffffffff_80000000))
	require.NoError(t, err)

	_, err = linkObject(t, absObject(0x7ffff800))
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
}

func decodeCBtype(insn uint16) int64 {
	imm := utils.Bit(insn, 12)<<8 | utils.Bits(insn, 11, 10)<<3 | utils.Bits(insn, 6, 5)<<6 |
		utils.Bits(insn, 4, 3)<<1 | utils.Bit(insn, 2)<<5
	return int64(utils.SignExtend(uint64(imm), 8))
}

func decodeCJtype(insn uint16) int64 {
	imm := utils.Bit(insn, 12)<<11 | utils.Bit(insn, 11)<<4 | utils.Bits(insn, 10, 9)<<8 |
		utils.Bit(insn, 8)<<10 | utils.Bit(insn, 7)<<6 | utils.Bit(insn, 6)<<7 |
		utils.Bits(insn, 5, 3)<<1 | utils.Bit(insn, 2)<<5
	return int64(utils.SignExtend(uint64(imm), 11))
}

const (
	insnCBeqzA0 = 0xc101 // c.beqz a0, 0
	insnCJ      = 0xa001 // c.j 0
	insnCNop    = 0x0001
)

func TestCompressedEncoders(t *testing.T) {
	for _, val := range []int64{0, 2, -2, 0x7e, 0xfe, -0x100, 0xaa, -0x56} {
		insn := uint16(insnCBeqzA0) | cbtype(uint16(val))
		assert.Equal(t, val, decodeCBtype(insn), "c.beqz %d", val)
	}

	for _, val := range []int64{0, 2, -2, 0x2aa, 0x7fe, -0x800, 0x554, -0x556} {
		insn := uint16(insnCJ) | cjtype(uint16(val))
		assert.Equal(t, val, decodeCJtype(insn), "c.j %d", val)
	}
}

// compressedObject has a compressed branch or jump at _start to a local
// label dist bytes ahead.
func compressedObject(typ elf.R_RISCV, insn uint16, dist uint64) []byte {
	text := make([]byte, dist+2)
	for off := 0; off < len(text); off += 2 {
		utils.Write[uint16](text[off:], insnCNop)
	}
	utils.Write[uint16](text, insn)

	return newObj().
		text(".text", text, testRel{offset: 0, typ: typ, sym: "target"}).
		local("target", ".text", dist).
		global("_start", ".text", 0).
		bytes()
}

func TestCompressedBranchRelocations(t *testing.T) {
	f, err := linkObject(t, compressedObject(elf.R_RISCV_RVC_BRANCH, insnCBeqzA0, 254))
	require.NoError(t, err)
	insn := uint16(readWord(t, f, symbolValue(t, f, "_start")))
	assert.Equal(t, int64(254), decodeCBtype(insn))
	assert.Equal(t, uint16(insnCBeqzA0), insn&0b111_000_111_00000_11)

	_, err = linkObject(t, compressedObject(elf.R_RISCV_RVC_BRANCH, insnCBeqzA0, 256))
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))

	f, err = linkObject(t, compressedObject(elf.R_RISCV_RVC_JUMP, insnCJ, 2046))
	require.NoError(t, err)
	insn = uint16(readWord(t, f, symbolValue(t, f, "_start")))
	assert.Equal(t, int64(2046), decodeCJtype(insn))
	assert.Equal(t, uint16(insnCJ), insn&0b111_00000000000_11)

	_, err = linkObject(t, compressedObject(elf.R_RISCV_RVC_JUMP, insnCJ, 2048))
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
}

func TestRelocationMustFitInSection(t *testing.T) {
	_, err := linkObject(t, newObj().
		text(".text", code(insnRet)).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 4,
			data:  make([]byte, 4),
			rels:  []testRel{{offset: 2, typ: elf.R_RISCV_ADD32, sym: "_start"}},
		}).
		global("_start", ".text", 0).
		bytes())
	require.Error(t, err)
	assert.Equal(t, ErrInputFormat, KindOf(err))
	assert.Contains(t, err.Error(), "does not fit")

	// two bytes are enough for a 16-bit value
	_, err = linkObject(t, newObj().
		text(".text", code(insnRet)).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 4,
			data:  make([]byte, 4),
			rels:  []testRel{{offset: 2, typ: elf.R_RISCV_ADD16, sym: "_start"}},
		}).
		global("_start", ".text", 0).
		bytes())
	require.NoError(t, err)
}

func TestUlebOverflow(t *testing.T) {
	_, err := linkObject(t, newObj().
		text(".text", code(insnRet)).
		section(&testSection{
			name:  ".data",
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			align: 1,
			data:  []byte{0x00},
			rels: []testRel{
				{offset: 0, typ: elf.R_RISCV(R_RISCV_SET_ULEB128), sym: "_start"},
			},
		}).
		global("_start", ".text", 0).
		bytes())
	require.Error(t, err)
	assert.Equal(t, ErrLayout, KindOf(err))
	assert.Contains(t, err.Error(), "ULEB128")
}
