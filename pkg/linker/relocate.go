package linker

import (
	"debug/elf"

	"github.com/QQmental/simple-linker/pkg/utils"
)

// relocSymbol returns the symbol a relocation refers to. Relocations in
// non-allocated sections may point at discarded code and are skipped
// instead of failing the link.
func (i *InputSection) relocSymbol(rel *Rela, alloc bool) *Symbol {
	sym := i.File.Symbols[rel.Sym]
	if sym != nil && sym.File != nil {
		return sym
	}
	if !alloc {
		return nil
	}

	name := ""
	if int(rel.Sym) < len(i.File.ElfSyms) {
		name = i.File.SymbolName(int(rel.Sym))
	}
	Fatalf(ErrSymbol, i.File.File.Name, "%s: relocation against discarded or undefined symbol %q",
		i.Name(), name)
	return nil
}

// relocWidth is the number of bytes a relocation type patches at its
// offset. ALIGN and the marker types patch nothing of their own.
func relocWidth(typ uint32) uint64 {
	switch typ {
	case R_RISCV_SET_ULEB128, R_RISCV_SUB_ULEB128:
		return 1
	}

	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_ADD8, elf.R_RISCV_SUB8, elf.R_RISCV_SUB6, elf.R_RISCV_SET6,
		elf.R_RISCV_SET8:
		return 1
	case elf.R_RISCV_ADD16, elf.R_RISCV_SUB16, elf.R_RISCV_SET16,
		elf.R_RISCV_RVC_BRANCH, elf.R_RISCV_RVC_JUMP:
		return 2
	case elf.R_RISCV_32, elf.R_RISCV_32_PCREL, elf.R_RISCV_ADD32, elf.R_RISCV_SUB32,
		elf.R_RISCV_SET32, elf.R_RISCV_BRANCH, elf.R_RISCV_JAL,
		elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20,
		elf.R_RISCV_PCREL_HI20, elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S,
		elf.R_RISCV_HI20, elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S,
		elf.R_RISCV_TPREL_HI20, elf.R_RISCV_TPREL_LO12_I, elf.R_RISCV_TPREL_LO12_S:
		return 4
	case elf.R_RISCV_64, elf.R_RISCV_ADD64, elf.R_RISCV_SUB64,
		elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		return 8
	}
	return 0
}

func (i *InputSection) checkRange(rel *Rela, val, lo, hi int64) {
	if val < lo || val >= hi {
		Fatalf(ErrLayout, i.File.File.Name,
			"%s+%#x: relocation %v out of range: %d is not in [%d, %d)",
			i.Name(), rel.Offset, elf.R_RISCV(rel.Type), val, lo, hi)
	}
}

// checkHi20 checks a value split into a U-type upper part and a
// sign-extended 12-bit lower part. utype rounds by 0x800, so the window is
// shifted down by that much.
func (i *InputSection) checkHi20(rel *Rela, val int64) {
	i.checkRange(rel, val, -(1<<31)-0x800, (1<<31)-0x800)
}

// ApplyRelocs patches base, which already holds a copy of the section's
// bytes at its final location.
//
// PCREL_HI20 and the GOT HI20 forms store their full 32-bit value in place
// first so the paired LO12 relocations, which point at the HI20 label, can
// pick it up. The instruction is then restored and its U-type field set.
func (i *InputSection) ApplyRelocs(ctx *Context, base []byte) {
	rels := i.GetRels()
	alloc := i.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0

	for a := 0; a < len(rels); a++ {
		rel := &rels[a]
		switch elf.R_RISCV(rel.Type) {
		case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_TPREL_ADD:
			continue
		case elf.R_RISCV_ALIGN:
			if rel.Addend < 0 || rel.Offset+uint64(rel.Addend) > uint64(i.ShSize) {
				Fatalf(ErrLayout, i.File.File.Name, "%s+%#x: bad alignment padding %d",
					i.Name(), rel.Offset, rel.Addend)
			}
			writeNops(base[rel.Offset : rel.Offset+uint64(rel.Addend)])
			continue
		case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
			// resolved against the HI20 value below
			continue
		}

		sym := i.relocSymbol(rel, alloc)
		if sym == nil {
			continue
		}
		loc := base[rel.Offset:]

		S := sym.GetAddr()
		A := uint64(rel.Addend)
		P := i.GetAddr() + rel.Offset

		switch elf.R_RISCV(rel.Type) {
		case elf.R_RISCV_32:
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_RISCV_64:
			utils.Write[uint64](loc, S+A)
		case elf.R_RISCV_BRANCH:
			i.checkRange(rel, int64(S+A-P), -(1 << 12), 1<<12)
			writeBtype(loc, uint32(S+A-P))
		case elf.R_RISCV_JAL:
			i.checkRange(rel, int64(S+A-P), -(1 << 20), 1<<20)
			writeJtype(loc, uint32(S+A-P))
		case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
			val := S + A - P
			i.checkHi20(rel, int64(val))
			writeUtype(loc, uint32(val))
			writeItype(loc[4:], uint32(val))
		case elf.R_RISCV_GOT_HI20:
			val := sym.GetGotAddr(ctx) + A - P
			i.checkHi20(rel, int64(val))
			utils.Write[uint32](loc, uint32(val))
		case elf.R_RISCV_TLS_GOT_HI20:
			val := sym.GetGotTpAddr(ctx) + A - P
			i.checkHi20(rel, int64(val))
			utils.Write[uint32](loc, uint32(val))
		case elf.R_RISCV_PCREL_HI20:
			i.checkHi20(rel, int64(S+A-P))
			utils.Write[uint32](loc, uint32(S+A-P))
		case elf.R_RISCV_HI20:
			i.checkHi20(rel, int64(S+A))
			writeUtype(loc, uint32(S+A))
		case elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S:
			val := S + A
			if rel.Type == uint32(elf.R_RISCV_LO12_I) {
				writeItype(loc, uint32(val))
			} else {
				writeStype(loc, uint32(val))
			}

			if utils.SignExtend(val, 11) == val {
				setRs1(loc, 0)
			}
		case elf.R_RISCV_TPREL_HI20:
			writeUtype(loc, uint32(S+A-ctx.TpAddr))
		case elf.R_RISCV_TPREL_LO12_I, elf.R_RISCV_TPREL_LO12_S:
			val := S + A - ctx.TpAddr
			if rel.Type == uint32(elf.R_RISCV_TPREL_LO12_I) {
				writeItype(loc, uint32(val))
			} else {
				writeStype(loc, uint32(val))
			}

			if utils.SignExtend(val, 11) == val {
				setRs1(loc, 4)
			}
		case elf.R_RISCV_ADD8:
			loc[0] += uint8(S + A)
		case elf.R_RISCV_ADD16:
			utils.Write[uint16](loc, utils.Read[uint16](loc)+uint16(S+A))
		case elf.R_RISCV_ADD32:
			utils.Write[uint32](loc, utils.Read[uint32](loc)+uint32(S+A))
		case elf.R_RISCV_ADD64:
			utils.Write[uint64](loc, utils.Read[uint64](loc)+S+A)
		case elf.R_RISCV_SUB8:
			loc[0] -= uint8(S + A)
		case elf.R_RISCV_SUB16:
			utils.Write[uint16](loc, utils.Read[uint16](loc)-uint16(S+A))
		case elf.R_RISCV_SUB32:
			utils.Write[uint32](loc, utils.Read[uint32](loc)-uint32(S+A))
		case elf.R_RISCV_SUB64:
			utils.Write[uint64](loc, utils.Read[uint64](loc)-(S+A))
		case elf.R_RISCV_SUB6:
			loc[0] = (loc[0] &^ 0x3f) | ((loc[0] - uint8(S+A)) & 0x3f)
		case elf.R_RISCV_SET6:
			loc[0] = (loc[0] &^ 0x3f) | (uint8(S+A) & 0x3f)
		case elf.R_RISCV_SET8:
			loc[0] = uint8(S + A)
		case elf.R_RISCV_SET16:
			utils.Write[uint16](loc, uint16(S+A))
		case elf.R_RISCV_SET32:
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_RISCV_32_PCREL:
			utils.Write[uint32](loc, uint32(S+A-P))
		case elf.R_RISCV_RVC_BRANCH:
			val := S + A - P
			i.checkRange(rel, int64(val), -(1 << 8), 1<<8)
			insn := utils.Read[uint16](loc) & 0b111_000_111_00000_11
			utils.Write[uint16](loc, insn|cbtype(uint16(val)))
		case elf.R_RISCV_RVC_JUMP:
			val := S + A - P
			i.checkRange(rel, int64(val), -(1 << 11), 1<<11)
			insn := utils.Read[uint16](loc) & 0b111_00000000000_11
			utils.Write[uint16](loc, insn|cjtype(uint16(val)))
		default:
			switch uint32(rel.Type) {
			case R_RISCV_SET_ULEB128:
				i.checkUleb(rel, loc)
				i.writeUleb(rel, loc, S+A)
			case R_RISCV_SUB_ULEB128:
				i.checkUleb(rel, loc)
				val, _ := utils.DecodeUleb(loc)
				i.writeUleb(rel, loc, val-(S+A))
			default:
				Fatalf(ErrLayout, i.File.File.Name, "%s+%#x: unknown relocation type %v",
					i.Name(), rel.Offset, elf.R_RISCV(rel.Type))
			}
		}
	}

	for a := 0; a < len(rels); a++ {
		rel := &rels[a]
		switch elf.R_RISCV(rel.Type) {
		case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
			sym := i.relocSymbol(rel, alloc)
			if sym == nil {
				continue
			}
			if sym.InputSection != i {
				Fatalf(ErrLayout, i.File.File.Name,
					"%s+%#x: PCREL_LO12 must point at a PCREL_HI20 in the same section",
					i.Name(), rel.Offset)
			}

			loc := base[rel.Offset:]
			val := utils.Read[uint32](base[sym.Value:])

			if rel.Type == uint32(elf.R_RISCV_PCREL_LO12_I) {
				writeItype(loc, val)
			} else {
				writeStype(loc, val)
			}
		}
	}

	for a := 0; a < len(rels); a++ {
		rel := &rels[a]
		switch elf.R_RISCV(rel.Type) {
		case elf.R_RISCV_PCREL_HI20, elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20:
			if sym := i.File.Symbols[rel.Sym]; sym == nil || sym.File == nil {
				continue
			}
			loc := base[rel.Offset:]
			val := utils.Read[uint32](loc)
			utils.Write[uint32](loc, utils.Read[uint32](i.Contents[rel.Offset:]))
			writeUtype(loc, val)
		}
	}
}

func (i *InputSection) checkUleb(rel *Rela, loc []byte) {
	if _, n := utils.DecodeUleb(loc); n == 0 {
		Fatalf(ErrLayout, i.File.File.Name, "%s+%#x: truncated ULEB128 value", i.Name(), rel.Offset)
	}
}

func (i *InputSection) writeUleb(rel *Rela, loc []byte, val uint64) {
	if !utils.OverwriteUleb(loc, val) {
		_, n := utils.DecodeUleb(loc)
		Fatalf(ErrLayout, i.File.File.Name,
			"%s+%#x: relocation %v out of range: %#x does not fit in %d ULEB128 bytes",
			i.Name(), rel.Offset, elf.R_RISCV(rel.Type), val, n)
	}
}

// writeNops fills buf with 4-byte NOPs, finishing with c.nop when two
// bytes remain.
func writeNops(buf []byte) {
	for len(buf) >= 4 {
		utils.Write[uint32](buf, 0x0000_0013)
		buf = buf[4:]
	}
	if len(buf) >= 2 {
		utils.Write[uint16](buf, 0x0001)
	}
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

// utype rounds so that the sign-extended low 12 bits added by the paired
// I-type or S-type instruction land on val.
func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func writeItype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|itype(val))
}

func writeStype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|stype(val))
}

func writeBtype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|btype(val))
}

func writeUtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|utype(val))
}

func writeJtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|jtype(val))
}

func setRs1(loc []byte, rs1 uint32) {
	insn := utils.Read[uint32](loc) &^ (0b11111 << 15)
	utils.Write[uint32](loc, insn|rs1<<15)
}
