package utils

// DecodeUleb reads one ULEB128 value and returns it with the number of
// bytes consumed. n is 0 when buf ends inside the value.
func DecodeUleb(buf []byte) (val uint64, n int) {
	shift := uint(0)
	for i, b := range buf {
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return val, i + 1
		}
	}
	return 0, 0
}

func AppendUleb(buf []byte, val uint64) []byte {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if val != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if val == 0 {
			return buf
		}
	}
}

// OverwriteUleb re-encodes val into the bytes of the ULEB128 value already
// stored at buf, keeping its encoded length. It returns false, leaving the
// truncated encoding in place, when val needs more bytes than that.
func OverwriteUleb(buf []byte, val uint64) bool {
	i := 0
	for buf[i]&0x80 != 0 {
		buf[i] = 0x80 | byte(val&0x7f)
		val >>= 7
		i++
	}
	buf[i] = byte(val & 0x7f)
	return val>>7 == 0
}
