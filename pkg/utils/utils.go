package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

func Fatal(v any) {
	fmt.Fprintf(os.Stderr, "rvld:\n\t\033[0;1;31mfatal\033[0m: %v\n", v)
	if os.Getenv("RVLD_STACK") != "" {
		debug.PrintStack()
	}
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

func Assert(condition bool) {
	if !condition {
		Fatal("assert failed")
	}
}

// Read decodes a little-endian T from the head of data.
func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	MustNo(err)
	return val
}

func Write[T any](data []byte, e T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, binary.LittleEndian, e)
	MustNo(err)
	copy(data, buf.Bytes())
}

func ReadSlice[T any](data []byte, sz int) []T {
	nums := len(data) / sz
	res := make([]T, 0, nums)
	for nums > 0 {
		res = append(res, Read[T](data))
		data = data[sz:]
		nums--
	}
	return res
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return s, false
}

// RemoveIf filters elems in place, keeping relative order.
func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}
	return b == 0
}

// AlignTo rounds val up to align, which must be zero or a power of two.
func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

// AlignWithSkew returns the smallest value >= val that is congruent to
// skew modulo align.
func AlignWithSkew(val, align, skew uint64) uint64 {
	if align == 0 {
		return val
	}
	skew %= align
	return AlignTo(val+align-skew, align) - align + skew
}

func BitCeil(val uint64) uint64 {
	if val <= 1 {
		return 1
	}
	ret := uint64(1)
	for ret < val {
		ret <<= 1
	}
	return ret
}

func IsPowerOfTwo(val uint64) bool {
	return val != 0 && val&(val-1) == 0
}

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

func Bit[T Uint](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T Uint](val T, hi T, lo T) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// SignExtend treats bit `size` of val as the sign bit.
func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}
