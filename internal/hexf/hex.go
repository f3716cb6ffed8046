// Package hexf appends uppercase hex renderings of integers and byte spans.
// Every function appends to dst so decoders can format into a reused buffer.
package hexf

import "unsafe"

const upper = "0123456789ABCDEF"

// Uint is the set of integer kinds accepted by the Append helpers.
type Uint interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// AppendBytes appends "0x" followed by two uppercase hex digits per byte of src.
// An empty src yields just "0x".
func AppendBytes(dst, src []byte) []byte {
	dst = append(dst, '0', 'x')
	for _, v := range src {
		dst = append(dst, upper[v>>4], upper[v&0x0f])
	}
	return dst
}

// AppendPadded appends n as exactly size*2 uppercase hex digits with no prefix.
func AppendPadded(dst []byte, n uint64, size int) []byte {
	for shift := (size - 1) * 8; shift >= 0; shift -= 8 {
		v := byte(n >> uint(shift))
		dst = append(dst, upper[v>>4], upper[v&0x0f])
	}
	return dst
}

// AppendTrim appends n with a "0x" prefix and leading zero digits removed.
// Zero renders as "0x0".
func AppendTrim(dst []byte, n uint64) []byte {
	dst = append(dst, '0', 'x')
	if n == 0 {
		return append(dst, '0')
	}
	var b [16]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = upper[n&0x0f]
		n >>= 4
	}
	return append(dst, b[i:]...)
}

// Append appends n with a "0x" prefix. When trim is false the value is zero
// padded to the width of T.
func Append[T Uint](dst []byte, n T, trim bool) []byte {
	size := sizeOf(n)
	v := uint64(n)
	if size < 8 {
		v &= 1<<(uint(size)*8) - 1
	}
	if trim {
		return AppendTrim(dst, v)
	}
	dst = append(dst, '0', 'x')
	return AppendPadded(dst, v, size)
}

func sizeOf[T Uint](n T) int {
	return int(unsafe.Sizeof(n))
}
