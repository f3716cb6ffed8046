// Package utf16f converts little-endian UTF-16 byte spans to and from UTF-8.
//
// Unpaired surrogates are kept as WTF-8 sequences instead of being replaced,
// so a round trip through this package never loses code units.
package utf16f

import (
	"encoding/binary"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	surr1    = 0xd800
	surr2    = 0xdc00
	surr3    = 0xe000
	rune1Max = 1<<7 - 1
)

// IndexNul returns the byte offset of the first 0x0000 code unit in src, or -1.
// Only even offsets are considered.
func IndexNul(src []byte) int {
	for i := 0; i+1 < len(src); i += 2 {
		if src[i] == 0 && src[i+1] == 0 {
			return i
		}
	}
	return -1
}

// AppendLE decodes every complete code unit of src and appends the result to dst.
// A trailing odd byte is ignored.
func AppendLE(dst, src []byte) []byte {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		w := binary.LittleEndian.Uint16(src[i*2:])
		switch {
		case w <= rune1Max:
			dst = append(dst, byte(w))
		case w < surr1 || w >= surr3:
			dst = utf8.AppendRune(dst, rune(w))
		case w < surr2 && i+1 < n:
			w2 := binary.LittleEndian.Uint16(src[(i+1)*2:])
			if w2 >= surr2 && w2 < surr3 {
				dst = utf8.AppendRune(dst, utf16.DecodeRune(rune(w), rune(w2)))
				i++
				continue
			}
			dst = appendWTF8(dst, w)
		default:
			dst = appendWTF8(dst, w)
		}
	}
	return dst
}

// appendWTF8 writes a lone surrogate as its generalized 3-byte form.
func appendWTF8(dst []byte, w uint16) []byte {
	return append(dst,
		0xe0|byte(w>>12),
		0x80|byte(w>>6)&0x3f,
		0x80|byte(w)&0x3f)
}

// DecodeLE returns src decoded as a string.
func DecodeLE(src []byte) string {
	return string(AppendLE(make([]byte, 0, len(src)/2), src))
}

// DecodeCString decodes a NUL-terminated string from the start of src.
// It returns the string, the bytes consumed including the terminator, and
// whether a terminator was found. Without one the whole span is decoded.
func DecodeCString(src []byte) (string, int, bool) {
	end := IndexNul(src)
	if end < 0 {
		return DecodeLE(src), len(src) &^ 1, false
	}
	return DecodeLE(src[:end]), end + 2, true
}

// AppendEncodeLE appends s as little-endian UTF-16 without a terminator.
func AppendEncodeLE(dst []byte, s string) []byte {
	for _, r := range s {
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(r1))
			dst = binary.LittleEndian.AppendUint16(dst, uint16(r2))
			continue
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(r))
	}
	return dst
}
