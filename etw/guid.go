package etw

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tekert/etwlens/internal/hexf"
)

// GUID mirrors the Windows GUID layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// GUIDSize is the encoded size of a GUID inside schema blobs and records.
const GUIDSize = 16

var errGUIDFormat = errors.New("invalid GUID format")

// IsZero returns true if the GUID is all zeros.
func (g *GUID) IsZero() bool {
	return *g == GUID{}
}

// Equals reports whether both GUIDs hold the same value.
func (g *GUID) Equals(other *GUID) bool {
	return *g == *other
}

// AppendText appends the braced uppercase form, {XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX}.
func (g *GUID) AppendText(dst []byte) []byte {
	dst = append(dst, '{')
	dst = hexf.AppendPadded(dst, uint64(g.Data1), 4)
	dst = append(dst, '-')
	dst = hexf.AppendPadded(dst, uint64(g.Data2), 2)
	dst = append(dst, '-')
	dst = hexf.AppendPadded(dst, uint64(g.Data3), 2)
	dst = append(dst, '-')
	dst = hexf.AppendPadded(dst, uint64(g.Data4[0])<<8|uint64(g.Data4[1]), 2)
	dst = append(dst, '-')
	for _, b := range g.Data4[2:] {
		dst = hexf.AppendPadded(dst, uint64(b), 1)
	}
	return append(dst, '}')
}

// StringU returns the braced uppercase form.
func (g GUID) StringU() string {
	var b [38]byte
	return string(g.AppendText(b[:0]))
}

// String returns the braced uppercase form.
func (g GUID) String() string {
	return g.StringU()
}

// MarshalText implements encoding.TextMarshaler.
func (g GUID) MarshalText() ([]byte, error) {
	return g.AppendText(make([]byte, 0, 38)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GUID) UnmarshalText(text []byte) error {
	p, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = *p
	return nil
}

// ParseGUID parses a GUID with or without curly braces.
func ParseGUID(guid string) (*GUID, error) {
	if len(guid) == 38 {
		if guid[0] != '{' || guid[37] != '}' {
			return nil, fmt.Errorf("%w: mismatched braces in %q", errGUIDFormat, guid)
		}
		guid = guid[1:37]
	}
	if len(guid) != 36 {
		return nil, fmt.Errorf("%w: bad length %d", errGUIDFormat, len(guid))
	}
	if guid[8] != '-' || guid[13] != '-' || guid[18] != '-' || guid[23] != '-' {
		return nil, fmt.Errorf("%w: misplaced separators in %q", errGUIDFormat, guid)
	}

	var g GUID
	d1, ok := parseHex(guid[0:8])
	if !ok {
		return nil, fmt.Errorf("%w: %q", errGUIDFormat, guid)
	}
	d2, ok2 := parseHex(guid[9:13])
	d3, ok3 := parseHex(guid[14:18])
	if !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: %q", errGUIDFormat, guid)
	}
	g.Data1, g.Data2, g.Data3 = uint32(d1), uint16(d2), uint16(d3)

	tail := guid[19:23] + guid[24:36]
	for i := range g.Data4 {
		b, ok := parseHex(tail[i*2 : i*2+2])
		if !ok {
			return nil, fmt.Errorf("%w: %q", errGUIDFormat, guid)
		}
		g.Data4[i] = byte(b)
	}
	return &g, nil
}

// MustParseGUID parses a GUID and panics on error.
func MustParseGUID(guid string) *GUID {
	g, err := ParseGUID(guid)
	if err != nil {
		panic(err)
	}
	return g
}

func parseHex(s string) (uint64, bool) {
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			c -= '0'
		case c >= 'a' && c <= 'f':
			c = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			c = c - 'A' + 10
		default:
			return 0, false
		}
		v = v<<4 | uint64(c)
	}
	return v, true
}

// guidFromBytes reads the in-memory (little-endian) GUID layout.
func guidFromBytes(b []byte) GUID {
	var g GUID
	g.Data1 = binary.LittleEndian.Uint32(b[0:])
	g.Data2 = binary.LittleEndian.Uint16(b[4:])
	g.Data3 = binary.LittleEndian.Uint16(b[6:])
	copy(g.Data4[:], b[8:16])
	return g
}

// appendGUIDBytes writes the in-memory (little-endian) GUID layout.
func appendGUIDBytes(dst []byte, g *GUID) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, g.Data1)
	dst = binary.LittleEndian.AppendUint16(dst, g.Data2)
	dst = binary.LittleEndian.AppendUint16(dst, g.Data3)
	return append(dst, g.Data4[:]...)
}
