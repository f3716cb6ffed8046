package etw

// Formatter that mimics TdhFormatProperty over a plain byte slice.
// It resolves the property size, applies an optional enum map and renders
// the value according to its OutType, falling back to the InType default
// when the pair does not match.
//
// https://learn.microsoft.com/en-us/windows/win32/etw/event-tracing-mof-qualifiers#property-qualifiers

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/tekert/etwlens/internal/hexf"
	"github.com/tekert/etwlens/internal/utf16f"
)

const (
	afInet  = 2
	afInet6 = 23

	sidHeaderSize     = 8
	sidMaxSubAuthCnt  = 15
	filetimeEpochDiff = 116444736000000000 // 100ns ticks between 1601 and 1970
)

// formatArgs carries everything the formatter needs for one value.
type formatArgs struct {
	inType      TdhInType
	outType     TdhOutType
	flags       PropertyFlags
	length      uint16 // bytes, or WCHARs for UNICODESTRING
	pointerSize int
	data        []byte // remaining payload, starting at the property
	eventMap    *EventMap
}

// formatProperty appends the display form of the property at the start of
// a.data to dst and returns the number of payload bytes it occupies.
func formatProperty(dst []byte, a *formatArgs) ([]byte, int, error) {
	size, err := propertySize(a)
	if err != nil {
		return dst, 0, err
	}
	if size > len(a.data) {
		return dst, 0, fmt.Errorf("%w: %s needs %d bytes, %d left",
			ErrBufferTooSmall, a.inType, size, len(a.data))
	}
	v := a.data[:size]

	if a.eventMap != nil && isMappableInType(a.inType) {
		n := uint32(readUint(v))
		name, ok := a.eventMap.Lookup(n)
		if !ok {
			return dst, 0, fmt.Errorf("%w: %d in map %q", ErrMapLookupMiss, n, a.eventMap.Name)
		}
		return append(dst, name...), size, nil
	}

	out, err := formatValue(dst, a, a.outType, v)
	if err == errOutTypeMismatch {
		out, err = formatValue(dst, a, TDH_OUTTYPE_NULL, v)
	}
	if err != nil {
		return dst, 0, err
	}
	return out, size, nil
}

// errOutTypeMismatch triggers a retry with the InType default.
var errOutTypeMismatch = fmt.Errorf("%w: out type does not fit in type", ErrUnsupportedType)

// propertySize returns how many payload bytes the property occupies.
func propertySize(a *formatArgs) (int, error) {
	if n := inTypeFixedSize(a.inType, a.pointerSize); n > 0 {
		return int(n), nil
	}
	d := a.data
	switch a.inType {
	case TDH_INTYPE_UNICODESTRING:
		if a.length > 0 {
			return int(a.length) * 2, nil
		}
		if a.flags&(PropertyParamLength|PropertyParamFixedLength) != 0 {
			return 0, fmt.Errorf("%w: zero length %s", ErrUnsupportedType, a.inType)
		}
		if i := utf16f.IndexNul(d); i >= 0 {
			return i + 2, nil
		}
		return len(d) &^ 1, nil

	case TDH_INTYPE_ANSISTRING:
		if a.length > 0 {
			return int(a.length), nil
		}
		if a.flags&(PropertyParamLength|PropertyParamFixedLength) != 0 {
			return 0, fmt.Errorf("%w: zero length %s", ErrUnsupportedType, a.inType)
		}
		if i := bytes.IndexByte(d, 0); i >= 0 {
			return i + 1, nil
		}
		return len(d), nil

	case TDH_INTYPE_COUNTEDSTRING, TDH_INTYPE_COUNTEDANSISTRING,
		TDH_INTYPE_MANIFEST_COUNTEDSTRING, TDH_INTYPE_MANIFEST_COUNTEDANSISTRING,
		TDH_INTYPE_MANIFEST_COUNTEDBINARY:
		if len(d) < 2 {
			return 0, fmt.Errorf("%w: %s length prefix", ErrBufferTooSmall, a.inType)
		}
		return 2 + int(binary.LittleEndian.Uint16(d)), nil

	case TDH_INTYPE_REVERSEDCOUNTEDSTRING, TDH_INTYPE_REVERSEDCOUNTEDANSISTRING:
		if len(d) < 2 {
			return 0, fmt.Errorf("%w: %s length prefix", ErrBufferTooSmall, a.inType)
		}
		return 2 + int(binary.BigEndian.Uint16(d)), nil

	case TDH_INTYPE_NONNULLTERMINATEDSTRING:
		return len(d) &^ 1, nil
	case TDH_INTYPE_NONNULLTERMINATEDANSISTRING:
		return len(d), nil

	case TDH_INTYPE_BINARY:
		return int(a.length), nil

	case TDH_INTYPE_HEXDUMP:
		if len(d) < 4 {
			return 0, fmt.Errorf("%w: %s length prefix", ErrBufferTooSmall, a.inType)
		}
		return 4 + int(binary.LittleEndian.Uint32(d)), nil

	case TDH_INTYPE_SID, TDH_INTYPE_WBEMSID:
		skip := 0
		if a.inType == TDH_INTYPE_WBEMSID {
			// TOKEN_USER: two pointers precede the SID.
			skip = 2 * a.pointerSize
		}
		if len(d) < skip+sidHeaderSize {
			return 0, fmt.Errorf("%w: SID header", ErrBufferTooSmall)
		}
		subs := int(d[skip+1])
		if subs > sidMaxSubAuthCnt {
			return 0, fmt.Errorf("%w: SID with %d sub-authorities", ErrUnsupportedType, subs)
		}
		return skip + sidHeaderSize + 4*subs, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, a.inType)
}

// defaultOutType maps an InType to the OutType TDH uses when none is given.
func defaultOutType(in TdhInType, pointerSize int) TdhOutType {
	switch in {
	case TDH_INTYPE_UNICODESTRING, TDH_INTYPE_ANSISTRING,
		TDH_INTYPE_COUNTEDSTRING, TDH_INTYPE_REVERSEDCOUNTEDSTRING,
		TDH_INTYPE_NONNULLTERMINATEDSTRING, TDH_INTYPE_MANIFEST_COUNTEDSTRING,
		TDH_INTYPE_MANIFEST_COUNTEDANSISTRING, TDH_INTYPE_COUNTEDANSISTRING,
		TDH_INTYPE_REVERSEDCOUNTEDANSISTRING, TDH_INTYPE_NONNULLTERMINATEDANSISTRING,
		TDH_INTYPE_UNICODECHAR, TDH_INTYPE_ANSICHAR,
		TDH_INTYPE_SID, TDH_INTYPE_WBEMSID:
		return TDH_OUTTYPE_STRING
	case TDH_INTYPE_INT8:
		return TDH_OUTTYPE_BYTE
	case TDH_INTYPE_UINT8:
		return TDH_OUTTYPE_UNSIGNEDBYTE
	case TDH_INTYPE_INT16:
		return TDH_OUTTYPE_SHORT
	case TDH_INTYPE_UINT16:
		return TDH_OUTTYPE_UNSIGNEDSHORT
	case TDH_INTYPE_INT32:
		return TDH_OUTTYPE_INT
	case TDH_INTYPE_UINT32:
		return TDH_OUTTYPE_UNSIGNEDINT
	case TDH_INTYPE_INT64:
		return TDH_OUTTYPE_LONG
	case TDH_INTYPE_UINT64:
		return TDH_OUTTYPE_UNSIGNEDLONG
	case TDH_INTYPE_FLOAT:
		return TDH_OUTTYPE_FLOAT
	case TDH_INTYPE_DOUBLE:
		return TDH_OUTTYPE_DOUBLE
	case TDH_INTYPE_BINARY, TDH_INTYPE_HEXDUMP, TDH_INTYPE_MANIFEST_COUNTEDBINARY:
		return TDH_OUTTYPE_HEXBINARY
	case TDH_INTYPE_BOOLEAN:
		return TDH_OUTTYPE_BOOLEAN
	case TDH_INTYPE_GUID:
		return TDH_OUTTYPE_GUID
	case TDH_INTYPE_FILETIME, TDH_INTYPE_SYSTEMTIME:
		return TDH_OUTTYPE_DATETIME
	case TDH_INTYPE_HEXINT32:
		return TDH_OUTTYPE_HEXINT32
	case TDH_INTYPE_HEXINT64:
		return TDH_OUTTYPE_HEXINT64
	case TDH_INTYPE_POINTER, TDH_INTYPE_SIZET:
		if pointerSize == 4 {
			return TDH_OUTTYPE_HEXINT32
		}
		return TDH_OUTTYPE_HEXINT64
	}
	return TDH_OUTTYPE_NULL
}

func readUint(v []byte) uint64 {
	switch len(v) {
	case 1:
		return uint64(v[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(v))
	case 4:
		return uint64(binary.LittleEndian.Uint32(v))
	case 8:
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func readInt(v []byte) int64 {
	switch len(v) {
	case 1:
		return int64(int8(v[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(v)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(v)))
	case 8:
		return int64(binary.LittleEndian.Uint64(v))
	}
	return 0
}

func isIntegerInType(t TdhInType) bool {
	switch t {
	case TDH_INTYPE_INT8, TDH_INTYPE_UINT8, TDH_INTYPE_INT16, TDH_INTYPE_UINT16,
		TDH_INTYPE_INT32, TDH_INTYPE_UINT32, TDH_INTYPE_INT64, TDH_INTYPE_UINT64,
		TDH_INTYPE_HEXINT32, TDH_INTYPE_HEXINT64, TDH_INTYPE_POINTER, TDH_INTYPE_SIZET:
		return true
	}
	return false
}

// formatValue renders v. An OutType that does not fit the InType returns
// errOutTypeMismatch so the caller can retry with the default.
func formatValue(dst []byte, a *formatArgs, outType TdhOutType, v []byte) ([]byte, error) {
	in := a.inType
	if outType == TDH_OUTTYPE_NULL {
		outType = defaultOutType(in, a.pointerSize)
		if outType == TDH_OUTTYPE_NULL {
			return dst, fmt.Errorf("%w: no default out type for %s", ErrUnsupportedType, in)
		}
	}

	switch outType {
	case TDH_OUTTYPE_STRING, TDH_OUTTYPE_REDUCEDSTRING:
		switch in {
		case TDH_INTYPE_INT8, TDH_INTYPE_UINT8, TDH_INTYPE_ANSICHAR:
			return utf8.AppendRune(dst, rune(v[0])), nil
		case TDH_INTYPE_UINT16, TDH_INTYPE_UNICODECHAR:
			return utf8.AppendRune(dst, rune(binary.LittleEndian.Uint16(v))), nil
		case TDH_INTYPE_SID, TDH_INTYPE_WBEMSID:
			if in == TDH_INTYPE_WBEMSID {
				v = v[2*a.pointerSize:]
			}
			return appendSID(dst, v), nil
		}
		return appendStringValue(dst, in, v)

	case TDH_OUTTYPE_XML, TDH_OUTTYPE_JSON, TDH_OUTTYPE_UTF8:
		return appendStringValue(dst, in, v)

	case TDH_OUTTYPE_BYTE, TDH_OUTTYPE_SHORT, TDH_OUTTYPE_INT, TDH_OUTTYPE_LONG:
		if !isIntegerInType(in) {
			return dst, errOutTypeMismatch
		}
		return strconv.AppendInt(dst, readInt(v), 10), nil

	case TDH_OUTTYPE_UNSIGNEDBYTE, TDH_OUTTYPE_UNSIGNEDSHORT, TDH_OUTTYPE_UNSIGNEDINT,
		TDH_OUTTYPE_UNSIGNEDLONG, TDH_OUTTYPE_PID, TDH_OUTTYPE_TID:
		if !isIntegerInType(in) {
			return dst, errOutTypeMismatch
		}
		return strconv.AppendUint(dst, readUint(v), 10), nil

	case TDH_OUTTYPE_FLOAT, TDH_OUTTYPE_DOUBLE:
		switch in {
		case TDH_INTYPE_FLOAT:
			f := math.Float32frombits(binary.LittleEndian.Uint32(v))
			return strconv.AppendFloat(dst, float64(f), 'g', -1, 32), nil
		case TDH_INTYPE_DOUBLE:
			f := math.Float64frombits(binary.LittleEndian.Uint64(v))
			return strconv.AppendFloat(dst, f, 'g', -1, 64), nil
		}
		return dst, errOutTypeMismatch

	case TDH_OUTTYPE_BOOLEAN:
		if in != TDH_INTYPE_BOOLEAN && in != TDH_INTYPE_UINT8 {
			return dst, errOutTypeMismatch
		}
		if readUint(v) != 0 {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil

	case TDH_OUTTYPE_GUID:
		if in != TDH_INTYPE_GUID {
			return dst, errOutTypeMismatch
		}
		g := guidFromBytes(v)
		return g.AppendText(dst), nil

	case TDH_OUTTYPE_HEXBINARY, TDH_OUTTYPE_PKCS7_WITH_TYPE_INFO:
		b, ok := binaryPayload(in, v)
		if !ok {
			return dst, errOutTypeMismatch
		}
		return hexf.AppendBytes(dst, b), nil

	case TDH_OUTTYPE_HEXINT8, TDH_OUTTYPE_HEXINT16, TDH_OUTTYPE_HEXINT32, TDH_OUTTYPE_HEXINT64:
		if !isIntegerInType(in) {
			return dst, errOutTypeMismatch
		}
		return hexf.AppendTrim(dst, readUint(v)), nil

	case TDH_OUTTYPE_CODE_POINTER:
		if !isIntegerInType(in) {
			return dst, errOutTypeMismatch
		}
		return hexf.Append(dst, readUint(v), false), nil

	case TDH_OUTTYPE_ERRORCODE, TDH_OUTTYPE_WIN32ERROR, TDH_OUTTYPE_NTSTATUS, TDH_OUTTYPE_HRESULT:
		if len(v) != 4 || !isIntegerInType(in) {
			return dst, errOutTypeMismatch
		}
		return hexf.Append(dst, binary.LittleEndian.Uint32(v), false), nil

	case TDH_OUTTYPE_PORT:
		if in != TDH_INTYPE_UINT16 {
			return dst, errOutTypeMismatch
		}
		return strconv.AppendUint(dst, uint64(binary.BigEndian.Uint16(v)), 10), nil

	case TDH_OUTTYPE_IPV4:
		if in != TDH_INTYPE_UINT32 {
			return dst, errOutTypeMismatch
		}
		return netip.AddrFrom4([4]byte(v)).AppendTo(dst), nil

	case TDH_OUTTYPE_IPV6:
		b, ok := binaryPayload(in, v)
		if !ok || in == TDH_INTYPE_HEXDUMP {
			return dst, errOutTypeMismatch
		}
		if len(b) != 16 {
			return dst, fmt.Errorf("%w: IPv6 address of %d bytes", ErrUnsupportedType, len(b))
		}
		return netip.AddrFrom16([16]byte(b)).AppendTo(dst), nil

	case TDH_OUTTYPE_SOCKETADDRESS:
		b, ok := binaryPayload(in, v)
		if !ok {
			return dst, errOutTypeMismatch
		}
		return appendSockAddr(dst, b)

	case TDH_OUTTYPE_DATETIME, TDH_OUTTYPE_DATETIME_UTC, TDH_OUTTYPE_CULTURE_INSENSITIVE_DATETIME:
		switch in {
		case TDH_INTYPE_FILETIME:
			return filetimeToTime(binary.LittleEndian.Uint64(v)).AppendFormat(dst, time.RFC3339Nano), nil
		case TDH_INTYPE_SYSTEMTIME:
			return systemtimeToTime(v).AppendFormat(dst, time.RFC3339Nano), nil
		}
		return dst, errOutTypeMismatch

	case TDH_OUTTYPE_NOPRINT:
		return dst, nil
	}
	return dst, fmt.Errorf("%w: out type %s", ErrUnsupportedType, outType)
}

// binaryPayload strips the length prefix of counted binary kinds.
func binaryPayload(in TdhInType, v []byte) ([]byte, bool) {
	switch in {
	case TDH_INTYPE_BINARY:
		return v, true
	case TDH_INTYPE_MANIFEST_COUNTEDBINARY:
		return v[2:], true
	case TDH_INTYPE_HEXDUMP:
		return v[4:], true
	}
	return nil, false
}

// appendStringValue decodes every string InType. Fixed-size strings are cut
// at the first NUL.
func appendStringValue(dst []byte, in TdhInType, v []byte) ([]byte, error) {
	switch in {
	case TDH_INTYPE_UNICODESTRING, TDH_INTYPE_NONNULLTERMINATEDSTRING:
		return appendUTF16(dst, v), nil
	case TDH_INTYPE_COUNTEDSTRING, TDH_INTYPE_MANIFEST_COUNTEDSTRING, TDH_INTYPE_REVERSEDCOUNTEDSTRING:
		return appendUTF16(dst, v[2:]), nil
	case TDH_INTYPE_ANSISTRING, TDH_INTYPE_NONNULLTERMINATEDANSISTRING:
		return appendANSI(dst, v), nil
	case TDH_INTYPE_COUNTEDANSISTRING, TDH_INTYPE_MANIFEST_COUNTEDANSISTRING, TDH_INTYPE_REVERSEDCOUNTEDANSISTRING:
		return appendANSI(dst, v[2:]), nil
	}
	return dst, errOutTypeMismatch
}

func appendUTF16(dst, v []byte) []byte {
	if i := utf16f.IndexNul(v); i >= 0 {
		v = v[:i]
	}
	return utf16f.AppendLE(dst, v)
}

func appendANSI(dst, v []byte) []byte {
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return append(dst, v...)
}

// appendSID renders a binary SID as S-R-I-S-S...
func appendSID(dst, v []byte) []byte {
	subs := int(v[1])
	dst = append(dst, "S-"...)
	dst = strconv.AppendUint(dst, uint64(v[0]), 10)
	dst = append(dst, '-')
	var auth uint64
	for _, b := range v[2:8] {
		auth = auth<<8 | uint64(b)
	}
	if auth >= 1<<32 {
		dst = hexf.AppendTrim(dst, auth)
	} else {
		dst = strconv.AppendUint(dst, auth, 10)
	}
	for i := range subs {
		dst = append(dst, '-')
		dst = strconv.AppendUint(dst, uint64(binary.LittleEndian.Uint32(v[sidHeaderSize+4*i:])), 10)
	}
	return dst
}

// appendSockAddr renders a SOCKADDR_IN or SOCKADDR_IN6 as ip:port.
func appendSockAddr(dst, b []byte) ([]byte, error) {
	if len(b) < 2 {
		return dst, fmt.Errorf("%w: socket address of %d bytes", ErrBufferTooSmall, len(b))
	}
	switch binary.LittleEndian.Uint16(b) {
	case afInet:
		if len(b) < 8 {
			return dst, fmt.Errorf("%w: sockaddr_in of %d bytes", ErrBufferTooSmall, len(b))
		}
		ap := netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), binary.BigEndian.Uint16(b[2:]))
		return ap.AppendTo(dst), nil
	case afInet6:
		if len(b) < 24 {
			return dst, fmt.Errorf("%w: sockaddr_in6 of %d bytes", ErrBufferTooSmall, len(b))
		}
		ap := netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[8:24])), binary.BigEndian.Uint16(b[2:]))
		return ap.AppendTo(dst), nil
	}
	return dst, fmt.Errorf("%w: address family %d", ErrUnsupportedType, binary.LittleEndian.Uint16(b))
}

// filetimeToTime converts 100ns ticks since 1601 to UTC.
func filetimeToTime(ft uint64) time.Time {
	ticks := int64(ft) - filetimeEpochDiff
	return time.Unix(0, ticks*100).UTC()
}

// systemtimeToTime reads a SYSTEMTIME as UTC.
func systemtimeToTime(v []byte) time.Time {
	f := func(i int) int { return int(binary.LittleEndian.Uint16(v[i*2:])) }
	// Fields: year, month, day of week, day, hour, minute, second, milliseconds.
	return time.Date(f(0), time.Month(f(1)), f(3), f(4), f(5), f(6), f(7)*int(time.Millisecond), time.UTC)
}
