package etw

import (
	"fmt"
	"strings"
)

// TdhInType is the storage type of a property (TDH_INTYPE).
type TdhInType uint16

// TdhOutType is the display hint of a property (TDH_OUTTYPE).
type TdhOutType uint16

// https://learn.microsoft.com/en-us/windows/win32/api/tdh/ne-tdh-_tdh_in_type
const (
	TDH_INTYPE_NULL                        TdhInType = 0
	TDH_INTYPE_UNICODESTRING               TdhInType = 1
	TDH_INTYPE_ANSISTRING                  TdhInType = 2
	TDH_INTYPE_INT8                        TdhInType = 3
	TDH_INTYPE_UINT8                       TdhInType = 4
	TDH_INTYPE_INT16                       TdhInType = 5
	TDH_INTYPE_UINT16                      TdhInType = 6
	TDH_INTYPE_INT32                       TdhInType = 7
	TDH_INTYPE_UINT32                      TdhInType = 8
	TDH_INTYPE_INT64                       TdhInType = 9
	TDH_INTYPE_UINT64                      TdhInType = 10
	TDH_INTYPE_FLOAT                       TdhInType = 11
	TDH_INTYPE_DOUBLE                      TdhInType = 12
	TDH_INTYPE_BOOLEAN                     TdhInType = 13
	TDH_INTYPE_BINARY                      TdhInType = 14
	TDH_INTYPE_GUID                        TdhInType = 15
	TDH_INTYPE_POINTER                     TdhInType = 16
	TDH_INTYPE_FILETIME                    TdhInType = 17
	TDH_INTYPE_SYSTEMTIME                  TdhInType = 18
	TDH_INTYPE_SID                         TdhInType = 19
	TDH_INTYPE_HEXINT32                    TdhInType = 20
	TDH_INTYPE_HEXINT64                    TdhInType = 21
	TDH_INTYPE_MANIFEST_COUNTEDSTRING      TdhInType = 22
	TDH_INTYPE_MANIFEST_COUNTEDANSISTRING  TdhInType = 23
	TDH_INTYPE_RESERVED24                  TdhInType = 24
	TDH_INTYPE_MANIFEST_COUNTEDBINARY      TdhInType = 25
	TDH_INTYPE_COUNTEDSTRING               TdhInType = 300
	TDH_INTYPE_COUNTEDANSISTRING           TdhInType = 301
	TDH_INTYPE_REVERSEDCOUNTEDSTRING       TdhInType = 302
	TDH_INTYPE_REVERSEDCOUNTEDANSISTRING   TdhInType = 303
	TDH_INTYPE_NONNULLTERMINATEDSTRING     TdhInType = 304
	TDH_INTYPE_NONNULLTERMINATEDANSISTRING TdhInType = 305
	TDH_INTYPE_UNICODECHAR                 TdhInType = 306
	TDH_INTYPE_ANSICHAR                    TdhInType = 307
	TDH_INTYPE_SIZET                       TdhInType = 308
	TDH_INTYPE_HEXDUMP                     TdhInType = 309
	TDH_INTYPE_WBEMSID                     TdhInType = 310
)

// https://learn.microsoft.com/en-us/windows/win32/api/tdh/ne-tdh-_tdh_out_type
const (
	TDH_OUTTYPE_NULL                         TdhOutType = 0
	TDH_OUTTYPE_STRING                       TdhOutType = 1
	TDH_OUTTYPE_DATETIME                     TdhOutType = 2
	TDH_OUTTYPE_BYTE                         TdhOutType = 3
	TDH_OUTTYPE_UNSIGNEDBYTE                 TdhOutType = 4
	TDH_OUTTYPE_SHORT                        TdhOutType = 5
	TDH_OUTTYPE_UNSIGNEDSHORT                TdhOutType = 6
	TDH_OUTTYPE_INT                          TdhOutType = 7
	TDH_OUTTYPE_UNSIGNEDINT                  TdhOutType = 8
	TDH_OUTTYPE_LONG                         TdhOutType = 9
	TDH_OUTTYPE_UNSIGNEDLONG                 TdhOutType = 10
	TDH_OUTTYPE_FLOAT                        TdhOutType = 11
	TDH_OUTTYPE_DOUBLE                       TdhOutType = 12
	TDH_OUTTYPE_BOOLEAN                      TdhOutType = 13
	TDH_OUTTYPE_GUID                         TdhOutType = 14
	TDH_OUTTYPE_HEXBINARY                    TdhOutType = 15
	TDH_OUTTYPE_HEXINT8                      TdhOutType = 16
	TDH_OUTTYPE_HEXINT16                     TdhOutType = 17
	TDH_OUTTYPE_HEXINT32                     TdhOutType = 18
	TDH_OUTTYPE_HEXINT64                     TdhOutType = 19
	TDH_OUTTYPE_PID                          TdhOutType = 20
	TDH_OUTTYPE_TID                          TdhOutType = 21
	TDH_OUTTYPE_PORT                         TdhOutType = 22
	TDH_OUTTYPE_IPV4                         TdhOutType = 23
	TDH_OUTTYPE_IPV6                         TdhOutType = 24
	TDH_OUTTYPE_SOCKETADDRESS                TdhOutType = 25
	TDH_OUTTYPE_CIMDATETIME                  TdhOutType = 26
	TDH_OUTTYPE_ETWTIME                      TdhOutType = 27
	TDH_OUTTYPE_XML                          TdhOutType = 28
	TDH_OUTTYPE_ERRORCODE                    TdhOutType = 29
	TDH_OUTTYPE_WIN32ERROR                   TdhOutType = 30
	TDH_OUTTYPE_NTSTATUS                     TdhOutType = 31
	TDH_OUTTYPE_HRESULT                      TdhOutType = 32
	TDH_OUTTYPE_CULTURE_INSENSITIVE_DATETIME TdhOutType = 33
	TDH_OUTTYPE_JSON                         TdhOutType = 34
	TDH_OUTTYPE_UTF8                         TdhOutType = 35
	TDH_OUTTYPE_PKCS7_WITH_TYPE_INFO         TdhOutType = 36
	TDH_OUTTYPE_CODE_POINTER                 TdhOutType = 37
	TDH_OUTTYPE_DATETIME_UTC                 TdhOutType = 38
	TDH_OUTTYPE_REDUCEDSTRING                TdhOutType = 300
	TDH_OUTTYPE_NOPRINT                      TdhOutType = 301
)

// PropertyFlags is the PROPERTY_FLAGS bit set of an EVENT_PROPERTY_INFO.
type PropertyFlags uint32

const (
	PropertyStruct           PropertyFlags = 0x1
	PropertyParamLength      PropertyFlags = 0x2
	PropertyParamCount       PropertyFlags = 0x4
	PropertyWBEMXmlFragment  PropertyFlags = 0x8
	PropertyParamFixedLength PropertyFlags = 0x10
	PropertyParamFixedCount  PropertyFlags = 0x20
	PropertyHasTags          PropertyFlags = 0x40
	PropertyHasCustomSchema  PropertyFlags = 0x80
)

// DecodingSource tells where a schema came from (DECODING_SOURCE).
type DecodingSource uint32

const (
	DecodingSourceXMLFile DecodingSource = 0
	DecodingSourceWbem    DecodingSource = 1
	DecodingSourceWPP     DecodingSource = 2
	DecodingSourceTlg     DecodingSource = 3
)

func (d DecodingSource) String() string {
	switch d {
	case DecodingSourceXMLFile:
		return "XMLFile"
	case DecodingSourceWbem:
		return "Wbem"
	case DecodingSourceWPP:
		return "WPP"
	case DecodingSourceTlg:
		return "TraceLogging"
	}
	return fmt.Sprintf("DecodingSource(%d)", uint32(d))
}

// Event header flags (EVENT_HEADER.Flags).
const (
	EVENT_HEADER_FLAG_EXTENDED_INFO   = 0x0001
	EVENT_HEADER_FLAG_PRIVATE_SESSION = 0x0002
	EVENT_HEADER_FLAG_STRING_ONLY     = 0x0004
	EVENT_HEADER_FLAG_TRACE_MESSAGE   = 0x0008
	EVENT_HEADER_FLAG_NO_CPUTIME      = 0x0010
	EVENT_HEADER_FLAG_32_BIT_HEADER   = 0x0020
	EVENT_HEADER_FLAG_64_BIT_HEADER   = 0x0040
	EVENT_HEADER_FLAG_CLASSIC_HEADER  = 0x0100
	EVENT_HEADER_FLAG_PROCESSOR_INDEX = 0x0200
)

// MapFlags is the MAP_FLAGS set of an EVENT_MAP_INFO.
type MapFlags uint32

const (
	EVENTMAP_INFO_FLAG_MANIFEST_VALUEMAP   MapFlags = 0x1
	EVENTMAP_INFO_FLAG_MANIFEST_BITMAP     MapFlags = 0x2
	EVENTMAP_INFO_FLAG_MANIFEST_PATTERNMAP MapFlags = 0x4
	EVENTMAP_INFO_FLAG_WBEM_VALUEMAP       MapFlags = 0x8
	EVENTMAP_INFO_FLAG_WBEM_BITMAP         MapFlags = 0x10
	EVENTMAP_INFO_FLAG_WBEM_FLAG           MapFlags = 0x20
	EVENTMAP_INFO_FLAG_WBEM_NO_MAP         MapFlags = 0x40
)

// IsBitmap reports whether values are matched bit by bit.
func (f MapFlags) IsBitmap() bool {
	return f&(EVENTMAP_INFO_FLAG_MANIFEST_BITMAP|EVENTMAP_INFO_FLAG_WBEM_BITMAP) != 0
}

// EVENT_TRACE_TYPE_INFO is the opcode of the trace header record.
const EVENT_TRACE_TYPE_INFO = 0x00

// EventTraceGuid is the provider of the synthetic trace header record that
// starts every log file.
var EventTraceGuid = GUID{
	Data1: 0x68fdd900,
	Data2: 0x4a3e,
	Data3: 0x11d1,
	Data4: [8]byte{0x84, 0xf4, 0x00, 0x00, 0xf8, 0x04, 0x64, 0xe3},
}

var inTypeNames = map[TdhInType]string{
	TDH_INTYPE_NULL:                        "NULL",
	TDH_INTYPE_UNICODESTRING:               "UNICODESTRING",
	TDH_INTYPE_ANSISTRING:                  "ANSISTRING",
	TDH_INTYPE_INT8:                        "INT8",
	TDH_INTYPE_UINT8:                       "UINT8",
	TDH_INTYPE_INT16:                       "INT16",
	TDH_INTYPE_UINT16:                      "UINT16",
	TDH_INTYPE_INT32:                       "INT32",
	TDH_INTYPE_UINT32:                      "UINT32",
	TDH_INTYPE_INT64:                       "INT64",
	TDH_INTYPE_UINT64:                      "UINT64",
	TDH_INTYPE_FLOAT:                       "FLOAT",
	TDH_INTYPE_DOUBLE:                      "DOUBLE",
	TDH_INTYPE_BOOLEAN:                     "BOOLEAN",
	TDH_INTYPE_BINARY:                      "BINARY",
	TDH_INTYPE_GUID:                        "GUID",
	TDH_INTYPE_POINTER:                     "POINTER",
	TDH_INTYPE_FILETIME:                    "FILETIME",
	TDH_INTYPE_SYSTEMTIME:                  "SYSTEMTIME",
	TDH_INTYPE_SID:                         "SID",
	TDH_INTYPE_HEXINT32:                    "HEXINT32",
	TDH_INTYPE_HEXINT64:                    "HEXINT64",
	TDH_INTYPE_MANIFEST_COUNTEDSTRING:      "MANIFEST_COUNTEDSTRING",
	TDH_INTYPE_MANIFEST_COUNTEDANSISTRING:  "MANIFEST_COUNTEDANSISTRING",
	TDH_INTYPE_RESERVED24:                  "RESERVED24",
	TDH_INTYPE_MANIFEST_COUNTEDBINARY:      "MANIFEST_COUNTEDBINARY",
	TDH_INTYPE_COUNTEDSTRING:               "COUNTEDSTRING",
	TDH_INTYPE_COUNTEDANSISTRING:           "COUNTEDANSISTRING",
	TDH_INTYPE_REVERSEDCOUNTEDSTRING:       "REVERSEDCOUNTEDSTRING",
	TDH_INTYPE_REVERSEDCOUNTEDANSISTRING:   "REVERSEDCOUNTEDANSISTRING",
	TDH_INTYPE_NONNULLTERMINATEDSTRING:     "NONNULLTERMINATEDSTRING",
	TDH_INTYPE_NONNULLTERMINATEDANSISTRING: "NONNULLTERMINATEDANSISTRING",
	TDH_INTYPE_UNICODECHAR:                 "UNICODECHAR",
	TDH_INTYPE_ANSICHAR:                    "ANSICHAR",
	TDH_INTYPE_SIZET:                       "SIZET",
	TDH_INTYPE_HEXDUMP:                     "HEXDUMP",
	TDH_INTYPE_WBEMSID:                     "WBEMSID",
}

var outTypeNames = map[TdhOutType]string{
	TDH_OUTTYPE_NULL:                         "NULL",
	TDH_OUTTYPE_STRING:                       "STRING",
	TDH_OUTTYPE_DATETIME:                     "DATETIME",
	TDH_OUTTYPE_BYTE:                         "BYTE",
	TDH_OUTTYPE_UNSIGNEDBYTE:                 "UNSIGNEDBYTE",
	TDH_OUTTYPE_SHORT:                        "SHORT",
	TDH_OUTTYPE_UNSIGNEDSHORT:                "UNSIGNEDSHORT",
	TDH_OUTTYPE_INT:                          "INT",
	TDH_OUTTYPE_UNSIGNEDINT:                  "UNSIGNEDINT",
	TDH_OUTTYPE_LONG:                         "LONG",
	TDH_OUTTYPE_UNSIGNEDLONG:                 "UNSIGNEDLONG",
	TDH_OUTTYPE_FLOAT:                        "FLOAT",
	TDH_OUTTYPE_DOUBLE:                       "DOUBLE",
	TDH_OUTTYPE_BOOLEAN:                      "BOOLEAN",
	TDH_OUTTYPE_GUID:                         "GUID",
	TDH_OUTTYPE_HEXBINARY:                    "HEXBINARY",
	TDH_OUTTYPE_HEXINT8:                      "HEXINT8",
	TDH_OUTTYPE_HEXINT16:                     "HEXINT16",
	TDH_OUTTYPE_HEXINT32:                     "HEXINT32",
	TDH_OUTTYPE_HEXINT64:                     "HEXINT64",
	TDH_OUTTYPE_PID:                          "PID",
	TDH_OUTTYPE_TID:                          "TID",
	TDH_OUTTYPE_PORT:                         "PORT",
	TDH_OUTTYPE_IPV4:                         "IPV4",
	TDH_OUTTYPE_IPV6:                         "IPV6",
	TDH_OUTTYPE_SOCKETADDRESS:                "SOCKETADDRESS",
	TDH_OUTTYPE_CIMDATETIME:                  "CIMDATETIME",
	TDH_OUTTYPE_ETWTIME:                      "ETWTIME",
	TDH_OUTTYPE_XML:                          "XML",
	TDH_OUTTYPE_ERRORCODE:                    "ERRORCODE",
	TDH_OUTTYPE_WIN32ERROR:                   "WIN32ERROR",
	TDH_OUTTYPE_NTSTATUS:                     "NTSTATUS",
	TDH_OUTTYPE_HRESULT:                      "HRESULT",
	TDH_OUTTYPE_CULTURE_INSENSITIVE_DATETIME: "CULTURE_INSENSITIVE_DATETIME",
	TDH_OUTTYPE_JSON:                         "JSON",
	TDH_OUTTYPE_UTF8:                         "UTF8",
	TDH_OUTTYPE_PKCS7_WITH_TYPE_INFO:         "PKCS7_WITH_TYPE_INFO",
	TDH_OUTTYPE_CODE_POINTER:                 "CODE_POINTER",
	TDH_OUTTYPE_DATETIME_UTC:                 "DATETIME_UTC",
	TDH_OUTTYPE_REDUCEDSTRING:                "REDUCEDSTRING",
	TDH_OUTTYPE_NOPRINT:                      "NOPRINT",
}

// String returns the TDH name without its prefix, or "UNKNOWN".
// This is the type label shown by schema browsers.
func (t TdhInType) String() string {
	if s, ok := inTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

func (t TdhOutType) String() string {
	if s, ok := outTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseInType accepts a name as printed by String, with or without the
// TDH_INTYPE_ prefix, case-insensitively.
func ParseInType(name string) (TdhInType, error) {
	name = strings.TrimPrefix(strings.ToUpper(name), "TDH_INTYPE_")
	for t, s := range inTypeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown in type %q", name)
}

// ParseOutType accepts a name as printed by String. Empty means NULL.
func ParseOutType(name string) (TdhOutType, error) {
	if name == "" {
		return TDH_OUTTYPE_NULL, nil
	}
	name = strings.TrimPrefix(strings.ToUpper(name), "TDH_OUTTYPE_")
	for t, s := range outTypeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown out type %q", name)
}

// isStringInType reports the string kinds that take an explicit or param length.
func isStringInType(t TdhInType) bool {
	return t == TDH_INTYPE_UNICODESTRING || t == TDH_INTYPE_ANSISTRING
}

// isMappableInType reports the integer kinds that may carry an enum map.
func isMappableInType(t TdhInType) bool {
	switch t {
	case TDH_INTYPE_UINT8, TDH_INTYPE_UINT16, TDH_INTYPE_UINT32, TDH_INTYPE_HEXINT32:
		return true
	}
	return false
}
