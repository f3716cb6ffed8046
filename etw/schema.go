package etw

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tekert/etwlens/internal/utf16f"
)

// TRACE_EVENT_INFO and EVENT_MAP_INFO layouts, little-endian.
// https://learn.microsoft.com/en-us/windows/win32/api/tdh/ns-tdh-trace_event_info
const (
	teiOffProviderGUID     = 0
	teiOffEventGUID        = 16
	teiOffEventID          = 32
	teiOffVersion          = 34
	teiOffChannel          = 35
	teiOffLevel            = 36
	teiOffOpcode           = 37
	teiOffTask             = 38
	teiOffKeyword          = 40
	teiOffDecodingSource   = 48
	teiOffProviderName     = 52
	teiOffLevelName        = 56
	teiOffChannelName      = 60
	teiOffKeywordsName     = 64
	teiOffTaskName         = 68
	teiOffOpcodeName       = 72
	teiOffEventMessage     = 76
	teiOffProviderMessage  = 80
	teiOffBinaryXML        = 84
	teiOffBinaryXMLSize    = 88
	teiOffEventName        = 92
	teiOffEventAttributes  = 96
	teiOffPropertyCount    = 100
	teiOffTopLevelCount    = 104
	teiOffFlags            = 108
	traceEventInfoSize     = 112
	eventPropertyInfoSize  = 24
	eventMapInfoHeaderSize = 16
	eventMapEntrySize      = 8
)

// PropertyDescriptor is one EVENT_PROPERTY_INFO entry of a schema.
type PropertyDescriptor struct {
	Name    string
	Flags   PropertyFlags
	InType  TdhInType
	OutType TdhOutType
	MapName string

	// Count and Length hold either the fixed value or, when the matching
	// PropertyParam flag is set, the index of an earlier property.
	Count  uint16
	Length uint16

	// Struct members occupy [StructStart, StructStart+StructCount).
	StructStart uint16
	StructCount uint16
}

func (p *PropertyDescriptor) IsStruct() bool      { return p.Flags&PropertyStruct != 0 }
func (p *PropertyDescriptor) HasLengthRef() bool  { return p.Flags&PropertyParamLength != 0 }
func (p *PropertyDescriptor) HasCountRef() bool   { return p.Flags&PropertyParamCount != 0 }
func (p *PropertyDescriptor) IsFixedCount() bool  { return p.Flags&PropertyParamFixedCount != 0 }
func (p *PropertyDescriptor) IsFixedLength() bool { return p.Flags&PropertyParamFixedLength != 0 }

// TypeLabel is the short type name shown by schema browsers.
func (p *PropertyDescriptor) TypeLabel() string {
	if p.IsStruct() {
		return "STRUCT"
	}
	return p.InType.String()
}

// FieldInfo is a (name, type label) pair of a top-level property.
type FieldInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EventSchema is the decoded description of one EventKey. It is immutable
// once stored in a SchemaCache.
type EventSchema struct {
	Key             EventKey
	ProviderName    string
	LevelName       string
	ChannelName     string
	KeywordsName    string
	TaskName        string
	OpcodeName      string
	EventName       string
	EventMessage    string
	ProviderMessage string
	DecodingSource  DecodingSource

	Level   uint8
	Opcode  uint8
	Task    uint16
	Keyword uint64

	// Properties holds every descriptor; the first TopLevelCount are the
	// top-level ones and struct members follow.
	Properties    []PropertyDescriptor
	TopLevelCount int
	Fields        []FieldInfo
}

// TopLevel returns the top-level property descriptors.
func (s *EventSchema) TopLevel() []PropertyDescriptor {
	return s.Properties[:s.TopLevelCount]
}

// blobReader reads fixed-width fields from a schema blob. Every access is
// checked against the blob length and the first failure sticks.
type blobReader struct {
	b   []byte
	err error
}

func (r *blobReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformedSchema}, args...)...)
	}
}

func (r *blobReader) check(off, n int) bool {
	if r.err != nil {
		return false
	}
	if off < 0 || n < 0 || off > len(r.b)-n {
		r.fail("read of %d bytes at offset %d overruns blob of %d bytes", n, off, len(r.b))
		return false
	}
	return true
}

func (r *blobReader) u8(off int) uint8 {
	if !r.check(off, 1) {
		return 0
	}
	return r.b[off]
}

func (r *blobReader) u16(off int) uint16 {
	if !r.check(off, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(r.b[off:])
}

func (r *blobReader) u32(off int) uint32 {
	if !r.check(off, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.b[off:])
}

func (r *blobReader) u64(off int) uint64 {
	if !r.check(off, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.b[off:])
}

func (r *blobReader) guid(off int) GUID {
	if !r.check(off, GUIDSize) {
		return GUID{}
	}
	return guidFromBytes(r.b[off:])
}

// str reads the NUL-terminated UTF-16 string whose offset is stored at off.
// A zero offset means the string is absent.
func (r *blobReader) str(off int) string {
	return r.strAt(int(r.u32(off)))
}

func (r *blobReader) strAt(at int) string {
	if at == 0 || r.err != nil {
		return ""
	}
	if at < 0 || at >= len(r.b) {
		r.fail("string offset %d outside blob of %d bytes", at, len(r.b))
		return ""
	}
	s, _, _ := utf16f.DecodeCString(r.b[at:])
	return s
}

// parseTraceEventInfo validates a TRACE_EVENT_INFO blob and converts it to
// an EventSchema. The key comes from the record, not the blob.
func parseTraceEventInfo(key EventKey, blob []byte) (*EventSchema, error) {
	r := &blobReader{b: blob}
	if len(blob) < traceEventInfoSize {
		return nil, fmt.Errorf("%w: blob of %d bytes is shorter than the %d byte header",
			ErrMalformedSchema, len(blob), traceEventInfoSize)
	}

	s := &EventSchema{
		Key:             key,
		DecodingSource:  DecodingSource(r.u32(teiOffDecodingSource)),
		ProviderName:    r.str(teiOffProviderName),
		LevelName:       r.str(teiOffLevelName),
		ChannelName:     r.str(teiOffChannelName),
		KeywordsName:    r.str(teiOffKeywordsName),
		EventMessage:    r.str(teiOffEventMessage),
		ProviderMessage: r.str(teiOffProviderMessage),
		EventName:       r.str(teiOffEventName),
		Level:           r.u8(teiOffLevel),
		Opcode:          r.u8(teiOffOpcode),
		Task:            r.u16(teiOffTask),
		Keyword:         r.u64(teiOffKeyword),
	}
	// WPP schemas leave these offsets undefined.
	if s.DecodingSource != DecodingSourceWPP {
		s.TaskName = r.str(teiOffTaskName)
		s.OpcodeName = r.str(teiOffOpcodeName)
	}

	propCount := int(r.u32(teiOffPropertyCount))
	topCount := int(r.u32(teiOffTopLevelCount))
	if r.err != nil {
		return nil, r.err
	}
	if topCount > propCount {
		return nil, fmt.Errorf("%w: %d top-level properties of %d total", ErrMalformedSchema, topCount, propCount)
	}
	if !r.check(traceEventInfoSize, propCount*eventPropertyInfoSize) {
		return nil, r.err
	}

	s.Properties = make([]PropertyDescriptor, propCount)
	s.TopLevelCount = topCount
	for i := range s.Properties {
		base := traceEventInfoSize + i*eventPropertyInfoSize
		p := &s.Properties[i]
		p.Flags = PropertyFlags(r.u32(base))
		p.Name = r.str(base + 4)
		if p.IsStruct() {
			p.StructStart = r.u16(base + 8)
			p.StructCount = r.u16(base + 10)
		} else {
			p.InType = TdhInType(r.u16(base + 8))
			p.OutType = TdhOutType(r.u16(base + 10))
			p.MapName = r.str(base + 12)
		}
		p.Count = r.u16(base + 16)
		p.Length = r.u16(base + 18)
		if r.err != nil {
			return nil, fmt.Errorf("property %d: %w", i, r.err)
		}
		if err := validateProperty(p, i, propCount); err != nil {
			return nil, err
		}
	}

	s.Fields = make([]FieldInfo, 0, topCount)
	for i := range s.TopLevel() {
		p := &s.Properties[i]
		s.Fields = append(s.Fields, FieldInfo{Name: p.Name, Type: p.TypeLabel()})
	}
	return s, nil
}

// validateProperty enforces that length and count references point at a
// strictly earlier property and that struct ranges stay inside the schema.
func validateProperty(p *PropertyDescriptor, i, propCount int) error {
	if p.HasLengthRef() && int(p.Length) >= i {
		return fmt.Errorf("%w: property %d %q takes its length from property %d",
			ErrMalformedSchema, i, p.Name, p.Length)
	}
	if p.HasCountRef() && int(p.Count) >= i {
		return fmt.Errorf("%w: property %d %q takes its count from property %d",
			ErrMalformedSchema, i, p.Name, p.Count)
	}
	if p.IsStruct() {
		start, end := int(p.StructStart), int(p.StructStart)+int(p.StructCount)
		if start <= i || end > propCount {
			return fmt.Errorf("%w: struct %d %q members [%d,%d) out of range",
				ErrMalformedSchema, i, p.Name, start, end)
		}
	}
	return nil
}

// EventMap is a decoded EVENT_MAP_INFO.
type EventMap struct {
	Name    string
	Flags   MapFlags
	Entries []MapEntry
}

// MapEntry maps one value (or bit mask for bitmaps) to its display name.
type MapEntry struct {
	Value uint32
	Name  string
}

// Lookup formats v through the map. Bitmaps join the names of every set
// mask with "|".
func (m *EventMap) Lookup(v uint32) (string, bool) {
	if !m.Flags.IsBitmap() {
		for i := range m.Entries {
			if m.Entries[i].Value == v {
				return m.Entries[i].Name, true
			}
		}
		return "", false
	}

	var names []string
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Value == 0 {
			if v == 0 {
				return e.Name, true
			}
			continue
		}
		if v&e.Value == e.Value {
			names = append(names, e.Name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	return strings.Join(names, "|"), true
}

func parseEventMapInfo(blob []byte) (*EventMap, error) {
	r := &blobReader{b: blob}
	if len(blob) < eventMapInfoHeaderSize {
		return nil, fmt.Errorf("%w: map blob of %d bytes", ErrMalformedSchema, len(blob))
	}
	m := &EventMap{
		Name:  r.str(0),
		Flags: MapFlags(r.u32(4)),
	}
	count := int(r.u32(8))
	if !r.check(eventMapInfoHeaderSize, count*eventMapEntrySize) {
		return nil, r.err
	}
	m.Entries = make([]MapEntry, count)
	for i := range m.Entries {
		base := eventMapInfoHeaderSize + i*eventMapEntrySize
		m.Entries[i] = MapEntry{
			Name:  strings.TrimRight(r.str(base), " "),
			Value: r.u32(base + 4),
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}
