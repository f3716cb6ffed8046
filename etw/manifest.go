package etw

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tekert/etwlens/internal/utf16f"
)

// ProviderManifest describes the events and maps of one provider. It is the
// portable equivalent of an instrumentation manifest and is turned into the
// same TRACE_EVENT_INFO and EVENT_MAP_INFO blobs the OS would return.
type ProviderManifest struct {
	Provider GUID
	Name     string
	Message  string
	Events   []EventDef
	Maps     []MapDef
}

// EventDef describes one (id, version) of a provider.
type EventDef struct {
	ID      uint16
	Version uint8
	Channel uint8
	Level   uint8
	Opcode  uint8
	Task    uint16
	Keyword uint64

	ChannelName  string
	LevelName    string
	KeywordsName string
	TaskName     string
	OpcodeName   string
	EventName    string
	Message      string

	Source     DecodingSource
	Properties []PropertyDef
}

// PropertyDef describes one property. LengthFrom and CountFrom name an
// earlier sibling that holds the length or element count.
type PropertyDef struct {
	Name    string
	InType  TdhInType
	OutType TdhOutType
	MapName string

	Length      uint16
	LengthFrom  string
	FixedLength bool

	Count      uint16 // 0 means 1
	CountFrom  string
	FixedCount bool

	// Members makes this a struct property.
	Members []PropertyDef
}

// MapDef describes one value map or bitmap.
type MapDef struct {
	Name    string
	Bitmap  bool
	Entries []MapEntry
}

// inTypeFixedSize returns the element size of fixed-width types, or 0.
func inTypeFixedSize(t TdhInType, pointerSize int) uint16 {
	switch t {
	case TDH_INTYPE_INT8, TDH_INTYPE_UINT8, TDH_INTYPE_ANSICHAR:
		return 1
	case TDH_INTYPE_INT16, TDH_INTYPE_UINT16, TDH_INTYPE_UNICODECHAR:
		return 2
	case TDH_INTYPE_INT32, TDH_INTYPE_UINT32, TDH_INTYPE_HEXINT32,
		TDH_INTYPE_FLOAT, TDH_INTYPE_BOOLEAN:
		return 4
	case TDH_INTYPE_INT64, TDH_INTYPE_UINT64, TDH_INTYPE_HEXINT64,
		TDH_INTYPE_DOUBLE, TDH_INTYPE_FILETIME:
		return 8
	case TDH_INTYPE_GUID, TDH_INTYPE_SYSTEMTIME:
		return 16
	case TDH_INTYPE_POINTER, TDH_INTYPE_SIZET:
		return uint16(pointerSize)
	}
	return 0
}

// teiBuilder lays out a TRACE_EVENT_INFO: the fixed header, the flattened
// property array and a trailing string table.
type teiBuilder struct {
	props   []PropertyDescriptor
	strings []byte
	offsets map[string]uint32
}

func (b *teiBuilder) base() int {
	return traceEventInfoSize + len(b.props)*eventPropertyInfoSize
}

// flatten appends defs as consecutive descriptors and then recurses into
// struct members, so top-level properties come first.
func (b *teiBuilder) flatten(defs []PropertyDef) error {
	first := len(b.props)
	for range defs {
		b.props = append(b.props, PropertyDescriptor{})
	}
	index := func(name string, before int) (uint16, error) {
		for j := first; j < before; j++ {
			if b.props[j].Name == name {
				return uint16(j), nil
			}
		}
		return 0, fmt.Errorf("property %q is not an earlier sibling", name)
	}

	for i := range defs {
		d := &defs[i]
		gi := first + i
		p := PropertyDescriptor{Name: d.Name, InType: d.InType, OutType: d.OutType, MapName: d.MapName}

		p.Count = d.Count
		if p.Count == 0 && !d.FixedCount {
			p.Count = 1
		}
		if d.FixedCount {
			p.Flags |= PropertyParamFixedCount
		}
		if d.CountFrom != "" {
			idx, err := index(d.CountFrom, gi)
			if err != nil {
				return fmt.Errorf("%s count: %w", d.Name, err)
			}
			p.Flags |= PropertyParamCount
			p.Count = idx
		}

		p.Length = d.Length
		if p.Length == 0 && len(d.Members) == 0 {
			p.Length = inTypeFixedSize(d.InType, 8)
		}
		if d.FixedLength {
			p.Flags |= PropertyParamFixedLength
		}
		if d.LengthFrom != "" {
			idx, err := index(d.LengthFrom, gi)
			if err != nil {
				return fmt.Errorf("%s length: %w", d.Name, err)
			}
			p.Flags |= PropertyParamLength
			p.Length = idx
		}
		if len(d.Members) > 0 {
			p.Flags |= PropertyStruct
		}
		b.props[gi] = p
	}

	for i := range defs {
		if len(defs[i].Members) == 0 {
			continue
		}
		gi := first + i
		b.props[gi].StructStart = uint16(len(b.props))
		b.props[gi].StructCount = uint16(len(defs[i].Members))
		if err := b.flatten(defs[i].Members); err != nil {
			return fmt.Errorf("%s: %w", defs[i].Name, err)
		}
	}
	return nil
}

// str interns s in the string table and returns its final blob offset,
// relative to the string table start until fixup.
func (b *teiBuilder) str(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = utf16f.AppendEncodeLE(b.strings, s)
	b.strings = append(b.strings, 0, 0)
	b.offsets[s] = off
	return off
}

// BuildTraceEventInfo encodes one event of pm as a TRACE_EVENT_INFO blob.
func BuildTraceEventInfo(pm *ProviderManifest, ev *EventDef) ([]byte, error) {
	b := &teiBuilder{offsets: make(map[string]uint32)}
	if err := b.flatten(ev.Properties); err != nil {
		return nil, fmt.Errorf("event %d version %d: %w", ev.ID, ev.Version, err)
	}
	base := uint32(b.base())
	at := func(s string) uint32 {
		if s == "" {
			return 0
		}
		return base + b.str(s)
	}

	hdr := make([]byte, traceEventInfoSize)
	copy(hdr[teiOffProviderGUID:], appendGUIDBytes(nil, &pm.Provider))
	binary.LittleEndian.PutUint16(hdr[teiOffEventID:], ev.ID)
	hdr[teiOffVersion] = ev.Version
	hdr[teiOffChannel] = ev.Channel
	hdr[teiOffLevel] = ev.Level
	hdr[teiOffOpcode] = ev.Opcode
	binary.LittleEndian.PutUint16(hdr[teiOffTask:], ev.Task)
	binary.LittleEndian.PutUint64(hdr[teiOffKeyword:], ev.Keyword)
	binary.LittleEndian.PutUint32(hdr[teiOffDecodingSource:], uint32(ev.Source))
	binary.LittleEndian.PutUint32(hdr[teiOffProviderName:], at(pm.Name))
	binary.LittleEndian.PutUint32(hdr[teiOffLevelName:], at(ev.LevelName))
	binary.LittleEndian.PutUint32(hdr[teiOffChannelName:], at(ev.ChannelName))
	binary.LittleEndian.PutUint32(hdr[teiOffKeywordsName:], at(ev.KeywordsName))
	binary.LittleEndian.PutUint32(hdr[teiOffTaskName:], at(ev.TaskName))
	binary.LittleEndian.PutUint32(hdr[teiOffOpcodeName:], at(ev.OpcodeName))
	binary.LittleEndian.PutUint32(hdr[teiOffEventMessage:], at(ev.Message))
	binary.LittleEndian.PutUint32(hdr[teiOffProviderMessage:], at(pm.Message))
	binary.LittleEndian.PutUint32(hdr[teiOffEventName:], at(ev.EventName))
	binary.LittleEndian.PutUint32(hdr[teiOffPropertyCount:], uint32(len(b.props)))
	binary.LittleEndian.PutUint32(hdr[teiOffTopLevelCount:], uint32(len(ev.Properties)))

	blob := hdr
	for i := range b.props {
		p := &b.props[i]
		blob = binary.LittleEndian.AppendUint32(blob, uint32(p.Flags))
		blob = binary.LittleEndian.AppendUint32(blob, at(p.Name))
		if p.IsStruct() {
			blob = binary.LittleEndian.AppendUint16(blob, p.StructStart)
			blob = binary.LittleEndian.AppendUint16(blob, p.StructCount)
			blob = binary.LittleEndian.AppendUint32(blob, 0)
		} else {
			blob = binary.LittleEndian.AppendUint16(blob, uint16(p.InType))
			blob = binary.LittleEndian.AppendUint16(blob, uint16(p.OutType))
			blob = binary.LittleEndian.AppendUint32(blob, at(p.MapName))
		}
		blob = binary.LittleEndian.AppendUint16(blob, p.Count)
		blob = binary.LittleEndian.AppendUint16(blob, p.Length)
		blob = binary.LittleEndian.AppendUint32(blob, 0)
	}
	assert(len(blob) == int(base), "property array ends at %d, want %d", len(blob), base)
	return append(blob, b.strings...), nil
}

// BuildEventMapInfo encodes m as an EVENT_MAP_INFO blob.
func BuildEventMapInfo(m *MapDef) []byte {
	flags := EVENTMAP_INFO_FLAG_MANIFEST_VALUEMAP
	if m.Bitmap {
		flags = EVENTMAP_INFO_FLAG_MANIFEST_BITMAP
	}
	base := uint32(eventMapInfoHeaderSize + len(m.Entries)*eventMapEntrySize)
	var strs []byte
	str := func(s string) uint32 {
		off := base + uint32(len(strs))
		strs = utf16f.AppendEncodeLE(strs, s)
		strs = append(strs, 0, 0)
		return off
	}

	blob := make([]byte, 0, int(base)+64)
	blob = binary.LittleEndian.AppendUint32(blob, str(m.Name))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(flags))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(m.Entries)))
	blob = binary.LittleEndian.AppendUint32(blob, 0)
	for _, e := range m.Entries {
		blob = binary.LittleEndian.AppendUint32(blob, str(e.Name))
		blob = binary.LittleEndian.AppendUint32(blob, e.Value)
	}
	return append(blob, strs...)
}

type mapKey struct {
	provider GUID
	name     string
}

// Manifest is an in-memory MetadataProvider built from ProviderManifests.
// It is safe for concurrent use.
type Manifest struct {
	mu     sync.RWMutex
	events map[EventKey][]byte
	maps   map[mapKey][]byte
}

// NewManifest returns a Manifest holding the given providers.
func NewManifest(providers ...*ProviderManifest) (*Manifest, error) {
	m := &Manifest{
		events: make(map[EventKey][]byte),
		maps:   make(map[mapKey][]byte),
	}
	for _, pm := range providers {
		if err := m.Register(pm); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register encodes every event and map of pm. Later registrations of the
// same key replace earlier ones.
func (m *Manifest) Register(pm *ProviderManifest) error {
	events := make(map[EventKey][]byte, len(pm.Events))
	for i := range pm.Events {
		ev := &pm.Events[i]
		blob, err := BuildTraceEventInfo(pm, ev)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pm.Name, err)
		}
		events[EventKey{Provider: pm.Provider, ID: ev.ID, Version: ev.Version}] = blob
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, blob := range events {
		m.events[k] = blob
	}
	for i := range pm.Maps {
		m.maps[mapKey{pm.Provider, pm.Maps[i].Name}] = BuildEventMapInfo(&pm.Maps[i])
	}
	return nil
}

// Len returns the number of registered events.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func copyBlob(blob, buf []byte) (int, error) {
	if len(buf) < len(blob) {
		return len(blob), ErrInsufficientBuffer
	}
	return copy(buf, blob), nil
}

// EventInformation implements MetadataProvider.
func (m *Manifest) EventInformation(rec *RawRecord, buf []byte) (int, error) {
	m.mu.RLock()
	blob, ok := m.events[rec.Key()]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return copyBlob(blob, buf)
}

// EventMapInformation implements MetadataProvider.
func (m *Manifest) EventMapInformation(rec *RawRecord, mapName string, buf []byte) (int, error) {
	m.mu.RLock()
	blob, ok := m.maps[mapKey{rec.Provider, mapName}]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrMapNotFound
	}
	return copyBlob(blob, buf)
}
