package etw

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/tekert/etwlens/internal/utf16f"
)

var (
	testProvider  = *MustParseGUID("{3D6FA8D1-FE05-11D0-9DDA-00C04FD7BA7C}")
	otherProvider = *MustParseGUID("{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}")
)

// payload builds little-endian user data.
type payload []byte

func (p payload) u8(v uint8) payload   { return append(p, v) }
func (p payload) u16(v uint16) payload { return binary.LittleEndian.AppendUint16(p, v) }
func (p payload) u32(v uint32) payload { return binary.LittleEndian.AppendUint32(p, v) }
func (p payload) u64(v uint64) payload { return binary.LittleEndian.AppendUint64(p, v) }
func (p payload) f64(v float64) payload {
	return binary.LittleEndian.AppendUint64(p, math.Float64bits(v))
}
func (p payload) raw(b ...byte) payload { return append(p, b...) }

// wstr appends s as UTF-16LE with a NUL terminator.
func (p payload) wstr(s string) payload {
	return append(utf16f.AppendEncodeLE(p, s), 0, 0)
}

// wchars appends s as UTF-16LE without a terminator.
func (p payload) wchars(s string) payload {
	return utf16f.AppendEncodeLE(p, s)
}

func (p payload) astr(s string) payload {
	return append(append(p, s...), 0)
}

func newRecord(provider GUID, id uint16, version uint8, data payload) *RawRecord {
	return &RawRecord{Provider: provider, ID: id, Version: version, UserData: data}
}

// memSource serves records from memory and tracks how it was driven.
type memSource struct {
	mu      sync.Mutex
	recs    []*RawRecord
	pos     int
	reads   int
	stops   int
	closed  bool
	failAt  int // index whose read returns failErr
	failErr error
}

func newMemSource(recs ...*RawRecord) *memSource {
	return &memSource{recs: recs, failAt: -1}
}

func (s *memSource) Next() (*RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stops > 0 || s.closed {
		return nil, io.EOF
	}
	if s.failErr != nil && s.pos == s.failAt {
		return nil, s.failErr
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	s.reads++
	return r, nil
}

func (s *memSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *memSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// countingProvider counts metadata queries of the wrapped provider.
type countingProvider struct {
	MetadataProvider
	mu         sync.Mutex
	eventCalls int
	mapCalls   int
}

func (p *countingProvider) EventInformation(rec *RawRecord, buf []byte) (int, error) {
	p.mu.Lock()
	p.eventCalls++
	p.mu.Unlock()
	return p.MetadataProvider.EventInformation(rec, buf)
}

func (p *countingProvider) EventMapInformation(rec *RawRecord, name string, buf []byte) (int, error) {
	p.mu.Lock()
	p.mapCalls++
	p.mu.Unlock()
	return p.MetadataProvider.EventMapInformation(rec, name, buf)
}

func (p *countingProvider) calls() (events, maps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventCalls, p.mapCalls
}

// mustManifest registers one provider with the given events and maps.
func mustManifest(provider GUID, events []EventDef, maps ...MapDef) *Manifest {
	m, err := NewManifest(&ProviderManifest{
		Provider: provider,
		Name:     "Test-Provider",
		Events:   events,
		Maps:     maps,
	})
	if err != nil {
		panic(err)
	}
	return m
}

// decodeOne resolves and decodes rec against md with a fresh pipeline.
func decodeOne(md MetadataProvider, rec *RawRecord, opts ...DecoderOption) ([]PropertyValue, error) {
	s, err := NewSchemaResolver(md, nil).Resolve(rec)
	if err != nil {
		return nil, err
	}
	return NewDecoder(md, opts...).Decode(s, rec), nil
}
