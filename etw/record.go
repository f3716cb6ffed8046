package etw

import (
	"context"

	"github.com/tekert/etwlens/internal/utf16f"
)

// RawRecord is one undecoded event as delivered by a RecordSource.
type RawRecord struct {
	Provider  GUID
	ID        uint16
	Version   uint8
	Opcode    uint8
	Level     uint8
	Flags     uint16 // EVENT_HEADER_FLAG_*
	Timestamp int64  // raw ticks as stored by the source
	UserData  []byte
}

// Key returns the schema identity of the record.
func (r *RawRecord) Key() EventKey {
	return EventKey{Provider: r.Provider, ID: r.ID, Version: r.Version}
}

// PointerSize returns the pointer width of the process that logged the event.
func (r *RawRecord) PointerSize() int {
	if r.Flags&EVENT_HEADER_FLAG_32_BIT_HEADER != 0 {
		return 4
	}
	return 8
}

// IsStringOnly reports whether the payload is a single NUL-terminated UTF-16 string.
func (r *RawRecord) IsStringOnly() bool {
	return r.Flags&EVENT_HEADER_FLAG_STRING_ONLY != 0
}

// IsTraceMessage reports a WPP trace message.
func (r *RawRecord) IsTraceMessage() bool {
	return r.Flags&EVENT_HEADER_FLAG_TRACE_MESSAGE != 0
}

// IsTraceHeader reports the synthetic first record of a log file that
// describes the trace itself rather than user data.
func (r *RawRecord) IsTraceHeader() bool {
	return r.Opcode == EVENT_TRACE_TYPE_INFO && r.Provider == EventTraceGuid
}

// payloadString decodes a string-only payload.
func (r *RawRecord) payloadString() string {
	s, _, _ := utf16f.DecodeCString(r.UserData)
	return s
}

// RecordSource delivers raw records in their natural order.
//
// Next returns io.EOF when the source is exhausted. Stop asks the source to
// stop delivering records; Next returns io.EOF afterwards. Close releases the
// underlying resources.
type RecordSource interface {
	Next() (*RawRecord, error)
	Stop()
	Close() error
}

// SourceOpener opens a fresh RecordSource over the same trace each time.
type SourceOpener interface {
	Open(ctx context.Context) (RecordSource, error)
}

// SourceOpenerFunc adapts a function to SourceOpener.
type SourceOpenerFunc func(ctx context.Context) (RecordSource, error)

func (f SourceOpenerFunc) Open(ctx context.Context) (RecordSource, error) { return f(ctx) }

// MetadataProvider describes events and their enum maps as raw blobs.
//
// Both methods copy into buf and return the number of bytes written. When
// buf is too small they return ErrInsufficientBuffer together with the
// required size. EventInformation returns ErrNotFound for unknown events and
// EventMapInformation returns ErrMapNotFound for unknown maps.
type MetadataProvider interface {
	EventInformation(rec *RawRecord, buf []byte) (int, error)
	EventMapInformation(rec *RawRecord, mapName string, buf []byte) (int, error)
}
