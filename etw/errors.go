package etw

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaUnavailable is returned when an event cannot be described.
	// The record is skipped and nothing is cached.
	ErrSchemaUnavailable = errors.New("schema unavailable")
	// ErrNotFound is returned by a MetadataProvider that knows nothing about an event.
	ErrNotFound = errors.New("no event information")
	// ErrMalformedSchema is returned for a schema blob that fails validation.
	ErrMalformedSchema = errors.New("malformed schema blob")
	// ErrInsufficientBuffer is returned by a MetadataProvider together with
	// the required buffer size.
	ErrInsufficientBuffer = errors.New("insufficient buffer")
	// ErrAllocation is returned when a scratch buffer would exceed its limit.
	ErrAllocation = errors.New("buffer allocation limit exceeded")

	// ErrPropertyDecode wraps every per-property formatting failure.
	ErrPropertyDecode = errors.New("property decode failed")
	// ErrBufferTooSmall is returned when the payload ends before the property does.
	ErrBufferTooSmall = fmt.Errorf("%w: remaining data too small", ErrPropertyDecode)
	// ErrUnsupportedType is returned for an InType/OutType combination that
	// cannot be formatted.
	ErrUnsupportedType = fmt.Errorf("%w: unsupported type", ErrPropertyDecode)

	// ErrMapNotFound is returned by a MetadataProvider for an unknown map name.
	ErrMapNotFound = errors.New("map not found")
	// ErrMapLookupMiss is returned when a value has no entry in its map.
	ErrMapLookupMiss = errors.New("value not present in map")

	// ErrSourceOpen is returned when a trace source cannot be opened.
	ErrSourceOpen = errors.New("trace source open failed")
	// ErrSourceProcessing is returned when reading from an open source fails.
	ErrSourceProcessing = errors.New("trace source processing failed")
)

// PropertyError records the failure of one property inside a record.
type PropertyError struct {
	Name  string
	Index int
	Err   error
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("property %d %q: %v", e.Index, e.Name, e.Err)
}

func (e *PropertyError) Unwrap() error { return e.Err }
