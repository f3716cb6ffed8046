package capture

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/tekert/etwlens/etw"
)

// Source replays records in order. It is safe to call Stop from another
// goroutine while Next is in use.
type Source struct {
	recs    []*etw.RawRecord
	pos     int
	stopped atomic.Bool
	closed  atomic.Bool
}

// NewSource returns a source over recs.
func NewSource(recs []*etw.RawRecord) *Source {
	return &Source{recs: recs}
}

// Next returns the next record, or io.EOF once the records are exhausted or
// the source was stopped.
func (s *Source) Next() (*etw.RawRecord, error) {
	if s.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	if s.stopped.Load() || s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *Source) Stop() { s.stopped.Store(true) }

func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}

// Source returns a new replay source over the capture records.
func (f *File) Source() *Source {
	return NewSource(f.RawRecords())
}

// Opener opens a fresh Source over the same records on every call, which is
// what a DecodeWorker needs to answer repeated filter requests.
type Opener struct {
	recs []*etw.RawRecord
}

// NewOpener converts the records of f once and replays them on every Open.
func NewOpener(f *File) *Opener {
	return &Opener{recs: f.RawRecords()}
}

// Open implements etw.SourceOpener.
func (o *Opener) Open(ctx context.Context) (etw.RecordSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSource(o.recs), nil
}

// Len returns the number of records replayed by each source.
func (o *Opener) Len() int { return len(o.recs) }
