package etw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	plog "github.com/phuslu/log"
)

// EventRecord is one decoded record that matched a session filter.
type EventRecord struct {
	Key        EventKey        `json:"key"`
	Timestamp  int64           `json:"timestamp"`
	Properties []PropertyValue `json:"properties"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger replaces the package session logger.
func WithSessionLogger(l *plog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// Session scans a record source for one EventKey and decodes the matches.
// It shares the resolver and decoder scratch state, so a Session must not
// run concurrently with itself.
type Session struct {
	resolver *SchemaResolver
	decoder  *Decoder
	log      *plog.Logger
}

func NewSession(resolver *SchemaResolver, decoder *Decoder, opts ...SessionOption) *Session {
	s := &Session{resolver: resolver, decoder: decoder, log: seslog}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Records yields the decoded records of src whose key equals filter, in
// source order, until maxMatches records were produced or src is exhausted.
// src.Stop is called as soon as the cap is reached or the consumer stops
// iterating. A zero filter or a non-positive cap yields nothing and does not
// read src.
//
// A non-nil error is always the last value yielded. Read failures wrap
// ErrSourceProcessing, cancellation yields ctx.Err().
func (s *Session) Records(ctx context.Context, src RecordSource, filter EventKey, maxMatches int) iter.Seq2[EventRecord, error] {
	return func(yield func(EventRecord, error) bool) {
		if filter.IsZero() || maxMatches <= 0 {
			return
		}
		matches := 0
		for {
			if err := ctx.Err(); err != nil {
				src.Stop()
				yield(EventRecord{}, err)
				return
			}
			rec, err := src.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(EventRecord{}, fmt.Errorf("%w: %w", ErrSourceProcessing, err))
				return
			}
			if rec.IsTraceHeader() || rec.Key() != filter {
				continue
			}

			schema, err := s.resolver.Resolve(rec)
			if err != nil && !rec.IsStringOnly() {
				s.log.Debug().Err(err).Str("event", filter.String()).Msg("skipping record")
				continue
			}
			out := EventRecord{
				Key:        filter,
				Timestamp:  rec.Timestamp,
				Properties: s.decoder.Decode(schema, rec),
			}

			matches++
			if matches >= maxMatches {
				src.Stop()
				yield(out, nil)
				return
			}
			if !yield(out, nil) {
				src.Stop()
				return
			}
		}
	}
}

// Run collects Records into a slice. On error the records decoded so far are
// returned with it.
func (s *Session) Run(ctx context.Context, src RecordSource, filter EventKey, maxMatches int) ([]EventRecord, error) {
	var out []EventRecord
	for r, err := range s.Records(ctx, src, filter, maxMatches) {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	s.log.Debug().Str("event", filter.String()).Int("matches", len(out)).Msg("session finished")
	return out, nil
}
