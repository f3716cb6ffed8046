package etw

import (
	"errors"
	"fmt"
)

const (
	initialSchemaBufferSize = 8 << 10
	// MaxSchemaBufferSize bounds the scratch buffer used to fetch one
	// TRACE_EVENT_INFO or EVENT_MAP_INFO blob.
	MaxSchemaBufferSize = 1 << 20
)

// ResolverOption configures a SchemaResolver.
type ResolverOption func(*SchemaResolver)

// WithResolverMetrics counts cache hits, misses and failures.
func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(r *SchemaResolver) { r.metrics = m }
}

// SchemaResolver turns a raw record into the EventSchema of its key. It
// reuses a scratch buffer across calls and must not be used by more than
// one goroutine at a time. The cache it fills may be shared.
type SchemaResolver struct {
	md      MetadataProvider
	cache   *SchemaCache
	buf     []byte
	metrics *Metrics
}

// NewSchemaResolver returns a resolver backed by md that stores results in
// cache. A nil cache gets a private one.
func NewSchemaResolver(md MetadataProvider, cache *SchemaCache, opts ...ResolverOption) *SchemaResolver {
	if cache == nil {
		cache = NewSchemaCache()
	}
	r := &SchemaResolver{md: md, cache: cache}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the cache the resolver fills.
func (r *SchemaResolver) Cache() *SchemaCache {
	return r.cache
}

// Resolve returns the schema for rec.Key(), querying the metadata provider
// only on a cache miss. Every failure wraps ErrSchemaUnavailable and leaves
// the cache untouched.
func (r *SchemaResolver) Resolve(rec *RawRecord) (*EventSchema, error) {
	key := rec.Key()
	if s, ok := r.cache.Load(key); ok {
		r.metrics.cacheHit()
		return s, nil
	}
	r.metrics.cacheMiss()

	s, err := r.build(rec, key)
	if err != nil {
		r.metrics.unavailable()
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaUnavailable, key, err)
	}
	s, _ = r.cache.Record(s)
	return s, nil
}

// Record stores s under the key of rec.
func (r *SchemaResolver) Record(rec *RawRecord, s *EventSchema) {
	if s.Key != rec.Key() {
		c := *s
		c.Key = rec.Key()
		s = &c
	}
	r.cache.Record(s)
}

func (r *SchemaResolver) build(rec *RawRecord, key EventKey) (*EventSchema, error) {
	if r.buf == nil {
		r.buf = make([]byte, initialSchemaBufferSize)
	}
	n, err := fetchBlob(&r.buf, func(buf []byte) (int, error) {
		return r.md.EventInformation(rec, buf)
	})
	if err != nil {
		return nil, err
	}
	// The blob is parsed into owned strings and slices, so the scratch
	// buffer can be reused right away.
	return parseTraceEventInfo(key, r.buf[:n])
}

// fetchBlob calls get with *buf and grows *buf to the size reported with
// ErrInsufficientBuffer until the call succeeds.
func fetchBlob(buf *[]byte, get func([]byte) (int, error)) (int, error) {
	for {
		n, err := get(*buf)
		if !errors.Is(err, ErrInsufficientBuffer) {
			if err == nil && (n < 0 || n > len(*buf)) {
				return 0, fmt.Errorf("%w: provider wrote %d bytes into %d", ErrMalformedSchema, n, len(*buf))
			}
			return n, err
		}
		if n > MaxSchemaBufferSize {
			return 0, fmt.Errorf("%w: %d bytes requested, limit is %d", ErrAllocation, n, MaxSchemaBufferSize)
		}
		if n <= len(*buf) {
			return 0, fmt.Errorf("%w: provider asked for %d bytes with %d available", ErrInsufficientBuffer, n, len(*buf))
		}
		*buf = make([]byte, n)
	}
}
