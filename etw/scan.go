package etw

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ScanSchemas reads src once and resolves the schema of every record, filling
// the resolver cache for browsing. Records without a schema are logged and
// skipped. It returns the number of schemas this scan added to the cache.
func ScanSchemas(ctx context.Context, opener SourceOpener, resolver *SchemaResolver) (int, error) {
	src, err := opener.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSourceOpen, err)
	}
	defer src.Close()

	cache := resolver.Cache()
	before := cache.Len()
	added := func() int { return max(cache.Len()-before, 0) }

	var seen, failed int
	for {
		if err := ctx.Err(); err != nil {
			src.Stop()
			return added(), err
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return added(), fmt.Errorf("%w: %w", ErrSourceProcessing, err)
		}
		if rec.IsTraceHeader() {
			continue
		}
		seen++
		if _, err := resolver.Resolve(rec); err != nil {
			failed++
			seslog.Debug().Err(err).Msg("no schema for record")
		}
	}
	seslog.Info().
		Int("records", seen).
		Int("unresolved", failed).
		Int("schemas", cache.Len()).
		Msg("metadata scan complete")
	return added(), nil
}
