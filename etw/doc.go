// Package etw decodes ETW-style trace event records into named, formatted
// property values without depending on any OS tracing API.
//
// Records come from a RecordSource and their schemas from a MetadataProvider.
// Both are interfaces, so ETL readers, real-time sessions and the JSON
// capture format in the capture package all plug in the same way. Schemas are
// resolved once per EventKey and kept in an explicitly owned SchemaCache.
//
// Basic usage:
//
//	cache := etw.NewSchemaCache()
//	resolver := etw.NewSchemaResolver(md, cache)
//	session := etw.NewSession(resolver, etw.NewDecoder(md))
//
//	records, err := session.Run(ctx, src, key, 100)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// For a background decode loop that never blocks the caller see DecodeWorker.
package etw
