// Package storage holds the shared persistence configuration and the
// export archive backends used by privacy fulfillment.
//
// Archives are optional. When configured, every generated access export is
// also written to a filesystem directory or an S3 compatible bucket and the
// returned location is recorded on the request's fulfillment details.
//
//	store, err := storage.NewArchiveStore(ctx, cfg.Storage)
//	location, err := store.Put(ctx, "org-1/req-1.zip", "application/zip", data)
//
// The postgres subpackage opens the primary and replica pools, applies
// schema migrations and connects the optional Redis client.
package storage
