// Package remote implements the narrow C7 remote store adapter: an
// interface for putting an opaque encrypted blob to a permanent,
// immutable store and getting it back by URL, plus the decorators
// (retry, rate limiting) and backends (memory, disk, GCS) that implement
// or wrap it.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when url has no corresponding blob in
// the backing store.
var ErrNotFound = errors.New("remote: blob not found")

// ErrFatal wraps a terminal error from a Store operation: every retry
// attempt the caller's retry policy allowed has been exhausted. Callers
// (uploader, reconstruct) surface this to the user and, for uploads,
// leave the current version pending rather than mark it completed.
var ErrFatal = errors.New("remote: operation failed after retries")

// Tags is free-form metadata a caller may attach to a Put; backends that
// don't support tagging ignore it.
type Tags map[string]string

// Store is the interface the core depends on for the remote permanent-
// data network. Put uploads an opaque blob and returns an immutable URL;
// Get retrieves the blob a prior Put returned a URL for. The remote is
// assumed append-only: no Store implementation here exposes a deletion
// primitive, and the core never calls one.
type Store interface {
	// Put uploads blob and returns its immutable URL. Idempotency across
	// repeated Puts of identical bytes is at the caller's discretion; the
	// interface does not promise deduplication (MemoryStore stores every
	// Put separately, while DiskStore and GCSStore return the existing
	// URL for bytes they already hold).
	Put(ctx context.Context, blob []byte, tags Tags) (string, error)

	// Get retrieves the blob previously stored at url.
	Get(ctx context.Context, url string) ([]byte, error)
}

// Stats are cumulative byte/object counters a Store implementation may
// track across its lifetime, for reporting (supplemented feature: the
// teacher's Backend.LogStats, narrowed to the counters a caller would
// actually want to print).
type Stats struct {
	BytesPut   int64
	BytesGot   int64
	ObjectsPut int64
	ObjectsGot int64
}

// StatsReporter is implemented by Store backends that track Stats. Not
// every Store (e.g. a decorator) needs to; callers type-assert for it.
type StatsReporter interface {
	Stats() Stats
}
