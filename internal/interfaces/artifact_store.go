package interfaces

import "context"

// ArtifactStore is the write-once object store backing ArtifactCatalog
// documents (spec.md §3 "ArtifactCatalog", §6 object-store layout). Workers
// never write directly: the orchestrator writes catalogs it materializes
// (Case C aggregated inputs, paging continuations) and workers write their
// own output catalogs via the worker-facing API, which proxies through this
// same interface.
type ArtifactStore interface {
	// Put stores body at a key derived from (jobID, stepIndex, itemID, kind)
	// and returns the URL a worker/consumer should use to fetch it. Put is
	// write-once: calling it twice for the same derived key returns
	// ErrArtifactExists.
	Put(ctx context.Context, jobID string, stepIndex int, itemID int64, kind string, body []byte) (url string, err error)

	Get(ctx context.Context, url string) ([]byte, error)

	// Delete removes every object whose key is prefixed by jobID, used by
	// the reaper loop (spec.md §4.6) when a job is purged.
	Delete(ctx context.Context, jobID string) error

	// URLFor computes the URL an object at (jobID, stepIndex, itemID, kind)
	// will have once written, without writing it. The aggregating-step
	// materializer (spec.md §4.2 Case C) needs every page's URL before any
	// page is written so pages can reference their siblings.
	URLFor(jobID string, stepIndex int, itemID int64, kind string) string

	// PutRaw stores body at an explicit key, for objects that live outside
	// the (jobID, stepIndex, itemID, kind) catalog scheme, such as the
	// memory-usage snapshotter's periodic JSON summaries (spec.md §4.6). It
	// always overwrites, unlike Put's write-once guarantee, since the key
	// already embeds a timestamp no caller retries.
	PutRaw(ctx context.Context, key string, body []byte) (url string, err error)
}
