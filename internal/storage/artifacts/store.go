// Package artifacts implements interfaces.ArtifactStore, the write-once
// object store backing ArtifactCatalog documents (spec.md §3, §5 "write-once
// and never rewrites a catalog at a given URL"). It is grounded on the
// teacher's internal/storage/badger connection pattern, but talks to
// dgraph-io/badger/v4 directly rather than through badgerhold: catalog
// documents are opaque byte blobs keyed by href, not typed records a
// badgerhold index would help with.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
)

// Store is a badger-backed, write-once object store. Keys are derived from
// (jobID, stepIndex, itemID, kind) so the reaper can delete every object for
// a job with a single prefix scan.
type Store struct {
	db     *badger.DB
	logger arbor.ILogger
}

var _ interfaces.ArtifactStore = (*Store)(nil)

// New opens (or creates) the badger store at config.Path.
func New(logger arbor.ILogger, config *common.BadgerConfig) (*Store, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Warn().Str("path", config.Path).Msg("Resetting artifact store (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete artifact store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact store directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("Artifact catalog store initialized")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// objectKey derives the stable key for one artifact. kind distinguishes
// multiple objects an item can own, e.g. "input" (stacCatalogLocation) vs
// "output/0", "output/1" for multi-page producer results.
func objectKey(jobID string, stepIndex int, itemID int64, kind string) string {
	return fmt.Sprintf("%s/%d/%d/%s", jobID, stepIndex, itemID, kind)
}

// urlFor turns an object key into the URL form callers store on WorkItem
// and ArtifactCatalog documents (badger:// is this store's private scheme;
// real deployments would use s3:// the same way the worker-facing contract
// only cares that it round-trips through Put/Get).
func urlFor(key string) string {
	return "badger://" + key
}

// URLFor computes the URL an object at (jobID, stepIndex, itemID, kind) will
// have once written, without writing it. Safe to call ahead of Put because
// the key is a pure function of its coordinates: callers that must link
// sibling pages together (catalog.Paginate's hrefFor) need every page's URL
// before any page is written.
func (s *Store) URLFor(jobID string, stepIndex int, itemID int64, kind string) string {
	return urlFor(objectKey(jobID, stepIndex, itemID, kind))
}

func keyFromURL(url string) (string, error) {
	const prefix = "badger://"
	if !strings.HasPrefix(url, prefix) {
		return "", herrors.Classify(herrors.ClassValidation, fmt.Errorf("not an artifact store url: %s", url))
	}
	return strings.TrimPrefix(url, prefix), nil
}

// Put stores body at the key derived from (jobID, stepIndex, itemID, kind).
// Write-once: a second Put at the same derived key returns ErrArtifactExists
// without touching the existing object (spec.md §5 "never rewrites a
// catalog at a given URL").
func (s *Store) Put(ctx context.Context, jobID string, stepIndex int, itemID int64, kind string, body []byte) (string, error) {
	key := objectKey(jobID, stepIndex, itemID, kind)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return herrors.ErrArtifactExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set([]byte(key), body)
	})
	if err != nil {
		if err == herrors.ErrArtifactExists {
			return "", err
		}
		return "", fmt.Errorf("failed to write artifact %s: %w", key, herrors.Classify(herrors.ClassTransientInfra, err))
	}

	return urlFor(key), nil
}

// PutRaw stores body at key unconditionally, overwriting any existing
// object there. Used for objects that don't fit the (jobID, stepIndex,
// itemID, kind) catalog scheme, such as the memory-usage snapshotter's
// timestamped JSON summaries.
func (s *Store) PutRaw(ctx context.Context, key string, body []byte) (string, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), body)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", key, herrors.Classify(herrors.ClassTransientInfra, err))
	}
	return urlFor(key), nil
}

// Get fetches the object at url, which must have been returned by a prior
// Put.
func (s *Store) Get(ctx context.Context, url string) ([]byte, error) {
	key, err := keyFromURL(url)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return herrors.ErrArtifactNotFound
		} else if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == herrors.ErrArtifactNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, herrors.Classify(herrors.ClassTransientInfra, err))
	}
	return body, nil
}

// Delete removes every object whose key is prefixed by jobID, used by the
// reaper loop (spec.md §4.6) when a terminated job's rows are purged.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	prefix := []byte(jobID + "/")

	for {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < 1000; it.Next() {
				keys = append(keys, append([]byte(nil), it.Item().Key()...))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan artifacts for job %s: %w", jobID, herrors.Classify(herrors.ClassTransientInfra, err))
		}
		if len(keys) == 0 {
			return nil
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete artifacts for job %s: %w", jobID, herrors.Classify(herrors.ClassTransientInfra, err))
		}
	}
}
