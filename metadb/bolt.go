package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements DB using bbolt, following the option-functional
// construction and per-transaction discipline of a bbolt-backed metadata
// store: every read-modify-write sequence that touches an invariant runs
// inside a single bbolt.Update.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a BoltDB instance.
type Option func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltDB) { b.logger = logger }
}

// WithNoSync disables fsync per transaction. Use only for tests: it risks
// data loss on crash.
func WithNoSync(noSync bool) Option {
	return func(b *BoltDB) { b.noSync = noSync }
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string, opts ...Option) (*BoltDB, error) {
	b := &BoltDB{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketBySource, bucketByCachePath} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened metadata index", "path", path)
	return b, nil
}

// Close closes the underlying database.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getEntry(tx *bbolt.Tx, id int64) (*Entry, error) {
	val := tx.Bucket(bucketEntries).Get(encodeID(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("decoding entry %d: %w", id, err)
	}
	return &e, nil
}

func putEntry(tx *bbolt.Tx, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %d: %w", e.ID, err)
	}
	return tx.Bucket(bucketEntries).Put(encodeID(e.ID), data)
}

// LookupActive implements DB.
func (b *BoltDB) LookupActive(_ context.Context, source string) (*Entry, error) {
	var e *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		idBytes := tx.Bucket(bucketBySource).Get([]byte(source))
		if idBytes == nil {
			return ErrNotFound
		}
		var err error
		e, err = getEntry(tx, decodeID(idBytes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InsertDownloading implements DB.
func (b *BoltDB) InsertDownloading(_ context.Context, source, filename string, tag PolicyTag, policyAt time.Time, policyIdleFor time.Duration) (int64, error) {
	var id int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		seq, err := entries.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating entry id: %w", err)
		}
		id = int64(seq) //nolint:gosec // bbolt sequence values fit in int64 for any realistic cache

		now := time.Now().UTC()
		e := &Entry{
			ID:            id,
			Source:        source,
			CachePath:     "",
			Filename:      filename,
			Created:       now,
			LastUsed:      now,
			PolicyTag:     tag,
			PolicyAt:      policyAt,
			PolicyIdleFor: policyIdleFor,
			Status:        StatusDownloading,
		}
		if err := putEntry(tx, e); err != nil {
			return err
		}
		return tx.Bucket(bucketBySource).Put([]byte(source), encodeID(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func cachePathRefs(tx *bbolt.Tx, cachePath string) ([]int64, error) {
	if cachePath == "" {
		return nil, nil
	}
	val := tx.Bucket(bucketByCachePath).Get([]byte(cachePath))
	if val == nil {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal(val, &ids); err != nil {
		return nil, fmt.Errorf("decoding cache_path index for %s: %w", cachePath, err)
	}
	return ids, nil
}

func putCachePathRefs(tx *bbolt.Tx, cachePath string, ids []int64) error {
	if len(ids) == 0 {
		return tx.Bucket(bucketByCachePath).Delete([]byte(cachePath))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding cache_path index for %s: %w", cachePath, err)
	}
	return tx.Bucket(bucketByCachePath).Put([]byte(cachePath), data)
}

// PromoteToReady implements DB. If another entry already references
// finalCachePath, this is the cross-source dedup case: the late entry is
// simply recorded as an additional reference to the same physical blob.
func (b *BoltDB) PromoteToReady(_ context.Context, id int64, finalCachePath string) (bool, error) {
	var dedup bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}

		refs, err := cachePathRefs(tx, finalCachePath)
		if err != nil {
			return err
		}
		dedup = len(refs) > 0
		refs = append(refs, id)
		if err := putCachePathRefs(tx, finalCachePath, refs); err != nil {
			return err
		}

		e.CachePath = finalCachePath
		e.Status = StatusReady
		return putEntry(tx, e)
	})
	if err != nil {
		return false, err
	}
	return dedup, nil
}

// MarkFailed implements DB.
func (b *BoltDB) MarkFailed(_ context.Context, id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		e.Status = StatusFailed
		if err := putEntry(tx, e); err != nil {
			return err
		}
		return tx.Bucket(bucketBySource).Delete([]byte(e.Source))
	})
}

// TouchLastUsed implements DB.
func (b *BoltDB) TouchLastUsed(_ context.Context, id int64, now time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		e.LastUsed = now
		return putEntry(tx, e)
	})
}

// ListEvictable implements DB.
func (b *BoltDB) ListEvictable(_ context.Context, now time.Time) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			if e.Status == StatusReady && e.Evictable(now) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// ListDownloading implements DB.
func (b *BoltDB) ListDownloading(ctx context.Context) ([]Entry, error) {
	return b.listByStatus(StatusDownloading)
}

// ListReady implements DB.
func (b *BoltDB) ListReady(ctx context.Context) ([]Entry, error) {
	return b.listByStatus(StatusReady)
}

func (b *BoltDB) listByStatus(status Status) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			if e.Status == status {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Get implements DB.
func (b *BoltDB) Get(_ context.Context, id int64) (*Entry, error) {
	var e *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Tombstone implements DB.
func (b *BoltDB) Tombstone(_ context.Context, id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		e.Status = StatusTombstoned
		if err := putEntry(tx, e); err != nil {
			return err
		}
		return tx.Bucket(bucketBySource).Delete([]byte(e.Source))
	})
}

// ForceExpire implements DB.
func (b *BoltDB) ForceExpire(_ context.Context, id int64, now time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		e.PolicyTag = PolicyExpiresAt
		e.PolicyAt = now
		return putEntry(tx, e)
	})
}

// Delete implements DB.
func (b *BoltDB) Delete(_ context.Context, id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}

		if e.CachePath != "" {
			refs, err := cachePathRefs(tx, e.CachePath)
			if err != nil {
				return err
			}
			refs = removeID(refs, id)
			if err := putCachePathRefs(tx, e.CachePath, refs); err != nil {
				return err
			}
		}

		_ = tx.Bucket(bucketBySource).Delete([]byte(e.Source))
		return tx.Bucket(bucketEntries).Delete(encodeID(id))
	})
}

// CountReferencing implements DB.
func (b *BoltDB) CountReferencing(_ context.Context, cachePath string, excludeID int64) (int, error) {
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		refs, err := cachePathRefs(tx, cachePath)
		if err != nil {
			return err
		}
		for _, id := range refs {
			if id == excludeID {
				continue
			}
			e, err := getEntry(tx, id)
			if err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if e.Status == StatusReady {
				count++
			}
		}
		return nil
	})
	return count, err
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Compile-time interface check.
var _ DB = (*BoltDB)(nil)
