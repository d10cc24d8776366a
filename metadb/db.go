package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// DB provides the metadata index operations spec §4.2 requires of the
// storage manager. All mutations run inside a single transaction.
type DB interface {
	Close() error

	// LookupActive returns the unique non-Tombstoned entry for source, or
	// ErrNotFound if there is none.
	LookupActive(ctx context.Context, source string) (*Entry, error)

	// InsertDownloading inserts a new row with status Downloading, a
	// placeholder cache_path, and current timestamps.
	InsertDownloading(ctx context.Context, source, filename string, tag PolicyTag, policyAt time.Time, policyIdleFor time.Duration) (id int64, err error)

	// PromoteToReady sets cache_path and status=Ready in one transaction.
	// dedup reports whether another entry already owned finalCachePath
	// (the cross-source deduplication case of spec §4.2).
	PromoteToReady(ctx context.Context, id int64, finalCachePath string) (dedup bool, err error)

	// MarkFailed transitions id to Failed.
	MarkFailed(ctx context.Context, id int64) error

	// TouchLastUsed updates last_used for id.
	TouchLastUsed(ctx context.Context, id int64, now time.Time) error

	// ListEvictable returns Ready entries whose policy predicate fires at
	// now.
	ListEvictable(ctx context.Context, now time.Time) ([]Entry, error)

	// ListDownloading returns all entries currently in status
	// Downloading, used by startup recovery.
	ListDownloading(ctx context.Context) ([]Entry, error)

	// ListReady returns all entries currently in status Ready, used by
	// startup recovery's corruption scan.
	ListReady(ctx context.Context) ([]Entry, error)

	// Get returns the entry with the given id.
	Get(ctx context.Context, id int64) (*Entry, error)

	// Delete removes the row for id.
	Delete(ctx context.Context, id int64) error

	// CountReferencing returns the number of Ready entries (other than
	// excludeID) whose cache_path equals cachePath — used to decide
	// whether unlinking a tombstoned entry's blob is safe.
	CountReferencing(ctx context.Context, cachePath string, excludeID int64) (int, error)

	// Tombstone sets status=Tombstoned for id in its own transaction, used
	// by remove() and the sweeper immediately before an unlink+delete.
	Tombstone(ctx context.Context, id int64) error

	// ForceExpire rewrites id's policy to ExpiresAt(now), making it
	// evictable on the sweeper's next look regardless of its original
	// policy. Used by remove(source, wait=false) to defer the actual
	// unlink to the sweeper instead of blocking the caller.
	ForceExpire(ctx context.Context, id int64, now time.Time) error
}
