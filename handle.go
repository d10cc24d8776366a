package carol

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/carol-cache/carol/refcount"
	"github.com/carol-cache/carol/storagedir"
	"github.com/carol-cache/carol/telemetry"
)

// liveHandles counts every outstanding Handle across every Manager in the
// process, feeding the carol_handles_active gauge.
var liveHandles atomic.Int64

// Handle is a live pinning token for one metadata entry. Holding a Handle
// guarantees the sweeper will not unlink the entry's blob or delete its
// row. Call Release when the handle is no longer needed; further Release
// calls have no effect.
type Handle struct {
	entryID   int64
	cachePath string

	dir       *storagedir.Dir
	refcounts *refcount.Table

	once sync.Once
}

func newHandle(entryID int64, cachePath string, dir *storagedir.Dir, refcounts *refcount.Table) *Handle {
	refcounts.Acquire(entryID)
	telemetry.RecordHandlesActive(context.Background(), liveHandles.Add(1))
	return &Handle{
		entryID:   entryID,
		cachePath: cachePath,
		dir:       dir,
		refcounts: refcounts,
	}
}

// CachePath returns the absolute path of the underlying blob. Valid only
// while the handle is held.
func (h *Handle) CachePath() string {
	return h.cachePath
}

// Symlink creates a symbolic link at target pointing at the handle's blob.
// Fails with KindConflict if target already exists, and with KindIO on any
// other filesystem failure. The symlink's validity
// is only guaranteed while the handle is held — see spec Open Question
// (iii): ties symlink validity to handle lifetime, not beyond it.
func (h *Handle) Symlink(target string) error {
	hash, err := ParseHash(lastPathSegment(h.cachePath))
	if err != nil {
		return newErr("symlink", KindIO, err)
	}
	if err := h.dir.Symlink(hash, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &Error{Op: "symlink", Kind: KindConflict, Err: err}
		}
		return newErr("symlink", KindIO, err)
	}
	return nil
}

// Release decrements the handle's refcount, signalling the sweeper if it
// reaches zero. Safe to call multiple times; only the first call has
// effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.refcounts.Release(h.entryID)
		telemetry.RecordHandlesActive(context.Background(), liveHandles.Add(-1))
	})
}

func lastPathSegment(path string) string {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	return path[idx+1:]
}
