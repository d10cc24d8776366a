package carol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carol-cache/carol/metadb"
	"github.com/carol-cache/carol/refcount"
	"github.com/carol-cache/carol/singleflight"
	"github.com/carol-cache/carol/storagedir"
	"github.com/carol-cache/carol/sweeper"
	"github.com/carol-cache/carol/telemetry"
)

const indexFileName = "carol.db"

// Manager is the storage manager: the single value that owns every piece
// of Carol's mutable state (metadata index, cache directory, single-flight
// table, refcount table, sweeper). Multiple Managers may coexist over
// distinct cache roots; the only package-level mutable state is the
// liveHandles counter that feeds a metrics gauge.
type Manager struct {
	db        metadb.DB
	dir       *storagedir.Dir
	registry  *singleflight.Registry
	refcounts *refcount.Table
	sweep     *sweeper.Manager
	fetcher   Fetcher
	logger    *slog.Logger
}

// Open opens or creates the cache at cacheRoot: the metadata index and the
// files/staging directory tree, then runs startup recovery before
// returning. Starts the background eviction sweeper.
func Open(ctx context.Context, cacheRoot string, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	dir, err := storagedir.Open(cacheRoot)
	if err != nil {
		return nil, newErr("open", KindIO, err)
	}

	db, err := metadb.Open(filepath.Join(cacheRoot, indexFileName), metadb.WithLogger(o.logger))
	if err != nil {
		return nil, newErr("open", KindDatabase, err)
	}

	m := &Manager{
		db:       db,
		dir:      dir,
		registry: singleflight.New(singleflight.WithLogger(o.logger)),
		fetcher:  o.fetcher,
		logger:   o.logger,
	}

	// sweepMgr is assigned after refcounts is constructed; the closure
	// below captures the variable, not its (still nil) value, so a
	// refcount drop during construction can never race with it.
	var sweepMgr *sweeper.Manager
	m.refcounts = refcount.New(func(id int64) {
		if sweepMgr != nil {
			sweepMgr.Kick(id)
		}
	})

	sweeperOpts := []sweeper.ManagerOption{sweeper.WithLogger(o.logger)}
	if o.meter != nil {
		sweeperOpts = append(sweeperOpts, sweeper.WithMetrics(o.meter))
	}
	sweepMgr = sweeper.New(db, dir, m.refcounts, o.sweepConfig, sweeperOpts...)
	m.sweep = sweepMgr

	if err := m.recover(ctx, o.recoveryPool); err != nil {
		_ = db.Close()
		return nil, err
	}

	m.sweep.Start(context.Background())

	return m, nil
}

// Close stops the background sweeper and closes the metadata index. It
// does not wait for live handles to be released.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.sweep.Stop(ctx); err != nil {
		return err
	}
	return m.db.Close()
}

// recover implements spec §5's startup recovery: purge staging, fail
// leftover Downloading rows, corruption-check Ready rows, remove blobs under
// files/ that no Ready row references, then run one sweep. Ready-row file checks run with bounded concurrency via errgroup,
// since a cold cache can carry many thousands of entries and each check is
// a blocking stat call.
func (m *Manager) recover(ctx context.Context, concurrency int) error {
	if err := m.dir.PurgeStaging(); err != nil {
		return newErr("recover", KindIO, err)
	}

	downloading, err := m.db.ListDownloading(ctx)
	if err != nil {
		return newErr("recover", KindDatabase, err)
	}
	for _, e := range downloading {
		if err := m.db.MarkFailed(ctx, e.ID); err != nil {
			return newErr("recover", KindDatabase, err)
		}
		if err := m.db.Delete(ctx, e.ID); err != nil {
			return newErr("recover", KindDatabase, err)
		}
		m.logger.Warn("recovered stale downloading entry", "source", e.Source, "id", e.ID)
	}

	ready, err := m.db.ListReady(ctx)
	if err != nil {
		return newErr("recover", KindDatabase, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, e := range ready {
		e := e
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if m.dir.ExistsPath(e.CachePath) {
				return nil
			}
			m.logger.Warn("ready entry missing backing file, marking corrupt", "source", e.Source, "id", e.ID, "cache_path", e.CachePath)
			if err := m.db.MarkFailed(ctx, e.ID); err != nil {
				return err
			}
			return m.db.Delete(ctx, e.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return newErr("recover", KindDatabase, err)
	}

	referenced := make(map[string]bool, len(ready))
	for _, e := range ready {
		referenced[filepath.Base(e.CachePath)] = true
	}
	names, err := m.dir.ListFinal()
	if err != nil {
		return newErr("recover", KindIO, err)
	}
	for _, name := range names {
		if h, perr := ParseHash(name); perr == nil && !referenced[name] {
			if err := m.dir.Remove(h); err != nil {
				return newErr("recover", KindIO, err)
			}
		}
	}

	if _, err := m.sweep.RunNow(ctx); err != nil {
		return newErr("recover", KindDatabase, err)
	}
	return nil
}

// Get is the single-flight coordinated path: idempotent under concurrent
// callers for the same source.
func (m *Manager) Get(ctx context.Context, source string, policy StorePolicy) (*Handle, error) {
	if m.fetcher == nil {
		return nil, newErr("get", KindIO, errors.New("no fetcher configured"))
	}
	return m.acquireOrStart(ctx, source, policy, "", func(ctx context.Context) (io.ReadCloser, *ExpectedHash, error) {
		return m.fetcher.Fetch(ctx, source)
	})
}

// CopyLocalFile hashes and imports a local file by copy-then-rename,
// sharing the same dedup rules as network entries. filename labels the
// resulting entry for later use by Handle.Symlink.
func (m *Manager) CopyLocalFile(ctx context.Context, path string, policy StorePolicy, filename string) (*Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, newErr("copy_local_file", KindIO, err)
	}
	source := "file://" + abs

	return m.acquireOrStart(ctx, source, policy, filename, func(ctx context.Context) (io.ReadCloser, *ExpectedHash, error) {
		f, err := os.Open(abs)
		if err != nil {
			return nil, nil, err
		}
		// A local file carries no fetcher-supplied hash hint; the digest
		// computed while copying it is authoritative.
		return f, nil, nil
	})
}

// acquireOrStart implements the hit/miss/single-flight decision tree
// common to Get and CopyLocalFile: a Ready hit short-circuits the
// single-flight table entirely (spec §9: "avoid blocking primitives on the
// fast path by keeping the single-flight table untouched on cache hits"),
// a miss or in-progress download joins the registry as leader or follower.
func (m *Manager) acquireOrStart(ctx context.Context, source string, policy StorePolicy, filename string, open func(context.Context) (io.ReadCloser, *ExpectedHash, error)) (*Handle, error) {
	start := time.Now()

	entry, err := m.db.LookupActive(ctx, source)
	if err == nil && entry.Status == metadb.StatusReady {
		if err := m.db.TouchLastUsed(ctx, entry.ID, time.Now().UTC()); err != nil {
			return nil, newErr("get", KindDatabase, err)
		}
		h := newHandle(entry.ID, entry.CachePath, m.dir, m.refcounts)
		recordGet(ctx, "hit", start)
		return h, nil
	}
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return nil, newErr("get", KindDatabase, err)
	}

	role, lease, waiter := m.registry.JoinOrStart(source)
	if role == singleflight.RoleFollower {
		outcome, err := waiter.Wait(ctx)
		if err != nil {
			recordGet(ctx, "error", start)
			return nil, &Error{Op: "get", Kind: KindCancelled, Err: err}
		}
		if outcome.Err != nil {
			recordGet(ctx, "error", start)
			return nil, outcome.Err
		}
		id := outcome.Value.(int64)
		e, err := m.db.Get(ctx, id)
		if err != nil {
			return nil, newErr("get", KindDatabase, err)
		}
		if err := m.db.TouchLastUsed(ctx, id, time.Now().UTC()); err != nil {
			return nil, newErr("get", KindDatabase, err)
		}
		h := newHandle(id, e.CachePath, m.dir, m.refcounts)
		recordGet(ctx, "miss_follower", start)
		return h, nil
	}

	h, err := m.lead(ctx, lease, source, policy, filename, open)
	if err != nil {
		recordGet(ctx, "error", start)
		return nil, err
	}
	recordGet(ctx, "miss_leader", start)
	return h, nil
}

// lead runs the leader's download-and-publish sequence: insert a
// Downloading row, stream the source into staging, hash it, atomically
// rename into files/, and commit the row as Ready — publishing the
// outcome to every follower only after the commit succeeds, so no
// follower's handle is ever observable before promote_to_ready commits.
func (m *Manager) lead(ctx context.Context, lease *singleflight.Lease, source string, policy StorePolicy, filename string, open func(context.Context) (io.ReadCloser, *ExpectedHash, error)) (*Handle, error) {
	tag, policyAt, policyIdleFor := toMetaPolicy(policy)

	id, err := m.db.InsertDownloading(ctx, source, filename, tag, policyAt, policyIdleFor)
	if err != nil {
		wrapped := newErr("get", KindDatabase, err)
		lease.Abort(wrapped)
		return nil, wrapped
	}

	// leaseCtx scopes the fetch to this lease rather than directly to the
	// caller's ctx: per spec §9, cancelling the leader must abort the fetch
	// and publish Cancelled to every follower, a distinct event from a
	// follower's own ctx cancelling, which must not touch the leader at all.
	leaseCtx, cancelLease := lease.Context(ctx)
	defer cancelLease()

	rc, expected, err := open(leaseCtx)
	if err != nil {
		_ = m.db.MarkFailed(ctx, id)
		wrapped := newErr("get", KindTransport, err)
		lease.Abort(wrapped)
		return nil, wrapped
	}
	defer rc.Close()

	staging, err := m.dir.NewStaging()
	if err != nil {
		_ = m.db.MarkFailed(ctx, id)
		wrapped := newErr("get", KindIO, err)
		lease.Abort(wrapped)
		return nil, wrapped
	}

	hr := NewHashingReader(&cancelableReader{ctx: leaseCtx, r: rc})
	if _, err := io.Copy(staging, hr); err != nil {
		_ = staging.Abort()
		_ = m.db.MarkFailed(ctx, id)

		var wrapped error
		if leaseCtx.Err() != nil {
			wrapped = &Error{Op: "get", Kind: KindCancelled, Err: leaseCtx.Err()}
		} else {
			wrapped = newErr("get", KindTransport, err)
		}
		lease.Abort(wrapped)
		return nil, wrapped
	}

	hash := hr.Sum()
	if expected != nil && hash != Hash(*expected) {
		_ = staging.Abort()
		_ = m.db.MarkFailed(ctx, id)
		wrapped := newErr("get", KindHashMismatch, fmt.Errorf("computed hash %s does not match fetcher-supplied expected hash %s", hash, Hash(*expected)))
		lease.Abort(wrapped)
		return nil, wrapped
	}

	finalPath, err := m.dir.Publish(staging, hash)
	if err != nil {
		_ = m.db.MarkFailed(ctx, id)
		wrapped := newErr("get", KindIO, err)
		lease.Abort(wrapped)
		return nil, wrapped
	}

	dedup, err := m.db.PromoteToReady(ctx, id, finalPath)
	if err != nil {
		_ = m.db.MarkFailed(ctx, id)
		wrapped := newErr("get", KindDatabase, err)
		lease.Abort(wrapped)
		return nil, wrapped
	}
	if dedup {
		recordDedup(ctx)
	}

	lease.Publish(singleflight.Outcome{Value: id})

	return newHandle(id, finalPath, m.dir, m.refcounts), nil
}

// Remove force-tombstones the active entry for source. If wait is true,
// it blocks until the entry's refcount reaches zero and performs the
// unlink itself; otherwise it marks the entry immediately evictable and
// defers the actual unlink to the sweeper (spec Open Question (ii)).
func (m *Manager) Remove(ctx context.Context, source string, wait bool) error {
	entry, err := m.db.LookupActive(ctx, source)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newErr("remove", KindDatabase, err)
	}

	if !wait {
		if err := m.db.ForceExpire(ctx, entry.ID, time.Now().UTC()); err != nil {
			return newErr("remove", KindDatabase, err)
		}
		m.sweep.Kick(entry.ID)
		return nil
	}

	if err := m.refcounts.WaitZero(ctx, entry.ID); err != nil {
		return &Error{Op: "remove", Kind: KindCancelled, Err: err}
	}

	if err := m.db.Tombstone(ctx, entry.ID); err != nil {
		return newErr("remove", KindDatabase, err)
	}
	count, err := m.db.CountReferencing(ctx, entry.CachePath, entry.ID)
	if err != nil {
		return newErr("remove", KindDatabase, err)
	}
	if count == 0 && entry.CachePath != "" {
		if err := m.dir.RemoveFinal(entry.CachePath); err != nil {
			return newErr("remove", KindIO, err)
		}
	}
	if err := m.db.Delete(ctx, entry.ID); err != nil {
		return newErr("remove", KindDatabase, err)
	}
	return nil
}

func toMetaPolicy(p StorePolicy) (metadb.PolicyTag, time.Time, time.Duration) {
	switch p.Tag {
	case PolicyExpiresAt:
		return metadb.PolicyExpiresAt, p.At, 0
	case PolicyIdleFor:
		return metadb.PolicyIdleFor, time.Time{}, p.IdleFor
	default:
		return metadb.PolicyForever, time.Time{}, 0
	}
}

// cancelableReader wraps an io.Reader so a cancelled context stops the copy
// at the next Read call, even when the underlying reader ignores ctx. A
// Read that is already blocked is not interrupted.
type cancelableReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelableReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func recordGet(ctx context.Context, outcome string, start time.Time) {
	telemetry.RecordGet(ctx, outcome, time.Since(start))
}

func recordDedup(ctx context.Context) {
	telemetry.RecordDedup(ctx)
}
