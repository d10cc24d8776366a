package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carol-cache/carol"
	"github.com/carol-cache/carol/metadb"
	"github.com/carol-cache/carol/refcount"
	"github.com/carol-cache/carol/storagedir"
)

func setup(t *testing.T) (*metadb.BoltDB, *storagedir.Dir, *refcount.Table) {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "meta.db"), metadb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir, err := storagedir.Open(t.TempDir())
	require.NoError(t, err)

	return db, dir, refcount.New(nil)
}

func publishReady(t *testing.T, db *metadb.BoltDB, dir *storagedir.Dir, source, content string, tag metadb.PolicyTag, policyAt time.Time, idleFor time.Duration) (int64, string) {
	t.Helper()
	ctx := context.Background()

	id, err := db.InsertDownloading(ctx, source, "f", tag, policyAt, idleFor)
	require.NoError(t, err)

	s, err := dir.NewStaging()
	require.NoError(t, err)
	_, err = s.WriteString(content)
	require.NoError(t, err)
	h := carol.HashBytes([]byte(content))
	final, err := dir.Publish(s, h)
	require.NoError(t, err)

	_, err = db.PromoteToReady(ctx, id, final)
	require.NoError(t, err)

	return id, final
}

func TestSweepTombstonesExpiredEntryAndUnlinksBlob(t *testing.T) {
	db, dir, refcounts := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	id, final := publishReady(t, db, dir, "src-expired", "bytes", metadb.PolicyExpiresAt, past, 0)

	m := New(db, dir, refcounts, Config{Interval: time.Hour, StartupDelay: 0})
	result, err := m.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Tombstoned)
	require.Equal(t, 1, result.BlobsUnlinked)

	_, err = db.Get(ctx, id)
	require.ErrorIs(t, err, metadb.ErrNotFound)
	_, statErr := os.Stat(final)
	require.True(t, os.IsNotExist(statErr))
}

func TestSweepSkipsEntryWithLiveRefcount(t *testing.T) {
	db, dir, refcounts := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	id, final := publishReady(t, db, dir, "src-pinned", "bytes", metadb.PolicyExpiresAt, past, 0)
	refcounts.Acquire(id)

	m := New(db, dir, refcounts, Config{Interval: time.Hour, StartupDelay: 0})
	result, err := m.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Tombstoned)

	e, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, metadb.StatusReady, e.Status)
	require.FileExists(t, final)
}

func TestSweepKeepsFileWhenOtherReadyRowStillReferencesIt(t *testing.T) {
	db, dir, refcounts := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	idExpired, final := publishReady(t, db, dir, "src-dup-expired", "shared", metadb.PolicyExpiresAt, past, 0)
	_, final2 := publishReady(t, db, dir, "src-dup-forever", "shared", metadb.PolicyForever, time.Time{}, 0)
	require.Equal(t, final, final2)

	m := New(db, dir, refcounts, Config{Interval: time.Hour, StartupDelay: 0})
	result, err := m.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Tombstoned)
	require.Zero(t, result.BlobsUnlinked)

	_, err = db.Get(ctx, idExpired)
	require.ErrorIs(t, err, metadb.ErrNotFound)
	require.FileExists(t, final)
}

func TestSweepLeavesUnexpiredEntriesAlone(t *testing.T) {
	db, dir, refcounts := setup(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	id, _ := publishReady(t, db, dir, "src-future", "bytes", metadb.PolicyExpiresAt, future, 0)

	m := New(db, dir, refcounts, Config{Interval: time.Hour, StartupDelay: 0})
	result, err := m.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Candidates)

	e, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, metadb.StatusReady, e.Status)
}

func TestKickTriggersSweep(t *testing.T) {
	db, dir, refcounts := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Hour)
	publishReady(t, db, dir, "src-kick", "bytes", metadb.PolicyExpiresAt, past, 0)

	m := New(db, dir, refcounts, Config{Interval: time.Hour, StartupDelay: time.Hour})
	m.Start(ctx)
	defer func() { _ = m.Stop(context.Background()) }()

	m.Kick(0)

	require.Eventually(t, func() bool {
		status := m.Status()
		return status != nil && status.Tombstoned == 1
	}, 2*time.Second, 10*time.Millisecond)
}
