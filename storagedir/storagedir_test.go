package storagedir

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carol-cache/carol"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestOpenCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	d, err := Open(root)
	require.NoError(t, err)

	require.DirExists(t, filepath.Join(d.Root(), filesDir))
	require.DirExists(t, filepath.Join(d.Root(), stagingDir))
}

func TestPublishRenamesIntoFiles(t *testing.T) {
	d := newTestDir(t)

	s, err := d.NewStaging()
	require.NoError(t, err)
	_, err = s.WriteString("hello")
	require.NoError(t, err)

	h := carol.HashBytes([]byte("hello"))
	final, err := d.Publish(s, h)
	require.NoError(t, err)
	require.Equal(t, d.FinalPath(h), final)
	require.True(t, d.Exists(h))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Join(d.Root(), stagingDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPublishDedupsOntoExistingBlob(t *testing.T) {
	d := newTestDir(t)
	h := carol.HashBytes([]byte("same"))

	s1, err := d.NewStaging()
	require.NoError(t, err)
	_, err = s1.WriteString("same")
	require.NoError(t, err)
	final1, err := d.Publish(s1, h)
	require.NoError(t, err)

	s2, err := d.NewStaging()
	require.NoError(t, err)
	_, err = s2.WriteString("same")
	require.NoError(t, err)
	final2, err := d.Publish(s2, h)
	require.NoError(t, err)

	require.Equal(t, final1, final2)
}

func TestAbortRemovesStagingFile(t *testing.T) {
	d := newTestDir(t)
	s, err := d.NewStaging()
	require.NoError(t, err)
	path := s.Path()

	require.NoError(t, s.Abort())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestPurgeStagingRemovesOrphans(t *testing.T) {
	d := newTestDir(t)
	s, err := d.NewStaging()
	require.NoError(t, err)
	_, _ = s.WriteString("orphan")
	require.NoError(t, s.Close())

	require.NoError(t, d.PurgeStaging())

	entries, err := os.ReadDir(filepath.Join(d.Root(), stagingDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSymlinkFailsIfTargetExists(t *testing.T) {
	d := newTestDir(t)
	s, err := d.NewStaging()
	require.NoError(t, err)
	_, err = s.WriteString("hello")
	require.NoError(t, err)
	h := carol.HashBytes([]byte("hello"))
	_, err = d.Publish(s, h)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "link")
	require.NoError(t, d.Symlink(h, target))

	resolved, err := os.Readlink(target)
	require.NoError(t, err)
	require.Equal(t, d.FinalPath(h), resolved)

	err = d.Symlink(h, target)
	require.Error(t, err)
}

func TestListFinal(t *testing.T) {
	d := newTestDir(t)
	s, err := d.NewStaging()
	require.NoError(t, err)
	_, err = io.WriteString(s, "hello")
	require.NoError(t, err)
	h := carol.HashBytes([]byte("hello"))
	_, err = d.Publish(s, h)
	require.NoError(t, err)

	names, err := d.ListFinal()
	require.NoError(t, err)
	require.Equal(t, []string{h.String()}, names)
}
