package backupmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-ota/internal/pkg/utils/testutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

func writeLive(t *testing.T, l storage.Layout, p, content string) {
	t.Helper()
	testutils.WriteTree(t, l.Root, map[string]string{p: content})
}

func readLive(t *testing.T, l storage.Layout, p string) string {
	t.Helper()
	live, err := l.LivePath(p)
	require.NoError(t, err)
	return testutils.ReadString(t, live)
}

func testManifest(version string, paths ...string) *manifest.Manifest {
	m := &manifest.Manifest{Version: version, Files: manifest.FileList{}}
	for _, p := range paths {
		m.Files = append(m.Files, manifest.File{Path: p, Digest: digest.FromString(p)})
	}
	return m
}

func TestBackupAndRollback(t *testing.T) {
	l := storage.NewLayout(t.TempDir())
	require.NoError(t, l.WriteVersion("1.1.0"))
	writeLive(t, l, "app.py", "old app")
	writeLive(t, l, "lib/util.py", "old util")
	m := testManifest("1.2.0", "app.py", "lib/util.py", "lib/new.py")

	b := New(l)
	resumed, err := b.Begin(m)
	require.NoError(t, err)
	assert.False(t, resumed)
	for _, p := range m.Paths() {
		require.NoError(t, b.BackupFile(p))
	}
	j, ok, err := b.LoadJournal()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"app.py", "lib/util.py"}, j.BackedUp)
	assert.Equal(t, "1.1.0", j.PreviousVersion)
	assert.True(t, j.VersionExisted)

	// simulate the apply
	writeLive(t, l, "app.py", "new app")
	writeLive(t, l, "lib/util.py", "new util")
	writeLive(t, l, "lib/new.py", "new file")
	require.NoError(t, l.WriteVersion("1.2.0"))
	require.NoError(t, b.Seal())

	j, _, err = b.LoadJournal()
	require.NoError(t, err)
	assert.True(t, j.Completed)
	assert.NotEmpty(t, j.SnapshotDigest)

	require.NoError(t, b.Rollback())
	assert.Equal(t, "old app", readLive(t, l, "app.py"))
	assert.Equal(t, "old util", readLive(t, l, "lib/util.py"))
	assert.Equal(t, "1.1.0", l.CurrentVersion())
	// new files are left in place
	assert.Equal(t, "new file", readLive(t, l, "lib/new.py"))
}

func TestRollbackIsIdempotent(t *testing.T) {
	root := t.TempDir()
	l := storage.NewLayout(root)
	writeLive(t, l, "app.py", "old app")
	m := testManifest("1.2.0", "app.py")

	b := New(l)
	_, err := b.Begin(m)
	require.NoError(t, err)
	require.NoError(t, b.BackupFile("app.py"))
	writeLive(t, l, "app.py", "new app")
	require.NoError(t, l.WriteVersion("1.2.0"))

	require.NoError(t, b.Rollback())
	once := testutils.ReadTree(t, root)

	require.NoError(t, b.Rollback())
	assert.Equal(t, once, testutils.ReadTree(t, root), "second rollback changed the device")

	// no version record existed before the update
	_, exists, err := l.ReadVersion()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRollbackWithoutJournal(t *testing.T) {
	assert.NoError(t, New(storage.NewLayout(t.TempDir())).Rollback())
}

func TestRollbackContinuesAfterFailure(t *testing.T) {
	l := storage.NewLayout(t.TempDir())
	writeLive(t, l, "a.py", "old a")
	writeLive(t, l, "b.py", "old b")
	m := testManifest("1.2.0", "a.py", "b.py")
	b := New(l)
	_, err := b.Begin(m)
	require.NoError(t, err)
	require.NoError(t, b.BackupFile("a.py"))
	require.NoError(t, b.BackupFile("b.py"))

	// a.py can not be restored because its live path turned into a directory
	live, err := l.LivePath("a.py")
	require.NoError(t, err)
	require.NoError(t, os.Remove(live))
	require.NoError(t, os.MkdirAll(filepath.Join(live, "sub"), 0755))
	writeLive(t, l, "b.py", "new b")

	err = b.Rollback()
	assert.ErrorIs(t, err, storage.ErrIO)
	assert.Equal(t, "old b", readLive(t, l, "b.py"))
}

func TestBeginResumesUnfinishedJournal(t *testing.T) {
	l := storage.NewLayout(t.TempDir())
	writeLive(t, l, "app.py", "old app")
	m := testManifest("1.2.0", "app.py")

	b := New(l)
	_, err := b.Begin(m)
	require.NoError(t, err)
	require.NoError(t, b.BackupFile("app.py"))
	// interrupted after overwriting the live file
	writeLive(t, l, "app.py", "new app")

	resumed, err := New(l).Begin(m)
	require.NoError(t, err)
	assert.True(t, resumed)
	require.NoError(t, b.BackupFile("app.py"))
	require.NoError(t, b.Rollback())
	assert.Equal(t, "old app", readLive(t, l, "app.py"), "backup was overwritten with the new content")

	// a different target version starts from scratch
	resumed, err = New(l).Begin(testManifest("1.3.0", "app.py"))
	require.NoError(t, err)
	assert.False(t, resumed)
	j, _, err := b.LoadJournal()
	require.NoError(t, err)
	assert.Empty(t, j.BackedUp)
}
