package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/checkpoint"
)

func TestCreateDirSaveLoadMeta(t *testing.T) {
	s := &checkpoint.Store{Root: t.TempDir()}
	now := time.Unix(1700000000, 0)

	dir, err := s.CreateDir("svc", now)
	require.NoError(t, err)

	meta := checkpoint.Metadata{
		ComponentName: "svc",
		OriginalPID:   123,
		Timestamp:     now.Unix(),
		Capabilities:  "cap-a,cap-b",
		CRIUVersion:   checkpoint.EngineVersion{Major: 3, Minor: 18},
		PreserveFDs:   []int{3, 4},
	}
	require.NoError(t, s.SaveMeta(dir, meta))

	loaded, err := s.LoadMeta(dir)
	require.NoError(t, err)
	require.Equal(t, "svc", loaded.ComponentName)
	require.Equal(t, 123, loaded.OriginalPID)
	require.Equal(t, now.Unix(), loaded.Timestamp)
	require.Equal(t, "cap-a,cap-b", loaded.Capabilities)
	require.Equal(t, checkpoint.EngineVersion{Major: 3, Minor: 18}, loaded.CRIUVersion)
	require.Equal(t, []int{3, 4}, loaded.PreserveFDs)
}

func TestParseEngineVersion(t *testing.T) {
	require.Equal(t, checkpoint.EngineVersion{Major: 3, Minor: 17, Patch: 1}, checkpoint.ParseEngineVersion("Version: 3.17.1"))
	require.Equal(t, checkpoint.EngineVersion{Major: 0, Minor: 0}, checkpoint.ParseEngineVersion("fake-criu-0.0"))
	require.Equal(t, checkpoint.EngineVersion{}, checkpoint.ParseEngineVersion(""))
}

func TestListOrderedNewestFirst(t *testing.T) {
	s := &checkpoint.Store{Root: t.TempDir()}
	older := time.Unix(1700000000, 0)
	newer := time.Unix(1700000100, 0)

	_, err := s.CreateDir("svc", older)
	require.NoError(t, err)
	_, err = s.CreateDir("svc", newer)
	require.NoError(t, err)

	entries, err := s.List("svc")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].ID > entries[1].ID)
}

func TestFindLatestEmpty(t *testing.T) {
	s := &checkpoint.Store{Root: t.TempDir()}
	_, ok, err := s.FindLatest("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrateMovesDirectory(t *testing.T) {
	src := &checkpoint.Store{Root: t.TempDir()}
	dst := &checkpoint.Store{Root: t.TempDir()}
	now := time.Unix(1700000000, 0)

	dir, err := src.CreateDir("svc", now)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.bin"), []byte("x"), 0o644))

	entries, err := src.List("svc")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	moved, err := src.Migrate(entries[0], dst)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(moved.Dir, "image.bin"))

	remaining, err := src.List("svc")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestStorageUsageSumsFileSizes(t *testing.T) {
	s := &checkpoint.Store{Root: t.TempDir()}
	dir, err := s.CreateDir("svc", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), make([]byte, 5), 0o644))

	usage, err := s.StorageUsage("svc")
	require.NoError(t, err)
	require.Equal(t, int64(15), usage)
}

func TestCleanupRemovesOldAndTrimsTail(t *testing.T) {
	s := &checkpoint.Store{Root: t.TempDir()}
	now := time.Unix(1700100000, 0)

	// One very old entry (beyond max age), plus 3 recent ones.
	_, err := s.CreateDir("svc", now.Add(-48*time.Hour))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.CreateDir("svc", now.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	removed, err := s.Cleanup("svc", 2, 24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, removed, 2) // 1 old + 1 over keep_count

	remaining, err := s.List("svc")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
