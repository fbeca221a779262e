package cluster

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCluster lays out what a fresh initdb leaves behind.
func writeCluster(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VersionFile), []byte("16\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("port = 5432\n"), 0o600))
	for _, db := range []string{"1", "4", "5"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, BaseDir, db), 0o700))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, GlobalDir), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, GlobalDir, "pg_control"), []byte{1, 2, 3}, 0o600))
	for _, rel := range Regeneratable {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.FromSlash(rel)), 0o700))
	}
}

func TestClassify(t *testing.T) {
	root := t.TempDir()

	t.Run("missing dir is empty", func(t *testing.T) {
		assert.Equal(t, Empty, Classify(filepath.Join(root, "nope")).State)
	})

	t.Run("dir without markers is empty", func(t *testing.T) {
		d := filepath.Join(root, "blank")
		require.NoError(t, os.MkdirAll(d, 0o700))
		assert.Equal(t, Empty, Classify(d).State)
	})

	t.Run("fresh cluster is valid", func(t *testing.T) {
		d := filepath.Join(root, "valid")
		writeCluster(t, d)
		r := Classify(d)
		assert.Equal(t, Valid, r.State, r.Reason)
		assert.Equal(t, "valid", r.StateStr)
	})

	t.Run("only one marker is corrupt", func(t *testing.T) {
		d := filepath.Join(root, "half")
		writeCluster(t, d)
		require.NoError(t, os.Remove(filepath.Join(d, ConfigFile)))
		assert.Equal(t, Corrupt, Classify(d).State)
	})

	t.Run("sparse base is corrupt", func(t *testing.T) {
		d := filepath.Join(root, "sparse")
		writeCluster(t, d)
		require.NoError(t, os.RemoveAll(filepath.Join(d, BaseDir)))
		require.NoError(t, os.MkdirAll(filepath.Join(d, BaseDir, "1"), 0o700))
		r := Classify(d)
		assert.Equal(t, Corrupt, r.State)
		assert.Equal(t, "corrupt_needs_reinit", r.StateStr)
	})

	t.Run("missing global is corrupt", func(t *testing.T) {
		d := filepath.Join(root, "noglobal")
		writeCluster(t, d)
		require.NoError(t, os.RemoveAll(filepath.Join(d, GlobalDir)))
		assert.Equal(t, Corrupt, Classify(d).State)
	})

	t.Run("missing wal is repairable", func(t *testing.T) {
		d := filepath.Join(root, "nowal")
		writeCluster(t, d)
		require.NoError(t, os.RemoveAll(filepath.Join(d, "pg_wal")))
		r := Classify(d)
		assert.Equal(t, Repairable, r.State)
		assert.Equal(t, []string{"pg_wal", "pg_wal/archive_status"}, r.Missing)
	})
}

func TestClassifyIsDeterministic(t *testing.T) {
	d := filepath.Join(t.TempDir(), "data")
	writeCluster(t, d)
	require.NoError(t, os.RemoveAll(filepath.Join(d, "pg_notify")))
	first := Classify(d)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Classify(d))
	}
}

func TestAuditRepairIsNonDestructive(t *testing.T) {
	d := filepath.Join(t.TempDir(), "data")
	writeCluster(t, d)
	require.NoError(t, os.RemoveAll(filepath.Join(d, "pg_wal")))
	require.NoError(t, os.RemoveAll(filepath.Join(d, "pg_logical")))

	before := snapshotFiles(t, d)
	r := Audit(d)
	assert.Equal(t, Valid, r.State, r.Reason)
	assert.ElementsMatch(t, []string{"pg_wal", "pg_wal/archive_status", "pg_logical/snapshots", "pg_logical/mappings"}, r.Repaired)
	assert.Equal(t, before, snapshotFiles(t, d), "existing files must be byte-identical")

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filepath.Join(d, "pg_wal"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
	}
}

func TestAuditPassesThroughOtherStates(t *testing.T) {
	d := filepath.Join(t.TempDir(), "data")
	assert.Equal(t, Empty, Audit(d).State)
	writeCluster(t, d)
	assert.Equal(t, Valid, Audit(d).State)
	require.NoError(t, os.Remove(filepath.Join(d, VersionFile)))
	assert.Equal(t, Corrupt, Audit(d).State)
}

func TestPurge(t *testing.T) {
	d := filepath.Join(t.TempDir(), "data")
	writeCluster(t, d)
	require.NoError(t, Purge(d))
	empty, err := IsEmptyDir(d)
	require.NoError(t, err)
	assert.True(t, empty)
	fi, err := os.Stat(d)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	missing := filepath.Join(t.TempDir(), "fresh")
	require.NoError(t, Purge(missing))
	assert.DirExists(t, missing)
}

func TestLock(t *testing.T) {
	d := filepath.Join(t.TempDir(), "data")
	fl, err := Lock(d)
	require.NoError(t, err)
	assert.FileExists(t, LockPath(d))
	assert.Equal(t, filepath.Dir(d), filepath.Dir(LockPath(d)))

	_, err = Lock(d)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, fl.Unlock())
	fl2, err := Lock(d)
	require.NoError(t, err)
	_ = fl2.Unlock()
}

func snapshotFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[rel] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestOnlyBootstrapLeftovers(t *testing.T) {
	ok, err := OnlyBootstrapLeftovers(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.True(t, ok)

	d := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(filepath.Join(d, BaseDir, "1"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(d, "pg_wal", "archive_status"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(d, "pg_logical"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(d, "pg_hba.conf"), []byte("local all all trust\n"), 0o600))
	ok, err = OnlyBootstrapLeftovers(d)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(d, "thesis.docx"), []byte("x"), 0o600))
	ok, err = OnlyBootstrapLeftovers(d)
	require.NoError(t, err)
	assert.False(t, ok)
}
