package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/loykin/localpg"
	"github.com/loykin/localpg/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(command{out: &out})
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeCluster(t *testing.T, dir string) {
	t.Helper()
	for _, d := range []string{"base/1", "base/4", cluster.GlobalDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o700))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, cluster.VersionFile), []byte("16\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, cluster.ConfigFile), []byte("# conf\n"), 0o600))
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"localpg", "up", "audit", "wipe", "wait", "reconcile", "history"} {
		assert.Contains(t, out, name)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "localpg dev\n", out)
}

func TestAuditEmptyAndCorrupt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	out, err := run(t, "audit", "--data-dir", dir)
	require.NoError(t, err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "empty", rep["state"])

	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, cluster.VersionFile), []byte("16\n"), 0o600))
	_, err = run(t, "audit", "--data-dir", dir)
	assert.ErrorContains(t, err, "corrupt")
}

func TestAuditRepair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	writeCluster(t, dir)

	out, err := run(t, "audit", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "incomplete_repairable")
	_, err = os.Stat(filepath.Join(dir, "pg_wal"))
	assert.True(t, os.IsNotExist(err), "classification alone does not repair")

	out, err = run(t, "audit", "--repair", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "valid"`)
	assert.DirExists(t, filepath.Join(dir, "pg_wal", "archive_status"))
}

func TestWipe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	writeCluster(t, dir)

	_, err := run(t, "wipe", "--data-dir", dir)
	assert.ErrorContains(t, err, "--yes")
	assert.FileExists(t, filepath.Join(dir, cluster.VersionFile))

	fl, err := cluster.Lock(dir)
	require.NoError(t, err)
	_, err = run(t, "wipe", "--yes", "--data-dir", dir)
	assert.ErrorIs(t, err, cluster.ErrLocked)
	require.NoError(t, fl.Unlock())

	out, err := run(t, "wipe", "--yes", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wiped")
	empty, err := cluster.IsEmptyDir(dir)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestWait(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	out, err := run(t, "wait", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--deadline", "2s")
	require.NoError(t, err)
	assert.Contains(t, out, "is accepting connections")

	require.NoError(t, ln.Close())
	_, err = run(t, "wait", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--deadline", "300ms")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	_, err := run(t, "history")
	assert.ErrorContains(t, err, "history.dsn")

	dir := t.TempDir()
	cfg := filepath.Join(dir, "localpg.toml")
	db := filepath.Join(dir, "history.db")
	require.NoError(t, os.WriteFile(cfg, []byte("[history]\ndsn = "+strconv.Quote(db)+"\n"), 0o600))

	out, err := run(t, "--config", cfg, "history", "--service", "postgres")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestLoadSettingsOverrides(t *testing.T) {
	s, err := loadSettings(GlobalFlags{DataDir: "/srv/pg", Port: 6543, LogLevel: "debug", LogFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/pg", s.Server.DataDir)
	assert.Equal(t, 6543, s.Server.Port)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
}

func TestIsTerminalFalseForFileAndPipe(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.False(t, isTerminal(f))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer func() { _ = r.Close(); _ = w.Close() }()
	assert.False(t, isTerminal(w))
}

type recordingEngine struct {
	starts, restarts []localpg.Settings
}

func (r *recordingEngine) Start(_ context.Context, s localpg.Settings) localpg.Result {
	r.starts = append(r.starts, s)
	return localpg.Result{OK: true}
}

func (r *recordingEngine) Restart(_ context.Context, s localpg.Settings) localpg.Result {
	r.restarts = append(r.restarts, s)
	return localpg.Result{OK: true}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadAppliesConfigChanges(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "localpg.toml")
	data := strconv.Quote(filepath.Join(dir, "data"))
	writeConfig(t, cfg, "[server]\ndata_dir = "+data+"\nport = 5433\n")
	g := GlobalFlags{ConfigPath: cfg}

	s, err := loadSettings(g)
	require.NoError(t, err)
	h := localpg.NewSettingsHolder(s)
	e := &recordingEngine{}

	writeConfig(t, cfg, "[server]\ndata_dir = "+data+"\nport = 5433\n[extensions]\ndesired = [\"hstore\"]\n")
	res, err := reload(context.Background(), g, h, e)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, e.starts, 1)
	assert.Empty(t, e.restarts)
	assert.Equal(t, []string{"hstore"}, h.Settings().Extensions.Desired)

	writeConfig(t, cfg, "[server]\ndata_dir = "+data+"\nport = 5434\n")
	_, err = reload(context.Background(), g, h, e)
	require.NoError(t, err)
	require.Len(t, e.restarts, 1)
	assert.Equal(t, 5434, e.restarts[0].Server.Port)
	assert.Equal(t, 5434, h.Settings().Server.Port)
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "localpg.toml")
	writeConfig(t, cfg, "[server]\nport = 5433\n")
	g := GlobalFlags{ConfigPath: cfg}

	s, err := loadSettings(g)
	require.NoError(t, err)
	h := localpg.NewSettingsHolder(s)
	e := &recordingEngine{}

	writeConfig(t, cfg, "[server]\nport = 70000\n")
	_, err = reload(context.Background(), g, h, e)
	assert.Error(t, err)
	assert.Equal(t, 5433, h.Settings().Server.Port)
	assert.Empty(t, e.starts)
	assert.Empty(t, e.restarts)
}
