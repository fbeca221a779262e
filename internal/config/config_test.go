package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, "127.0.0.1", s.Server.Host)
	assert.Equal(t, 5432, s.Server.Port)
	assert.Equal(t, "postgres", s.Server.Superuser)
	assert.Equal(t, "template1", s.Server.Template)
	assert.Equal(t, "UTF8", s.Server.Encoding)
	assert.Equal(t, 500*time.Millisecond, s.Readiness.Interval)
	assert.Equal(t, 200*time.Millisecond, s.Readiness.AttemptTimeout)
	assert.Equal(t, 30*time.Second, s.Readiness.Deadline)
	assert.Equal(t, []string{"postgis", "postgis_topology"}, s.Extensions.Desired)
	assert.Equal(t, "pgx", s.Extensions.Client)
	assert.Equal(t, time.Duration(0), s.Server.StopKillAfter)
	assert.False(t, s.Companion.Enabled)
	assert.NoError(t, s.Validate())
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "localpg.toml", `
[server]
bin_dir = "/opt/pgsql/bin"
data_dir = "/var/lib/localpg/data"
port = 5433
admin_user = "admin"
stop_kill_after = "10s"
env = ["TZ=UTC"]

[readiness]
deadline = "45s"

[extensions]
desired = ["postgis", "hstore"]
client = "psql"

[companion]
enabled = true
install_dir = "/opt/pgadmin4"
port = 5051

[log]
level = "debug"
dir = "/var/log/localpg"
max_backups = 9

[history]
dsn = "sqlite:///var/lib/localpg/history.db"
`)
	s, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, 5433, s.Server.Port)
	assert.Equal(t, "admin", s.AdminRole())
	assert.Equal(t, 10*time.Second, s.Server.StopKillAfter)
	assert.Equal(t, []string{"TZ=UTC"}, s.Server.Env)
	assert.Equal(t, 45*time.Second, s.Readiness.Deadline)
	assert.Equal(t, 500*time.Millisecond, s.Readiness.Interval, "unset keys keep defaults")
	assert.Equal(t, []string{"postgis", "hstore"}, s.Extensions.Desired)
	assert.Equal(t, "psql", s.Extensions.Client)
	assert.True(t, s.Companion.Enabled)
	assert.Equal(t, "pgAdmin4.py", s.Companion.Entrypoint)
	assert.Equal(t, filepath.Join("/var/lib/localpg", "pgadmin"), s.CompanionDataDir())
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 9, s.Log.Rotation().MaxBackups)
	assert.Equal(t, "/var/log/localpg", s.Log.Rotation().Dir)
	assert.Equal(t, "sqlite:///var/lib/localpg/history.db", s.History.DSN)

	if runtime.GOOS != "windows" {
		assert.Equal(t, "/opt/pgsql/bin/postgres", s.Postgres())
		assert.Equal(t, "/opt/pgsql/bin/initdb", s.InitDB())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOCALPG_SERVER_PORT", "6543")
	t.Setenv("LOCALPG_EXTENSIONS_CLIENT", "psql")
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6543, s.Server.Port)
	assert.Equal(t, "psql", s.Extensions.Client)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pg.env", "# comment\nPGTZ=UTC\nLANG=C\n")
	p := writeFile(t, dir, "localpg.toml", `
[server]
env_files = ["pg.env"]
env = ["LANG=en_US.UTF-8"]
`)
	s, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"PGTZ=UTC", "LANG=en_US.UTF-8"}, s.Server.Env)
}

func TestValidate(t *testing.T) {
	s := Default()
	s.Server.DataDir = ""
	s.Server.Port = 70000
	s.Extensions.Client = "odbc"
	s.Companion.Enabled = true
	s.Companion.Port = s.Server.Port
	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{"data_dir", "server.port", "extensions.client", "companion.port must differ"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestBinaryWithoutBinDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exe suffix")
	}
	assert.Equal(t, "psql", Default().PSQL())
	assert.Equal(t, "createdb", Default().CreateDB())
}

func TestHolder(t *testing.T) {
	s := Default()
	h := NewHolder(s)
	var p Provider = h
	assert.Equal(t, 5432, p.Settings().Server.Port)

	s.Server.Port = 6000
	assert.Equal(t, 5432, h.Settings().Server.Port, "holder keeps its own copy")
	h.Update(s)
	assert.Equal(t, 6000, h.Settings().Server.Port)
}

func TestNeedsRestart(t *testing.T) {
	s := Default()
	next := s
	next.Extensions.Desired = []string{"postgis", "hstore"}
	next.Readiness.Deadline = 2 * s.Readiness.Deadline
	assert.False(t, s.NeedsRestart(next), "extensions and readiness apply in place")

	next = s
	next.Server.Port = 6543
	assert.True(t, s.NeedsRestart(next))

	next = s
	next.Companion.Enabled = !s.Companion.Enabled
	assert.True(t, s.NeedsRestart(next))

	next = s
	next.Log.File = "/var/log/localpg.log"
	assert.True(t, s.NeedsRestart(next))
}
