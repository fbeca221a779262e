package process

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter_SplitsLinesAcrossWrites(t *testing.T) {
	var got []string
	var raw bytes.Buffer
	w := NewLineWriter(nil, func(line string) { got = append(got, line) }, &raw)

	_, _ = w.Write([]byte("LOG:  database system is re"))
	_, _ = w.Write([]byte("ady\r\nsecond\nthi"))
	assert.Equal(t, []string{"LOG:  database system is ready", "second"}, got)

	w.Flush()
	assert.Equal(t, []string{"LOG:  database system is ready", "second", "thi"}, got)
	assert.Equal(t, "LOG:  database system is ready\r\nsecond\nthi", raw.String())

	w.Flush()
	assert.Len(t, got, 3, "flush with empty buffer emits nothing")
}

func TestResolveCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are POSIX only")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "postgres")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	plain := filepath.Join(dir, "notexec")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	p, err := Spec{Command: exe}.ResolveCommand()
	require.NoError(t, err)
	assert.Equal(t, exe, p)

	_, err = Spec{Command: filepath.Join(dir, "missing")}.ResolveCommand()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = Spec{Command: plain}.ResolveCommand()
	assert.True(t, errors.Is(err, fs.ErrPermission))

	_, err = Spec{Command: dir}.ResolveCommand()
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = Spec{Command: "  "}.ResolveCommand()
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = Spec{Command: "localpg-no-such-binary"}.ResolveCommand()
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "localpg-no-such-binary", ce.Command)
}

func TestExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	cmd := Spec{Command: "/bin/sh", Args: []string{"-c", "exit 3"}}.BuildCommand("/bin/sh", nil)
	err := cmd.Run()
	assert.Equal(t, 3, ExitCode(cmd, err))

	assert.Equal(t, 0, ExitCode(nil, nil))
	assert.Equal(t, -1, ExitCode(nil, errors.New("boom")))
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, "postgres", Spec{Command: "postgres"}.String())
	assert.Equal(t, "postgres -D /data -p 5432", Spec{Command: "postgres", Args: []string{"-D", "/data", "-p", "5432"}}.String())
}
