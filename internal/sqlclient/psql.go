package sqlclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loykin/localpg/internal/process"
)

// CommandError is a failed psql or createdb run.
type CommandError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// PSQL shells out to the psql and createdb binaries shipped with the server.
type PSQL struct {
	Conn     Conn
	PSQLPath string
	CreateDB string
	ExtraEnv []string
}

// NewPSQL returns a PSQL client using the given tool paths.
func NewPSQL(c Conn, psqlPath, createdbPath string) *PSQL {
	return &PSQL{Conn: c, PSQLPath: psqlPath, CreateDB: createdbPath}
}

func (p *PSQL) connArgs() []string {
	return []string{"-h", p.Conn.Host, "-p", strconv.Itoa(p.Conn.Port), "-U", p.Conn.User}
}

func (p *PSQL) env() []string {
	e := append(os.Environ(), p.ExtraEnv...)
	if p.Conn.Password != "" {
		e = append(e, "PGPASSWORD="+p.Conn.Password)
	}
	return e
}

func (p *PSQL) run(ctx context.Context, tool, bin string, args []string) (string, error) {
	path, err := process.Spec{Command: bin}.ResolveCommand()
	if err != nil {
		return "", err
	}
	// #nosec G204 -- tool path from local settings; statements are passed as a single argv entry
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = p.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Tool: tool, ExitCode: process.ExitCode(cmd, err), Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (p *PSQL) psqlArgs(db, stmt string) []string {
	args := p.connArgs()
	return append(args, "-d", db, "-X", "-q", "-v", "ON_ERROR_STOP=1", "-t", "-A", "-c", stmt)
}

func (p *PSQL) Exec(ctx context.Context, db, stmt string) error {
	_, err := p.run(ctx, "psql", p.PSQLPath, p.psqlArgs(db, stmt))
	return err
}

func (p *PSQL) QueryColumn(ctx context.Context, db, query string) ([]string, error) {
	out, err := p.run(ctx, "psql", p.PSQLPath, p.psqlArgs(db, query))
	if err != nil {
		return nil, err
	}
	return splitRows(out), nil
}

func (p *PSQL) CreateDatabase(ctx context.Context, name, template string) error {
	args := append(p.connArgs(), "-T", template, name)
	_, err := p.run(ctx, "createdb", p.CreateDB, args)
	return err
}

// splitRows parses unaligned tuples-only output; only the first column is kept.
func splitRows(out string) []string {
	var rows []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '|'); i >= 0 {
			line = line[:i]
		}
		rows = append(rows, line)
	}
	return rows
}
