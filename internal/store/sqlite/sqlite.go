package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/localpg/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			command TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			exited_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			uniq TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_runs_service ON service_runs(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_runs(run_id, service, pid, command, started_at, exited_at, exit_code, uniq)
		VALUES(?, ?, ?, ?, ?, NULL, NULL, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			run_id=excluded.run_id,
			service=excluded.service,
			command=excluded.command,
			exited_at=NULL,
			exit_code=NULL;`,
		rec.RunID, rec.Service, rec.PID, rec.Command, rec.StartedAt.UTC(), rec.Key())
	return err
}

func (s *DB) RecordExit(ctx context.Context, key string, exitedAt time.Time, code int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_runs SET exited_at=?, exit_code=? WHERE uniq=?;`,
		exitedAt.UTC(), code, key)
	return err
}

func (s *DB) Recent(ctx context.Context, service string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, service, pid, command, started_at, exited_at, exit_code
		FROM service_runs
		WHERE (? = '' OR service = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?;`, service, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}
