package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/localpg/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx database/sql driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_runs(
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			command TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			exited_at TIMESTAMPTZ NULL,
			exit_code INTEGER NULL,
			uniq TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_runs_service ON service_runs(service);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_runs(run_id, service, pid, command, started_at, exited_at, exit_code, uniq)
		VALUES($1,$2,$3,$4,$5,NULL,NULL,$6)
		ON CONFLICT(uniq) DO UPDATE SET
			run_id=EXCLUDED.run_id,
			service=EXCLUDED.service,
			command=EXCLUDED.command,
			exited_at=NULL,
			exit_code=NULL;`,
		rec.RunID, rec.Service, rec.PID, rec.Command, rec.StartedAt.UTC(), rec.Key())
	return err
}

func (p *DB) RecordExit(ctx context.Context, key string, exitedAt time.Time, code int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE service_runs SET exited_at=$1, exit_code=$2 WHERE uniq=$3;`,
		exitedAt.UTC(), code, key)
	return err
}

func (p *DB) Recent(ctx context.Context, service string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, service, pid, command, started_at, exited_at, exit_code
		FROM service_runs
		WHERE ($1 = '' OR service = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2;`, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}
