package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one lifetime of a supervised service: a spawn and, once observed, its exit.
// ExitedAt and ExitCode stay invalid while the service is running.
type Record struct {
	ID        int64
	RunID     string
	Service   string
	PID       int
	Command   string
	StartedAt time.Time
	ExitedAt  sql.NullTime
	ExitCode  sql.NullInt64
}

// Key uniquely identifies a lifetime by pid and start time.
func (r Record) Key() string { return UniqueKey(r.PID, r.StartedAt) }

// Running reports whether no exit has been recorded.
func (r Record) Running() bool { return !r.ExitedAt.Valid }

// UniqueKey builds the pid/start-time key used to match exits to starts.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UTC().UnixNano())
}

// Store persists service lifetimes. Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec Record) error
	RecordExit(ctx context.Context, key string, exitedAt time.Time, code int) error
	// Recent returns up to limit records newest first; an empty service matches all.
	Recent(ctx context.Context, service string, limit int) ([]Record, error)
	Close() error
}

// DefaultLimit applies when Recent is called with a non-positive limit.
const DefaultLimit = 50

// ScanRecords reads rows selected in the canonical column order:
// id, run_id, service, pid, command, started_at, exited_at, exit_code.
func ScanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.RunID, &r.Service, &r.PID, &r.Command, &r.StartedAt, &r.ExitedAt, &r.ExitCode); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
