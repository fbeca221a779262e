// Package sqlclient runs administrative SQL against the local server, either
// through the pgx driver or through the psql/createdb command-line tools.
package sqlclient

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn addresses the server.
type Conn struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Client is what reconciliation needs from a SQL connection.
type Client interface {
	// Exec runs a statement in db.
	Exec(ctx context.Context, db, stmt string) error
	// QueryColumn returns the first column of every row as text.
	QueryColumn(ctx context.Context, db, query string) ([]string, error)
	// CreateDatabase creates name from template.
	CreateDatabase(ctx context.Context, name, template string) error
}

// SQLSTATE codes for objects that already exist.
const (
	codeDuplicateDatabase = "42P04"
	codeDuplicateObject   = "42710"
	codeDuplicateTable    = "42P07"
)

// IsAlreadyExists reports whether err means the object was created concurrently
// or earlier. Such errors are treated as success.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case codeDuplicateDatabase, codeDuplicateObject, codeDuplicateTable:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// QuoteIdent quotes a role, database or extension name.
func QuoteIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

// QuoteLiteral quotes a string constant.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
