package factory

import (
	"errors"
	"strings"

	"github.com/loykin/localpg/internal/store"
	pg "github.com/loykin/localpg/internal/store/postgres"
	sq "github.com/loykin/localpg/internal/store/sqlite"
)

// ErrEmptyDSN is returned when history is requested without a DSN.
var ErrEmptyDSN = errors.New("empty history DSN")

// Driver names the backend a DSN selects: "postgres" or "sqlite".
func Driver(dsn string) string {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// NewFromDSN opens the history store a DSN points at.
//   - postgres: "postgres://..." or "postgresql://..."
//   - sqlite:   "sqlite://<path>", "sqlite:<path>" or a bare path; ":memory:" is private to the process
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, ErrEmptyDSN
	}
	if Driver(d) == "postgres" {
		return pg.New(d)
	}
	return sq.New(sqlitePath(d))
}

func sqlitePath(d string) string {
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "sqlite://"):
		return d[len("sqlite://"):]
	case strings.HasPrefix(ld, "sqlite:"):
		return d[len("sqlite:"):]
	}
	return d
}
