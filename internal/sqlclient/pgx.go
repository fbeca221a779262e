package sqlclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// PGX talks to the server over the wire protocol. It opens a short-lived
// connection per call, so it never holds a session open across reconciliation steps.
type PGX struct {
	Conn Conn
}

// NewPGX returns a PGX client for c.
func NewPGX(c Conn) *PGX { return &PGX{Conn: c} }

// URL renders a connection string for db.
func (p *PGX) URL(db string) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(p.Conn.Host, strconv.Itoa(p.Conn.Port)),
		Path:     "/" + db,
		RawQuery: "sslmode=disable&connect_timeout=5",
	}
	if p.Conn.Password != "" {
		u.User = url.UserPassword(p.Conn.User, p.Conn.Password)
	} else {
		u.User = url.User(p.Conn.User)
	}
	return u.String()
}

func (p *PGX) connect(ctx context.Context, db string) (*pgx.Conn, error) {
	c, err := pgx.Connect(ctx, p.URL(db))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", db, err)
	}
	return c, nil
}

func (p *PGX) Exec(ctx context.Context, db, stmt string) error {
	c, err := p.connect(ctx, db)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()
	_, err = c.Exec(ctx, stmt)
	return err
}

func (p *PGX) QueryColumn(ctx context.Context, db, query string) ([]string, error) {
	c, err := p.connect(ctx, db)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close(context.Background()) }()
	rows, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PGX) CreateDatabase(ctx context.Context, name, template string) error {
	c, err := p.connect(ctx, template)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()
	_, err = c.Exec(ctx, "CREATE DATABASE "+QuoteIdent(name)+" TEMPLATE "+QuoteIdent(template))
	return err
}
