// Package extension reconciles the default database, the admin role and the
// desired extensions against the live catalog of a running server.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/localpg/internal/metrics"
	"github.com/loykin/localpg/internal/sqlclient"
)

// State is the live status of one desired extension.
type State struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Enabled   bool   `json:"enabled"`
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
}

// Report summarises one reconciliation. Err is set only when the default
// database could not be ensured; everything else is soft.
type Report struct {
	DatabaseCreated bool    `json:"database_created"`
	RoleCreated     bool    `json:"role_created"`
	RoleErr         error   `json:"-"`
	Extensions      []State `json:"extensions"`
	PrimaryMissing  bool    `json:"primary_missing"`
	Err             error   `json:"-"`
}

// Reconciler drives a running server to the desired end state. Running it
// again against an already reconciled server changes nothing.
type Reconciler struct {
	Client sqlclient.Client
	// Database is the default database; it is created from Template when missing.
	Database string
	Template string
	// AdminRole is granted SUPERUSER CREATEDB CREATEROLE LOGIN.
	AdminRole string
	// Desired lists extensions to enable; the first one is the primary.
	Desired []string
	// Root is used only for diagnostics.
	Root SearchRoot
}

// Run executes every reconciliation step in order and returns what it did.
func (r *Reconciler) Run(ctx context.Context, onLog func(string)) Report {
	logf := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		slog.Debug("reconcile", "msg", msg)
		if onLog != nil {
			onLog(msg)
		}
	}
	var rep Report

	created, err := r.ensureDatabase(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("ensure database %s: %w", r.Database, err)
		logf("default database %s unavailable: %v", r.Database, err)
		return rep
	}
	rep.DatabaseCreated = created
	if created {
		logf("created database %s from %s", r.Database, r.template())
	}

	if r.AdminRole != "" {
		rc, err := r.ensureRole(ctx)
		rep.RoleCreated = rc
		if err != nil {
			rep.RoleErr = err
			logf("admin role %s not updated: %v", r.AdminRole, err)
		} else {
			logf("admin role %s ensured", r.AdminRole)
		}
	}

	if len(r.Desired) == 0 {
		return rep
	}
	available, err := r.available(ctx)
	if err != nil {
		logf("cannot read extension catalog: %v", err)
		for _, name := range r.Desired {
			rep.Extensions = append(rep.Extensions, State{Name: name, Err: err, Error: err.Error()})
		}
		return rep
	}

	primary := r.Desired[0]
	if !available[primary] {
		rep.PrimaryMissing = true
		logf("extension %s is not available in this build; checked %s", primary, strings.Join(r.Root.Candidates, " and "))
		if r.Root.Found() {
			logf("extension directory in use: %s", r.Root)
		}
		if r.Root.HasControl(primary) {
			logf("%s.control is present in %s but the server does not list it; the files may belong to another PostgreSQL version", primary, r.Root.Path)
		}
		for _, name := range r.Desired {
			rep.Extensions = append(rep.Extensions, State{Name: name, Available: available[name]})
			metrics.IncExtension(name, "unavailable")
		}
		return rep
	}

	for _, name := range r.Desired {
		rep.Extensions = append(rep.Extensions, r.reconcileOne(ctx, name, available[name], logf))
	}
	return rep
}

func (r *Reconciler) reconcileOne(ctx context.Context, name string, available bool, logf func(string, ...any)) State {
	st := State{Name: name, Available: available}
	if !available {
		logf("extension %s not available; skipped", name)
		metrics.IncExtension(name, "unavailable")
		return st
	}
	enabled, err := r.enabled(ctx, name)
	if err != nil {
		st.Err, st.Error = err, err.Error()
		logf("extension %s: status check failed: %v", name, err)
		metrics.IncExtension(name, "failed")
		return st
	}
	if enabled {
		st.Enabled = true
		logf("extension %s already enabled", name)
		metrics.IncExtension(name, "already_enabled")
		return st
	}
	err = r.Client.Exec(ctx, r.Database, "CREATE EXTENSION IF NOT EXISTS "+sqlclient.QuoteIdent(name))
	if err != nil && !sqlclient.IsAlreadyExists(err) {
		st.Err, st.Error = err, err.Error()
		logf("extension %s: enable failed: %v", name, err)
		metrics.IncExtension(name, "failed")
		return st
	}
	st.Enabled = true
	logf("extension %s enabled", name)
	metrics.IncExtension(name, "enabled")
	return st
}

func (r *Reconciler) template() string {
	if r.Template == "" {
		return "template1"
	}
	return r.Template
}

func (r *Reconciler) ensureDatabase(ctx context.Context) (bool, error) {
	if r.Database == "" {
		return false, errors.New("empty database name")
	}
	if _, err := r.Client.QueryColumn(ctx, r.Database, "SELECT 1::text"); err == nil {
		return false, nil
	}
	err := r.Client.CreateDatabase(ctx, r.Database, r.template())
	if err != nil && !sqlclient.IsAlreadyExists(err) {
		return false, err
	}
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (r *Reconciler) ensureRole(ctx context.Context) (bool, error) {
	rows, err := r.Client.QueryColumn(ctx, r.Database,
		"SELECT rolname::text FROM pg_roles WHERE rolname = "+sqlclient.QuoteLiteral(r.AdminRole))
	if err != nil {
		return false, err
	}
	created := false
	if len(rows) == 0 {
		err := r.Client.Exec(ctx, r.Database, "CREATE ROLE "+sqlclient.QuoteIdent(r.AdminRole)+" LOGIN")
		if err != nil && !sqlclient.IsAlreadyExists(err) {
			return false, err
		}
		created = err == nil
	}
	err = r.Client.Exec(ctx, r.Database, "ALTER ROLE "+sqlclient.QuoteIdent(r.AdminRole)+" WITH SUPERUSER CREATEDB CREATEROLE LOGIN")
	return created, err
}

func (r *Reconciler) available(ctx context.Context) (map[string]bool, error) {
	quoted := make([]string, 0, len(r.Desired))
	for _, n := range r.Desired {
		quoted = append(quoted, sqlclient.QuoteLiteral(n))
	}
	rows, err := r.Client.QueryColumn(ctx, r.Database,
		"SELECT name::text FROM pg_available_extensions WHERE name IN ("+strings.Join(quoted, ", ")+")")
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, n := range rows {
		out[strings.TrimSpace(n)] = true
	}
	return out, nil
}

func (r *Reconciler) enabled(ctx context.Context, name string) (bool, error) {
	rows, err := r.Client.QueryColumn(ctx, r.Database,
		"SELECT extname::text FROM pg_extension WHERE extname = "+sqlclient.QuoteLiteral(name))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
