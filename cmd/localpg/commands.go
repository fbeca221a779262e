package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/loykin/localpg"
	"github.com/loykin/localpg/internal/engine"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

type command struct {
	out io.Writer
}

// Up runs the full start sequence and supervises until a signal arrives or
// the server exits.
func (c command) Up(ctx context.Context, g GlobalFlags, f UpFlags) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	closer, err := setupLogging(s)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := localpg.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var reloading atomic.Bool
	serverExited := make(chan localpg.ExitEvent, 1)
	opts := []localpg.Option{
		localpg.WithExitHandler(func(ev localpg.ExitEvent) {
			if ev.ID != engine.ServiceID || reloading.Load() {
				return
			}
			select {
			case serverExited <- ev:
			default:
			}
		}),
	}
	var st localpg.HistoryStore
	if s.History.DSN != "" {
		st, err = localpg.OpenHistory(ctx, s.History.DSN)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = st.Close() }()
		opts = append(opts, localpg.WithStore(st))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	h := localpg.NewSettingsHolder(s)
	e := localpg.New(opts...)
	res := e.Start(ctx, h.Settings())
	printJSON(c.out, res)

	var srv *http.Server
	if s.Metrics.Listen != "" && e.Running() {
		srv = localpg.NewHTTPServer(s.Metrics.Listen, f.BasePath, e, st)
		slog.Info("status API listening", "addr", s.Metrics.Listen, "base", f.BasePath)
	}

	var exitErr error
	switch {
	case !e.Running():
	case f.Once:
	default:
	loop:
		for {
			select {
			case <-ctx.Done():
				slog.Info("shutting down", "reason", context.Cause(ctx))
				break loop
			case ev := <-serverExited:
				exitErr = fmt.Errorf("postgres exited with code %d", ev.Code)
				break loop
			case <-hup:
				reloading.Store(true)
				rr, err := reload(ctx, g, h, e)
				reloading.Store(false)
				if err != nil {
					slog.Error("reload rejected; keeping current settings", "error", err)
					continue
				}
				printJSON(c.out, rr)
				if !e.Running() {
					exitErr = fmt.Errorf("postgres did not come back after reload: %s", rr.Error)
					break loop
				}
			}
		}
	}

	if srv != nil {
		_ = srv.Close()
	}
	sctx, cancel := context.WithTimeout(context.Background(), f.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if res.Err != nil {
		return res.Err
	}
	return exitErr
}

type restarter interface {
	Start(ctx context.Context, s localpg.Settings) localpg.Result
	Restart(ctx context.Context, s localpg.Settings) localpg.Result
}

// reload reads the configuration again and stores it in h. Changes to how
// postgres or pgAdmin were launched restart them; anything else is applied by
// starting again in place. Invalid settings leave h untouched.
func reload(ctx context.Context, g GlobalFlags, h *localpg.SettingsHolder, e restarter) (localpg.Result, error) {
	next, err := loadSettings(g)
	if err != nil {
		return localpg.Result{}, err
	}
	if err := next.Validate(); err != nil {
		return localpg.Result{}, err
	}
	prev := h.Settings()
	h.Update(next)
	if prev.NeedsRestart(next) {
		slog.Info("configuration reloaded; restarting services", "config", g.ConfigPath)
		return e.Restart(ctx, h.Settings()), nil
	}
	slog.Info("configuration reloaded", "config", g.ConfigPath)
	return e.Start(ctx, h.Settings()), nil
}

// Audit prints the classification of the data directory. A corrupt directory
// is reported as an error so scripts can branch on the exit status.
func (c command) Audit(g GlobalFlags, f AuditFlags) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	var r localpg.AuditReport
	if f.Repair {
		r = localpg.Audit(s.Server.DataDir)
	} else {
		r = localpg.Classify(s.Server.DataDir)
	}
	printJSON(c.out, r)
	if r.StateStr == "corrupt_needs_reinit" {
		return fmt.Errorf("data directory %s is corrupt: %s", r.Dir, r.Reason)
	}
	return nil
}

// Wipe empties the data directory.
func (c command) Wipe(g GlobalFlags, f WipeFlags) error {
	if !f.Yes {
		return errors.New("refusing to wipe without --yes")
	}
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	if err := localpg.New().Wipe(s); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "wiped %s\n", s.Server.DataDir)
	return nil
}

// Wait blocks until the target port accepts a connection.
func (c command) Wait(ctx context.Context, g GlobalFlags, f WaitFlags) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	host := f.Host
	if host == "" {
		host = engine.ConnectHost(s.Server.Host)
	}
	port := f.Port
	if port == 0 {
		port = s.Server.Port
	}
	deadline := f.Deadline
	if deadline <= 0 {
		deadline = s.Readiness.Deadline
	}
	if err := localpg.WaitForPort(ctx, host, port, deadline); err != nil {
		return fmt.Errorf("%s:%d: %w", host, port, err)
	}
	_, _ = fmt.Fprintf(c.out, "%s:%d is accepting connections\n", host, port)
	return nil
}

// Reconcile runs reconciliation against a server that is already up.
func (c command) Reconcile(ctx context.Context, g GlobalFlags) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	closer, err := setupLogging(s)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	rep, err := localpg.New().Reconcile(ctx, s)
	printJSON(c.out, rep)
	return err
}

// History prints recorded lifetimes, newest first.
func (c command) History(ctx context.Context, g GlobalFlags, f HistoryFlags) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	if s.History.DSN == "" {
		return errors.New("history.dsn is not configured")
	}
	st, err := localpg.OpenHistory(ctx, s.History.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	recs, err := st.Recent(ctx, f.Service, f.Limit)
	if err != nil {
		return err
	}
	rows := make([]historyRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, toHistoryRow(r))
	}
	printJSON(c.out, rows)
	return nil
}
