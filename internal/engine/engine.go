// Package engine composes audit, bootstrap, supervision, readiness,
// reconciliation and the companion tool into a single start operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/loykin/localpg/internal/bootstrap"
	"github.com/loykin/localpg/internal/cluster"
	"github.com/loykin/localpg/internal/companion"
	"github.com/loykin/localpg/internal/config"
	"github.com/loykin/localpg/internal/extension"
	"github.com/loykin/localpg/internal/manager"
	"github.com/loykin/localpg/internal/process"
	"github.com/loykin/localpg/internal/readiness"
	"github.com/loykin/localpg/internal/sqlclient"
	"github.com/loykin/localpg/internal/store"
)

// ServiceID is the supervisor id of the database server.
const ServiceID = "postgres"

// ErrRunning is returned by operations that need the server stopped.
var ErrRunning = errors.New("server is running")

// Sink receives every diagnostic and service output line, already id-prefixed.
type Sink func(line string)

// CompanionResult describes what happened to the companion tool.
type CompanionResult struct {
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Install string `json:"install,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Result is the outcome of Start. Err holds the first fatal failure.
type Result struct {
	OK           bool             `json:"ok"`
	RunID        string           `json:"run_id"`
	Audit        cluster.Report   `json:"audit"`
	Purged       bool             `json:"purged"`
	Bootstrapped bool             `json:"bootstrapped"`
	Ready        bool             `json:"ready"`
	SearchRoot   string           `json:"extension_root"`
	Extensions   extension.Report `json:"extensions"`
	Companion    CompanionResult  `json:"companion"`
	Diagnostics  []string         `json:"diagnostics"`
	Err          error            `json:"-"`
	Error        string           `json:"error,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithSQLClient replaces the client factory used for reconciliation.
func WithSQLClient(f func(config.Settings) sqlclient.Client) Option {
	return func(e *Engine) { e.newClient = f }
}

// WithSink routes lines to fn instead of slog.
func WithSink(fn Sink) Option {
	return func(e *Engine) { e.sink = fn }
}

// WithExitHandler is called after the engine's own exit handling.
func WithExitHandler(fn func(manager.ExitEvent)) Option {
	return func(e *Engine) { e.onExit = fn }
}

// WithStore records service lifetimes in st.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.st = st }
}

// WithGlobalEnv adds variables to every child environment.
func WithGlobalEnv(kvs []string) Option {
	return func(e *Engine) { e.globalEnv = append(e.globalEnv, kvs...) }
}

// Engine owns the supervisor and the data directory lock.
type Engine struct {
	mu        sync.Mutex
	sup       *manager.Supervisor
	newClient func(config.Settings) sqlclient.Client
	sink      Sink
	onExit    func(manager.ExitEvent)
	st        store.Store
	globalEnv []string
	runID     string

	lock     *flock.Flock
	lockDir  string
	launcher *companion.Launcher
	last     *Result
}

// New returns an Engine. The run id is shared by every start of this Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		newClient: DefaultSQLClient,
		runID:     uuid.NewString(),
	}
	for _, o := range opts {
		o(e)
	}
	sopts := []manager.Option{manager.WithGlobalEnv(e.globalEnv)}
	if e.st != nil {
		sopts = append(sopts, manager.WithStore(e.st, e.runID))
	}
	e.sup = manager.NewSupervisor(e.handleExit, sopts...)
	return e
}

// DefaultSQLClient connects as the superuser with the configured client kind.
func DefaultSQLClient(s config.Settings) sqlclient.Client {
	conn := sqlclient.Conn{
		Host:     ConnectHost(s.Server.Host),
		Port:     s.Server.Port,
		User:     s.Server.Superuser,
		Password: s.Server.AdminPassword,
	}
	if s.Extensions.Client == "psql" {
		return sqlclient.NewPSQL(conn, s.PSQL(), s.CreateDB())
	}
	return sqlclient.NewPGX(conn)
}

// ConnectHost maps wildcard listen addresses to loopback.
func ConnectHost(listen string) string {
	switch listen {
	case "", "*", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	}
	return listen
}

// Supervisor exposes the underlying supervisor.
func (e *Engine) Supervisor() *manager.Supervisor { return e.sup }

// RunID identifies this Engine's session in the history store.
func (e *Engine) RunID() string { return e.runID }

// Last returns the result of the most recent Start.
func (e *Engine) Last() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

type run struct {
	e   *Engine
	mu  sync.Mutex
	res Result
}

func (r *run) diag(id, line string) {
	full := manager.FormatLine(id, line)
	r.mu.Lock()
	r.res.Diagnostics = append(r.res.Diagnostics, full)
	r.mu.Unlock()
	r.e.emit(full)
}

func (r *run) fail(err error) Result {
	r.diag("engine", "start failed: "+err.Error())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.OK = false
	r.res.Err = err
	r.res.Error = err.Error()
	return r.res
}

func (r *run) done() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.OK = r.res.Err == nil
	return r.res
}

func (e *Engine) emit(line string) {
	if e.sink != nil {
		e.sink(line)
		return
	}
	slog.Info(line)
}

func (e *Engine) serviceLog(id string, _ process.Stream, line string) {
	e.emit(manager.FormatLine(id, line))
}

// Start brings the server to a running, reconciled state using s. It is safe
// to call again; already-satisfied steps are skipped.
func (e *Engine) Start(ctx context.Context, s config.Settings) Result {
	r := &run{e: e, res: Result{RunID: e.runID}}
	res := e.start(ctx, s, r)
	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()
	if res.OK {
		slog.Info("localpg ready", "port", s.Server.Port, "run_id", e.runID)
	} else {
		slog.Error("localpg start incomplete", "error", res.Error, "run_id", e.runID)
	}
	return res
}

func (e *Engine) start(ctx context.Context, s config.Settings, r *run) Result {
	if err := s.Validate(); err != nil {
		return r.fail(fmt.Errorf("invalid settings: %w", err))
	}
	e.sup.SetKillAfter(s.Server.StopKillAfter)
	dir := filepath.Clean(s.Server.DataDir)

	if e.sup.IsRunning(ServiceID) {
		r.diag("engine", "server already running; skipping audit and bootstrap")
	} else {
		if err := e.acquire(dir); err != nil {
			return r.fail(err)
		}
		if err := e.prepareCluster(ctx, s, dir, r); err != nil {
			return r.fail(err)
		}
	}

	if err := e.sup.Start(ServiceID, e.serverSpec(s, dir), e.serviceLog); err != nil {
		return r.fail(err)
	}
	if !e.sup.IsRunning(ServiceID) {
		return r.fail(errors.New("server exited right after start"))
	}

	root := extension.ResolveSearchRoot(shareDir(s))
	r.res.SearchRoot = root.String()
	r.diag("engine", "extension search root: "+root.String())

	host := ConnectHost(s.Server.Host)
	r.diag("engine", "waiting for "+host+":"+strconv.Itoa(s.Server.Port))
	err := readiness.WaitForPort(ctx, host, s.Server.Port, readiness.Options{
		Interval:       s.Readiness.Interval,
		AttemptTimeout: s.Readiness.AttemptTimeout,
		Deadline:       s.Readiness.Deadline,
	})
	if err != nil {
		// The server may still come up; it is left running.
		return r.fail(err)
	}
	r.res.Ready = true
	r.diag("engine", "server is accepting connections")

	rep := e.reconciler(s, root).Run(ctx, func(line string) { r.diag("reconcile", line) })
	r.res.Extensions = rep
	if rep.Err != nil {
		return r.fail(rep.Err)
	}

	r.res.Companion = e.startCompanion(ctx, s, r)
	return r.done()
}

func (e *Engine) reconciler(s config.Settings, root extension.SearchRoot) *extension.Reconciler {
	return &extension.Reconciler{
		Client:    e.newClient(s),
		Database:  s.Server.Database,
		Template:  s.Server.Template,
		AdminRole: s.AdminRole(),
		Desired:   s.Extensions.Desired,
		Root:      root,
	}
}

// Reconcile runs database, role and extension reconciliation against a server
// that is already listening on the configured port, started by this Engine or not.
func (e *Engine) Reconcile(ctx context.Context, s config.Settings) (extension.Report, error) {
	if err := s.Validate(); err != nil {
		return extension.Report{}, fmt.Errorf("invalid settings: %w", err)
	}
	host := ConnectHost(s.Server.Host)
	err := readiness.WaitForPort(ctx, host, s.Server.Port, readiness.Options{
		Interval:       s.Readiness.Interval,
		AttemptTimeout: s.Readiness.AttemptTimeout,
		Deadline:       s.Readiness.Deadline,
	})
	if err != nil {
		return extension.Report{}, err
	}
	root := extension.ResolveSearchRoot(shareDir(s))
	e.emit(manager.FormatLine("reconcile", "extension search root: "+root.String()))
	rep := e.reconciler(s, root).Run(ctx, func(line string) { e.emit(manager.FormatLine("reconcile", line)) })
	return rep, rep.Err
}

func (e *Engine) acquire(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock != nil && e.lockDir == dir {
		return nil
	}
	if e.lock != nil {
		_ = e.lock.Unlock()
		e.lock = nil
	}
	fl, err := cluster.Lock(dir)
	if err != nil {
		return err
	}
	e.lock, e.lockDir = fl, dir
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock != nil {
		_ = e.lock.Unlock()
		e.lock = nil
		e.lockDir = ""
	}
}

func (e *Engine) prepareCluster(ctx context.Context, s config.Settings, dir string, r *run) error {
	rep := cluster.Audit(dir)
	r.res.Audit = rep
	msg := "data directory " + dir + " is " + rep.StateStr
	if rep.Reason != "" {
		msg += " (" + rep.Reason + ")"
	}
	r.diag("engine", msg)

	switch rep.State {
	case cluster.Valid:
		return nil
	case cluster.Corrupt:
		r.diag("engine", "purging data directory for reinitialization")
		if err := cluster.Purge(dir); err != nil {
			return err
		}
		r.res.Purged = true
	case cluster.Empty:
		empty, err := cluster.IsEmptyDir(dir)
		if err != nil {
			return err
		}
		if !empty {
			leftovers, err := cluster.OnlyBootstrapLeftovers(dir)
			if err != nil {
				return err
			}
			if !leftovers {
				// Not ours; bootstrap refuses it with ErrNotEmpty.
				r.diag("engine", "data directory holds files that do not belong to a cluster; leaving it untouched")
				break
			}
			r.diag("engine", "removing files left by an interrupted bootstrap")
			if err := cluster.Purge(dir); err != nil {
				return err
			}
			r.res.Purged = true
		}
	default:
		return fmt.Errorf("unexpected audit state %s", rep.StateStr)
	}

	err := bootstrap.Run(ctx, bootstrap.Options{
		InitDB:    s.InitDB(),
		DataDir:   dir,
		Superuser: s.Server.Superuser,
		Encoding:  s.Server.Encoding,
		Locale:    s.Server.Locale,
		Env:       s.Server.Env,
		ExtraArgs: s.Server.InitDBArgs,
	}, func(line string) { r.diag("initdb", line) })
	if err != nil {
		return err
	}
	r.res.Bootstrapped = true
	return nil
}

func (e *Engine) serverSpec(s config.Settings, dir string) process.Spec {
	args := []string{"-D", dir, "-p", strconv.Itoa(s.Server.Port), "-c", "listen_addresses=" + s.Server.Host}
	return process.Spec{
		Command: s.Postgres(),
		Args:    append(args, s.Server.ServerArgs...),
		Env:     s.Server.Env,
		Log:     s.Log.Rotation(),
	}
}

func shareDir(s config.Settings) string {
	if s.Extensions.ShareDir != "" {
		return s.Extensions.ShareDir
	}
	bin := s.Server.BinDir
	if bin == "" {
		if p, err := exec.LookPath(s.Postgres()); err == nil {
			bin = filepath.Dir(p)
		}
	}
	return extension.DefaultShareDir(bin)
}

func (e *Engine) startCompanion(ctx context.Context, s config.Settings, r *run) CompanionResult {
	if !s.Companion.Enabled {
		return CompanionResult{}
	}
	cr := CompanionResult{Enabled: true}
	inst, err := companion.Locate(s.Companion.InstallDir, companion.Options{
		Entrypoint: s.Companion.Entrypoint,
		MaxDepth:   s.Companion.SearchDepth,
	})
	if err != nil {
		cr.Enabled = false
		cr.Reason = err.Error()
		r.diag("companion", "disabled: "+err.Error())
		return cr
	}
	cr.Install = inst.Entrypoint
	l := &companion.Launcher{
		Install: inst,
		Config:  companion.LocalConfig{DataDir: s.CompanionDataDir(), Port: s.Companion.Port},
		Profile: companion.ServerProfile{
			Name:          s.Companion.ServerName,
			Group:         s.Companion.ServerGroup,
			Host:          ConnectHost(s.Server.Host),
			Port:          s.Server.Port,
			Username:      s.AdminRole(),
			MaintenanceDB: s.Server.Database,
		},
		Log: s.Log.Rotation(),
		Env: s.Server.Env,
	}
	if err := l.Launch(ctx, e.sup, e.serviceLog); err != nil {
		cr.Reason = err.Error()
		r.diag("companion", "launch failed: "+err.Error())
		return cr
	}
	e.mu.Lock()
	e.launcher = l
	e.mu.Unlock()
	cr.Running = e.sup.IsRunning(companion.ServiceID)
	r.diag("companion", "started on port "+strconv.Itoa(s.Companion.Port))
	return cr
}

// handleExit tears the companion down when the server goes away. A late exit
// of an earlier server instance is ignored while a newer one is tracked.
func (e *Engine) handleExit(ev manager.ExitEvent) {
	e.emit(manager.FormatLine("engine", fmt.Sprintf("%s exited with code %d", ev.ID, ev.Code)))
	if ev.ID == ServiceID {
		e.serverExited(ev)
	}
	if e.onExit != nil {
		e.onExit(ev)
	}
}

func (e *Engine) serverExited(ev manager.ExitEvent) {
	if cur := e.sup.PID(ServiceID); cur != 0 && cur != ev.PID {
		e.emit(manager.FormatLine("engine", fmt.Sprintf("ignoring exit of previous server pid %d; pid %d is current", ev.PID, cur)))
		return
	}
	e.mu.Lock()
	l := e.launcher
	e.mu.Unlock()
	if l != nil && l.Stop(e.sup) {
		e.emit(manager.FormatLine("engine", "stopping companion because the server exited"))
	}
}

// Restart stops every service, waits for them to exit and starts again with s.
// The data directory lock is kept across the restart when the directory is unchanged.
func (e *Engine) Restart(ctx context.Context, s config.Settings) Result {
	e.emit(manager.FormatLine("engine", "restarting services"))
	e.mu.Lock()
	e.launcher = nil
	e.mu.Unlock()
	e.sup.StopAll()
	if err := e.sup.Wait(ctx); err != nil {
		r := &run{e: e, res: Result{RunID: e.runID}}
		return r.fail(fmt.Errorf("restart: %w", err))
	}
	return e.Start(ctx, s)
}

// Shutdown stops every service, waits for them to exit and releases the lock.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.sup.StopAll()
	err := e.sup.Wait(ctx)
	e.release()
	return err
}

// Wipe removes the cluster. It refuses while the server is running.
func (e *Engine) Wipe(s config.Settings) error {
	if e.sup.IsRunning(ServiceID) {
		return ErrRunning
	}
	dir := filepath.Clean(s.Server.DataDir)
	if err := e.acquire(dir); err != nil {
		return err
	}
	defer e.release()
	if err := cluster.Purge(dir); err != nil {
		return err
	}
	e.emit(manager.FormatLine("engine", "wiped "+dir))
	return nil
}
