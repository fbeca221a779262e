package localpg

import (
	"context"
	"net/http"
	"time"

	"github.com/loykin/localpg/internal/cluster"
	"github.com/loykin/localpg/internal/config"
	"github.com/loykin/localpg/internal/engine"
	"github.com/loykin/localpg/internal/extension"
	"github.com/loykin/localpg/internal/manager"
	"github.com/loykin/localpg/internal/metrics"
	"github.com/loykin/localpg/internal/readiness"
	iapi "github.com/loykin/localpg/internal/server"
	"github.com/loykin/localpg/internal/store"
	"github.com/loykin/localpg/internal/store/factory"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for embedders.

type Settings = config.Settings

// SettingsHolder keeps the settings a long-running caller restarts with.
type SettingsHolder = config.Holder

type Result = engine.Result

type AuditReport = cluster.Report

type ExitEvent = manager.ExitEvent

type ServiceStatus = manager.Status

type HistoryStore = store.Store

type HistoryRecord = store.Record

type ExtensionReport = extension.Report

type Option = engine.Option

var (
	WithSink        = engine.WithSink
	WithStore       = engine.WithStore
	WithGlobalEnv   = engine.WithGlobalEnv
	WithExitHandler = engine.WithExitHandler
	WithSQLClient   = engine.WithSQLClient
)

// ErrRunning is returned by Wipe while the server is up.
var ErrRunning = engine.ErrRunning

// Engine is a thin facade over internal/engine.Engine.
type Engine struct{ inner *engine.Engine }

func New(opts ...Option) *Engine { return &Engine{inner: engine.New(opts...)} }

func (e *Engine) Start(ctx context.Context, s Settings) Result { return e.inner.Start(ctx, s) }
func (e *Engine) Shutdown(ctx context.Context) error           { return e.inner.Shutdown(ctx) }
func (e *Engine) Wipe(s Settings) error                        { return e.inner.Wipe(s) }
func (e *Engine) Last() (Result, bool)                         { return e.inner.Last() }
func (e *Engine) RunID() string                                { return e.inner.RunID() }
func (e *Engine) Running() bool                                { return e.inner.Supervisor().IsRunning(engine.ServiceID) }
func (e *Engine) Services() []ServiceStatus                    { return e.inner.Supervisor().Snapshot() }
func (e *Engine) Stop(id string) bool                          { return e.inner.Supervisor().Stop(id) }

// Restart stops every service and starts again with s.
func (e *Engine) Restart(ctx context.Context, s Settings) Result { return e.inner.Restart(ctx, s) }

// Reconcile ensures the database, role and extensions on an already listening server.
func (e *Engine) Reconcile(ctx context.Context, s Settings) (ExtensionReport, error) {
	return e.inner.Reconcile(ctx, s)
}

func DefaultSettings() Settings                    { return config.Default() }
func LoadSettings(path string) (Settings, error)   { return config.Load(path) }
func NewSettingsHolder(s Settings) *SettingsHolder { return config.NewHolder(s) }

// Audit classifies dir and repairs what can be regenerated.
func Audit(dir string) AuditReport { return cluster.Audit(dir) }

// Classify inspects dir without touching it.
func Classify(dir string) AuditReport { return cluster.Classify(dir) }

// WaitForPort blocks until host:port accepts a TCP connection or deadline passes.
func WaitForPort(ctx context.Context, host string, port int, deadline time.Duration) error {
	o := readiness.DefaultOptions()
	if deadline > 0 {
		o.Deadline = deadline
	}
	return readiness.WaitForPort(ctx, host, port, o)
}

// OpenHistory opens a sqlite path or postgres:// URL and ensures its schema.
func OpenHistory(ctx context.Context, dsn string) (HistoryStore, error) {
	st, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// NewHTTPServer returns a status server for e; st may be nil.
func NewHTTPServer(addr, basePath string, e *Engine, st HistoryStore) *http.Server {
	return iapi.NewServer(addr, basePath, e.inner, st)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
