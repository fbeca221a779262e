package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/loykin/localpg/internal/env"
	"github.com/loykin/localpg/internal/metrics"
	"github.com/loykin/localpg/internal/process"
	"github.com/loykin/localpg/internal/store"
)

// waitDelay bounds how long Wait keeps draining output after the child exits,
// in case a grandchild inherited the pipes.
const waitDelay = 2 * time.Second

// storeTimeout bounds a single history write.
const storeTimeout = 3 * time.Second

// ExitEvent is published once per process exit.
// Code is -1 when the process was killed by a signal.
type ExitEvent struct {
	ID   string
	PID  int
	Code int
	Err  error
}

// LogFunc receives every output line of a supervised process.
type LogFunc func(id string, stream process.Stream, line string)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithKillAfter escalates Stop to a hard kill when the process is still alive after d.
// Zero disables escalation.
func WithKillAfter(d time.Duration) Option {
	return func(s *Supervisor) { s.killAfter = d }
}

// WithStore records every start and exit in st under runID.
func WithStore(st store.Store, runID string) Option {
	return func(s *Supervisor) { s.st, s.runID = st, runID }
}

// WithGlobalEnv adds KEY=VALUE variables to every child environment.
func WithGlobalEnv(kvs []string) Option {
	return func(s *Supervisor) { s.envM.SetPairs(kvs) }
}

// WithEnv replaces the environment composer, mainly for tests.
func WithEnv(e *env.Env) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.envM = e
		}
	}
}

// Supervisor owns child processes keyed by service id. At most one process is
// tracked per id; a second Start for a tracked id is a no-op.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*managed

	onExit    func(ExitEvent)
	killAfter time.Duration
	envM      *env.Env
	st        store.Store
	runID     string

	wg sync.WaitGroup
}

type managed struct {
	id        string
	spec      process.Spec
	cmd       *exec.Cmd
	startedAt time.Time
	out, err  *process.LineWriter
	files     []io.Closer
	done      chan struct{}
}

// NewSupervisor returns a Supervisor that reports exits to onExit, which may be nil.
func NewSupervisor(onExit func(ExitEvent), opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:  make(map[string]*managed),
		onExit: onExit,
		envM:   env.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns spec under id and streams its output line by line to onLog.
// Spawn failures return a *process.ConfigError and leave nothing registered.
func (s *Supervisor) Start(id string, spec process.Spec, onLog LogFunc) error {
	notice, err := s.start(id, spec, onLog)
	if notice != "" {
		deliver(id, process.System, notice, onLog)
	}
	return err
}

// start runs under s.mu; the returned notice is delivered after unlocking so
// that onLog may call back into the Supervisor.
func (s *Supervisor) start(id string, spec process.Spec, onLog LogFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.procs[id]; ok {
		slog.Warn("service already running; start ignored", "id", id, "pid", cur.cmd.Process.Pid)
		return "already running; start ignored", nil
	}

	path, err := spec.ResolveCommand()
	if err != nil {
		return s.spawnFailed(id, err)
	}

	m := &managed{id: id, spec: spec, done: make(chan struct{})}
	outF, errF, ferr := spec.Log.ServiceWriters(id)
	if ferr != nil {
		slog.Warn("service log files disabled", "id", id, "error", ferr)
	}
	var outTee, errTee io.Writer
	if outF != nil {
		outTee = outF
		m.files = append(m.files, outF)
	}
	if errF != nil {
		errTee = errF
		m.files = append(m.files, errF)
	}
	var lineMu sync.Mutex
	m.out = process.NewLineWriter(&lineMu, func(line string) { deliver(id, process.Stdout, line, onLog) }, outTee)
	m.err = process.NewLineWriter(&lineMu, func(line string) { deliver(id, process.Stderr, line, onLog) }, errTee)

	cmd := spec.BuildCommand(path, s.envM.Merge(spec.Env))
	cmd.Stdout = m.out
	cmd.Stderr = m.err
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		m.closeFiles()
		return s.spawnFailed(id, &process.ConfigError{Command: path, Err: err})
	}
	m.cmd = cmd
	m.startedAt = time.Now()
	s.procs[id] = m

	slog.Info("service started", "id", id, "pid", cmd.Process.Pid, "cmd", spec.String())
	metrics.IncStart(id)
	metrics.SetRunning(len(s.procs))
	s.recordStart(m)

	s.wg.Add(1)
	go s.wait(m, onLog)
	return "", nil
}

func (s *Supervisor) spawnFailed(id string, err error) (string, error) {
	var ce *process.ConfigError
	if !errors.As(err, &ce) {
		ce = &process.ConfigError{Err: err}
	}
	ce.ID = id
	slog.Error("service spawn failed", "id", id, "error", ce)
	metrics.IncSpawnFailure(id)
	return ce.Error(), ce
}

func (s *Supervisor) wait(m *managed, onLog LogFunc) {
	defer s.wg.Done()
	werr := m.cmd.Wait()
	m.out.Flush()
	m.err.Flush()
	m.closeFiles()
	code := process.ExitCode(m.cmd, werr)
	exitedAt := time.Now()
	close(m.done)

	s.mu.Lock()
	// A Stop followed by a fresh Start may already have replaced the entry.
	if cur, ok := s.procs[m.id]; ok && cur == m {
		delete(s.procs, m.id)
	}
	n := len(s.procs)
	s.mu.Unlock()

	slog.Info("service exited", "id", m.id, "pid", m.cmd.Process.Pid, "code", code)
	deliver(m.id, process.System, fmt.Sprintf("exited with code %d", code), onLog)
	metrics.IncExit(m.id, code)
	metrics.SetRunning(n)
	s.recordExit(m, exitedAt, code)

	var evErr error
	if code != 0 {
		evErr = werr
	}
	if s.onExit != nil {
		s.onExit(ExitEvent{ID: m.id, PID: m.cmd.Process.Pid, Code: code, Err: evErr})
	}
}

// Stop removes id from the table and sends a graceful termination signal.
// It does not wait; the exit is reported later through the exit callback.
// It returns false when id was not tracked.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	m, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	n := len(s.procs)
	killAfter := s.killAfter
	s.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetRunning(n)
	slog.Info("stopping service", "id", id, "pid", m.cmd.Process.Pid)
	if err := process.Terminate(m.cmd); err != nil {
		slog.Warn("terminate failed", "id", id, "error", err)
	}
	if killAfter > 0 {
		go func() {
			t := time.NewTimer(killAfter)
			defer t.Stop()
			select {
			case <-m.done:
			case <-t.C:
				slog.Warn("service ignored termination; killing", "id", id, "after", killAfter)
				_ = process.Kill(m.cmd)
			}
		}()
	}
	return true
}

// SetKillAfter changes the escalation delay for subsequent stops.
func (s *Supervisor) SetKillAfter(d time.Duration) {
	s.mu.Lock()
	s.killAfter = d
	s.mu.Unlock()
}

// StopAll stops every tracked service.
func (s *Supervisor) StopAll() {
	for _, id := range s.IDs() {
		s.Stop(id)
	}
}

// IsRunning reports whether id is tracked.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[id]
	return ok
}

// PID returns the pid of id, or 0.
func (s *Supervisor) PID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.procs[id]; ok {
		return m.cmd.Process.Pid
	}
	return 0
}

// IDs returns the tracked ids in sorted order.
func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.procs))
	for id := range s.procs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status is a point-in-time view of one tracked service.
type Status struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot lists tracked services ordered by id.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.procs))
	for id, m := range s.procs {
		out = append(out, Status{ID: id, PID: m.cmd.Process.Pid, Command: m.spec.String(), StartedAt: m.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until every spawned process has been reaped and its exit
// callback has returned, or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) recordStart(m *managed) {
	if s.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec := store.Record{RunID: s.runID, Service: m.id, PID: m.cmd.Process.Pid, Command: m.spec.String(), StartedAt: m.startedAt}
	if err := s.st.RecordStart(ctx, rec); err != nil {
		slog.Warn("history: record start failed", "id", m.id, "error", err)
	}
}

func (s *Supervisor) recordExit(m *managed, exitedAt time.Time, code int) {
	if s.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.st.RecordExit(ctx, store.UniqueKey(m.cmd.Process.Pid, m.startedAt), exitedAt, code); err != nil {
		slog.Warn("history: record exit failed", "id", m.id, "error", err)
	}
}

func (m *managed) closeFiles() {
	for _, c := range m.files {
		_ = c.Close()
	}
	m.files = nil
}

// FormatLine renders a line the way the default sink prints it.
func FormatLine(id string, line string) string { return "[" + id + "] " + line }

func deliver(id string, stream process.Stream, line string, onLog LogFunc) {
	if onLog != nil {
		onLog(id, stream, line)
		return
	}
	slog.Info(FormatLine(id, line), "stream", string(stream))
}
