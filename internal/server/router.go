package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/localpg/internal/engine"
	"github.com/loykin/localpg/internal/manager"
	"github.com/loykin/localpg/internal/metrics"
	"github.com/loykin/localpg/internal/store"
)

// Backend is what the router reads from and acts on; *engine.Engine satisfies it.
type Backend interface {
	Supervisor() *manager.Supervisor
	Last() (engine.Result, bool)
}

// Router provides the local status API.
// Endpoints:
//
//	GET  {basePath}/status              tracked services and the last start result
//	POST {basePath}/services/:id/stop   graceful stop, 404 when not tracked
//	GET  {basePath}/history             query: service=...&limit=N (needs a store)
//	GET  {basePath}/metrics             Prometheus exposition
type Router struct {
	be       Backend
	st       store.Store
	basePath string
}

// NewRouter constructs a Router. st may be nil, which disables /history.
func NewRouter(be Backend, st store.Store, basePath string) *Router {
	return &Router{be: be, st: st, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/services/:id/stop", r.handleStop)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr in the background.
func NewServer(addr, basePath string, be Backend, st store.Store) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(be, st, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Services []manager.Status `json:"services"`
	Last     *engine.Result   `json:"last,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Services: r.be.Supervisor().Snapshot()}
	if last, ok := r.be.Last(); ok {
		resp.Last = &last
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	if !r.be.Supervisor().Stop(id) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "service " + id + " is not running"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type historyEntry struct {
	RunID     string     `json:"run_id"`
	Service   string     `json:"service"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int64     `json:"exit_code,omitempty"`
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.st == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is disabled"})
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	recs, err := r.st.Recent(ctx, c.Query("service"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		h := historyEntry{RunID: rec.RunID, Service: rec.Service, PID: rec.PID, Command: rec.Command, StartedAt: rec.StartedAt}
		if rec.ExitedAt.Valid {
			t := rec.ExitedAt.Time
			h.ExitedAt = &t
		}
		if rec.ExitCode.Valid {
			code := rec.ExitCode.Int64
			h.ExitCode = &code
		}
		out = append(out, h)
	}
	writeJSON(c, http.StatusOK, out)
}
