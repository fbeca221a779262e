package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/localpg/internal/engine"
	"github.com/loykin/localpg/internal/process"
	"github.com/loykin/localpg/internal/store"
	"github.com/loykin/localpg/internal/store/sqlite"
)

func setupRouter(t *testing.T, base string, st store.Store) (*engine.Engine, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := engine.New(engine.WithSink(func(string) {}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, NewRouter(e, st, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEmpty(t *testing.T) {
	_, h := setupRouter(t, "/api", nil)
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Services []map[string]any `json:"services"`
		Last     map[string]any   `json:"last"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Services)
	assert.Nil(t, body.Last)
}

func TestStopService(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	e, h := setupRouter(t, "", nil)
	require.NoError(t, e.Supervisor().Start("pgadmin", process.Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}}, nil))

	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"pgadmin"`)

	rec = doReq(t, h, http.MethodPost, "/services/pgadmin/stop")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, e.Supervisor().IsRunning("pgadmin"))

	rec = doReq(t, h, http.MethodPost, "/services/pgadmin/stop")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopRejectsBadID(t *testing.T) {
	_, h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodPost, "/services/a..b/stop")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	_, h := setupRouter(t, "", nil)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/history").Code)

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))
	start := time.Now().UTC()
	rec := store.Record{RunID: "r1", Service: "postgres", PID: 10, Command: "postgres -D /d", StartedAt: start}
	require.NoError(t, db.RecordStart(ctx, rec))
	require.NoError(t, db.RecordExit(ctx, rec.Key(), start.Add(time.Second), 0))

	_, h = setupRouter(t, "", db)
	resp := doReq(t, h, http.MethodGet, "/history?service=postgres&limit=5")
	require.Equal(t, http.StatusOK, resp.Code)
	var out []historyEntry
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "postgres", out[0].Service)
	require.NotNil(t, out[0].ExitCode)
	assert.EqualValues(t, 0, *out[0].ExitCode)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/history?limit=x").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSanitizeBaseAndSafeID(t *testing.T) {
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.True(t, isSafeID("postgres"))
	assert.False(t, isSafeID("../etc"))
	assert.False(t, isSafeID("a b"))
}
