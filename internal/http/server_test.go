package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/treesync/internal/codec"
	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/connectivity"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
	"github.com/jmehdipour/treesync/internal/worker"
)

type acceptAll struct{ calls int }

func (a *acceptAll) Apply(context.Context, model.QueueEntry) error {
	a.calls++
	return nil
}

type testAPI struct {
	h      http.Handler
	store  *repository.QueueRepositoryImpl
	remote *acceptAll
}

func newTestAPI(t *testing.T, apiKeys ...string) *testAPI {
	t.Helper()
	store, err := repository.OpenQueue(context.Background(), config.StoreConfig{
		Driver:         "sqlite",
		DatabaseConfig: config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "queue.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mon := connectivity.NewMonitor(store, false, nil)
	remote := &acceptAll{}
	engine := worker.NewSyncEngine(store, remote, mon)

	var cfg config.Config
	cfg.HTTP.APIKeys = apiKeys
	srv := NewServer(cfg, Deps{
		Queue:   queue.New(store, nil),
		Engine:  engine,
		Monitor: mon,
		Codec:   codec.New(store),
	})
	return &testAPI{h: srv.Handler(), store: store, remote: remote}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const personMutation = `{"action":"CREATE","collection":"persons","documentId":"p-1","data":{"name":"Ada"},"metadata":{"entityType":"person","displayName":"Ada Lovelace","description":""}}`

func TestAPI_OfflineQueueThenFlush(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/queue/entries", personMutation)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	entry := decode[model.QueueEntry](t, rec)
	require.Equal(t, model.ActionCreate, entry.Action)
	require.Equal(t, model.StatusPending, entry.Status)

	rec = api.do(t, http.MethodGet, "/v1/queue/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	require.False(t, st.IsOnline)
	require.True(t, st.HasPendingWrites)
	require.Equal(t, 1, st.ByStatus[model.StatusPending])

	rec = api.do(t, http.MethodPost, "/v1/queue/flush", "")
	require.True(t, decode[model.CycleResult](t, rec).Offline)
	require.Zero(t, api.remote.calls)

	rec = api.do(t, http.MethodPost, "/v1/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/queue/flush", "")
	require.Equal(t, 1, decode[model.CycleResult](t, rec).Succeeded)

	rec = api.do(t, http.MethodGet, "/v1/queue/entries", "")
	require.Equal(t, float64(0), decode[map[string]any](t, rec)["count"])
}

func TestAPI_EntryErrors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/queue/entries", `{"action":"merge","collection":"persons","documentId":"p-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/queue/entries", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/queue/entries/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	entry := decode[model.QueueEntry](t, api.do(t, http.MethodPost, "/v1/queue/entries", personMutation))

	// pending entries cannot be retried
	rec = api.do(t, http.MethodPost, "/v1/queue/entries/"+entry.ID+"/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/queue/entries?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/connectivity", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/queue/entries/"+entry.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_ExportImport(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/queue/entries", personMutation)

	rec := api.do(t, http.MethodGet, "/v1/queue/export?download=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	exported := rec.Body.String()
	artifact := decode[model.ExportArtifact](t, rec)
	require.Equal(t, codec.SchemaVersion, artifact.Version)
	require.Len(t, artifact.QueueEntries, 1)

	rec = api.do(t, http.MethodPost, "/v1/queue/import", strings.Replace(exported, `"version":"1.0.0"`, `"version":"2.0.0"`, 1))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/queue/import", `{"version":"1.0.0","timestamp":"2025-03-01T10:00:00Z"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "queueEntries")

	rec = api.do(t, http.MethodPost, "/v1/queue/import", exported)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]int{"imported": 1}, decode[map[string]int](t, rec))
}

func TestAPI_APIKeyAndReports(t *testing.T) {
	api := newTestAPI(t, "secret")

	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/v1/queue/status", "").Code)
	require.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/v1/queue/status", "", "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/queue/status", "", "X-API-Key", "secret").Code)

	rec := api.do(t, http.MethodGet, "/v1/reports/outcomes", "", "X-API-Key", "secret")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}
