package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudemem/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	srv, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleImport_RejectsObservationMissingProject(t *testing.T) {
	srv := testServer(t)
	body := strings.NewReader(`{"observations":[{"id":"o1","session_id":"s1"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "IMPORT_REJECTED")
}

func TestHandleImport_AcceptsValidObservation(t *testing.T) {
	srv := testServer(t)
	project := t.TempDir()
	payload := `{"observations":[{"id":"o1","session_id":"s1","project":"` + project + `","tool":"edit","narrative":"did a thing","timestamp":"2026-07-31T00:00:00Z"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/import", strings.NewReader(payload))
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)

	entries, err := filepath.Glob(filepath.Join(srv.cfg.Home, "outbox", "*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "import should append into the outbox JSONL the Ingestor polls")
}

func TestHandleSearch_RequiresQueryParam(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/search?project="+t.TempDir(), nil)
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestHandleContextRecent_RequiresProjectParam(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/context/recent", nil)
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleShutdown_Returns202(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/shutdown", nil)
	rec := httptest.NewRecorder()

	Routes(srv).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
