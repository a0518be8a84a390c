package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-router/internal/engine"
	"traffic-router/internal/kv"
	"traffic-router/internal/targets"
)

type testServer struct {
	handler http.Handler
	mr      *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := targets.NewRepository(store)
	eng := engine.NewEngine(repo, engine.NewCapTracker(store, 0))
	return &testServer{
		handler: Router(NewHandler(repo, eng, store, "test"), 0),
		mr:      mr,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error
}

const targetBody = `{
	"url": "http://example.com",
	"value": "0.50",
	"maxAcceptsPerDay": "10",
	"accept": {"geoState": {"in": ["ca", "ny"]}, "hour": {"in": ["13", "14", "15"]}}
}`

func TestTargetsCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/targets", targetBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "0.5", created["value"])
	assert.Equal(t, float64(10), created["maxAcceptsPerDay"])

	rec = s.do(t, http.MethodGet, "/api/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/target/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://example.com", decode[map[string]any](t, rec)["url"])

	rec = s.do(t, http.MethodPut, "/api/target/"+id, `{"value": "0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[map[string]any](t, rec)
	assert.Equal(t, "0", updated["value"])
	assert.Equal(t, "http://example.com", updated["url"])
	assert.NotEmpty(t, updated["updatedAt"])

	rec = s.do(t, http.MethodPost, "/api/target/"+id, `{"url": "http://other.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://other.com", decode[map[string]any](t, rec)["url"])
}

func TestTargets_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name, method, path, body string
		wantCode                 int
		wantMsg                  string
	}{
		{"bad json", http.MethodPost, "/api/targets", `{"url":`, http.StatusBadRequest, "Invalid JSON body"},
		{"missing url", http.MethodPost, "/api/targets", `{"value":1,"maxAcceptsPerDay":1,"accept":{}}`, http.StatusBadRequest, "Missing required field: url"},
		{"unknown id", http.MethodGet, "/api/target/nope", "", http.StatusNotFound, "Target not found"},
		{"update unknown id", http.MethodPut, "/api/target/nope", `{"value":1}`, http.StatusNotFound, "Target not found"},
		{"empty update", http.MethodPut, "/api/target/nope", `{}`, http.StatusBadRequest, "Update data cannot be empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantMsg, errorOf(t, rec))
		})
	}
}

func TestRoute(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/targets", targetBody).Code)

	rec := s.do(t, http.MethodPost, "/route", `{"geoState":"ca","publisher":"abc","timestamp":"2018-07-19T14:28:59.513Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":"accept","url":"http://example.com"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/route", `{"geoState":"tx","publisher":"abc","timestamp":"2018-07-19T14:28:59.513Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":"reject"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/route", `{"geoState":"ca","timestamp":"2018-07-19T14:28:59.513Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required field: publisher", errorOf(t, rec))

	rec = s.do(t, http.MethodPost, "/route", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageFailureHidesDetails(t *testing.T) {
	s := newTestServer(t)
	s.mr.SetError("secret backend detail")

	rec := s.do(t, http.MethodGet, "/api/targets", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", errorOf(t, rec))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, healthBody{Status: "OK", Version: "test"}, decode[healthBody](t, rec))

	s.mr.SetError("down")
	rec = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_CORSAndNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.example.com")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", errorOf(t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "")

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_http_requests_total")
}
