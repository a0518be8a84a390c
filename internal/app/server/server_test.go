package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-router/internal/config"
	"traffic-router/internal/kv"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Store.Backend = config.BackendRedis
	cfg.Server.Version = "test"
	cfg.Listener.Channel = "targets_changed"
	cfg.Listener.ReconnectSeconds = 1
	cfg.Targets.CacheTTL = time.Hour
	return cfg
}

func wire(t *testing.T, mr *miniredis.Miniredis, cfg config.Config) *App {
	t.Helper()
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	a, err := Wire(context.Background(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

const visitorCA = `{"geoState":"ca","publisher":"abc","timestamp":"2018-07-19T14:28:59.513Z"}`

func TestWire_SeedAndRoute(t *testing.T) {
	mr := miniredis.RunT(t)
	seed := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
targets:
  - url: http://seeded.com
    value: 0.5
    maxAcceptsPerDay: 10
    accept:
      geoState: {in: [ca]}
`), 0o600))

	cfg := testConfig()
	cfg.Targets.SeedFile = seed
	a := wire(t, mr, cfg)

	rec := call(t, a.Handler, http.MethodPost, "/route", visitorCA)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":"accept","url":"http://seeded.com"}`, rec.Body.String())
}

func TestWire_LocalWriteInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	a := wire(t, mr, testConfig())

	rec := call(t, a.Handler, http.MethodPost, "/route", visitorCA)
	assert.JSONEq(t, `{"decision":"reject"}`, rec.Body.String())

	rec = call(t, a.Handler, http.MethodPost, "/api/targets",
		`{"url":"http://new.com","value":1,"maxAcceptsPerDay":5,"accept":{"geoState":{"in":["ca"]}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = call(t, a.Handler, http.MethodPost, "/route", visitorCA)
	assert.JSONEq(t, `{"decision":"accept","url":"http://new.com"}`, rec.Body.String())
}

func TestWire_RemoteWriteInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := wire(t, mr, testConfig())
	reader := wire(t, mr, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reader.StartListener(ctx)

	rec := call(t, reader.Handler, http.MethodPost, "/route", visitorCA)
	assert.JSONEq(t, `{"decision":"reject"}`, rec.Body.String())

	rec = call(t, writer.Handler, http.MethodPost, "/api/targets",
		`{"url":"http://remote.com","value":1,"maxAcceptsPerDay":5,"accept":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Eventually(t, func() bool {
		rec := call(t, reader.Handler, http.MethodPost, "/route", visitorCA)
		return strings.Contains(rec.Body.String(), "http://remote.com")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWire_BadSeedFile(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Targets.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Wire(context.Background(), cfg, store)
	assert.Error(t, err)
}

func TestWire_SeedLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	mr := miniredis.RunT(t)
	seed := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
targets:
  - url: http://seeded.com
    value: 0.5
    maxAcceptsPerDay: 10
    accept: {}
`), 0o600))

	cfg := testConfig()
	cfg.Targets.SeedFile = seed
	wire(t, mr, cfg)
	wire(t, mr, cfg)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"targets seeded"`))
	assert.Equal(t, 1, strings.Count(out, "seed skipped"))
}
