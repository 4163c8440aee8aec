package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/worldbank-country-cache/internal/config"
	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

const catalogBody = `{"jsonGraph":{"lists":{"countries":{"en":{"value":[
	{"id":"FR","name":"France","locationType":"country"},
	{"id":"EUU","name":"European Union","locationType":"region"}
]}}}}}`

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.Local.BaseDir = t.TempDir()
	cfg.Publisher.Backend = config.PublisherMemory
	cfg.Upstream.APIBaseURL = upstreamURL
	cfg.Upstream.SearchBaseURL = upstreamURL
	cfg.Upstream.DataBaseURL = upstreamURL
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	return &cfg
}

func TestBuildServesCatalogFromLocalStore(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(catalogBody))
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t, upstream.URL)
	ctx := context.Background()
	app, err := Build(ctx, cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(srv.URL + "/countries?search=fra")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []country.Country
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, []country.Country{{Name: "France", Code: "FR"}}, list)
	require.Equal(t, int32(1), calls.Load())

	_, err = os.Stat(filepath.Join(cfg.Storage.Local.BaseDir, "countries.json"))
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(closeCtx))
}

func TestBuildRejectsUnusableStore(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.Local.BaseDir = file

	_, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.Port = freePort(t)

	app, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
