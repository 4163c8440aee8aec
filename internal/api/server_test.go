package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/gateway"
	"github.com/JakeFAU/worldbank-country-cache/internal/orchestrator"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/memory"
)

type fakeCatalog []country.Country

func (c fakeCatalog) Search(_ context.Context, q string) ([]country.Country, error) {
	out := []country.Country{}
	for _, entry := range c {
		if strings.Contains(strings.ToLower(entry.Name), strings.ToLower(q)) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c fakeCatalog) Initialize(context.Context) ([]country.Country, error) {
	return c, nil
}

func (c fakeCatalog) Lookup(_ context.Context, key string) (country.Country, error) {
	for _, entry := range c {
		if strings.EqualFold(entry.Code, key) || strings.EqualFold(entry.Name, key) {
			return entry, nil
		}
	}
	return country.Country{}, country.ErrCountryNotFound
}

type nopSession struct{}

func (nopSession) Fetch(context.Context, country.FetchRequest) (country.FetchResponse, error) {
	return country.FetchResponse{}, errors.New("unused")
}
func (nopSession) Close() error { return nil }

type nopOpener struct{}

func (nopOpener) Open() (country.Session, error) { return nopSession{}, nil }

// fakeFetcher fails every request type for ZZ and indicator for everyone.
type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, _ country.Session, spec country.RequestSpec) country.Outcome {
	if spec.CountryCode == "ZZ" || spec.Type == country.Indicator {
		return country.Failed(spec.Type, country.Failure{Reason: country.ReasonRateLimited})
	}
	return country.Succeeded(spec.Type, json.RawMessage(`{"type":"`+spec.Type.String()+`"}`))
}

var testCatalog = fakeCatalog{
	{Name: "France", Code: "FR"},
	{Name: "Germany", Code: "DE"},
	{Name: "Nowhere", Code: "ZZ"},
}

type harness struct {
	server *Server
	store  *memory.Store
	gw     *gateway.Gateway
}

func newHarness(t *testing.T, ready ReadyFunc) harness {
	t.Helper()
	store := memory.New()
	orch := orchestrator.New(nopOpener{}, fakeFetcher{}, fakeFetcher{}, orchestrator.Config{})
	gw := gateway.New(store, testCatalog, orch, gateway.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, gw.Drain(ctx))
	})
	return harness{server: NewServer(testCatalog, gw, ready, nil), store: store, gw: gw}
}

func (h harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func readLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line), sc.Text())
		out = append(out, line)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newHarness(t, func(context.Context) error { return errors.New("store down") })
	rec = failing.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store down")

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCountryCatalogRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/countries?search=fra", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[["France","FR"]]`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/initialize-countries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"countries":[["France","FR"],["Germany","DE"],["Nowhere","ZZ"]],"count":3}`, rec.Body.String())
}

func TestSelectedCountryStreamsFetchThenServesCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/selected-country/fr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	total := len(country.AllRequestTypes())
	lines := readLines(t, rec.Body.String())
	require.Len(t, lines, total+4)
	require.Equal(t, "Selected country", lines[0]["status"])
	require.Equal(t, []any{"France", "FR"}, lines[0]["country"])
	require.Equal(t, "Starting data fetch", lines[1]["status"])
	for i := 1; i <= total; i++ {
		line := lines[1+i]
		require.InDelta(t, float64(i), line["completed"], 0)
		require.InDelta(t, float64(total), line["total"], 0)
		require.Contains(t, line, "request_type")
		require.Contains(t, line, "success")
	}
	require.Equal(t, "Data saved to cache", lines[total+2]["status"])
	data := lines[total+3]["data"].(map[string]any)
	require.Equal(t, "FR", data["code"])
	require.Len(t, data["data"], total-1)
	require.NotContains(t, data["data"], "indicator")

	cached := readLines(t, h.do(t, http.MethodGet, "/selected-country/France", "").Body.String())
	require.Len(t, cached, 3)
	require.Equal(t, "Selected country", cached[0]["status"])
	require.Equal(t, "Data loaded from cache", cached[1]["status"])
	require.Contains(t, cached[2], "data")
}

func TestSelectedCountryUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/selected-country/atlantis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"error":"Country not found"}`, strings.TrimSpace(rec.Body.String()))
}

func TestSelectedCountryAllFailuresNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	lines := readLines(t, h.do(t, http.MethodGet, "/selected-country/ZZ", "").Body.String())
	n := len(lines)
	require.Equal(t, "No data fetched; not cached", lines[n-2]["status"])
	require.Empty(t, lines[n-1]["data"].(map[string]any)["data"])

	rec := h.do(t, http.MethodGet, "/api/country/ZZ", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoredRecordRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/country/DE", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"Country data not found"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/country", `{"name":"Germany","code":"de","data":{"sectors":{"a":1}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"DE"`)

	rec = h.do(t, http.MethodGet, "/api/country/de", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sectors":{"a":1}`)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/country/DE", nil)
	req.Header.Set("If-None-Match", `"stale", `+etag)
	notModified := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(notModified, req)
	require.Equal(t, http.StatusNotModified, notModified.Code)
	require.Empty(t, notModified.Body.String())

	rec = h.do(t, http.MethodGet, "/country-data/DE/sectors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"a":1}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/country-data/DE/indicator", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/country-data/DE/bogus", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/country-data/FR/sectors", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/downloaded-countries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []country.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "Germany", list[0].Name)

	rec = h.do(t, http.MethodDelete, "/api/country/DE", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/country/DE", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveCountryRejectsBadBodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/country", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/country", `{"code":"DE"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "name")
}

func TestResetCountries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(context.Background(), country.Record{Name: "France", Code: "FR"}))

	rec := h.do(t, http.MethodPost, "/reset-countries", `["fr","XX"]`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"deleted":["FR"]}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/reset-countries", `["FR"]`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"deleted":[]}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/reset-countries", `{"codes":["FR"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchRequestTypePassthrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/sectors/fr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"type":"sectors"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/indicator/FR", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.JSONEq(t, `{"error":"Error fetching indicator: rate_limited","reason":"rate_limited"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/bogus/FR", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := h.store.Get(context.Background(), "FR")
	require.ErrorIs(t, err, country.ErrNotFound)
}
