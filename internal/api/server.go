package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/gateway"
	"github.com/JakeFAU/worldbank-country-cache/internal/hash/sha256"
	"github.com/JakeFAU/worldbank-country-cache/internal/metrics"
	"github.com/JakeFAU/worldbank-country-cache/internal/telemetry"
)

const syncRequestTimeout = 60 * time.Second

// Catalog serves the country list.
type Catalog interface {
	Search(ctx context.Context, q string) ([]country.Country, error)
	Initialize(ctx context.Context) ([]country.Country, error)
}

// Gateway is the cache in front of the upstream fan-out.
type Gateway interface {
	GetOrFetch(ctx context.Context, nameOrCode string) (*gateway.Result, error)
	Get(ctx context.Context, code string) (country.Record, error)
	Save(ctx context.Context, rec country.Record) (country.Record, error)
	Delete(ctx context.Context, code string) (bool, error)
	Reset(ctx context.Context, codes []string) ([]string, error)
	List(ctx context.Context) ([]country.Summary, error)
	FetchOne(ctx context.Context, t country.RequestType, code string) country.Outcome
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the catalog and gateway.
type Server struct {
	router  chi.Router
	catalog Catalog
	gateway Gateway
	ready   ReadyFunc
	hasher  *sha256.Hasher
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(catalog Catalog, gw Gateway, ready ReadyFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		catalog: catalog,
		gateway: gw,
		ready:   ready,
		hasher:  sha256.New(),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Streams stay open for the whole fan-out, so no request timeout here.
	r.Get("/selected-country/{code}", s.selectedCountry)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(syncRequestTimeout))
		r.Get("/countries", s.searchCountries)
		r.Get("/initialize-countries", s.initializeCountries)
		r.Get("/downloaded-countries", s.downloadedCountries)
		r.Post("/reset-countries", s.resetCountries)
		r.Get("/country-data/{code}/{data_type}", s.storedRequestType)

		r.Route("/api", func(r chi.Router) {
			r.Post("/country", s.saveCountry)
			r.Get("/country/{code}", s.getCountry)
			r.Delete("/country/{code}", s.deleteCountry)
			r.Get("/{data_type}/{code}", s.fetchRequestType)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("dur", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeRaw(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		zap.L().Error("write payload failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
