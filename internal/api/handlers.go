package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

const maxBodyBytes = 32 << 20

func (s *Server) searchCountries(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.Search(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.logger.Error("search countries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load countries")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) initializeCountries(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.Initialize(r.Context())
	if err != nil {
		s.logger.Error("initialize countries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to initialize countries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": list, "count": len(list)})
}

func (s *Server) downloadedCountries(w http.ResponseWriter, r *http.Request) {
	list, err := s.gateway.List(r.Context())
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list downloaded countries")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) resetCountries(w http.ResponseWriter, r *http.Request) {
	var codes []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&codes); err != nil {
		writeError(w, http.StatusBadRequest, "expected a JSON array of country codes")
		return
	}
	deleted, err := s.gateway.Reset(r.Context(), codes)
	if err != nil {
		s.logger.Error("reset countries failed", zap.Strings("deleted", deleted), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset countries")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
}

func (s *Server) getCountry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gateway.Get(r.Context(), chi.URLParam(r, "code"))
	if errors.Is(err, country.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Country data not found")
		return
	}
	if err != nil {
		s.logger.Error("get record failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read country data")
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encode record failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read country data")
		return
	}
	etag := s.hasher.ETag(body)
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// etagMatches implements the weak comparison If-None-Match asks for.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func (s *Server) deleteCountry(w http.ResponseWriter, r *http.Request) {
	existed, err := s.gateway.Delete(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.logger.Error("delete record failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete country data")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "Country data not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) saveCountry(w http.ResponseWriter, r *http.Request) {
	var rec country.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := rec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.gateway.Save(r.Context(), rec)
	if err != nil {
		s.logger.Error("save record failed", zap.String("country", rec.Code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save country data")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// fetchRequestType proxies one request type straight from upstream.
func (s *Server) fetchRequestType(w http.ResponseWriter, r *http.Request) {
	t, err := country.ParseRequestType(chi.URLParam(r, "data_type"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown data type")
		return
	}
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	out := s.gateway.FetchOne(r.Context(), t, code)
	if !out.OK() {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  out.Summary(),
			"reason": string(out.Failure.Reason),
		})
		return
	}
	writeRaw(w, http.StatusOK, out.Payload)
}

// storedRequestType serves one request type out of the stored record.
func (s *Server) storedRequestType(w http.ResponseWriter, r *http.Request) {
	t, err := country.ParseRequestType(chi.URLParam(r, "data_type"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown data type")
		return
	}
	rec, err := s.gateway.Get(r.Context(), chi.URLParam(r, "code"))
	if errors.Is(err, country.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Country data not found")
		return
	}
	if err != nil {
		s.logger.Error("get record failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read country data")
		return
	}
	payload, ok := rec.Data[t]
	if !ok {
		writeError(w, http.StatusNotFound, "Data type not available for this country")
		return
	}
	writeRaw(w, http.StatusOK, payload)
}
