package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
)

// Stream status lines.
const (
	statusStarting = "Starting data fetch"
	statusJoined   = "Joined in-flight fetch"
	statusCached   = "Data loaded from cache"
	statusSaved    = "Data saved to cache"
	statusNotSaved = "No data fetched; not cached"
)

// selectedCountry streams the fetch of one country as NDJSON. Errors after
// the first line are reported in-band because the status is already sent.
func (s *Server) selectedCountry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")
	logger := s.logger.With(zap.String("country", code), zap.String("request_id", middleware.GetReqID(r.Context())))

	w.Header().Set("Content-Type", progress.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	stream := progress.NewStream(w)

	res, err := s.gateway.GetOrFetch(ctx, code)
	if errors.Is(err, country.ErrCountryNotFound) {
		writeStream(logger, stream.Error("Country not found"))
		return
	}
	if err != nil {
		logger.Error("start country fetch failed", zap.Error(err))
		writeStream(logger, stream.Error("Failed to fetch country data"))
		return
	}
	if !writeStream(logger, stream.Selected(res.Country)) {
		return
	}

	if res.Cached {
		if writeStream(logger, stream.Status(statusCached)) {
			writeStream(logger, stream.Data(res.Record))
		}
		return
	}

	fetch := res.Fetch
	if fetch.Joined {
		if !writeStream(logger, stream.Status(statusJoined)) {
			return
		}
	} else {
		if !writeStream(logger, stream.Status(statusStarting)) {
			return
		}
		if err := stream.Pipe(ctx, fetch.Events()); err != nil {
			logger.Info("client left during fetch; record will still be saved", zap.Error(err))
			return
		}
	}

	rec, persisted, err := fetch.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Error("persist country record failed", zap.Error(err))
		writeStream(logger, stream.Error("Failed to save data"))
		return
	}
	status := statusNotSaved
	if persisted {
		status = statusSaved
	}
	if writeStream(logger, stream.Status(status)) {
		writeStream(logger, stream.Data(rec))
	}
}

func writeStream(logger *zap.Logger, err error) bool {
	if err != nil {
		logger.Debug("stream write failed", zap.Error(err))
		return false
	}
	return true
}
