// Package bulk downloads and decodes the per-country CSV archive.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/dispatcher"
	"github.com/JakeFAU/worldbank-country-cache/internal/metrics"
)

const defaultTimeout = 120 * time.Second

// Config tunes a Downloader.
type Config struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Downloader fetches the file_list request type.
type Downloader struct {
	resolver dispatcher.Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a Downloader.
func New(resolver dispatcher.Resolver, cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Downloader{resolver: resolver, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Fetch downloads the archive once and decodes it. Failures are returned as
// outcomes and logged; they never abort the caller's run.
func (d *Downloader) Fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome {
	start := time.Now()
	out := d.fetch(ctx, sess, spec)
	label := "success"
	if !out.OK() {
		label = string(out.Failure.Reason)
		d.logger.Warn("bulk download failed",
			zap.String("country", spec.CountryCode),
			zap.String("url", out.Failure.URL),
			zap.String("reason", label),
			zap.Int("status", out.Failure.StatusCode),
			zap.Error(out.Failure.Err),
		)
	}
	metrics.ObserveOutcome(spec.Type.String(), label, time.Since(start))
	return out
}

func (d *Downloader) fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome {
	url, err := d.resolver.Resolve(spec)
	if err != nil {
		return country.Failed(spec.Type, country.Failure{Reason: country.ReasonUnresolved, Err: err})
	}
	resp, err := sess.Fetch(ctx, country.FetchRequest{URL: url, Accept: "application/zip", Timeout: d.timeout})
	if err != nil {
		metrics.ObserveAttempt(spec.Type.String(), 0)
		return country.Failed(spec.Type, dispatcher.ClassifyError(url, err))
	}
	metrics.ObserveAttempt(spec.Type.String(), resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return country.Failed(spec.Type, dispatcher.ClassifyStatus(url, resp.StatusCode))
	}

	files, err := ParseArchive(resp.Body)
	if err != nil {
		reason := country.ReasonParseError
		if errors.Is(err, ErrNoCSV) {
			reason = country.ReasonNotFound
		}
		return country.Failed(spec.Type, country.Failure{Reason: reason, StatusCode: resp.StatusCode, URL: url, Err: err})
	}
	payload, err := json.Marshal(files)
	if err != nil {
		return country.Failed(spec.Type, country.Failure{
			Reason: country.ReasonParseError,
			URL:    url,
			Err:    fmt.Errorf("encode files: %w", err),
		})
	}
	d.logger.Debug("bulk download processed",
		zap.String("country", spec.CountryCode),
		zap.Int("files", len(files)),
		zap.Int("bytes", len(resp.Body)),
	)
	return country.Succeeded(spec.Type, payload)
}
