// Package dispatcher issues one upstream request per request spec, applying the
// retry policy and classifying the final outcome.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	outcomeSuccess = "success"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Resolver maps a spec to its upstream URL.
type Resolver interface {
	Resolve(spec country.RequestSpec) (string, error)
}

// Limiter throttles outbound requests per upstream host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes a Dispatcher.
type Config struct {
	// Timeout bounds each attempt (default 30s).
	Timeout time.Duration
	Policy  RetryPolicy
	Limiter Limiter
	Logger  *zap.Logger
}

// Dispatcher fetches single request types.
type Dispatcher struct {
	resolver Resolver
	policy   RetryPolicy
	timeout  time.Duration
	limiter  Limiter
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(resolver Resolver, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		resolver: resolver,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
	}
}

// Fetch resolves, requests and classifies spec using sess. It never returns a
// partially populated outcome.
func (d *Dispatcher) Fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome {
	start := time.Now()
	out := d.fetch(ctx, sess, spec)
	label := outcomeSuccess
	if !out.OK() {
		label = string(out.Failure.Reason)
	}
	metrics.ObserveOutcome(spec.Type.String(), label, time.Since(start))
	return out
}

func (d *Dispatcher) fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome {
	url, err := d.resolver.Resolve(spec)
	if err != nil {
		d.logger.Error("resolve upstream url",
			zap.String("request_type", spec.Type.String()),
			zap.String("country", spec.CountryCode),
			zap.Error(err),
		)
		return country.Failed(spec.Type, country.Failure{Reason: country.ReasonUnresolved, Err: err})
	}

	logger := d.logger.With(
		zap.String("request_type", spec.Type.String()),
		zap.String("country", spec.CountryCode),
		zap.String("url", url),
	)
	attempts := d.policy.attempts()
	var last country.Failure
	for attempt := 1; attempt <= attempts; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, url); err != nil {
				last = ClassifyError(url, err)
				break
			}
		}

		resp, err := sess.Fetch(ctx, country.FetchRequest{
			URL:     url,
			Accept:  "application/json",
			Timeout: d.timeout,
		})
		if err != nil {
			metrics.ObserveAttempt(spec.Type.String(), 0)
			last = ClassifyError(url, err)
			if attempt < attempts && ctx.Err() == nil && d.policy.retryableError(err) {
				if !d.backoff(ctx, logger, spec, attempt, last) {
					break
				}
				continue
			}
			break
		}

		metrics.ObserveAttempt(spec.Type.String(), resp.StatusCode)
		if resp.StatusCode == http.StatusOK {
			out := decode(spec.Type, url, resp)
			if !out.OK() {
				logger.Warn("upstream payload rejected",
					zap.String("reason", string(out.Failure.Reason)),
					zap.String("content_type", resp.Header.Get("Content-Type")),
					zap.Error(out.Failure.Err),
				)
			}
			return out
		}

		last = ClassifyStatus(url, resp.StatusCode)
		if attempt < attempts && d.policy.retryableStatus(resp.StatusCode) {
			if !d.backoff(ctx, logger, spec, attempt, last) {
				break
			}
			continue
		}
		break
	}

	logger.Warn("upstream request failed",
		zap.String("reason", string(last.Reason)),
		zap.Int("status", last.StatusCode),
		zap.Error(last.Err),
	)
	return country.Failed(spec.Type, last)
}

func (d *Dispatcher) backoff(
	ctx context.Context,
	logger *zap.Logger,
	spec country.RequestSpec,
	attempt int,
	cause country.Failure,
) bool {
	metrics.ObserveRetry(spec.Type.String(), string(cause.Reason))
	logger.Info("retrying upstream request",
		zap.Int("attempt", attempt),
		zap.String("reason", string(cause.Reason)),
		zap.Int("status", cause.StatusCode),
	)
	return d.policy.wait(ctx, attempt) == nil
}

func decode(t country.RequestType, url string, resp country.FetchResponse) country.Outcome {
	body := bytes.TrimSpace(bytes.TrimPrefix(resp.Body, utf8BOM))
	if json.Valid(body) {
		return country.Succeeded(t, json.RawMessage(append([]byte(nil), body...)))
	}
	contentType := resp.Header.Get("Content-Type")
	err := errors.New("invalid json body")
	if !isJSONContentType(contentType) {
		err = fmt.Errorf("body is not json (content-type %q)", contentType)
	}
	return country.Failed(t, country.Failure{
		Reason:     country.ReasonParseError,
		StatusCode: resp.StatusCode,
		URL:        url,
		Err:        err,
	})
}

func isJSONContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// ClassifyStatus maps a non-200 status to a failure.
func ClassifyStatus(url string, status int) country.Failure {
	f := country.Failure{Reason: country.ReasonHTTPError, StatusCode: status, URL: url}
	switch status {
	case http.StatusTooManyRequests:
		f.Reason = country.ReasonRateLimited
	case http.StatusNotFound:
		f.Reason = country.ReasonNotFound
	}
	return f
}

// ClassifyError maps a transport error to a timeout or a status-less http error.
func ClassifyError(url string, err error) country.Failure {
	reason := country.ReasonHTTPError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		reason = country.ReasonTimeout
	}
	return country.Failure{Reason: reason, URL: url, Err: err}
}
