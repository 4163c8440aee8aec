package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

// RetryPolicy decides how often and how long the dispatcher retries one request.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; values below 1 mean a single attempt.
	MaxAttempts int
	// Backoff returns the wait before attempt+1, given the attempt that just failed.
	Backoff func(attempt int) time.Duration
	// RetryableStatus reports whether a non-200 status is transient.
	RetryableStatus func(status int) bool
}

// NewLinearPolicy waits base*attempt between attempts. Only the listed statuses
// are retried; with none given, 429 is the only retryable status.
func NewLinearPolicy(maxAttempts int, base time.Duration, retryable ...int) RetryPolicy {
	if len(retryable) == 0 {
		retryable = []int{http.StatusTooManyRequests}
	}
	statuses := make(map[int]struct{}, len(retryable))
	for _, code := range retryable {
		statuses[code] = struct{}{}
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			return base * time.Duration(attempt)
		},
		RetryableStatus: func(status int) bool {
			_, ok := statuses[status]
			return ok
		},
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryableStatus(status int) bool {
	return p.RetryableStatus != nil && p.RetryableStatus(status)
}

// retryableError reports whether a transport error may be retried. Caller
// cancellation and closed sessions are final.
func (p RetryPolicy) retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, country.ErrSessionClosed) {
		return false
	}
	return true
}

// wait sleeps for the backoff after attempt, returning early if ctx ends.
func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	if p.Backoff == nil {
		return nil
	}
	delay := p.Backoff(attempt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
