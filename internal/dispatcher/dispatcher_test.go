package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/resolver"
)

type step struct {
	status      int
	contentType string
	body        string
	err         error
}

type scriptedSession struct {
	mu    sync.Mutex
	steps []step
	calls int
	urls  []string
}

func (s *scriptedSession) Fetch(_ context.Context, req country.FetchRequest) (country.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, req.URL)
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	st := s.steps[idx]
	if st.err != nil {
		return country.FetchResponse{}, st.err
	}
	header := http.Header{}
	if st.contentType != "" {
		header.Set("Content-Type", st.contentType)
	}
	return country.FetchResponse{URL: req.URL, StatusCode: st.status, Header: header, Body: []byte(st.body)}, nil
}

func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func newTestDispatcher() *Dispatcher {
	return New(resolver.New(resolver.Bases{API: "http://api.test", Search: "http://search.test", Data: "http://data.test"}), Config{
		Timeout: time.Second,
		Policy:  NewLinearPolicy(3, time.Millisecond),
	})
}

var frSectors = country.RequestSpec{Type: country.Sectors, CountryCode: "FR"}

func TestFetchClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		steps      []step
		wantOK     bool
		wantReason country.Reason
		wantStatus int
		wantCalls  int
	}{
		{
			name:      "json success",
			steps:     []step{{status: 200, contentType: "application/json; charset=utf-8", body: `{"a":1}`}},
			wantOK:    true,
			wantCalls: 1,
		},
		{
			name:      "mislabeled json is parsed anyway",
			steps:     []step{{status: 200, contentType: "text/html", body: "\xef\xbb\xbf[1,2]"}},
			wantOK:    true,
			wantCalls: 1,
		},
		{
			name:       "non json body",
			steps:      []step{{status: 200, contentType: "text/html", body: "<html></html>"}},
			wantReason: country.ReasonParseError,
			wantStatus: 200,
			wantCalls:  1,
		},
		{
			name:       "broken json body",
			steps:      []step{{status: 200, contentType: "application/json", body: `{"a":`}},
			wantReason: country.ReasonParseError,
			wantStatus: 200,
			wantCalls:  1,
		},
		{
			name:       "rate limited three times",
			steps:      []step{{status: 429}},
			wantReason: country.ReasonRateLimited,
			wantStatus: 429,
			wantCalls:  3,
		},
		{
			name:      "rate limited then success",
			steps:     []step{{status: 429}, {status: 429}, {status: 200, contentType: "application/json", body: `{}`}},
			wantOK:    true,
			wantCalls: 3,
		},
		{
			name:       "server error is not retried",
			steps:      []step{{status: 500}},
			wantReason: country.ReasonHTTPError,
			wantStatus: 500,
			wantCalls:  1,
		},
		{
			name:       "not found",
			steps:      []step{{status: 404}},
			wantReason: country.ReasonNotFound,
			wantStatus: 404,
			wantCalls:  1,
		},
		{
			name:      "network error then success",
			steps:     []step{{err: errors.New("connection refused")}, {status: 200, contentType: "application/json", body: `[]`}},
			wantOK:    true,
			wantCalls: 2,
		},
		{
			name:       "network errors exhaust attempts",
			steps:      []step{{err: errors.New("connection reset")}},
			wantReason: country.ReasonHTTPError,
			wantCalls:  3,
		},
		{
			name:       "timeouts exhaust attempts",
			steps:      []step{{err: timeoutErr{}}},
			wantReason: country.ReasonTimeout,
			wantCalls:  3,
		},
		{
			name:       "deadline exceeded is a timeout",
			steps:      []step{{err: context.DeadlineExceeded}},
			wantReason: country.ReasonTimeout,
			wantCalls:  3,
		},
		{
			name:       "closed session is final",
			steps:      []step{{err: country.ErrSessionClosed}},
			wantReason: country.ReasonHTTPError,
			wantCalls:  1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sess := &scriptedSession{steps: tc.steps}
			out := newTestDispatcher().Fetch(context.Background(), sess, frSectors)

			require.Equal(t, country.Sectors, out.Type)
			require.Equal(t, tc.wantCalls, sess.callCount())
			if tc.wantOK {
				require.True(t, out.OK())
				require.Nil(t, out.Failure)
				require.NotEmpty(t, out.Payload)
				return
			}
			require.False(t, out.OK())
			require.Nil(t, out.Payload)
			require.Equal(t, tc.wantReason, out.Failure.Reason)
			require.Equal(t, tc.wantStatus, out.Failure.StatusCode)
		})
	}
}

func TestFetchPayloadIsTrimmedJSON(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{steps: []step{{status: 200, contentType: "application/json", body: " {\"a\":1}\n"}}}
	out := newTestDispatcher().Fetch(context.Background(), sess, frSectors)
	require.True(t, out.OK())
	require.Equal(t, `{"a":1}`, string(out.Payload))
	require.Len(t, sess.urls, 1)
	require.Contains(t, sess.urls[0], "countrycode_exact=FR")
}

func TestFetchUnresolvableIsNotRetried(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{steps: []step{{status: 200}}}
	out := newTestDispatcher().Fetch(context.Background(), sess, country.RequestSpec{Type: "unknown", CountryCode: "FR"})
	require.False(t, out.OK())
	require.Equal(t, country.ReasonUnresolved, out.Failure.Reason)
	require.ErrorIs(t, out.Failure, resolver.ErrUnresolvable)
	require.Zero(t, sess.callCount())
}

func TestFetchStopsRetryingWhenContextEnds(t *testing.T) {
	t.Parallel()

	d := New(resolver.New(resolver.Bases{}), Config{Policy: NewLinearPolicy(3, time.Hour)})
	sess := &scriptedSession{steps: []step{{status: 429}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := d.Fetch(ctx, sess, frSectors)
	require.Equal(t, country.ReasonRateLimited, out.Failure.Reason)
	require.Equal(t, 1, sess.callCount())
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

func TestFetchWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{}
	d := New(resolver.New(resolver.Bases{}), Config{Policy: NewLinearPolicy(3, time.Millisecond), Limiter: limiter})
	sess := &scriptedSession{steps: []step{{status: 429}, {status: 200, contentType: "application/json", body: `{}`}}}

	out := d.Fetch(context.Background(), sess, frSectors)
	require.True(t, out.OK())
	require.Equal(t, 2, limiter.calls)

	blocked := &countingLimiter{err: context.DeadlineExceeded}
	d = New(resolver.New(resolver.Bases{}), Config{Policy: NewLinearPolicy(3, time.Millisecond), Limiter: blocked})
	out = d.Fetch(context.Background(), &scriptedSession{steps: []step{{status: 200}}}, frSectors)
	require.Equal(t, country.ReasonTimeout, out.Failure.Reason)
}
