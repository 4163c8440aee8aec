package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/worldbank-country-cache/internal/fetcher/colly"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
	"github.com/JakeFAU/worldbank-country-cache/internal/resolver"
)

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Fetch(context.Context, country.FetchRequest) (country.FetchResponse, error) {
	return country.FetchResponse{}, errors.New("not used")
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (o *fakeOpener) Open() (country.Session, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeSession{}
	o.sessions = append(o.sessions, s)
	return s, nil
}

type fakeFetcher struct {
	delays map[country.RequestType]time.Duration
	fail   map[country.RequestType]country.Reason
	panics map[country.RequestType]bool

	mu       sync.Mutex
	ctxErrs  []error
	sessions []country.Session
}

func (f *fakeFetcher) Fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome {
	time.Sleep(f.delays[spec.Type])
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.sessions = append(f.sessions, sess)
	f.mu.Unlock()
	if f.panics[spec.Type] {
		panic("boom")
	}
	if reason, ok := f.fail[spec.Type]; ok {
		return country.Failed(spec.Type, country.Failure{Reason: reason})
	}
	return country.Succeeded(spec.Type, json.RawMessage(`{"type":"`+spec.Type.String()+`","code":"`+spec.CountryCode+`"}`))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

var france = country.Country{Name: "France", Code: "fr"}

func drain(t *testing.T, run *Run) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestRunEmitsOneEventPerTypeInCompletionOrder(t *testing.T) {
	t.Parallel()

	types := []country.RequestType{country.Sectors, country.Indicator, country.FileList}
	jsonFetcher := &fakeFetcher{
		delays: map[country.RequestType]time.Duration{country.Sectors: 80 * time.Millisecond, country.Indicator: 40 * time.Millisecond},
		fail:   map[country.RequestType]country.Reason{country.Indicator: country.ReasonRateLimited},
	}
	bulkFetcher := &fakeFetcher{}
	emitter := &recordingEmitter{}
	opener := &fakeOpener{}
	orch := New(opener, jsonFetcher, bulkFetcher, Config{Types: types, Emitter: emitter})

	run := orch.Start(context.Background(), france)
	require.Equal(t, 3, run.Total())
	events := drain(t, run)

	require.Len(t, events, 3)
	for i, evt := range events {
		require.Equal(t, i+1, evt.Completed)
		require.Equal(t, 3, evt.Total)
		require.Equal(t, "FR", evt.Country)
		require.Equal(t, run.ID, evt.RunID)
	}
	require.Equal(t, []string{"file_list", "indicator", "sectors"},
		[]string{events[0].RequestType, events[1].RequestType, events[2].RequestType})
	require.False(t, events[1].Success)
	require.Equal(t, "rate_limited", events[1].Reason)
	require.Equal(t, "Error fetching indicator: rate_limited", events[1].Summary)

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FR", rec.Code)
	require.Equal(t, "France", rec.Name)
	require.Equal(t, []country.RequestType{country.Sectors, country.FileList}, rec.Types())
	require.JSONEq(t, `{"type":"sectors","code":"FR"}`, string(rec.Data[country.Sectors]))
	require.Len(t, run.Outcomes(), 3)

	require.Len(t, opener.sessions, 1)
	require.True(t, opener.sessions[0].closed.Load())
	require.Len(t, bulkFetcher.sessions, 1)
	require.Same(t, country.Session(opener.sessions[0]), bulkFetcher.sessions[0])

	require.Eventually(t, func() bool { return len(emitter.stages()) == 5 }, time.Second, 5*time.Millisecond)
	stages := emitter.stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[4])
}

func TestRunCompletesWithoutConsumer(t *testing.T) {
	t.Parallel()

	orch := New(&fakeOpener{}, &fakeFetcher{}, &fakeFetcher{}, Config{})
	run := orch.Start(context.Background(), france)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Data, len(country.AllRequestTypes()))
	require.Len(t, run.Events(), len(country.AllRequestTypes()), "every event stays buffered")
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	jsonFetcher := &fakeFetcher{delays: map[country.RequestType]time.Duration{country.Sectors: 30 * time.Millisecond}}
	orch := New(&fakeOpener{}, jsonFetcher, &fakeFetcher{}, Config{Types: []country.RequestType{country.Sectors}})

	ctx, cancel := context.WithCancel(context.Background())
	run := orch.Start(ctx, france)
	cancel()

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Contains(t, rec.Data, country.Sectors)
	require.Equal(t, []error{nil}, jsonFetcher.ctxErrs)
}

func TestRunAllFailures(t *testing.T) {
	t.Parallel()

	fail := map[country.RequestType]country.Reason{}
	for _, rt := range country.AllRequestTypes() {
		fail[rt] = country.ReasonHTTPError
	}
	orch := New(&fakeOpener{}, &fakeFetcher{fail: fail}, &fakeFetcher{fail: fail}, Config{})
	run := orch.Start(context.Background(), country.Country{Name: "Nowhere", Code: "ZZ"})
	events := drain(t, run)
	require.Len(t, events, 10)

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, rec.Data)
	require.NotNil(t, rec.Data)
}

func TestRunSessionOpenFailure(t *testing.T) {
	t.Parallel()

	jsonFetcher := &fakeFetcher{}
	orch := New(&fakeOpener{err: errors.New("no sockets")}, jsonFetcher, &fakeFetcher{},
		Config{Types: []country.RequestType{country.Sectors, country.Indicator}})
	run := orch.Start(context.Background(), france)
	events := drain(t, run)
	require.Len(t, events, 2)
	require.False(t, events[0].Success)
	require.Empty(t, jsonFetcher.ctxErrs)

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, rec.Data)
}

func TestRunRecoversFromPanickingFetcher(t *testing.T) {
	t.Parallel()

	jsonFetcher := &fakeFetcher{panics: map[country.RequestType]bool{country.Sectors: true}}
	orch := New(&fakeOpener{}, jsonFetcher, &fakeFetcher{},
		Config{Types: []country.RequestType{country.Sectors, country.Indicator}})
	run := orch.Start(context.Background(), france)

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []country.RequestType{country.Indicator}, rec.Types())
}

func TestRunWaitHonorsContext(t *testing.T) {
	t.Parallel()

	jsonFetcher := &fakeFetcher{delays: map[country.RequestType]time.Duration{country.Sectors: 200 * time.Millisecond}}
	orch := New(&fakeOpener{}, jsonFetcher, &fakeFetcher{}, Config{Types: []country.RequestType{country.Sectors}})
	run := orch.Start(context.Background(), france)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := run.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	<-run.Done()
}

func TestRunAgainstUpstreamWithRateLimitedType(t *testing.T) {
	t.Parallel()

	var sectorCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "fct=sector_exact") {
			sectorCalls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"page":1},[]]`))
	}))
	defer srv.Close()

	res := resolver.New(resolver.Bases{API: srv.URL, Search: srv.URL, Data: srv.URL})
	d := dispatcher.New(res, dispatcher.Config{Timeout: time.Second, Policy: dispatcher.NewLinearPolicy(3, time.Millisecond)})
	opener := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	orch := New(opener, d, d, Config{Types: country.JSONRequestTypes()})

	run := orch.Start(context.Background(), france)
	events := drain(t, run)
	require.Len(t, events, 9)

	rec, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Data, 8)
	require.NotContains(t, rec.Data, country.Sectors)
	require.Equal(t, int32(3), sectorCalls.Load())

	var sectorsOutcome country.Outcome
	for _, out := range run.Outcomes() {
		if out.Type == country.Sectors {
			sectorsOutcome = out
		}
	}
	require.NotNil(t, sectorsOutcome.Failure)
	require.Equal(t, country.ReasonRateLimited, sectorsOutcome.Failure.Reason)
}

func TestFetchOneUsesOwnSession(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{}
	bulkFetcher := &fakeFetcher{}
	orch := New(opener, &fakeFetcher{}, bulkFetcher, Config{})

	out := orch.FetchOne(context.Background(), country.RequestSpec{Type: country.FileList, CountryCode: "de"})
	require.True(t, out.OK())
	require.JSONEq(t, `{"type":"file_list","code":"DE"}`, string(out.Payload))
	require.Len(t, opener.sessions, 1)
	require.True(t, opener.sessions[0].closed.Load())
	require.Len(t, bulkFetcher.sessions, 1)

	failing := New(&fakeOpener{err: errors.New("no sockets")}, &fakeFetcher{}, &fakeFetcher{}, Config{})
	out = failing.FetchOne(context.Background(), country.RequestSpec{Type: country.Sectors, CountryCode: "DE"})
	require.False(t, out.OK())
	require.Equal(t, country.ReasonHTTPError, out.Failure.Reason)
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	types := []country.RequestType{country.Sectors, country.Indicator}
	jsonFetcher := &fakeFetcher{fail: map[country.RequestType]country.Reason{country.Indicator: country.ReasonRateLimited}}
	orch := New(&fakeOpener{}, jsonFetcher, &fakeFetcher{}, Config{Types: types, Tracer: tp.Tracer("test")})

	run := orch.Start(context.Background(), france)
	_, err := run.Wait(context.Background())
	require.NoError(t, err)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	require.Len(t, spans, 3)

	root := spans["orchestrator.run"]
	require.NotNil(t, root)
	require.Equal(t, codes.Unset, root.Status().Code)

	failed := spans["fetch "+country.Indicator.String()]
	require.NotNil(t, failed)
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Equal(t, root.SpanContext().SpanID(), failed.Parent().SpanID())

	ok := spans["fetch "+country.Sectors.String()]
	require.NotNil(t, ok)
	require.Equal(t, codes.Unset, ok.Status().Code)
}
