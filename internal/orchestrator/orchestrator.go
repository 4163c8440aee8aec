// Package orchestrator fans one country out into concurrent request-type
// fetches and merges the results into a single record.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/metrics"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
)

// Fetcher produces the final outcome of one request type.
type Fetcher interface {
	Fetch(ctx context.Context, sess country.Session, spec country.RequestSpec) country.Outcome
}

// Config wires optional collaborators. Zero values fall back to sensible defaults.
type Config struct {
	// Types is the fan-out catalog (default country.AllRequestTypes()).
	Types   []country.RequestType
	Emitter progress.Emitter
	IDs     country.IDGenerator
	Clock   country.Clock
	Logger  *zap.Logger
	// Tracer defaults to the global provider's tracer for this package.
	Tracer trace.Tracer
}

const tracerName = "github.com/JakeFAU/worldbank-country-cache/internal/orchestrator"

// Orchestrator starts fan-out runs.
type Orchestrator struct {
	opener  country.SessionOpener
	json    Fetcher
	bulk    Fetcher
	types   []country.RequestType
	emitter progress.Emitter
	ids     country.IDGenerator
	clock   country.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates an Orchestrator. jsonFetcher serves every request type except
// the bulk download, which goes to bulkFetcher.
func New(opener country.SessionOpener, jsonFetcher, bulkFetcher Fetcher, cfg Config) *Orchestrator {
	if len(cfg.Types) == 0 {
		cfg.Types = country.AllRequestTypes()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.NopEmitter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{
		opener:  opener,
		json:    jsonFetcher,
		bulk:    bulkFetcher,
		types:   append([]country.RequestType(nil), cfg.Types...),
		emitter: cfg.Emitter,
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
	}
}

// Types returns the fan-out catalog.
func (o *Orchestrator) Types() []country.RequestType {
	return append([]country.RequestType(nil), o.types...)
}

// Start launches one goroutine per request type and returns immediately.
// Cancellation of ctx is not propagated to the fetches; only its values are kept.
func (o *Orchestrator) Start(ctx context.Context, c country.Country) *Run {
	ctx = context.WithoutCancel(ctx)
	c.Code = country.NormalizeCode(c.Code)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("country.code", c.Code),
		attribute.Int("request_types", len(o.types)),
	))
	run := &Run{
		ID:      o.newRunID(),
		Country: c,
		events:  make(chan progress.Event, len(o.types)),
		done:    make(chan struct{}),
		record:  country.NewRecord(c, o.clock.Now()),
		total:   len(o.types),
		started: time.Now(),
		orch:    o,
		span:    span,
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	o.emitter.Emit(progress.Event{
		RunID:   run.ID,
		Country: c.Code,
		TS:      o.clock.Now(),
		Stage:   progress.StageRunStart,
		Total:   run.total,
		Summary: "Starting data fetch",
	})
	metrics.IncInflightFetches()
	go run.execute(ctx)
	return run
}

// FetchOne runs a single request type on its own session, outside any run.
func (o *Orchestrator) FetchOne(ctx context.Context, spec country.RequestSpec) country.Outcome {
	spec.CountryCode = country.NormalizeCode(spec.CountryCode)
	sess, err := o.opener.Open()
	if err != nil {
		return country.Failed(spec.Type, country.Failure{
			Reason: country.ReasonHTTPError,
			Err:    fmt.Errorf("open session: %w", err),
		})
	}
	defer func() {
		if err := sess.Close(); err != nil {
			o.logger.Warn("close upstream session", zap.Error(err))
		}
	}()
	return o.fetcherFor(spec.Type).Fetch(ctx, sess, spec)
}

func (o *Orchestrator) newRunID() string {
	if o.ids != nil {
		if id, err := o.ids.NewID(); err == nil {
			return id
		}
	}
	return fmt.Sprintf("run-%d", time.Now().UnixNano())
}

func (o *Orchestrator) fetcherFor(t country.RequestType) Fetcher {
	if t.IsBulk() {
		return o.bulk
	}
	return o.json
}

// Run is one in-flight fan-out.
type Run struct {
	ID      string
	Country country.Country

	events  chan progress.Event
	done    chan struct{}
	total   int
	started time.Time
	orch    *Orchestrator
	span    trace.Span

	mu        sync.Mutex
	completed int
	record    country.Record
	outcomes  []country.Outcome
}

// Events yields exactly one event per request type in completion order and is
// closed after the last one. The channel holds every event, so a consumer may
// stop reading at any time without stalling the run.
func (r *Run) Events() <-chan progress.Event {
	return r.events
}

// Done is closed once every request type has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Total is the number of request types in the run.
func (r *Run) Total() int {
	return r.total
}

// Wait blocks until the run finishes or ctx ends. The record holds only the
// successful request types; it may be empty.
func (r *Run) Wait(ctx context.Context) (country.Record, error) {
	select {
	case <-r.done:
		return r.Record(), nil
	case <-ctx.Done():
		return country.Record{}, fmt.Errorf("wait for fan-out %s: %w", r.ID, ctx.Err())
	}
}

// Record returns a copy of the merged record so far.
func (r *Run) Record() country.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record
	rec.Data = make(map[country.RequestType]json.RawMessage, len(r.record.Data))
	for k, v := range r.record.Data {
		rec.Data[k] = v
	}
	return rec
}

// Outcomes returns every outcome received so far, in completion order.
func (r *Run) Outcomes() []country.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]country.Outcome(nil), r.outcomes...)
}

func (r *Run) execute(ctx context.Context) {
	o := r.orch
	logger := o.logger.With(zap.String("run_id", r.ID), zap.String("country", r.Country.Code))
	defer metrics.DecInflightFetches()

	sess, err := o.opener.Open()
	if err != nil {
		logger.Error("open upstream session", zap.Error(err))
		for _, t := range o.types {
			r.complete(country.Failed(t, country.Failure{
				Reason: country.ReasonHTTPError,
				Err:    fmt.Errorf("open session: %w", err),
			}))
		}
		r.finish(logger)
		return
	}

	var wg sync.WaitGroup
	for _, t := range o.types {
		wg.Add(1)
		go func(t country.RequestType) {
			defer wg.Done()
			r.complete(r.fetchOne(ctx, logger, sess, t))
		}(t)
	}
	wg.Wait()
	if err := sess.Close(); err != nil {
		logger.Warn("close upstream session", zap.Error(err))
	}
	r.finish(logger)
}

func (r *Run) fetchOne(
	ctx context.Context,
	logger *zap.Logger,
	sess country.Session,
	t country.RequestType,
) (out country.Outcome) {
	ctx, span := r.orch.tracer.Start(ctx, "fetch "+t.String(), trace.WithAttributes(
		attribute.String("request_type", t.String()),
	))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("request type panicked", zap.String("request_type", t.String()), zap.Any("panic", p))
			out = country.Failed(t, country.Failure{Reason: country.ReasonHTTPError, Err: fmt.Errorf("panic: %v", p)})
		}
		if !out.OK() {
			span.SetAttributes(attribute.String("failure.reason", string(out.Failure.Reason)))
			span.SetStatus(codes.Error, out.Summary())
		}
		span.End()
	}()
	return r.orch.fetcherFor(t).Fetch(ctx, sess, country.RequestSpec{Type: t, CountryCode: r.Country.Code})
}

func (r *Run) complete(out country.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	r.outcomes = append(r.outcomes, out)
	evt := progress.Event{
		RunID:       r.ID,
		Country:     r.Country.Code,
		TS:          r.orch.clock.Now(),
		Stage:       progress.StageRequestDone,
		RequestType: out.Type.String(),
		Completed:   r.completed,
		Total:       r.total,
		Success:     out.OK(),
		Summary:     out.Summary(),
		Dur:         time.Since(r.started),
	}
	if out.OK() {
		r.record.Data[out.Type] = out.Payload
	} else {
		evt.Reason = string(out.Failure.Reason)
	}
	// Sent under the lock so channel order matches Completed.
	r.events <- evt
	r.orch.emitter.Emit(evt)
}

func (r *Run) finish(logger *zap.Logger) {
	r.mu.Lock()
	succeeded := len(r.record.Data)
	r.mu.Unlock()

	close(r.events)
	dur := time.Since(r.started)
	r.orch.emitter.Emit(progress.Event{
		RunID:     r.ID,
		Country:   r.Country.Code,
		TS:        r.orch.clock.Now(),
		Stage:     progress.StageRunDone,
		Completed: r.total,
		Total:     r.total,
		Success:   succeeded > 0,
		Summary:   "Data fetch completed",
		Dur:       dur,
	})
	logger.Info("fan-out finished",
		zap.Int("succeeded", succeeded),
		zap.Int("total", r.total),
		zap.Duration("dur", dur),
	)
	r.span.SetAttributes(attribute.Int("succeeded", succeeded))
	if succeeded == 0 {
		r.span.SetStatus(codes.Error, "no request type succeeded")
	}
	r.span.End()
	close(r.done)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
