// Package gateway decides whether a country is served from the store or
// fetched from upstream, and owns persisting fetched records.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/metrics"
	"github.com/JakeFAU/worldbank-country-cache/internal/orchestrator"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

// Notification topics.
const (
	TopicCached  = "country.cached"
	TopicDeleted = "country.deleted"
)

const defaultPersistTimeout = 30 * time.Second

// Catalog resolves user input to a catalog entry.
type Catalog interface {
	Lookup(ctx context.Context, nameOrCode string) (country.Country, error)
}

// Fanout starts country runs and single fetches.
type Fanout interface {
	Start(ctx context.Context, c country.Country) *orchestrator.Run
	FetchOne(ctx context.Context, spec country.RequestSpec) country.Outcome
}

// Config wires optional collaborators.
type Config struct {
	Publisher country.Publisher
	Clock     country.Clock
	Logger    *zap.Logger
	// PersistTimeout bounds the write after a fan-out (default 30s).
	PersistTimeout time.Duration
}

// Gateway is the cache in front of the orchestrator.
type Gateway struct {
	store          country.RecordStore
	catalog        Catalog
	fanout         Fanout
	publisher      country.Publisher
	clock          country.Clock
	logger         *zap.Logger
	persistTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*Fetch
	wg       sync.WaitGroup
}

// New creates a Gateway.
func New(store country.RecordStore, catalog Catalog, fanout Fanout, cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Gateway{
		store:          store,
		catalog:        catalog,
		fanout:         fanout,
		publisher:      cfg.Publisher,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		persistTimeout: cfg.PersistTimeout,
		inflight:       make(map[string]*Fetch),
	}
}

// Result is the answer to GetOrFetch. Exactly one of a cached Record or a
// Fetch is set.
type Result struct {
	Country country.Country
	Cached  bool
	Record  country.Record
	Fetch   *Fetch
}

// Fetch is a fan-out whose result the gateway persists.
type Fetch struct {
	Country country.Country
	// Joined is true when the caller attached to a fan-out started by another caller.
	Joined bool

	run   *orchestrator.Run
	state *fetchState
}

// fetchState is shared by the fetch and its joiners; fields are written
// once before done is closed.
type fetchState struct {
	done      chan struct{}
	record    country.Record
	persisted bool
	err       error
}

var closedEvents = func() chan progress.Event {
	ch := make(chan progress.Event)
	close(ch)
	return ch
}()

// Events yields the per-request progress of the fan-out. Joined fetches get
// a closed channel.
func (f *Fetch) Events() <-chan progress.Event {
	if f.Joined {
		return closedEvents
	}
	return f.run.Events()
}

// Total is the number of request types in the fan-out.
func (f *Fetch) Total() int {
	return f.run.Total()
}

// Done is closed once the record has been persisted or skipped.
func (f *Fetch) Done() <-chan struct{} {
	return f.state.done
}

// Wait blocks until persistence finished and returns the merged record.
// Persisted reports whether the record was written.
func (f *Fetch) Wait(ctx context.Context) (rec country.Record, persisted bool, err error) {
	select {
	case <-f.state.done:
		return f.state.record, f.state.persisted, f.state.err
	case <-ctx.Done():
		return country.Record{}, false, fmt.Errorf("wait for %s: %w", f.Country.Code, ctx.Err())
	}
}

func (f *Fetch) joiner() *Fetch {
	return &Fetch{Country: f.Country, Joined: true, run: f.run, state: f.state}
}

// GetOrFetch serves nameOrCode from the store or starts (or joins) a fan-out.
// Unknown countries return country.ErrCountryNotFound.
func (g *Gateway) GetOrFetch(ctx context.Context, nameOrCode string) (*Result, error) {
	if _, err := storage.RecordKey(nameOrCode); err == nil {
		rec, err := g.store.Get(ctx, nameOrCode)
		switch {
		case err == nil:
			metrics.ObserveCacheLookup("hit")
			return &Result{Country: country.Country{Name: rec.Name, Code: rec.Code}, Cached: true, Record: rec}, nil
		case !errors.Is(err, country.ErrNotFound):
			return nil, fmt.Errorf("read cache: %w", err)
		}
	}

	c, err := g.catalog.Lookup(ctx, nameOrCode)
	if err != nil {
		return nil, err
	}
	c.Code = country.NormalizeCode(c.Code)
	if c.Code != country.NormalizeCode(nameOrCode) {
		rec, err := g.store.Get(ctx, c.Code)
		switch {
		case err == nil:
			metrics.ObserveCacheLookup("hit")
			return &Result{Country: c, Cached: true, Record: rec}, nil
		case !errors.Is(err, country.ErrNotFound):
			return nil, fmt.Errorf("read cache: %w", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.inflight[c.Code]; ok {
		metrics.ObserveCacheLookup("joined")
		g.logger.Debug("joined in-flight fetch", zap.String("country", c.Code))
		return &Result{Country: c, Fetch: f.joiner()}, nil
	}
	// persist writes the record before retiring the in-flight entry, so under
	// the lock a finished fan-out is always visible in the store.
	rec, err := g.store.Get(ctx, c.Code)
	switch {
	case err == nil:
		metrics.ObserveCacheLookup("hit")
		return &Result{Country: c, Cached: true, Record: rec}, nil
	case !errors.Is(err, country.ErrNotFound):
		return nil, fmt.Errorf("read cache: %w", err)
	}
	metrics.ObserveCacheLookup("miss")
	f := &Fetch{Country: c, state: &fetchState{done: make(chan struct{})}}
	f.run = g.fanout.Start(ctx, c)
	g.inflight[c.Code] = f
	g.wg.Add(1)
	go g.persist(f)
	return &Result{Country: c, Fetch: f}, nil
}

// persist runs detached from any caller so a departed client never loses the
// record.
func (g *Gateway) persist(f *Fetch) {
	defer g.wg.Done()
	logger := g.logger.With(zap.String("country", f.Country.Code), zap.String("run_id", f.run.ID))

	rec, _ := f.run.Wait(context.Background())
	var (
		persisted bool
		err       error
	)
	if len(rec.Data) == 0 {
		metrics.ObservePersist("skipped")
		logger.Warn("every request type failed; record not cached")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), g.persistTimeout)
		err = g.store.Put(ctx, rec)
		if err != nil {
			metrics.ObservePersist("error")
			logger.Error("persist record", zap.Error(err))
			err = fmt.Errorf("persist %s: %w", rec.Code, err)
		} else {
			persisted = true
			metrics.ObservePersist("ok")
			logger.Info("record cached", zap.Int("request_types", len(rec.Data)))
			g.notify(ctx, TopicCached, cachedNotification(rec))
		}
		cancel()
	}

	g.mu.Lock()
	delete(g.inflight, f.Country.Code)
	g.mu.Unlock()

	f.state.record, f.state.persisted, f.state.err = rec, persisted, err
	close(f.state.done)
}

// Drain waits for every pending persistence to finish or ctx to end.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain gateway: %w", ctx.Err())
	}
}

// Get returns the stored record for code or country.ErrNotFound.
func (g *Gateway) Get(ctx context.Context, code string) (country.Record, error) {
	rec, err := g.store.Get(ctx, code)
	if err != nil {
		return country.Record{}, fmt.Errorf("get %s: %w", country.NormalizeCode(code), err)
	}
	return rec, nil
}

// Save creates or replaces a record. A zero FetchedAt is stamped with now.
func (g *Gateway) Save(ctx context.Context, rec country.Record) (country.Record, error) {
	rec.Code = country.NormalizeCode(rec.Code)
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = g.clock.Now()
	}
	if err := g.store.Put(ctx, rec); err != nil {
		return country.Record{}, fmt.Errorf("save %s: %w", rec.Code, err)
	}
	g.notify(ctx, TopicCached, cachedNotification(rec))
	return rec, nil
}

// Delete removes one record and reports whether it existed.
func (g *Gateway) Delete(ctx context.Context, code string) (bool, error) {
	existed, err := g.store.Delete(ctx, code)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", country.NormalizeCode(code), err)
	}
	if existed {
		g.notify(ctx, TopicDeleted, map[string]string{"code": country.NormalizeCode(code)})
	}
	return existed, nil
}

// Reset deletes every listed code and returns those that existed, in input
// order without duplicates. Blank codes are ignored.
func (g *Gateway) Reset(ctx context.Context, codes []string) ([]string, error) {
	deleted := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, raw := range codes {
		code := country.NormalizeCode(raw)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		existed, err := g.Delete(ctx, code)
		if err != nil {
			return deleted, err
		}
		if existed {
			deleted = append(deleted, code)
		}
	}
	return deleted, nil
}

// List summarizes every stored record.
func (g *Gateway) List(ctx context.Context) ([]country.Summary, error) {
	list, err := g.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return list, nil
}

// FetchOne fetches a single request type for code without caching it.
func (g *Gateway) FetchOne(ctx context.Context, t country.RequestType, code string) country.Outcome {
	return g.fanout.FetchOne(ctx, country.RequestSpec{Type: t, CountryCode: code})
}

func (g *Gateway) notify(ctx context.Context, topic string, payload any) {
	if g.publisher == nil {
		return
	}
	if _, err := g.publisher.Publish(ctx, topic, payload); err != nil {
		g.logger.Warn("publish notification", zap.String("topic", topic), zap.Error(err))
	}
}

type cachedMessage struct {
	Code         string                `json:"code"`
	Name         string                `json:"name"`
	FetchedAt    time.Time             `json:"fetched_at"`
	RequestTypes []country.RequestType `json:"request_types"`
}

func cachedNotification(rec country.Record) cachedMessage {
	return cachedMessage{
		Code:         rec.Code,
		Name:         rec.Name,
		FetchedAt:    rec.FetchedAt,
		RequestTypes: rec.Types(),
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
