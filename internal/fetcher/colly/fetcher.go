// Package collyfetcher implements country.SessionOpener using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

const (
	defaultTimeout      = 120 * time.Second
	defaultMaxBodyBytes = 64 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout is the hard ceiling for any request made through a session.
	// Individual requests may set a shorter deadline.
	Timeout      time.Duration
	MaxBodyBytes int
}

// Opener hands out one Session per orchestrator run.
type Opener struct {
	cfg Config
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Opener.
func New(cfg Config) *Opener {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Opener{cfg: cfg}
}

// Open acquires a Session with its own connection pool.
func (o *Opener) Open() (country.Session, error) {
	transport := newHTTPTransport()
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if o.cfg.UserAgent != "" {
		c.UserAgent = o.cfg.UserAgent
	}
	c.MaxBodySize = o.cfg.MaxBodyBytes
	c.WithTransport(transport)
	c.SetRequestTimeout(o.cfg.Timeout)
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{base: c, transport: transport, ctx: ctx, cancel: cancel}, nil
}

// Session issues GET requests through a collector owned by a single run.
type Session struct {
	base      *colly.Collector
	transport *http.Transport
	// ctx is canceled by Close so in-flight requests end with the session.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as values;
// only transport failures produce an error.
func (s *Session) Fetch(ctx context.Context, req country.FetchRequest) (country.FetchResponse, error) {
	if s.closed.Load() {
		return country.FetchResponse{}, country.ErrSessionClosed
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var (
		result   country.FetchResponse
		fetchErr error
	)
	collector := s.base.Clone()
	collector.Context = ctx
	configureCollectorHooks(collector, req, time.Now(), &result, &fetchErr)
	if err := runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return country.FetchResponse{}, err
	}
	return result, nil
}

// Close cancels in-flight requests and releases pooled connections. Further
// Fetch calls fail.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
		s.transport.CloseIdleConnections()
	}
	return nil
}

func configureCollectorHooks(
	hooks collectorHooks,
	req country.FetchRequest,
	start time.Time,
	result *country.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if req.Accept != "" {
			r.Headers.Set("Accept", req.Accept)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = country.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The request carries ctx, so the visit unwinds promptly.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
