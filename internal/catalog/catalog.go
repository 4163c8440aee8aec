// Package catalog holds the list of countries the service can fetch. The list
// is loaded lazily from the store, falling back to the upstream country list
// the first time the service runs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

const defaultTimeout = 30 * time.Second

// Config carries optional settings.
type Config struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Catalog memoizes the country list after the first successful load.
type Catalog struct {
	store   country.CatalogStore
	opener  country.SessionOpener
	url     string
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	countries []country.Country
}

// New creates a Catalog backed by store. sourceURL is the upstream country list.
func New(store country.CatalogStore, opener country.SessionOpener, sourceURL string, cfg Config) *Catalog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Catalog{
		store:   store,
		opener:  opener,
		url:     sourceURL,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Countries returns every country sorted by name.
func (c *Catalog) Countries(ctx context.Context) ([]country.Country, error) {
	list, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]country.Country(nil), list...), nil
}

// Initialize populates the catalog if needed and returns it. Repeated calls
// are served from memory.
func (c *Catalog) Initialize(ctx context.Context) ([]country.Country, error) {
	return c.Countries(ctx)
}

// Search returns the countries whose name or code contains q, ignoring case.
// An empty query returns the whole catalog.
func (c *Catalog) Search(ctx context.Context, q string) ([]country.Country, error) {
	list, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]country.Country, 0, len(list))
	for _, entry := range list {
		if q == "" ||
			strings.Contains(strings.ToLower(entry.Name), q) ||
			strings.Contains(strings.ToLower(entry.Code), q) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Lookup finds a country by exact name or code, ignoring case.
func (c *Catalog) Lookup(ctx context.Context, nameOrCode string) (country.Country, error) {
	list, err := c.load(ctx)
	if err != nil {
		return country.Country{}, err
	}
	key := strings.TrimSpace(nameOrCode)
	for _, entry := range list {
		if strings.EqualFold(entry.Code, key) || strings.EqualFold(entry.Name, key) {
			return entry, nil
		}
	}
	return country.Country{}, fmt.Errorf("%w: %q", country.ErrCountryNotFound, nameOrCode)
}

func (c *Catalog) load(ctx context.Context) ([]country.Country, error) {
	c.mu.RLock()
	list := c.countries
	c.mu.RUnlock()
	if list != nil {
		return list, nil
	}

	v, err, _ := c.group.Do("catalog", func() (any, error) {
		c.mu.RLock()
		cached := c.countries
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		loaded, err := c.populate(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.countries = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]country.Country), nil
}

func (c *Catalog) populate(ctx context.Context) ([]country.Country, error) {
	stored, err := c.store.LoadCatalog(ctx)
	switch {
	case err == nil:
		c.logger.Debug("country catalog loaded from store", zap.Int("count", len(stored)))
		return sortByName(stored), nil
	case !errors.Is(err, country.ErrNotFound):
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	fetched, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveCatalog(ctx, fetched); err != nil {
		return nil, fmt.Errorf("save catalog: %w", err)
	}
	c.logger.Info("country catalog fetched from upstream", zap.Int("count", len(fetched)))
	return fetched, nil
}

func (c *Catalog) fetch(ctx context.Context) ([]country.Country, error) {
	sess, err := c.opener.Open()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn("close catalog session", zap.Error(cerr))
		}
	}()

	resp, err := sess.Fetch(ctx, country.FetchRequest{
		URL:     c.url,
		Accept:  "application/json",
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}
	return Parse(resp.Body)
}

type modelDocument struct {
	JSONGraph struct {
		Lists struct {
			Countries struct {
				En struct {
					Value []struct {
						ID           string `json:"id"`
						Name         string `json:"name"`
						LocationType string `json:"locationType"`
					} `json:"value"`
				} `json:"en"`
			} `json:"countries"`
		} `json:"lists"`
	} `json:"jsonGraph"`
}

// Parse extracts the countries from the upstream model document, dropping
// regions and income groups. The result is sorted by name.
func Parse(body []byte) ([]country.Country, error) {
	var doc modelDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	entries := doc.JSONGraph.Lists.Countries.En.Value
	out := make([]country.Country, 0, len(entries))
	for _, e := range entries {
		if e.LocationType != "country" || e.ID == "" {
			continue
		}
		out = append(out, country.Country{Name: e.Name, Code: country.NormalizeCode(e.ID)})
	}
	if len(out) == 0 {
		return nil, errors.New("decode catalog: no countries in document")
	}
	return sortByName(out), nil
}

func sortByName(list []country.Country) []country.Country {
	out := make([]country.Country, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
