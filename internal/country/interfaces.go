package country

import (
	"context"
	"net/http"
	"time"
)

// RecordStore persists one Record per country code.
type RecordStore interface {
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, code string) (Record, error)
	// Put creates or fully replaces the record stored under rec.Code.
	Put(ctx context.Context, rec Record) error
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, code string) (bool, error)
	List(ctx context.Context) ([]Summary, error)
}

// CatalogStore persists the country catalog under a fixed key.
type CatalogStore interface {
	// LoadCatalog returns ErrNotFound before the first SaveCatalog.
	LoadCatalog(ctx context.Context) ([]Country, error)
	SaveCatalog(ctx context.Context, countries []Country) error
}

// Store is a storage backend serving both records and the catalog.
type Store interface {
	RecordStore
	CatalogStore
	Close() error
}

// FetchRequest describes one outbound GET.
type FetchRequest struct {
	URL     string
	Accept  string
	Timeout time.Duration
}

// FetchResponse is the raw upstream response.
type FetchResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Session is an HTTP client scoped to one orchestrator run.
type Session interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
	Close() error
}

// SessionOpener acquires a fresh Session.
type SessionOpener interface {
	Open() (Session, error)
}

// Publisher pushes notifications about cached records.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
