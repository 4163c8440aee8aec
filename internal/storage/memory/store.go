// Package memory keeps country records in process, for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

// Store keeps encoded records so callers never share maps with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
	catalog []byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string][]byte)}
}

// Get returns the record for code.
func (s *Store) Get(_ context.Context, code string) (country.Record, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return country.Record{}, err
	}
	s.mu.RLock()
	data, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return country.Record{}, country.ErrNotFound
	}
	return storage.DecodeRecord(data)
}

// Put creates or replaces the record.
func (s *Store) Put(_ context.Context, rec country.Record) error {
	data, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	key, err := storage.RecordKey(rec.Code)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the record and reports whether it existed.
func (s *Store) Delete(_ context.Context, code string) (bool, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

// List summarizes every stored record.
func (s *Store) List(_ context.Context) ([]country.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]country.Summary, 0, len(s.records))
	for _, data := range s.records {
		rec, err := storage.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.Summarize(rec))
	}
	storage.SortSummaries(out)
	return out, nil
}

// LoadCatalog returns the saved catalog.
func (s *Store) LoadCatalog(_ context.Context) ([]country.Country, error) {
	s.mu.RLock()
	data := s.catalog
	s.mu.RUnlock()
	if data == nil {
		return nil, country.ErrNotFound
	}
	return storage.DecodeCatalog(data)
}

// SaveCatalog replaces the catalog.
func (s *Store) SaveCatalog(_ context.Context, list []country.Country) error {
	data, err := storage.EncodeCatalog(list)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.catalog = data
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
