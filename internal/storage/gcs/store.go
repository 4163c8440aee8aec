// Package gcs stores country records as objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	internalstorage "github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

const (
	metaName      = "country-name"
	metaFetchedAt = "fetched-at"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name, e.g. "countrycache/".
	Prefix string `mapstructure:"prefix"`
}

// Store keeps records under {prefix}records/{CODE}.json and the catalog
// under {prefix}countries.json.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store. The client stays owned by the caller.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// RecordObject returns the object name for a country code.
func (s *Store) RecordObject(code string) (string, error) {
	key, err := internalstorage.RecordKey(code)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, "records", key+".json"), nil
}

// CatalogObject returns the object name of the catalog.
func (s *Store) CatalogObject() string {
	return path.Join(s.prefix, internalstorage.CatalogKey+".json")
}

// Get downloads the record object.
func (s *Store) Get(ctx context.Context, code string) (country.Record, error) {
	name, err := s.RecordObject(code)
	if err != nil {
		return country.Record{}, err
	}
	data, err := s.read(ctx, name)
	if err != nil {
		return country.Record{}, err
	}
	return internalstorage.DecodeRecord(data)
}

// Put uploads the record. Name and fetch time are also kept as object metadata
// so List does not download payloads.
func (s *Store) Put(ctx context.Context, rec country.Record) error {
	data, err := internalstorage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	name, err := s.RecordObject(rec.Code)
	if err != nil {
		return err
	}
	return s.write(ctx, name, data, map[string]string{
		metaName:      rec.Name,
		metaFetchedAt: rec.FetchedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Delete removes the record object.
func (s *Store) Delete(ctx context.Context, code string) (bool, error) {
	name, err := s.RecordObject(code)
	if err != nil {
		return false, err
	}
	err = s.client.Bucket(s.bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete object %s: %w", name, err)
	}
	return true, nil
}

// List walks the records prefix.
func (s *Store) List(ctx context.Context) ([]country.Summary, error) {
	prefix := path.Join(s.prefix, "records") + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []country.Summary
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		summary, err := s.summary(ctx, attrs, prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if out == nil {
		out = []country.Summary{}
	}
	internalstorage.SortSummaries(out)
	return out, nil
}

// LoadCatalog downloads the catalog object.
func (s *Store) LoadCatalog(ctx context.Context) ([]country.Country, error) {
	data, err := s.read(ctx, s.CatalogObject())
	if err != nil {
		return nil, err
	}
	return internalstorage.DecodeCatalog(data)
}

// SaveCatalog uploads the catalog object.
func (s *Store) SaveCatalog(ctx context.Context, list []country.Country) error {
	data, err := internalstorage.EncodeCatalog(list)
	if err != nil {
		return err
	}
	return s.write(ctx, s.CatalogObject(), data, nil)
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error {
	return nil
}

func (s *Store) summary(ctx context.Context, attrs *storage.ObjectAttrs, prefix string) (country.Summary, error) {
	code := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, prefix), ".json")
	fetchedAt, err := time.Parse(time.RFC3339Nano, attrs.Metadata[metaFetchedAt])
	if name := attrs.Metadata[metaName]; name != "" && err == nil {
		return country.Summary{Name: name, Code: code, FetchedAt: fetchedAt}, nil
	}
	// Objects written without metadata are read in full.
	rec, err := s.Get(ctx, code)
	if err != nil {
		return country.Summary{}, fmt.Errorf("summarize %s: %w", attrs.Name, err)
	}
	return internalstorage.Summarize(rec), nil
}

func (s *Store) read(ctx context.Context, name string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, country.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}
