// Package local stores country records as JSON files in one directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

const ext = ".json"

// Config captures the parameters for the filesystem store.
type Config struct {
	// BaseDir holds one {CODE}.json file per country plus countries.json.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes records to the local filesystem.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Get reads {CODE}.json.
func (s *Store) Get(_ context.Context, code string) (country.Record, error) {
	path, err := s.recordPath(code)
	if err != nil {
		return country.Record{}, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to baseDir
	if errors.Is(err, fs.ErrNotExist) {
		return country.Record{}, country.ErrNotFound
	}
	if err != nil {
		return country.Record{}, fmt.Errorf("read record: %w", err)
	}
	return storage.DecodeRecord(data)
}

// Put replaces {CODE}.json atomically.
func (s *Store) Put(_ context.Context, rec country.Record) error {
	data, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	path, err := s.recordPath(rec.Code)
	if err != nil {
		return err
	}
	return s.writeFile(path, data)
}

// Delete removes {CODE}.json.
func (s *Store) Delete(_ context.Context, code string) (bool, error) {
	path, err := s.recordPath(code)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove record: %w", err)
	}
	return true, nil
}

// List reads every record file in the base directory.
func (s *Store) List(ctx context.Context) ([]country.Summary, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	out := make([]country.Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) || name == storage.CatalogKey+ext {
			continue
		}
		rec, err := s.Get(ctx, strings.TrimSuffix(name, ext))
		if errors.Is(err, country.ErrNotFound) {
			// removed while listing
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		out = append(out, storage.Summarize(rec))
	}
	storage.SortSummaries(out)
	return out, nil
}

// LoadCatalog reads countries.json.
func (s *Store) LoadCatalog(_ context.Context) ([]country.Country, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, storage.CatalogKey+ext))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, country.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return storage.DecodeCatalog(data)
}

// SaveCatalog replaces countries.json atomically.
func (s *Store) SaveCatalog(_ context.Context, list []country.Country) error {
	data, err := storage.EncodeCatalog(list)
	if err != nil {
		return err
	}
	return s.writeFile(filepath.Join(s.baseDir, storage.CatalogKey+ext), data)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) recordPath(code string) (string, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(s.baseDir, key+ext))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// writeFile renames a temp file over path so readers never see a partial record.
func (s *Store) writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
