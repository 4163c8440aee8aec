// Package postgres stores country records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	CatalogTable    string        `mapstructure:"catalog_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists one row per country and the catalog as a single JSONB row.
type Store struct {
	pool    pool
	table   string
	catalog string
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table, cfg.CatalogTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table, catalogTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "country_records"
	}
	if catalogTable == "" {
		catalogTable = "country_catalog"
	}
	for _, name := range []string{table, catalogTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: p, table: table, catalog: catalogTable}, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	countries  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table, s.catalog)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Get selects the record row.
func (s *Store) Get(ctx context.Context, code string) (country.Record, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return country.Record{}, err
	}
	query := fmt.Sprintf(`SELECT name, data, fetched_at FROM %s WHERE code = $1`, s.table)
	rec := country.Record{Code: key}
	var data []byte
	err = s.pool.QueryRow(ctx, query, key).Scan(&rec.Name, &data, &rec.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return country.Record{}, country.ErrNotFound
	}
	if err != nil {
		return country.Record{}, fmt.Errorf("select record %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return country.Record{}, fmt.Errorf("decode record %s: %w", key, err)
	}
	if rec.Data == nil {
		rec.Data = map[country.RequestType]json.RawMessage{}
	}
	return rec, nil
}

// Put upserts the record row.
func (s *Store) Put(ctx context.Context, rec country.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	key, err := storage.RecordKey(rec.Code)
	if err != nil {
		return err
	}
	data := rec.Data
	if data == nil {
		data = map[country.RequestType]json.RawMessage{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (code, name, data, fetched_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name, data = EXCLUDED.data, fetched_at = EXCLUDED.fetched_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, key, rec.Name, payload, rec.FetchedAt.UTC()); err != nil {
		return fmt.Errorf("upsert record %s: %w", key, err)
	}
	return nil
}

// Delete removes the record row.
func (s *Store) Delete(ctx context.Context, code string) (bool, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE code = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List selects every record summary ordered by code.
func (s *Store) List(ctx context.Context) ([]country.Summary, error) {
	query := fmt.Sprintf(`SELECT code, name, fetched_at FROM %s ORDER BY code`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	out := []country.Summary{}
	for rows.Next() {
		var sum country.Summary
		if err := rows.Scan(&sum.Code, &sum.Name, &sum.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan record summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record summaries: %w", err)
	}
	return out, nil
}

// LoadCatalog selects the catalog row.
func (s *Store) LoadCatalog(ctx context.Context) ([]country.Country, error) {
	query := fmt.Sprintf(`SELECT countries FROM %s WHERE key = $1`, s.catalog)
	var data []byte
	err := s.pool.QueryRow(ctx, query, storage.CatalogKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, country.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select catalog: %w", err)
	}
	return storage.DecodeCatalog(data)
}

// SaveCatalog upserts the catalog row.
func (s *Store) SaveCatalog(ctx context.Context, list []country.Country) error {
	data, err := storage.EncodeCatalog(list)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, countries, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE
SET countries = EXCLUDED.countries, updated_at = EXCLUDED.updated_at`, s.catalog)
	if _, err := s.pool.Exec(ctx, query, storage.CatalogKey, data); err != nil {
		return fmt.Errorf("upsert catalog: %w", err)
	}
	return nil
}
