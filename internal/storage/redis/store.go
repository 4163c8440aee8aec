// Package redis stores country records in Redis. Each record is a JSON string
// and a hash indexes the summaries so listings do not scan the keyspace.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage"
)

// Config selects the Redis server and key namespace.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces every key (default "countrycache:").
	Prefix string `mapstructure:"prefix"`
}

// Store implements country.Store on a go-redis client.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

// New dials Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("storage.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := NewWithClient(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client, which stays owned by the caller.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "countrycache:"
	}
	return &Store{client: client, prefix: prefix}
}

// RecordKey returns the Redis key of a record.
func (s *Store) RecordKey(code string) (string, error) {
	key, err := storage.RecordKey(code)
	if err != nil {
		return "", err
	}
	return s.prefix + "record:" + key, nil
}

func (s *Store) indexKey() string {
	return s.prefix + "summaries"
}

func (s *Store) catalogKey() string {
	return s.prefix + storage.CatalogKey
}

// Get reads the record string.
func (s *Store) Get(ctx context.Context, code string) (country.Record, error) {
	key, err := s.RecordKey(code)
	if err != nil {
		return country.Record{}, err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return country.Record{}, country.ErrNotFound
	}
	if err != nil {
		return country.Record{}, fmt.Errorf("redis get: %w", err)
	}
	return storage.DecodeRecord(data)
}

// Put writes the record and its summary in one transaction.
func (s *Store) Put(ctx context.Context, rec country.Record) error {
	data, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	key, err := s.RecordKey(rec.Code)
	if err != nil {
		return err
	}
	rec.Code = country.NormalizeCode(rec.Code)
	summary, err := json.Marshal(storage.Summarize(rec))
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.HSet(ctx, s.indexKey(), rec.Code, summary)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", rec.Code, err)
	}
	return nil
}

// Delete removes the record and its summary.
func (s *Store) Delete(ctx context.Context, code string) (bool, error) {
	key, err := s.RecordKey(code)
	if err != nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.HDel(ctx, s.indexKey(), country.NormalizeCode(code))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return del.Val() > 0, nil
}

// List reads the summary index.
func (s *Store) List(ctx context.Context) ([]country.Summary, error) {
	entries, err := s.client.HGetAll(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]country.Summary, 0, len(entries))
	for code, raw := range entries {
		var sum country.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decode summary %s: %w", code, err)
		}
		out = append(out, sum)
	}
	storage.SortSummaries(out)
	return out, nil
}

// LoadCatalog reads the catalog string.
func (s *Store) LoadCatalog(ctx context.Context) ([]country.Country, error) {
	data, err := s.client.Get(ctx, s.catalogKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, country.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get catalog: %w", err)
	}
	return storage.DecodeCatalog(data)
}

// SaveCatalog replaces the catalog string.
func (s *Store) SaveCatalog(ctx context.Context, list []country.Country) error {
	data, err := storage.EncodeCatalog(list)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.catalogKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set catalog: %w", err)
	}
	return nil
}

// Close closes the client when the store dialed it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
