// Package storage holds the encoding shared by the record store backends.
// Every backend keeps one JSON document per country, keyed by the upper-cased
// country code, and the catalog as a single document.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

// CatalogKey is the fixed key of the catalog document.
const CatalogKey = "countries"

// RecordKey returns the storage key for a country code.
func RecordKey(code string) (string, error) {
	key := country.NormalizeCode(code)
	if key == "" {
		return "", fmt.Errorf("country code is required")
	}
	if strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid country code %q", code)
	}
	return key, nil
}

// EncodeRecord validates rec and returns its stored form.
func EncodeRecord(rec country.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.Code = country.NormalizeCode(rec.Code)
	if rec.Data == nil {
		rec.Data = map[country.RequestType]json.RawMessage{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Code, err)
	}
	return data, nil
}

// DecodeRecord parses a stored record.
func DecodeRecord(data []byte) (country.Record, error) {
	var rec country.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return country.Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Data == nil {
		rec.Data = map[country.RequestType]json.RawMessage{}
	}
	return rec, nil
}

// EncodeCatalog returns the stored form of the catalog.
func EncodeCatalog(list []country.Country) ([]byte, error) {
	if list == nil {
		list = []country.Country{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	return data, nil
}

// DecodeCatalog parses a stored catalog.
func DecodeCatalog(data []byte) ([]country.Country, error) {
	var list []country.Country
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if list == nil {
		list = []country.Country{}
	}
	return list, nil
}

// Summarize returns the listing entry for rec.
func Summarize(rec country.Record) country.Summary {
	return country.Summary{Name: rec.Name, Code: rec.Code, FetchedAt: rec.FetchedAt}
}

// SortSummaries orders summaries by code so listings are stable across backends.
func SortSummaries(list []country.Summary) {
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
}
