// Package storagetest runs the behavior every country.Store backend must share.
package storagetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

// Run exercises store against the record and catalog contract. The store
// must start empty.
func Run(t *testing.T, store country.Store) {
	t.Helper()
	ctx := context.Background()
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("MissingRecord", func(t *testing.T) {
		_, err := store.Get(ctx, "XX")
		require.ErrorIs(t, err, country.ErrNotFound)
		existed, err := store.Delete(ctx, "XX")
		require.NoError(t, err)
		require.False(t, existed)
	})

	t.Run("PutGetReplace", func(t *testing.T) {
		rec := country.Record{
			Name:      "United States",
			Code:      "us",
			Data:      map[country.RequestType]json.RawMessage{country.Sectors: json.RawMessage(`{"a":1}`)},
			FetchedAt: fetched,
		}
		require.NoError(t, store.Put(ctx, rec))

		got, err := store.Get(ctx, "US")
		require.NoError(t, err)
		require.Equal(t, "US", got.Code)
		require.Equal(t, "United States", got.Name)
		require.JSONEq(t, `{"a":1}`, string(got.Data[country.Sectors]))
		require.True(t, fetched.Equal(got.FetchedAt))

		rec.Data = map[country.RequestType]json.RawMessage{country.Indicator: json.RawMessage(`[1,2]`)}
		require.NoError(t, store.Put(ctx, rec))
		got, err = store.Get(ctx, "us")
		require.NoError(t, err)
		require.NotContains(t, got.Data, country.Sectors)
		require.JSONEq(t, `[1,2]`, string(got.Data[country.Indicator]))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, country.Record{Name: "France", Code: "FR", FetchedAt: fetched}))
		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "FR", list[0].Code)
		require.Equal(t, "US", list[1].Code)
		require.True(t, fetched.Equal(list[0].FetchedAt))
	})

	t.Run("Delete", func(t *testing.T) {
		existed, err := store.Delete(ctx, "fr")
		require.NoError(t, err)
		require.True(t, existed)
		existed, err = store.Delete(ctx, "FR")
		require.NoError(t, err)
		require.False(t, existed)
		_, err = store.Get(ctx, "FR")
		require.ErrorIs(t, err, country.ErrNotFound)
	})

	t.Run("Catalog", func(t *testing.T) {
		_, err := store.LoadCatalog(ctx)
		require.ErrorIs(t, err, country.ErrNotFound)

		list := []country.Country{{Name: "France", Code: "FR"}, {Name: "Germany", Code: "DE"}}
		require.NoError(t, store.SaveCatalog(ctx, list))
		got, err := store.LoadCatalog(ctx)
		require.NoError(t, err)
		require.Equal(t, list, got)

		records, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1, "catalog is not a record")
	})

	t.Run("InvalidRecord", func(t *testing.T) {
		require.Error(t, store.Put(ctx, country.Record{Code: "FR"}))
		require.Error(t, store.Put(ctx, country.Record{Name: "Nowhere"}))
	})
}
