package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

var _ country.Publisher = (*Publisher)(nil)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "country.cached", map[string]string{"code": "FR"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "country.deleted", "DE")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "country.cached", msgs[0].Topic)
	require.Equal(t, []any{"DE"}, pub.Topic("country.deleted"))

	msgs[0].Topic = "modified"
	require.Equal(t, "country.cached", pub.Messages()[0].Topic)
}
