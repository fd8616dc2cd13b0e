package normalize

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingWatcher/internal/domain"
)

func newTestNormalizer(at time.Time) *Normalizer {
	n := NewNormalizer(0, nil)
	n.now = func() time.Time { return at }
	return n
}

func TestNormalizeDeduplicatesLastValueWins(t *testing.T) {
	t.Parallel()

	fetchedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	search := domain.Search{ID: 7, Provider: domain.ProviderZonaProp}
	raw := []domain.Post{
		{SourceID: "A", Price: "100", Currency: "USD", Title: "first"},
		{SourceID: "B", Price: "200", Currency: "USD"},
		{SourceID: "A", Price: "95", Currency: "USD", Title: "second"},
	}

	batch := newTestNormalizer(fetchedAt).Normalize(search, raw)

	require.Len(t, batch.Posts, 2)
	assert.Equal(t, "A", batch.Posts[0].SourceID)
	assert.True(t, batch.Posts[0].Price.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, "second", batch.Posts[0].Title)
	assert.Equal(t, "B", batch.Posts[1].SourceID)
	assert.Equal(t, 1, batch.Duplicates)
	assert.Len(t, batch.Warnings, 1)
	assert.Equal(t, fetchedAt, batch.FetchedAt)
}

func TestNormalizeWarnsOnlyAboveRatio(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(0.5, nil)
	raw := []domain.Post{
		{SourceID: "A", Price: "1", Currency: "USD"},
		{SourceID: "B", Price: "1", Currency: "USD"},
		{SourceID: "A", Price: "1", Currency: "USD"},
	}

	batch := n.Normalize(domain.Search{Provider: domain.ProviderZonaProp}, raw)
	assert.Equal(t, 1, batch.Duplicates)
	assert.Empty(t, batch.Warnings)
}

func TestNormalizeRejectsIncompletePosts(t *testing.T) {
	t.Parallel()

	search := domain.Search{ID: 1, Provider: domain.ProviderMercadoLibre}
	raw := []domain.Post{
		{SourceID: "", Price: "10", Currency: "USD"},
		{SourceID: "no-price", Currency: "USD"},
		{SourceID: "no-currency", Price: "10"},
		{SourceID: "bad-price", Price: "ten", Currency: "USD"},
		{SourceID: "negative", Price: "-1", Currency: "USD"},
		{SourceID: "other-provider", Provider: domain.ProviderZonaProp, Price: "10", Currency: "USD"},
		{SourceID: "ok", Price: "1,500", Currency: "u$s", ContactPhone: "+0 11-5555 1234", Title: "  Nice \n flat "},
	}

	batch := newTestNormalizer(time.Now()).Normalize(search, raw)

	require.Len(t, batch.Posts, 1)
	assert.Len(t, batch.Rejected, 6)
	post := batch.Posts[0]
	assert.Equal(t, domain.ProviderMercadoLibre, post.Provider)
	assert.True(t, post.Price.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "USD", post.Currency)
	assert.Equal(t, "1155551234", post.ContactPhone)
	assert.Equal(t, "Nice flat", post.Title)
}

func TestParseCurrency(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"USD":   "USD",
		"U$S":   "USD",
		"$":     "ARS",
		"Pesos": "ARS",
		" eur ": "EUR",
	}
	for in, want := range cases {
		got, err := ParseCurrency(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCurrency("dollars")
	assert.Error(t, err)
}

func TestParsePriceKeepsZero(t *testing.T) {
	t.Parallel()

	price, err := ParsePrice("0")
	require.NoError(t, err)
	assert.True(t, price.IsZero())

	price, err = ParsePrice("1234.50")
	require.NoError(t, err)
	assert.Equal(t, "1234.5", price.String())
}
