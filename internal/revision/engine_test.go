package revision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/storage"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/ports"
)

func setup(t *testing.T) (*storage.MemoryStore, domain.Search) {
	t.Helper()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	user, err := store.UpsertUser(ctx, domain.User{ChatID: 42, Username: "ana"})
	require.NoError(t, err)
	search, err := store.CreateSearch(ctx, domain.Search{UserID: user.ID, Provider: domain.ProviderZonaProp, URL: "https://www.zonaprop.com.ar/x.html"})
	require.NoError(t, err)
	return store, search
}

func post(id string, price int64, currency string) domain.NormalizedPost {
	return domain.NormalizedPost{
		Provider: domain.ProviderZonaProp,
		SourceID: id,
		Title:    "Flat " + id,
		Price:    decimal.NewFromInt(price),
		Currency: currency,
	}
}

func batchAt(at time.Time, posts ...domain.NormalizedPost) normalize.Batch {
	return normalize.Batch{Posts: posts, FetchedAt: at, Received: len(posts)}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	engine := NewEngine(store, nil)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	first, err := engine.Apply(ctx, search, batchAt(t0, post("A", 100, "USD"), post("B", 50, "USD")), Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, New: 2, WatchesCreated: 2}, first)

	second, err := engine.Apply(ctx, search, batchAt(t0.Add(time.Hour), post("A", 100, "USD"), post("B", 50, "USD")), Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, Unchanged: 2}, second)

	listing, ok := store.Listing(domain.ProviderZonaProp, "A")
	require.True(t, ok)
	assert.Len(t, store.Revisions(listing.ID), 1)

	watches := store.Watches(search.ID)
	require.Len(t, watches, 2)
	assert.Equal(t, t0.Add(time.Hour), watches[0].LastRefreshedAt)
	assert.Equal(t, t0, watches[0].FirstSeenAt)
}

func TestApplyClassifiesNewAndRevised(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	engine := NewEngine(store, nil)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := engine.Apply(ctx, search, batchAt(t0, post("P", 100, "USD")), Options{})
	require.NoError(t, err)

	res, err := engine.Apply(ctx, search, batchAt(t0.Add(time.Hour), post("P", 90, "USD"), post("Q", 70, "ARS")), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.AddedRevision)
	assert.Equal(t, 0, res.Unchanged)

	listing, _ := store.Listing(domain.ProviderZonaProp, "P")
	revs := store.Revisions(listing.ID)
	require.Len(t, revs, 2)
	assert.True(t, revs[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, revs[1].Price.Equal(decimal.NewFromInt(90)))
	require.NotNil(t, listing.CurrentRevisionID)
	assert.Equal(t, revs[1].ID, *listing.CurrentRevisionID)

	res, err = engine.Apply(ctx, search, batchAt(t0.Add(2*time.Hour), post("P", 90, "ARS")), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AddedRevision, "currency change is a revision")
}

func TestApplySeedsWatchesAsNotified(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	engine := NewEngine(store, nil)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := engine.Apply(ctx, search, batchAt(t0, post("A", 100, "USD")), Options{AsNotified: true})
	require.NoError(t, err)

	watches := store.Watches(search.ID)
	require.Len(t, watches, 1)
	assert.False(t, watches[0].Pending())

	stored, ok := store.Search(search.ID)
	require.True(t, ok)
	require.True(t, stored.Seeded())
	assert.Equal(t, t0, *stored.SeededAt)
	assert.Nil(t, stored.LastRunAt, "refresh attempts are recorded by the caller")

	_, err = engine.Apply(ctx, search, batchAt(t0.Add(time.Hour), post("A", 80, "USD")), Options{})
	require.NoError(t, err)
	watches = store.Watches(search.ID)
	assert.True(t, watches[0].Pending())

	stored, _ = store.Search(search.ID)
	assert.Equal(t, t0, *stored.SeededAt, "first seed time is kept")
}

func TestApplyKeepsNewerRevisionOnStaleSighting(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	other, err := store.CreateSearch(context.Background(), domain.Search{UserID: search.UserID, Provider: domain.ProviderZonaProp, URL: "https://www.zonaprop.com.ar/y.html"})
	require.NoError(t, err)
	engine := NewEngine(store, nil)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err = engine.Apply(ctx, search, batchAt(t0, post("A", 100, "USD")), Options{})
	require.NoError(t, err)

	// The other search fetched earlier but commits later with an older price.
	res, err := engine.Apply(ctx, other, batchAt(t0.Add(-time.Minute), post("A", 90, "USD"), post("B", 1, "USD")), Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, New: 1, Unchanged: 1, WatchesCreated: 2}, res)

	listing, _ := store.Listing(domain.ProviderZonaProp, "A")
	revs := store.Revisions(listing.ID)
	require.Len(t, revs, 1)
	assert.True(t, revs[0].Price.Equal(decimal.NewFromInt(100)))

	watches := store.Watches(other.ID)
	require.Len(t, watches, 2)
	assert.Equal(t, revs[0].ID, watches[0].CurrentRevisionID)
}

// rejectingStore fails AppendRevision for one price, the way the store guard rejects
// a revision older than the listing's latest.
type rejectingStore struct {
	*storage.MemoryStore
	price int64
}

func (s rejectingStore) WithinTx(ctx context.Context, fn func(tx ports.StoreTx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx ports.StoreTx) error {
		return fn(rejectingTx{StoreTx: tx, price: s.price})
	})
}

type rejectingTx struct {
	ports.StoreTx
	price int64
}

func (t rejectingTx) AppendRevision(ctx context.Context, rev domain.Revision) (domain.Revision, error) {
	if rev.Price.Equal(decimal.NewFromInt(t.price)) {
		return domain.Revision{}, fmt.Errorf("listing %d: %w", rev.ListingID, domain.ErrRevisionOutOfOrder)
	}
	return t.StoreTx.AppendRevision(ctx, rev)
}

func TestApplyRollsBackWholeBatchOnIntegrityError(t *testing.T) {
	t.Parallel()

	memory, search := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := NewEngine(memory, nil).Apply(ctx, search, batchAt(t0, post("A", 100, "USD")), Options{})
	require.NoError(t, err)

	engine := NewEngine(rejectingStore{MemoryStore: memory, price: 90}, nil)
	_, err = engine.Apply(ctx, search, batchAt(t0.Add(time.Hour), post("B", 1, "USD"), post("A", 90, "USD")), Options{})
	require.ErrorIs(t, err, domain.ErrRevisionOutOfOrder)

	_, ok := memory.Listing(domain.ProviderZonaProp, "B")
	assert.False(t, ok, "listing B must be rolled back with the failed batch")
	listing, _ := memory.Listing(domain.ProviderZonaProp, "A")
	assert.Len(t, memory.Revisions(listing.ID), 1)
}

func TestApplyDuplicateSourceIDsYieldOneRevision(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	engine := NewEngine(store, nil)
	ctx := context.Background()

	raw := []domain.Post{
		{SourceID: "A", Price: "100", Currency: "USD", Title: "first"},
		{SourceID: "A", Price: "95", Currency: "USD", Title: "second"},
	}
	batch := normalize.NewNormalizer(0, nil).Normalize(search, raw)

	res, err := engine.Apply(ctx, search, batch, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 1, New: 1, WatchesCreated: 1}, res)

	listing, ok := store.Listing(domain.ProviderZonaProp, "A")
	require.True(t, ok)
	assert.Equal(t, "second", listing.Title)
	revs := store.Revisions(listing.ID)
	require.Len(t, revs, 1)
	assert.True(t, revs[0].Price.Equal(decimal.NewFromInt(95)))
	assert.Len(t, store.Watches(search.ID), 1)
}

func TestApplyStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	store, search := setup(t)
	engine := NewEngine(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Apply(ctx, search, batchAt(time.Now(), post("A", 1, "USD")), Options{})
	require.ErrorIs(t, err, context.Canceled)
	_, ok := store.Listing(domain.ProviderZonaProp, "A")
	assert.False(t, ok)
}
