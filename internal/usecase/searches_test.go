package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/storage"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/provider"
	"ListingWatcher/internal/revision"
)

func newSearchService(t *testing.T, adapter *fakeAdapter) (*SearchService, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	registry := provider.NewRegistry()
	registry.Register(adapter)
	return NewSearchService(SearchServiceDeps{
		Store:      store,
		Providers:  registry,
		Normalizer: normalize.NewNormalizer(0, nil),
		Engine:     revision.NewEngine(store, nil),
		Config: SearchConfig{
			MaxFreeSearches:  2,
			ExcessiveWarning: 200,
			ExcessiveError:   500,
			MaxPages:         20,
		},
	}), store
}

func TestCreateSearchSeedsAsNotified(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.total = 2
	adapter.initial = []domain.Post{zp("a", "100"), zp("b", "200")}
	svc, store := newSearchService(t, adapter)

	res, err := svc.CreateSearch(context.Background(), UserRef{ChatID: 10, Username: "leo"}, "https://www.zonaprop.com.ar/a.html")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Seeded)
	assert.Empty(t, res.Warning)
	require.NotNil(t, res.Search.LastRunAt)
	stored, ok := store.Search(res.Search.ID)
	require.True(t, ok)
	assert.True(t, stored.Seeded())
	require.NotNil(t, stored.LastRunAt)

	watches := store.Watches(res.Search.ID)
	require.Len(t, watches, 2)
	for _, w := range watches {
		assert.False(t, w.Pending(), "initial results are not announced")
	}

	listed, err := svc.ListSearches(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestCreateSearchRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		total int
		url   string
		want  error
	}{
		{name: "no results", total: 0, url: "https://www.zonaprop.com.ar/a.html", want: domain.ErrNoResults},
		{name: "too many results", total: 501, url: "https://www.zonaprop.com.ar/a.html", want: domain.ErrTooManyResults},
		{name: "unsupported url", total: 10, url: "ftp://example.org", want: domain.ErrInvalidSearchURL},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			adapter := newFakeAdapter()
			adapter.total = tc.total
			svc, _ := newSearchService(t, adapter)

			_, err := svc.CreateSearch(context.Background(), UserRef{ChatID: 1}, tc.url)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateSearchWarnsOnLargeResults(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.total = 450
	adapter.initial = []domain.Post{zp("a", "1")}
	svc, _ := newSearchService(t, adapter)

	res, err := svc.CreateSearch(context.Background(), UserRef{ChatID: 1}, "https://www.zonaprop.com.ar/a.html")
	require.NoError(t, err)
	assert.Contains(t, res.Warning, "450 results")
	assert.Contains(t, res.Warning, "400 most recent")
}

func TestCreateSearchQuotaAndDuplicates(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.total = 1
	adapter.initial = []domain.Post{zp("a", "1")}
	svc, _ := newSearchService(t, adapter)
	ctx := context.Background()
	ref := UserRef{ChatID: 3}

	_, err := svc.CreateSearch(ctx, ref, "https://www.zonaprop.com.ar/one.html")
	require.NoError(t, err)

	_, err = svc.CreateSearch(ctx, ref, "https://www.zonaprop.com.ar/one.html")
	require.ErrorIs(t, err, domain.ErrSearchExists)

	_, err = svc.CreateSearch(ctx, ref, "https://www.zonaprop.com.ar/two.html")
	require.NoError(t, err)

	_, err = svc.CreateSearch(ctx, ref, "https://www.zonaprop.com.ar/three.html")
	require.ErrorIs(t, err, domain.ErrSearchQuotaExceeded)
}
