package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/lock"
	"ListingWatcher/internal/infrastructure/storage"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/notify"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/provider"
	"ListingWatcher/internal/retry"
	"ListingWatcher/internal/revision"
	"ListingWatcher/internal/watch"
)

type fakeAdapter struct {
	name domain.Provider

	mu      sync.Mutex
	posts   map[int64][]domain.Post
	errs    map[int64][]error
	calls   int
	total   int
	initial []domain.Post
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:  domain.ProviderZonaProp,
		posts: map[int64][]domain.Post{},
		errs:  map[int64][]error{},
	}
}

func (f *fakeAdapter) Name() domain.Provider { return f.name }

func (f *fakeAdapter) IsValidSearchURL(rawURL string) bool {
	return len(rawURL) > 0 && rawURL[0] == 'h'
}

func (f *fakeAdapter) CleanSearchURL(rawURL string) string { return rawURL }

func (f *fakeAdapter) MaxResultsConsidered() int { return 400 }

func (f *fakeAdapter) FetchLatest(_ context.Context, search domain.Search) ([]domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if queue := f.errs[search.ID]; len(queue) > 0 {
		err := queue[0]
		f.errs[search.ID] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.posts[search.ID], nil
}

func (f *fakeAdapter) GetSearchResults(context.Context, string, int) (int, []domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.initial, nil
}

func (f *fakeAdapter) set(searchID int64, posts ...domain.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[searchID] = posts
}

func (f *fakeAdapter) fail(searchID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[searchID] = errs
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingDispatcher struct {
	mu          sync.Mutex
	batches     []domain.Batch
	unreachable map[int64]bool
}

func (d *recordingDispatcher) SendBatch(_ context.Context, chatID int64, batch domain.Batch) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unreachable[chatID] {
		return 0, ports.ErrRecipientUnreachable
	}
	d.batches = append(d.batches, batch)
	return len(batch.Entries), nil
}

func (d *recordingDispatcher) last() domain.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches[len(d.batches)-1]
}

type pingFailStore struct {
	*storage.MemoryStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

type env struct {
	store      *storage.MemoryStore
	adapter    *fakeAdapter
	dispatcher *recordingDispatcher
	pipeline   *Pipeline
	searches   []domain.Search
	user       domain.User
}

func zp(id string, price string) domain.Post {
	return domain.Post{SourceID: id, Price: price, Currency: "USD", Title: "Flat " + id, URL: "https://www.zonaprop.com.ar/" + id + ".html"}
}

func newEnv(t *testing.T, searches int, mutate func(*PipelineDeps)) *env {
	t.Helper()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	user, err := store.UpsertUser(ctx, domain.User{ChatID: 500, Username: "ana"})
	require.NoError(t, err)

	e := &env{store: store, adapter: newFakeAdapter(), dispatcher: &recordingDispatcher{unreachable: map[int64]bool{}}, user: user}
	for i := 0; i < searches; i++ {
		search, err := store.CreateSearch(ctx, domain.Search{
			UserID:    user.ID,
			Provider:  domain.ProviderZonaProp,
			URL:       fmt.Sprintf("https://www.zonaprop.com.ar/search-%d.html", i),
			CreatedAt: time.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
		e.searches = append(e.searches, search)
	}

	registry := provider.NewRegistry()
	registry.Register(e.adapter)
	manager := watch.NewManager(store, 10*time.Minute, retry.Policy{Attempts: 1}, nil)

	deps := PipelineDeps{
		Store:      store,
		Providers:  registry,
		Normalizer: normalize.NewNormalizer(0, nil),
		Engine:     revision.NewEngine(store, nil),
		Watches:    manager,
		Batcher:    notify.NewBatcher(notify.Config{MaxBatch: 5}, e.dispatcher, manager, nil, nil),
		Config: PipelineConfig{
			SearchGrace:       10 * time.Minute,
			RefreshInterval:   90 * time.Minute,
			ETLConcurrency:    2,
			NotifyConcurrency: 1,
			FetchRetry:        retry.Policy{Attempts: 1},
			StoreRetry:        retry.Policy{Attempts: 1},
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	e.pipeline = NewPipeline(deps)
	return e
}

func always() *time.Duration {
	zero := time.Duration(0)
	return &zero
}

func TestRunETLIsolatesUnitFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 3, nil)
	for _, s := range e.searches {
		e.adapter.set(s.ID, zp(fmt.Sprintf("p-%d", s.ID), "100"))
	}
	e.adapter.fail(e.searches[1].ID, errors.New("provider returned 503"))

	report, err := e.pipeline.RunETL(context.Background(), nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Len(t, runErr.Failures, 1)
	assert.Equal(t, e.searches[1].ID, runErr.Failures[0].SearchID)
	assert.False(t, runErr.AllFailed())
	assert.False(t, RunFailed(err))
	assert.Equal(t, 3, report.Units)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	_, ok := e.store.Listing(domain.ProviderZonaProp, fmt.Sprintf("p-%d", e.searches[0].ID))
	assert.True(t, ok)
	_, ok = e.store.Listing(domain.ProviderZonaProp, fmt.Sprintf("p-%d", e.searches[1].ID))
	assert.False(t, ok)
}

func TestRunETLAllUnitsFailed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2, nil)
	for _, s := range e.searches {
		e.adapter.fail(s.ID, errors.New("down"))
	}

	_, err := e.pipeline.RunETL(context.Background(), nil)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.AllFailed())
	assert.True(t, RunFailed(err))
}

func TestRunETLRetriesTransientFetchErrors(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1, func(d *PipelineDeps) {
		d.Config.FetchRetry = retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}
	})
	e.adapter.set(e.searches[0].ID, zp("a", "1"))
	e.adapter.fail(e.searches[0].ID, errors.New("timeout"), errors.New("timeout"))

	report, err := e.pipeline.RunETL(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, e.adapter.callCount())
}

func TestRunETLMissingAdapterIsFatal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2, nil)
	_, err := e.store.CreateSearch(context.Background(), domain.Search{
		UserID:    e.user.ID,
		Provider:  domain.ProviderMercadoLibre,
		URL:       "https://inmuebles.mercadolibre.com.ar/x",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = e.pipeline.RunETL(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.True(t, RunFailed(err))
	assert.Zero(t, e.adapter.callCount(), "no unit may start")
}

func TestRunETLStoreOutageIsFatal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1, nil)
	e.pipeline.store = pingFailStore{e.store}

	_, err := e.pipeline.RunETL(context.Background(), nil)
	require.Error(t, err)
	assert.Zero(t, e.adapter.callCount())

	_, err = e.pipeline.RunNotify(context.Background())
	require.Error(t, err)
}

func TestRunETLSkipsFreshAndRecentlyRefreshedSearches(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1, nil)
	_, err := e.store.CreateSearch(context.Background(), domain.Search{
		UserID:   e.user.ID,
		Provider: domain.ProviderZonaProp,
		URL:      "https://www.zonaprop.com.ar/new.html",
	})
	require.NoError(t, err)

	report, err := e.pipeline.RunETL(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Units)
	assert.Equal(t, 1, report.Skipped)

	report, err = e.pipeline.RunETL(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Units)
	assert.Equal(t, 2, report.Skipped)

	report, err = e.pipeline.RunETL(context.Background(), always())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Units)
}

func TestSeedThenNotifyPriceDrop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, 1, nil)
	searchID := e.searches[0].ID

	e.adapter.set(searchID, zp("A", "100"))
	_, err := e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)

	report, err := e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Delivered, "first run seeds silently")

	e.adapter.set(searchID, zp("A", "90"), zp("B", "50"))
	report, err = e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)
	assert.Equal(t, 1, report.New)
	assert.Equal(t, 1, report.Revised)

	report, err = e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)

	batch := e.dispatcher.last()
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, domain.EntryRevised, batch.Entries[0].Kind)
	assert.Equal(t, "$ 100 USD", batch.Entries[0].OldPrice)
	assert.Equal(t, "$ 90 USD", batch.Entries[0].NewPrice)
	assert.Equal(t, domain.EntryNew, batch.Entries[1].Kind)

	report, err = e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Delivered, "a delivered revision is never sent twice")
	assert.Zero(t, report.Units)
}

func TestNotifyCapsBatchAndDeliversRestLater(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, 1, nil)
	searchID := e.searches[0].ID

	_, err := e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)

	var posts []domain.Post
	for i := 0; i < 8; i++ {
		posts = append(posts, zp(fmt.Sprintf("p%d", i), "100"))
	}
	e.adapter.set(searchID, posts...)
	_, err = e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)

	report, err := e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Delivered)
	assert.Equal(t, 3, report.Withheld)

	pending, err := e.store.PendingWatches(ctx, e.user.ID, time.Now())
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	report, err = e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)
	assert.Zero(t, report.Withheld)
}

func TestNotifyUnreachableUserMarksNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, 1, nil)
	_, err := e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)
	e.adapter.set(e.searches[0].ID, zp("x", "10"))
	_, err = e.pipeline.RunETL(ctx, always())
	require.NoError(t, err)

	e.dispatcher.unreachable[e.user.ChatID] = true
	report, err := e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unreachable)

	pending, err := e.store.PendingWatches(ctx, e.user.ID, time.Now())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunRefusesWhenLocked(t *testing.T) {
	t.Parallel()

	locker := lock.NewMemoryLocker()
	e := newEnv(t, 1, func(d *PipelineDeps) { d.Locker = locker })

	release, err := locker.Acquire(context.Background(), "listingwatcher:run:etl", time.Minute)
	require.NoError(t, err)

	_, err = e.pipeline.RunETL(context.Background(), nil)
	require.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, release(context.Background()))
	_, err = e.pipeline.RunETL(context.Background(), nil)
	require.NoError(t, err)
}

func TestRunETLCancelledContextFailsUnits(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())

	e.pipeline.store = cancelAfterListStore{MemoryStore: e.store, cancel: cancel}
	_, err := e.pipeline.RunETL(ctx, nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.AllFailed())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.adapter.callCount())
}

type cancelAfterListStore struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (s cancelAfterListStore) ListSearches(ctx context.Context) ([]domain.Search, error) {
	searches, err := s.MemoryStore.ListSearches(ctx)
	s.cancel()
	return searches, err
}

func TestRunETLRecordsEveryProviderAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, 1, nil)
	searchID := e.searches[0].ID
	clock := time.Now().UTC()
	e.pipeline.now = func() time.Time { return clock }

	e.adapter.fail(searchID, errors.New("provider returned 503"))
	_, err := e.pipeline.RunETL(ctx, nil)
	require.Error(t, err)

	stored, _ := e.store.Search(searchID)
	require.NotNil(t, stored.LastRunAt)
	assert.Equal(t, clock, *stored.LastRunAt)
	assert.False(t, stored.Seeded())

	calls := e.adapter.callCount()
	report, err := e.pipeline.RunETL(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped, "a failed search waits for the refresh interval")
	assert.Equal(t, calls, e.adapter.callCount())

	clock = clock.Add(2 * time.Hour)
	e.adapter.set(searchID, zp("A", "100"))
	_, err = e.pipeline.RunETL(ctx, nil)
	require.NoError(t, err)

	stored, _ = e.store.Search(searchID)
	assert.True(t, stored.Seeded())
	pending, err := e.store.PendingWatches(ctx, e.user.ID, clock)
	require.NoError(t, err)
	assert.Empty(t, pending, "first committed batch still seeds silently")

	clock = clock.Add(2 * time.Hour)
	e.adapter.fail(searchID, errors.New("provider returned 503"))
	_, err = e.pipeline.RunETL(ctx, nil)
	require.Error(t, err)

	stored, _ = e.store.Search(searchID)
	assert.Equal(t, clock, *stored.LastRunAt)
	assert.True(t, stored.Seeded())
}

func TestNotifySkipsPriceThatReturnedBeforeDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, 1, nil)
	searchID := e.searches[0].ID

	for _, price := range []string{"100", "90", "100"} {
		e.adapter.set(searchID, zp("A", price))
		_, err := e.pipeline.RunETL(ctx, always())
		require.NoError(t, err)
	}

	report, err := e.pipeline.RunNotify(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Delivered)
	assert.Empty(t, e.dispatcher.batches)

	pending, err := e.store.PendingWatches(ctx, e.user.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}
