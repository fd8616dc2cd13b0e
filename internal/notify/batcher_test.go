package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

type fakeDispatcher struct {
	delivered int
	err       error
	batches   []domain.Batch
}

func (f *fakeDispatcher) SendBatch(_ context.Context, _ int64, batch domain.Batch) (int, error) {
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return f.delivered, f.err
	}
	return len(batch.Entries), nil
}

type fakeMarker struct {
	marks []domain.WatchRevision
	err   error
}

func (f *fakeMarker) MarkNotified(_ context.Context, marks []domain.WatchRevision, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.marks = append(f.marks, marks...)
	return nil
}

type fakeAlerter struct {
	messages []string
}

func (f *fakeAlerter) Alert(_ context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func pendingWatches(n int) []domain.PendingWatch {
	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	out := make([]domain.PendingWatch, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.PendingWatch{
			Watch:   domain.Watch{ID: int64(i + 1), FirstSeenAt: base.Add(time.Duration(i) * time.Minute)},
			Search:  domain.Search{ID: 1, URL: "https://www.zonaprop.com.ar/s.html"},
			Listing: domain.Listing{ID: int64(100 + i), Provider: domain.ProviderZonaProp, Title: fmt.Sprintf("Flat %d", i), URL: fmt.Sprintf("https://www.zonaprop.com.ar/p-%d.html", i)},
			Current: domain.Revision{ID: int64(1000 + i), Price: decimal.NewFromInt(100), Currency: "USD"},
		})
	}
	return out
}

func TestBuildCapsToOldestEntries(t *testing.T) {
	t.Parallel()

	b := NewBatcher(Config{MaxBatch: 5}, &fakeDispatcher{}, &fakeMarker{}, nil, nil)
	batch := b.Build(domain.User{ID: 1}, pendingWatches(8))

	require.Len(t, batch.Entries, 5)
	assert.Equal(t, 3, batch.Withheld)
	assert.Equal(t, 8, batch.Total)
	assert.False(t, batch.Oversized)
	for i, entry := range batch.Entries {
		assert.Equal(t, int64(i+1), entry.WatchID)
	}
	require.Len(t, batch.Footer, 1)
	assert.Contains(t, batch.Footer[0], "3 more updates")
	assert.Equal(t, "🗞 5 new properties for your searches.", batch.Header)
}

func TestBuildFlagsOversizedBatches(t *testing.T) {
	t.Parallel()

	b := NewBatcher(Config{MaxBatch: 5, OversizedThreshold: 50}, &fakeDispatcher{}, &fakeMarker{}, nil, nil)
	batch := b.Build(domain.User{ID: 1}, pendingWatches(50))

	assert.True(t, batch.Oversized)
	require.Len(t, batch.Footer, 2)
	assert.Contains(t, batch.Footer[1], "more specific")
}

func TestBuildRevisionShowsOldAndNewPrice(t *testing.T) {
	t.Parallel()

	pending := pendingWatches(1)
	pending[0].Previous = &domain.Revision{ID: 7, Price: decimal.NewFromInt(100), Currency: "USD"}
	pending[0].Current = domain.Revision{ID: 8, Price: decimal.NewFromInt(90), Currency: "USD"}

	b := NewBatcher(Config{}, &fakeDispatcher{}, &fakeMarker{}, nil, nil)
	batch := b.Build(domain.User{ID: 1}, pending)

	require.Len(t, batch.Entries, 1)
	entry := batch.Entries[0]
	assert.Equal(t, domain.EntryRevised, entry.Kind)
	assert.Equal(t, "$ 100 USD", entry.OldPrice)
	assert.Equal(t, "$ 90 USD", entry.NewPrice)
	assert.Equal(t, int64(8), entry.RevisionID)
	assert.True(t, strings.Index(entry.Text, "$ 100 USD") < strings.Index(entry.Text, "$ 90 USD"))
	assert.Contains(t, entry.Text, "🔽")
}

func TestDeliverMarksAllOnSuccess(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}
	alerter := &fakeAlerter{}
	b := NewBatcher(Config{MaxBatch: 5}, dispatcher, marker, alerter, nil)

	batch := b.Build(domain.User{ID: 1, ChatID: 99}, pendingWatches(8))
	res, err := b.Deliver(context.Background(), batch)

	require.NoError(t, err)
	assert.Equal(t, 5, res.Delivered)
	assert.Equal(t, 5, res.Marked)
	assert.Equal(t, 3, res.Withheld)
	require.Len(t, marker.marks, 5)
	assert.Equal(t, domain.WatchRevision{WatchID: 1, RevisionID: 1000}, marker.marks[0])
	assert.Len(t, alerter.messages, 1, "truncation raises an operator alert")
}

func TestDeliverUnreachableMarksNothing(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{delivered: 2, err: fmt.Errorf("send: %w", ports.ErrRecipientUnreachable)}
	marker := &fakeMarker{}
	b := NewBatcher(Config{}, dispatcher, marker, nil, nil)

	res, err := b.Deliver(context.Background(), b.Build(domain.User{ID: 1}, pendingWatches(3)))

	require.NoError(t, err)
	assert.True(t, res.Unreachable)
	assert.Empty(t, marker.marks)
}

func TestDeliverMarksPrefixOnTransientFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("telegram 502")
	dispatcher := &fakeDispatcher{delivered: 2, err: boom}
	marker := &fakeMarker{}
	b := NewBatcher(Config{}, dispatcher, marker, nil, nil)

	res, err := b.Deliver(context.Background(), b.Build(domain.User{ID: 1}, pendingWatches(4)))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, res.Marked)
	require.Len(t, marker.marks, 2)
	assert.Equal(t, int64(1), marker.marks[0].WatchID)
	assert.Equal(t, int64(2), marker.marks[1].WatchID)
}

func TestDeliverEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	b := NewBatcher(Config{}, dispatcher, &fakeMarker{}, nil, nil)

	res, err := b.Deliver(context.Background(), b.Build(domain.User{ID: 1}, nil))
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, dispatcher.batches)
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		price    decimal.Decimal
		currency string
		want     string
	}{
		{decimal.Zero, "USD", "Ask"},
		{decimal.NewFromInt(950), "USD", "$ 950 USD"},
		{decimal.NewFromInt(1234567), "ARS", "$ 1,234,567 ARS"},
		{decimal.RequireFromString("99999.6"), "USD", "$ 100,000 USD"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatPrice(tc.price, tc.currency))
	}
}

func TestEntryLinksIncludeWhatsApp(t *testing.T) {
	t.Parallel()

	listing := domain.Listing{Provider: domain.ProviderZonaProp, URL: "https://www.zonaprop.com.ar/p.html", ContactPhone: "5491155551234"}
	links := entryLinks(listing)

	require.Len(t, links, 2)
	assert.Equal(t, "ZonaProp", links[0].Label)
	assert.True(t, strings.HasPrefix(links[1].URL, "https://wa.me/5491155551234?text="))
	assert.Equal(t, "Untitled property", SanitizeTitle("  "))
	assert.Equal(t, "Big flat", SanitizeTitle("*Big* _flat_"))
}

func TestBuildSettlesPriceThatReturnedToNotifiedValue(t *testing.T) {
	t.Parallel()

	pending := pendingWatches(2)
	pending[0].Previous = &domain.Revision{ID: 7, Price: decimal.NewFromInt(100), Currency: "USD"}
	pending[0].Current = domain.Revision{ID: 9, Price: decimal.NewFromInt(100), Currency: "USD"}

	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}
	b := NewBatcher(Config{}, dispatcher, marker, nil, nil)
	batch := b.Build(domain.User{ID: 1, ChatID: 99}, pending)

	require.Len(t, batch.Entries, 1)
	assert.Equal(t, int64(2), batch.Entries[0].WatchID)
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, []domain.WatchRevision{{WatchID: 1, RevisionID: 9}}, batch.Settled)
	assert.NotContains(t, batch.Entries[0].Text, "→")

	res, err := b.Deliver(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.Delivered)
	assert.ElementsMatch(t, []domain.WatchRevision{{WatchID: 1, RevisionID: 9}, {WatchID: 2, RevisionID: 1001}}, marker.marks)
}

func TestDeliverOnlySettledSendsNothing(t *testing.T) {
	t.Parallel()

	pending := pendingWatches(1)
	pending[0].Previous = &domain.Revision{ID: 7, Price: decimal.NewFromInt(100), Currency: "USD"}

	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}
	b := NewBatcher(Config{}, dispatcher, marker, nil, nil)

	res, err := b.Deliver(context.Background(), b.Build(domain.User{ID: 1}, pending))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Empty(t, dispatcher.batches)
	assert.Equal(t, []domain.WatchRevision{{WatchID: 1, RevisionID: 1000}}, marker.marks)
}
