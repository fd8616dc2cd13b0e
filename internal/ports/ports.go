package ports

import (
	"context"
	"errors"
	"time"

	"ListingWatcher/internal/domain"
)

// ErrRecipientUnreachable is returned by dispatchers when the user blocked the bot or the chat is gone.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// ErrLocked is returned by lockers when another run holds the key.
var ErrLocked = errors.New("lock is held by another run")

// ProviderAdapter translates one external listing site into posts.
type ProviderAdapter interface {
	Name() domain.Provider
	IsValidSearchURL(rawURL string) bool
	CleanSearchURL(rawURL string) string
	FetchLatest(ctx context.Context, search domain.Search) ([]domain.Post, error)
	GetSearchResults(ctx context.Context, rawURL string, maxPages int) (int, []domain.Post, error)
	MaxResultsConsidered() int
}

// Store persists users, searches, listings, revisions and watches.
type Store interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, user domain.User) (domain.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error)
	CreateSearch(ctx context.Context, search domain.Search) (domain.Search, error)
	ListSearches(ctx context.Context) ([]domain.Search, error)
	ListUserSearches(ctx context.Context, userID int64) ([]domain.Search, error)
	UsersWithPendingWatches(ctx context.Context, searchCreatedBefore time.Time) ([]domain.User, error)
	PendingWatches(ctx context.Context, userID int64, searchCreatedBefore time.Time) ([]domain.PendingWatch, error)
	TouchSearch(ctx context.Context, searchID int64, at time.Time) error
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error
}

// WatchUpsert describes a sighting of a listing by a search.
type WatchUpsert struct {
	SearchID          int64
	ListingID         int64
	CurrentRevisionID int64
	SeenAt            time.Time
	AsNotified        bool
}

// StoreTx exposes the primitives that must run inside one transaction.
type StoreTx interface {
	UpsertListing(ctx context.Context, post domain.NormalizedPost, seenAt time.Time) (domain.Listing, bool, error)
	GetRevision(ctx context.Context, id int64) (domain.Revision, error)
	AppendRevision(ctx context.Context, rev domain.Revision) (domain.Revision, error)
	SetCurrentRevision(ctx context.Context, listingID, revisionID int64) error
	UpsertWatch(ctx context.Context, upsert WatchUpsert) (domain.Watch, bool, error)
	MarkSearchSeeded(ctx context.Context, searchID int64, at time.Time) error
	MarkNotified(ctx context.Context, marks []domain.WatchRevision, at time.Time) error
}

// Dispatcher delivers a batch to a chat and reports how many entries went out in order.
type Dispatcher interface {
	SendBatch(ctx context.Context, chatID int64, batch domain.Batch) (int, error)
}

// Alerter forwards operational alerts to the operator channel.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// Locker provides mutual exclusion between runs of the same phase.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
