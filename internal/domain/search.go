package domain

import "time"

// Tier enumerates subscription levels that bound how many searches a user may keep.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// User owns searches and receives notifications in a chat.
type User struct {
	ID        int64
	ChatID    int64
	Username  string
	Tier      Tier
	CreatedAt time.Time
}

// Search is a user-registered query URL on one provider.
type Search struct {
	ID        int64
	UserID    int64
	Provider  Provider
	URL       string
	CreatedAt time.Time

	// LastRunAt moves on every refresh attempt that reached the provider.
	LastRunAt *time.Time

	// SeededAt is set by the first batch committed for the search.
	SeededAt *time.Time
}

// Seeded reports whether a batch of the search was already committed.
func (s Search) Seeded() bool {
	return s.SeededAt != nil
}

// Watch links a search to a listing it surfaced and tracks what was already notified.
type Watch struct {
	ID                 int64
	SearchID           int64
	ListingID          int64
	FirstSeenAt        time.Time
	LastRefreshedAt    time.Time
	CurrentRevisionID  int64
	NotifiedRevisionID *int64
	NotifiedAt         *time.Time
}

// Pending is true while the user has not been told about the current revision.
func (w Watch) Pending() bool {
	return w.NotifiedRevisionID == nil || *w.NotifiedRevisionID != w.CurrentRevisionID
}

// WatchRevision pairs a watch with the revision that was delivered for it.
type WatchRevision struct {
	WatchID    int64
	RevisionID int64
}

// PendingWatch is the read model used to build notifications.
type PendingWatch struct {
	Watch    Watch
	Search   Search
	Listing  Listing
	Current  Revision
	Previous *Revision
}

// Kind tells whether the watch is announced as a first sighting or a price change.
func (p PendingWatch) Kind() EntryKind {
	if p.Previous == nil {
		return EntryNew
	}
	return EntryRevised
}
