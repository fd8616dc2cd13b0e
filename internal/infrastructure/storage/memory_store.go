package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

type listingKey struct {
	provider domain.Provider
	sourceID string
}

type watchKey struct {
	searchID  int64
	listingID int64
}

type memoryState struct {
	nextID      int64
	users       map[int64]domain.User
	searches    map[int64]domain.Search
	listings    map[int64]domain.Listing
	listingKeys map[listingKey]int64
	revisions   map[int64]domain.Revision
	latest      map[int64]int64
	watches     map[int64]domain.Watch
	watchKeys   map[watchKey]int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:       map[int64]domain.User{},
		searches:    map[int64]domain.Search{},
		listings:    map[int64]domain.Listing{},
		listingKeys: map[listingKey]int64{},
		revisions:   map[int64]domain.Revision{},
		latest:      map[int64]int64{},
		watches:     map[int64]domain.Watch{},
		watchKeys:   map[watchKey]int64{},
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:      s.nextID,
		users:       make(map[int64]domain.User, len(s.users)),
		searches:    make(map[int64]domain.Search, len(s.searches)),
		listings:    make(map[int64]domain.Listing, len(s.listings)),
		listingKeys: make(map[listingKey]int64, len(s.listingKeys)),
		revisions:   make(map[int64]domain.Revision, len(s.revisions)),
		latest:      make(map[int64]int64, len(s.latest)),
		watches:     make(map[int64]domain.Watch, len(s.watches)),
		watchKeys:   make(map[watchKey]int64, len(s.watchKeys)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.searches {
		c.searches[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.listingKeys {
		c.listingKeys[k] = v
	}
	for k, v := range s.revisions {
		c.revisions[k] = v
	}
	for k, v := range s.latest {
		c.latest[k] = v
	}
	for k, v := range s.watches {
		c.watches[k] = v
	}
	for k, v := range s.watchKeys {
		c.watchKeys[k] = v
	}
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemoryStore keeps the whole data set in process; transactions work on a copy
// that replaces the state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	now   func() time.Time
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// UpsertUser creates the user or refreshes the username of an existing chat.
func (s *MemoryStore) UpsertUser(ctx context.Context, user domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.state.users {
		if existing.ChatID != user.ChatID {
			continue
		}
		if user.Username != "" {
			existing.Username = user.Username
		}
		s.state.users[id] = existing
		return existing, nil
	}

	user.ID = s.state.id()
	if user.Tier == "" {
		user.Tier = domain.TierFree
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.state.users[user.ID] = user
	return user, nil
}

// GetUserByChatID returns domain.ErrNotFound when the chat is unknown.
func (s *MemoryStore) GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.state.users {
		if user.ChatID == chatID {
			return user, nil
		}
	}
	return domain.User{}, fmt.Errorf("user with chat %d: %w", chatID, domain.ErrNotFound)
}

// CreateSearch inserts a search unique per user, provider and URL.
func (s *MemoryStore) CreateSearch(ctx context.Context, search domain.Search) (domain.Search, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[search.UserID]; !ok {
		return domain.Search{}, fmt.Errorf("user %d: %w", search.UserID, domain.ErrNotFound)
	}
	for _, existing := range s.state.searches {
		if existing.UserID == search.UserID && existing.Provider == search.Provider && existing.URL == search.URL {
			return domain.Search{}, domain.ErrSearchExists
		}
	}

	search.ID = s.state.id()
	if search.CreatedAt.IsZero() {
		search.CreatedAt = s.now()
	}
	s.state.searches[search.ID] = search
	return search, nil
}

// ListSearches returns every search ordered by id.
func (s *MemoryStore) ListSearches(ctx context.Context) ([]domain.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSearches(func(domain.Search) bool { return true }), nil
}

// ListUserSearches returns the searches of one user ordered by id.
func (s *MemoryStore) ListUserSearches(ctx context.Context, userID int64) ([]domain.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSearches(func(search domain.Search) bool { return search.UserID == userID }), nil
}

func (s *MemoryStore) filterSearches(keep func(domain.Search) bool) []domain.Search {
	out := make([]domain.Search, 0, len(s.state.searches))
	for _, search := range s.state.searches {
		if keep(search) {
			out = append(out, search)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UsersWithPendingWatches lists users owning at least one pending watch on a search
// created before the cutoff.
func (s *MemoryStore) UsersWithPendingWatches(ctx context.Context, searchCreatedBefore time.Time) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[int64]bool{}
	var users []domain.User
	for _, watch := range s.state.watches {
		if !watch.Pending() {
			continue
		}
		search := s.state.searches[watch.SearchID]
		if !search.CreatedAt.Before(searchCreatedBefore) || seen[search.UserID] {
			continue
		}
		seen[search.UserID] = true
		users = append(users, s.state.users[search.UserID])
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// PendingWatches returns the user's pending watches ordered by first sighting.
func (s *MemoryStore) PendingWatches(ctx context.Context, userID int64, searchCreatedBefore time.Time) ([]domain.PendingWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []domain.PendingWatch
	for _, watch := range s.state.watches {
		if !watch.Pending() {
			continue
		}
		search := s.state.searches[watch.SearchID]
		if search.UserID != userID || !search.CreatedAt.Before(searchCreatedBefore) {
			continue
		}

		item := domain.PendingWatch{
			Watch:   watch,
			Search:  search,
			Listing: s.state.listings[watch.ListingID],
			Current: s.state.revisions[watch.CurrentRevisionID],
		}
		if watch.NotifiedRevisionID != nil {
			prev := s.state.revisions[*watch.NotifiedRevisionID]
			item.Previous = &prev
		}
		pending = append(pending, item)
	}

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i].Watch, pending[j].Watch
		if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
			return a.FirstSeenAt.Before(b.FirstSeenAt)
		}
		return a.ID < b.ID
	})
	return pending, nil
}

// WithinTx runs fn on a private copy of the state and publishes it when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx ports.StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// TouchSearch records a refresh attempt outside of any transaction.
func (s *MemoryStore) TouchSearch(ctx context.Context, searchID int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	search, ok := s.state.searches[searchID]
	if !ok {
		return fmt.Errorf("search %d: %w", searchID, domain.ErrNotFound)
	}
	ts := at
	search.LastRunAt = &ts
	s.state.searches[searchID] = search
	return nil
}

// Revisions returns the revision history of a listing in capture order.
func (s *MemoryStore) Revisions(listingID int64) []domain.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Revision
	for _, rev := range s.state.revisions {
		if rev.ListingID == listingID {
			out = append(out, rev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Listing looks a listing up by its natural key.
func (s *MemoryStore) Listing(provider domain.Provider, sourceID string) (domain.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.listingKeys[listingKey{provider: provider, sourceID: sourceID}]
	if !ok {
		return domain.Listing{}, false
	}
	return s.state.listings[id], true
}

// Watches returns all watches of a search ordered by id.
func (s *MemoryStore) Watches(searchID int64) []domain.Watch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Watch
	for _, watch := range s.state.watches {
		if watch.SearchID == searchID {
			out = append(out, watch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search returns a search by id.
func (s *MemoryStore) Search(id int64) (domain.Search, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search, ok := s.state.searches[id]
	return search, ok
}

type memoryTx struct {
	state *memoryState
}

var _ ports.StoreTx = (*memoryTx)(nil)

func (t *memoryTx) UpsertListing(ctx context.Context, post domain.NormalizedPost, seenAt time.Time) (domain.Listing, bool, error) {
	key := listingKey{provider: post.Provider, sourceID: post.SourceID}
	if id, ok := t.state.listingKeys[key]; ok {
		listing := t.state.listings[id]
		listing.Title = post.Title
		listing.URL = post.URL
		listing.PictureURLs = post.PictureURLs
		listing.ContactPhone = post.ContactPhone
		listing.PublisherID = post.PublisherID
		if post.ModifiedAt != nil {
			listing.ModifiedAt = post.ModifiedAt
		}
		listing.UpdatedAt = seenAt
		t.state.listings[id] = listing
		return listing, false, nil
	}

	listing := domain.Listing{
		ID:           t.state.id(),
		Provider:     post.Provider,
		SourceID:     post.SourceID,
		Title:        post.Title,
		URL:          post.URL,
		PictureURLs:  post.PictureURLs,
		ContactPhone: post.ContactPhone,
		PublisherID:  post.PublisherID,
		ModifiedAt:   post.ModifiedAt,
		FirstSeenAt:  seenAt,
		UpdatedAt:    seenAt,
	}
	t.state.listings[listing.ID] = listing
	t.state.listingKeys[key] = listing.ID
	return listing, true, nil
}

func (t *memoryTx) GetRevision(ctx context.Context, id int64) (domain.Revision, error) {
	rev, ok := t.state.revisions[id]
	if !ok {
		return domain.Revision{}, fmt.Errorf("revision %d: %w", id, domain.ErrNotFound)
	}
	return rev, nil
}

func (t *memoryTx) AppendRevision(ctx context.Context, rev domain.Revision) (domain.Revision, error) {
	if _, ok := t.state.listings[rev.ListingID]; !ok {
		return domain.Revision{}, fmt.Errorf("listing %d: %w", rev.ListingID, domain.ErrNotFound)
	}
	if latestID, ok := t.state.latest[rev.ListingID]; ok {
		latest := t.state.revisions[latestID]
		if rev.CapturedAt.Before(latest.CapturedAt) {
			return domain.Revision{}, fmt.Errorf("listing %d at %s: %w", rev.ListingID, rev.CapturedAt.Format(time.RFC3339), domain.ErrRevisionOutOfOrder)
		}
	}

	rev.ID = t.state.id()
	t.state.revisions[rev.ID] = rev
	t.state.latest[rev.ListingID] = rev.ID
	return rev, nil
}

func (t *memoryTx) SetCurrentRevision(ctx context.Context, listingID, revisionID int64) error {
	listing, ok := t.state.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %d: %w", listingID, domain.ErrNotFound)
	}
	id := revisionID
	listing.CurrentRevisionID = &id
	t.state.listings[listingID] = listing
	return nil
}

func (t *memoryTx) UpsertWatch(ctx context.Context, upsert ports.WatchUpsert) (domain.Watch, bool, error) {
	key := watchKey{searchID: upsert.SearchID, listingID: upsert.ListingID}
	if id, ok := t.state.watchKeys[key]; ok {
		watch := t.state.watches[id]
		watch.LastRefreshedAt = upsert.SeenAt
		watch.CurrentRevisionID = upsert.CurrentRevisionID
		t.state.watches[id] = watch
		return watch, false, nil
	}

	watch := domain.Watch{
		ID:                t.state.id(),
		SearchID:          upsert.SearchID,
		ListingID:         upsert.ListingID,
		FirstSeenAt:       upsert.SeenAt,
		LastRefreshedAt:   upsert.SeenAt,
		CurrentRevisionID: upsert.CurrentRevisionID,
	}
	if upsert.AsNotified {
		rev := upsert.CurrentRevisionID
		at := upsert.SeenAt
		watch.NotifiedRevisionID = &rev
		watch.NotifiedAt = &at
	}
	t.state.watches[watch.ID] = watch
	t.state.watchKeys[key] = watch.ID
	return watch, true, nil
}

func (t *memoryTx) MarkSearchSeeded(ctx context.Context, searchID int64, at time.Time) error {
	search, ok := t.state.searches[searchID]
	if !ok {
		return fmt.Errorf("search %d: %w", searchID, domain.ErrNotFound)
	}
	if search.SeededAt == nil {
		ts := at
		search.SeededAt = &ts
		t.state.searches[searchID] = search
	}
	return nil
}

func (t *memoryTx) MarkNotified(ctx context.Context, marks []domain.WatchRevision, at time.Time) error {
	for _, mark := range marks {
		watch, ok := t.state.watches[mark.WatchID]
		if !ok {
			return fmt.Errorf("watch %d: %w", mark.WatchID, domain.ErrNotFound)
		}
		rev := mark.RevisionID
		ts := at
		watch.NotifiedRevisionID = &rev
		watch.NotifiedAt = &ts
		t.state.watches[mark.WatchID] = watch
	}
	return nil
}
