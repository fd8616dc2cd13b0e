package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/provider"
	"ListingWatcher/internal/revision"
)

// SearchConfig bounds what a user may register.
type SearchConfig struct {
	MaxFreeSearches  int
	ExcessiveWarning int
	ExcessiveError   int
	MaxPages         int
}

// SearchServiceDeps wires the search registration use case.
type SearchServiceDeps struct {
	Store      ports.Store
	Providers  *provider.Registry
	Normalizer *normalize.Normalizer
	Engine     *revision.Engine
	Logger     *slog.Logger
	Config     SearchConfig
}

// SearchService registers searches and seeds their current results.
type SearchService struct {
	store      ports.Store
	providers  *provider.Registry
	normalizer *normalize.Normalizer
	engine     *revision.Engine
	logger     *slog.Logger
	cfg        SearchConfig
}

// UserRef identifies the chat that owns a search.
type UserRef struct {
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username"`
}

// CreateSearchResult describes a freshly registered search.
type CreateSearchResult struct {
	User         domain.User   `json:"user"`
	Search       domain.Search `json:"search"`
	TotalResults int           `json:"total_results"`
	Seeded       int           `json:"seeded"`
	Warning      string        `json:"warning,omitempty"`
}

// NewSearchService constructs the use case.
func NewSearchService(deps SearchServiceDeps) *SearchService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SearchService{
		store:      deps.Store,
		providers:  deps.Providers,
		normalizer: deps.Normalizer,
		engine:     deps.Engine,
		logger:     logger,
		cfg:        deps.Config,
	}
}

// CreateSearch validates the URL, enforces quota and size limits, stores the search
// and records its current results as already notified.
func (s *SearchService) CreateSearch(ctx context.Context, ref UserRef, rawURL string) (CreateSearchResult, error) {
	adapter, err := s.providers.ForURL(rawURL)
	if err != nil {
		return CreateSearchResult{}, err
	}
	cleanURL := adapter.CleanSearchURL(rawURL)
	logger := s.logger.With("chat_id", ref.ChatID, "provider", adapter.Name(), "url", cleanURL)

	user, err := s.store.UpsertUser(ctx, domain.User{ChatID: ref.ChatID, Username: ref.Username})
	if err != nil {
		return CreateSearchResult{}, fmt.Errorf("upsert user: %w", err)
	}

	existing, err := s.store.ListUserSearches(ctx, user.ID)
	if err != nil {
		return CreateSearchResult{}, fmt.Errorf("list user searches: %w", err)
	}
	if user.Tier == domain.TierFree && s.cfg.MaxFreeSearches > 0 && len(existing) >= s.cfg.MaxFreeSearches {
		return CreateSearchResult{}, fmt.Errorf("user %d has %d searches: %w", ref.ChatID, len(existing), domain.ErrSearchQuotaExceeded)
	}
	for _, search := range existing {
		if search.Provider == adapter.Name() && search.URL == cleanURL {
			return CreateSearchResult{}, domain.ErrSearchExists
		}
	}

	result := CreateSearchResult{User: user}
	total, posts, fetchErr := adapter.GetSearchResults(ctx, cleanURL, s.cfg.MaxPages)
	if fetchErr != nil {
		logger.Warn("could not fetch initial results, search will be seeded by the next etl run", "error", fetchErr)
	} else {
		result.TotalResults = total
		switch {
		case total == 0:
			return CreateSearchResult{}, domain.ErrNoResults
		case s.cfg.ExcessiveError > 0 && total > s.cfg.ExcessiveError:
			return CreateSearchResult{}, fmt.Errorf("%d results, limit is %d: %w", total, s.cfg.ExcessiveError, domain.ErrTooManyResults)
		case s.cfg.ExcessiveWarning > 0 && total > s.cfg.ExcessiveWarning:
			considered := total
			if limit := adapter.MaxResultsConsidered(); limit > 0 && limit < considered {
				considered = limit
			}
			result.Warning = fmt.Sprintf("This search returns %d results; only the %d most recent are considered.", total, considered)
		}
	}

	search, err := s.store.CreateSearch(ctx, domain.Search{UserID: user.ID, Provider: adapter.Name(), URL: cleanURL})
	if err != nil {
		return CreateSearchResult{}, fmt.Errorf("create search: %w", err)
	}
	result.Search = search
	logger.Info("search created", "search_id", search.ID, "total_results", total)

	if fetchErr != nil {
		return result, nil
	}

	batch := s.normalizer.Normalize(search, posts)
	applied, err := s.engine.Apply(ctx, search, batch, revision.Options{AsNotified: true})
	if err != nil {
		logger.Warn("could not seed search, next etl run will seed it", "search_id", search.ID, "error", err)
		return result, nil
	}
	result.Seeded = applied.Fetched
	seededAt := batch.FetchedAt
	result.Search.SeededAt = &seededAt
	if err := s.store.TouchSearch(ctx, search.ID, seededAt); err != nil {
		logger.Warn("could not record seeding run", "search_id", search.ID, "error", err)
		return result, nil
	}
	result.Search.LastRunAt = &seededAt
	return result, nil
}

// ListSearches returns the searches registered by a chat.
func (s *SearchService) ListSearches(ctx context.Context, chatID int64) ([]domain.Search, error) {
	user, err := s.store.GetUserByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.store.ListUserSearches(ctx, user.ID)
}
