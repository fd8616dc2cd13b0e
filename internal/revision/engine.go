package revision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/ports"
)

// Outcome classifies one post against stored history.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeRevised   Outcome = "revised"
	OutcomeUnchanged Outcome = "unchanged"
)

// Options tune how sightings turn into watches.
type Options struct {
	// AsNotified seeds new watches as already delivered.
	AsNotified bool
}

// Result counts outcomes of one applied batch.
type Result struct {
	Fetched        int
	New            int
	AddedRevision  int
	Unchanged      int
	WatchesCreated int
}

// News is the number of posts that may produce a notification.
func (r Result) News() int {
	return r.New + r.AddedRevision
}

// Engine classifies posts and persists listings, revisions and watches.
type Engine struct {
	store  ports.Store
	logger *slog.Logger
}

// NewEngine wires the engine with a transactional store.
func NewEngine(store ports.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Apply persists a normalized batch for a search inside one transaction.
// Either every post of the batch is recorded or none is.
func (e *Engine) Apply(ctx context.Context, search domain.Search, batch normalize.Batch, opts Options) (Result, error) {
	var result Result
	err := e.store.WithinTx(ctx, func(tx ports.StoreTx) error {
		result = Result{Fetched: len(batch.Posts)}
		for _, post := range batch.Posts {
			if err := ctx.Err(); err != nil {
				return err
			}

			outcome, created, err := e.applyPost(ctx, tx, search, post, batch.FetchedAt, opts)
			if err != nil {
				return fmt.Errorf("post %s/%s: %w", post.Provider, post.SourceID, err)
			}

			switch outcome {
			case OutcomeNew:
				result.New++
			case OutcomeRevised:
				result.AddedRevision++
			default:
				result.Unchanged++
			}
			if created {
				result.WatchesCreated++
			}
		}

		if err := tx.MarkSearchSeeded(ctx, search.ID, batch.FetchedAt); err != nil {
			return fmt.Errorf("mark search seeded: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply batch for search %d: %w", search.ID, err)
	}

	if e.logger != nil {
		e.logger.Info("batch applied",
			"search_id", search.ID,
			"fetched", result.Fetched,
			"new", result.New,
			"revised", result.AddedRevision,
			"unchanged", result.Unchanged,
			"as_notified", opts.AsNotified)
	}
	return result, nil
}

func (e *Engine) applyPost(ctx context.Context, tx ports.StoreTx, search domain.Search, post domain.NormalizedPost, fetchedAt time.Time, opts Options) (Outcome, bool, error) {
	listing, isNew, err := tx.UpsertListing(ctx, post, fetchedAt)
	if err != nil {
		return "", false, fmt.Errorf("upsert listing: %w", err)
	}

	var current *domain.Revision
	if listing.CurrentRevisionID != nil {
		rev, err := tx.GetRevision(ctx, *listing.CurrentRevisionID)
		if err != nil {
			return "", false, fmt.Errorf("load current revision: %w", err)
		}
		current = &rev
	}

	outcome := OutcomeUnchanged
	if isNew {
		outcome = OutcomeNew
	}

	var revisionID int64
	switch {
	case current != nil && fetchedAt.Before(current.CapturedAt):
		// Another search committed a newer sighting of this listing first.
		revisionID = current.ID
		e.debug("stale sighting, keeping current revision",
			"listing_id", listing.ID, "fetched_at", fetchedAt, "current_captured_at", current.CapturedAt)
	case current == nil || !current.SamePrice(post.Price, post.Currency):
		rev, err := tx.AppendRevision(ctx, domain.Revision{
			ListingID:  listing.ID,
			Price:      post.Price,
			Currency:   post.Currency,
			CapturedAt: fetchedAt,
		})
		if err != nil {
			return "", false, fmt.Errorf("append revision: %w", err)
		}
		if err := tx.SetCurrentRevision(ctx, listing.ID, rev.ID); err != nil {
			return "", false, fmt.Errorf("set current revision: %w", err)
		}
		revisionID = rev.ID
		if !isNew {
			outcome = OutcomeRevised
		}
	default:
		revisionID = current.ID
	}

	_, created, err := tx.UpsertWatch(ctx, ports.WatchUpsert{
		SearchID:          search.ID,
		ListingID:         listing.ID,
		CurrentRevisionID: revisionID,
		SeenAt:            fetchedAt,
		AsNotified:        opts.AsNotified,
	})
	if err != nil {
		return "", false, fmt.Errorf("upsert watch: %w", err)
	}

	return outcome, created, nil
}

func (e *Engine) debug(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}
