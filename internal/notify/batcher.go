package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

const (
	DefaultMaxBatch           = 5
	DefaultOversizedThreshold = 50
)

// Marker records which watch revisions reached the user.
type Marker interface {
	MarkNotified(ctx context.Context, marks []domain.WatchRevision, at time.Time) error
}

// Config bounds how much a single user receives per run.
type Config struct {
	MaxBatch           int
	OversizedThreshold int
	Location           *time.Location
}

// Delivery summarizes what happened to one batch.
type Delivery struct {
	Delivered   int
	Marked      int
	Settled     int
	Withheld    int
	Unreachable bool
}

// Batcher composes per-user batches and delivers them through a dispatcher.
type Batcher struct {
	cfg        Config
	dispatcher ports.Dispatcher
	marker     Marker
	alerter    ports.Alerter
	logger     *slog.Logger
	now        func() time.Time
}

// NewBatcher wires delivery collaborators; alerter may be nil.
func NewBatcher(cfg Config, dispatcher ports.Dispatcher, marker Marker, alerter ports.Alerter, logger *slog.Logger) *Batcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.OversizedThreshold <= 0 {
		cfg.OversizedThreshold = DefaultOversizedThreshold
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Batcher{
		cfg:        cfg,
		dispatcher: dispatcher,
		marker:     marker,
		alerter:    alerter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Build caps pending watches to the oldest MaxBatch and renders the messages.
// Watches back at the price the user was last told about are settled, not announced.
func (b *Batcher) Build(user domain.User, all []domain.PendingWatch) domain.Batch {
	batch := domain.Batch{User: user}
	pending := make([]domain.PendingWatch, 0, len(all))
	for _, p := range all {
		if p.Previous != nil && p.Previous.SamePrice(p.Current.Price, p.Current.Currency) {
			batch.Settled = append(batch.Settled, domain.WatchRevision{WatchID: p.Watch.ID, RevisionID: p.Current.ID})
			continue
		}
		pending = append(pending, p)
	}
	batch.Total = len(pending)
	if len(pending) == 0 {
		return batch
	}

	selected := pending
	if len(selected) > b.cfg.MaxBatch {
		selected = selected[:b.cfg.MaxBatch]
		batch.Withheld = len(pending) - b.cfg.MaxBatch
	}
	batch.Oversized = len(pending) >= b.cfg.OversizedThreshold

	var newCount, revisedCount int
	batch.Entries = make([]domain.Entry, 0, len(selected))
	for _, p := range selected {
		entry := buildEntry(p, b.cfg.Location)
		if entry.Kind == domain.EntryRevised {
			revisedCount++
		} else {
			newCount++
		}
		batch.Entries = append(batch.Entries, entry)
	}

	batch.Header = header(newCount, revisedCount)
	if batch.Withheld > 0 {
		batch.Footer = append(batch.Footer, withheldLine(batch.Withheld))
	}
	if batch.Oversized {
		batch.Footer = append(batch.Footer, oversizedLine(b.cfg.MaxBatch))
	}
	return batch
}

// Deliver sends the batch and marks what the user received.
// An unreachable recipient marks nothing and is not an error; other failures mark
// the delivered prefix and are returned so the remainder is retried next run.
func (b *Batcher) Deliver(ctx context.Context, batch domain.Batch) (Delivery, error) {
	result := Delivery{Withheld: batch.Withheld}
	logger := b.log().With("user_id", batch.User.ID, "chat_id", batch.User.ChatID)

	if len(batch.Settled) > 0 {
		if err := b.marker.MarkNotified(ctx, batch.Settled, b.now()); err != nil {
			return result, fmt.Errorf("mark settled watches: %w", err)
		}
		result.Settled = len(batch.Settled)
		logger.Debug("price back to last notified value", "watches", len(batch.Settled))
	}
	if len(batch.Entries) == 0 {
		return result, nil
	}
	if batch.Truncated() {
		logger.Error("too many pending notifications, batch truncated",
			"pending", batch.Total, "sent", len(batch.Entries), "withheld", batch.Withheld)
		b.alert(ctx, fmt.Sprintf("Too many pending notifications for user %s (%d): sending %d of %d",
			batch.User.Username, batch.User.ChatID, len(batch.Entries), batch.Total))
	}

	delivered, sendErr := b.dispatcher.SendBatch(ctx, batch.User.ChatID, batch)
	if delivered > len(batch.Entries) {
		delivered = len(batch.Entries)
	}
	result.Delivered = delivered

	if errors.Is(sendErr, ports.ErrRecipientUnreachable) {
		result.Unreachable = true
		logger.Warn("user is unreachable, nothing marked", "error", sendErr)
		return result, nil
	}

	if marks := batch.Marks(delivered); len(marks) > 0 {
		if err := b.marker.MarkNotified(ctx, marks, b.now()); err != nil {
			return result, errors.Join(sendErr, fmt.Errorf("mark delivered entries: %w", err))
		}
		result.Marked = len(marks)
	}

	if sendErr != nil {
		return result, fmt.Errorf("send batch to chat %d after %d of %d entries: %w",
			batch.User.ChatID, delivered, len(batch.Entries), sendErr)
	}

	logger.Info("batch delivered", "entries", delivered, "withheld", batch.Withheld)
	return result, nil
}

func (b *Batcher) alert(ctx context.Context, message string) {
	if b.alerter == nil {
		return
	}
	if err := b.alerter.Alert(ctx, message); err != nil {
		b.log().Warn("operator alert failed", "error", err)
	}
}

func (b *Batcher) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
