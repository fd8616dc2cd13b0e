package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/retry"
)

// Manager answers which watches still owe a notification and records deliveries.
type Manager struct {
	store  ports.Store
	grace  time.Duration
	retry  retry.Policy
	logger *slog.Logger
}

// NewManager builds a manager; searches younger than grace are left out of notifications.
func NewManager(store ports.Store, grace time.Duration, policy retry.Policy, logger *slog.Logger) *Manager {
	return &Manager{store: store, grace: grace, retry: policy, logger: logger}
}

// UsersWithPending lists users that have something to be notified about at now.
func (m *Manager) UsersWithPending(ctx context.Context, now time.Time) ([]domain.User, error) {
	users, err := m.store.UsersWithPendingWatches(ctx, now.Add(-m.grace))
	if err != nil {
		return nil, fmt.Errorf("users with pending watches: %w", err)
	}
	return users, nil
}

// Pending returns the user's pending watches, oldest sighting first.
func (m *Manager) Pending(ctx context.Context, user domain.User, now time.Time) ([]domain.PendingWatch, error) {
	pending, err := m.store.PendingWatches(ctx, user.ID, now.Add(-m.grace))
	if err != nil {
		return nil, fmt.Errorf("pending watches of user %d: %w", user.ID, err)
	}
	return pending, nil
}

// MarkNotified records delivered revisions in one transaction. Marking twice is harmless.
func (m *Manager) MarkNotified(ctx context.Context, marks []domain.WatchRevision, at time.Time) error {
	if len(marks) == 0 {
		return nil
	}

	err := m.retry.Do(ctx, "mark notified", func(ctx context.Context) error {
		return m.store.WithinTx(ctx, func(tx ports.StoreTx) error {
			return tx.MarkNotified(ctx, marks, at)
		})
	})
	if err != nil {
		return fmt.Errorf("mark %d watches notified: %w", len(marks), err)
	}

	if m.logger != nil {
		m.logger.Debug("watches marked notified", "count", len(marks))
	}
	return nil
}
