package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

// Policy holds the parameters for the retry strategy.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Logger   *slog.Logger
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrRevisionOutOfOrder),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrSearchExists),
		errors.Is(err, ports.ErrRecipientUnreachable):
		return false
	}
	return true
}

// Do executes op with exponential back-off until it succeeds, fails permanently,
// runs out of attempts or ctx is done.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		expo.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		expo.MaxInterval = p.Max
	}
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		opErr := op(ctx)
		if opErr != nil && !IsRetryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, policy, func(err error, wait time.Duration) {
		if p.Logger != nil {
			p.Logger.Warn("retrying", "operation", name, "attempt", attempt, "max_attempts", attempts, "wait", wait, "error", err)
		}
	})
	if err == nil {
		return nil
	}
	if IsRetryable(err) && attempt >= attempts {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	return err
}
