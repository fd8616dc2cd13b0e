package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/metrics"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/notify"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/provider"
	"ListingWatcher/internal/retry"
	"ListingWatcher/internal/revision"
	"ListingWatcher/internal/watch"
)

const touchTimeout = 10 * time.Second

// PipelineConfig carries the run-level knobs.
type PipelineConfig struct {
	SearchGrace       time.Duration
	RefreshInterval   time.Duration
	ETLConcurrency    int
	NotifyConcurrency int
	UserDelay         time.Duration
	LockTTL           time.Duration
	FetchRetry        retry.Policy
	StoreRetry        retry.Policy
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Store      ports.Store
	Providers  *provider.Registry
	Normalizer *normalize.Normalizer
	Engine     *revision.Engine
	Watches    *watch.Manager
	Batcher    *notify.Batcher
	Alerter    ports.Alerter
	Locker     ports.Locker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Config     PipelineConfig
}

// Pipeline runs the ETL and notify passes over all searches and users.
type Pipeline struct {
	store      ports.Store
	providers  *provider.Registry
	normalizer *normalize.Normalizer
	engine     *revision.Engine
	watches    *watch.Manager
	batcher    *notify.Batcher
	alerter    ports.Alerter
	locker     ports.Locker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        PipelineConfig
	now        func() time.Time
}

// Report summarizes one run.
type Report struct {
	Phase       Phase     `json:"phase"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Units       int       `json:"units"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	New         int       `json:"new,omitempty"`
	Revised     int       `json:"revised,omitempty"`
	Unchanged   int       `json:"unchanged,omitempty"`
	Rejected    int       `json:"rejected,omitempty"`
	Delivered   int       `json:"delivered,omitempty"`
	Withheld    int       `json:"withheld,omitempty"`
	Unreachable int       `json:"unreachable,omitempty"`
	Failures    []string  `json:"failures,omitempty"`
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	cfg := deps.Config
	if cfg.ETLConcurrency < 1 {
		cfg.ETLConcurrency = 1
	}
	if cfg.NotifyConcurrency < 1 {
		cfg.NotifyConcurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		store:      deps.Store,
		providers:  deps.Providers,
		normalizer: deps.Normalizer,
		engine:     deps.Engine,
		watches:    deps.Watches,
		batcher:    deps.Batcher,
		alerter:    deps.Alerter,
		locker:     deps.Locker,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type etlUnit struct {
	search  domain.Search
	adapter ports.ProviderAdapter
}

type unit struct {
	name     string
	searchID int64
	userID   int64
	run      func(ctx context.Context) error
}

type indexedFailure struct {
	index int
	UnitFailure
}

// RunETL refreshes every eligible search. A nil refreshOverride uses the configured
// refresh interval; searches refreshed more recently than the interval are skipped.
func (p *Pipeline) RunETL(ctx context.Context, refreshOverride *time.Duration) (Report, error) {
	report := p.startReport(PhaseETL)
	logger := p.logger.With("phase", PhaseETL, "run_id", report.RunID)

	release, err := p.acquire(ctx, PhaseETL)
	if err != nil {
		return p.finish(report), err
	}
	defer release()

	if err := p.store.Ping(ctx); err != nil {
		return p.finish(report), fmt.Errorf("store unavailable: %w", err)
	}

	searches, err := p.store.ListSearches(ctx)
	if err != nil {
		return p.finish(report), fmt.Errorf("list searches: %w", err)
	}

	interval := p.cfg.RefreshInterval
	if refreshOverride != nil {
		interval = *refreshOverride
	}
	now := p.now()

	work := make([]etlUnit, 0, len(searches))
	for _, search := range searches {
		adapter, err := p.providers.Resolve(search.Provider)
		if err != nil {
			return p.finish(report), fmt.Errorf("%w: search %d: %w", domain.ErrConfiguration, search.ID, err)
		}
		if now.Sub(search.CreatedAt) < p.cfg.SearchGrace {
			logger.Debug("search within grace period", "search_id", search.ID)
			report.Skipped++
			continue
		}
		if search.LastRunAt != nil && interval > 0 && now.Sub(*search.LastRunAt) < interval {
			logger.Debug("search refreshed recently", "search_id", search.ID, "last_run_at", search.LastRunAt)
			report.Skipped++
			continue
		}
		work = append(work, etlUnit{search: search, adapter: adapter})
	}

	logger.Info("starting etl", "searches", len(searches), "eligible", len(work), "skipped", report.Skipped)

	var mu sync.Mutex
	newsPerUser := map[int64]int{}
	units := make([]unit, 0, len(work))
	for _, w := range work {
		w := w
		units = append(units, unit{
			name:     fmt.Sprintf("search %d", w.search.ID),
			searchID: w.search.ID,
			userID:   w.search.UserID,
			run: func(ctx context.Context) error {
				res, batch, err := p.refreshSearch(ctx, w, logger)
				if err != nil {
					return err
				}
				p.metrics.AddPosts("new", res.New)
				p.metrics.AddPosts("revised", res.AddedRevision)
				p.metrics.AddPosts("unchanged", res.Unchanged)
				p.metrics.AddPosts("rejected", len(batch.Rejected))
				p.metrics.AddPosts("duplicate", batch.Duplicates)

				mu.Lock()
				defer mu.Unlock()
				report.New += res.New
				report.Revised += res.AddedRevision
				report.Unchanged += res.Unchanged
				report.Rejected += len(batch.Rejected)
				newsPerUser[w.search.UserID] += res.News()
				return nil
			},
		})
	}

	failures := p.runUnits(ctx, PhaseETL, p.cfg.ETLConcurrency, units, logger)

	for userID, news := range newsPerUser {
		if news > 0 {
			logger.Info("user has news", "user_id", userID, "news", news)
		}
	}

	return p.complete(ctx, report, len(units), failures, logger)
}

func (p *Pipeline) refreshSearch(ctx context.Context, w etlUnit, logger *slog.Logger) (revision.Result, normalize.Batch, error) {
	logger = logger.With("search_id", w.search.ID, "user_id", w.search.UserID, "provider", w.search.Provider)

	attemptAt := p.now()
	var posts []domain.Post
	queried := false
	err := p.cfg.FetchRetry.Do(ctx, "fetch latest", func(ctx context.Context) error {
		queried = true
		var fetchErr error
		posts, fetchErr = w.adapter.FetchLatest(ctx, w.search)
		return fetchErr
	})
	if queried {
		defer p.touchSearch(ctx, w.search.ID, attemptAt, logger)
	}
	if err != nil {
		return revision.Result{}, normalize.Batch{}, fmt.Errorf("fetch latest: %w", err)
	}

	batch := p.normalizer.Normalize(w.search, posts)
	opts := revision.Options{AsNotified: !w.search.Seeded()}
	if opts.AsNotified {
		logger.Info("first run of search, seeding without notifications", "posts", len(batch.Posts))
	}

	var result revision.Result
	err = p.cfg.StoreRetry.Do(ctx, "apply batch", func(ctx context.Context) error {
		var applyErr error
		result, applyErr = p.engine.Apply(ctx, w.search, batch, opts)
		return applyErr
	})
	if err != nil {
		return revision.Result{}, batch, err
	}
	return result, batch, nil
}

// touchSearch records an attempt whatever its outcome.
func (p *Pipeline) touchSearch(ctx context.Context, searchID int64, at time.Time, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()

	err := p.cfg.StoreRetry.Do(ctx, "touch search", func(ctx context.Context) error {
		return p.store.TouchSearch(ctx, searchID, at)
	})
	if err != nil {
		logger.Warn("could not record refresh attempt", "error", err)
	}
}

// RunNotify delivers one capped batch to every user with pending watches.
func (p *Pipeline) RunNotify(ctx context.Context) (Report, error) {
	report := p.startReport(PhaseNotify)
	logger := p.logger.With("phase", PhaseNotify, "run_id", report.RunID)

	release, err := p.acquire(ctx, PhaseNotify)
	if err != nil {
		return p.finish(report), err
	}
	defer release()

	if err := p.store.Ping(ctx); err != nil {
		return p.finish(report), fmt.Errorf("store unavailable: %w", err)
	}

	now := p.now()
	users, err := p.watches.UsersWithPending(ctx, now)
	if err != nil {
		return p.finish(report), err
	}
	logger.Info("starting notify", "users", len(users))

	var mu sync.Mutex
	units := make([]unit, 0, len(users))
	for _, user := range users {
		user := user
		units = append(units, unit{
			name:   fmt.Sprintf("user %d", user.ID),
			userID: user.ID,
			run: func(ctx context.Context) error {
				if err := sleepContext(ctx, p.cfg.UserDelay); err != nil {
					return err
				}

				pending, err := p.watches.Pending(ctx, user, now)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					return nil
				}

				batch := p.batcher.Build(user, pending)
				logger.Info("notifying user", "user_id", user.ID, "username", user.Username,
					"pending", batch.Total, "entries", len(batch.Entries))
				delivery, err := p.batcher.Deliver(ctx, batch)

				p.metrics.AddNotifications("delivered", delivery.Delivered)
				p.metrics.AddNotifications("withheld", delivery.Withheld)
				if delivery.Unreachable {
					p.metrics.AddNotifications("unreachable", len(batch.Entries))
				} else if err != nil {
					p.metrics.AddNotifications("failed", len(batch.Entries)-delivery.Delivered)
				}

				mu.Lock()
				report.Delivered += delivery.Delivered
				report.Withheld += delivery.Withheld
				if delivery.Unreachable {
					report.Unreachable++
				}
				mu.Unlock()
				return err
			},
		})
	}

	failures := p.runUnits(ctx, PhaseNotify, p.cfg.NotifyConcurrency, units, logger)
	return p.complete(ctx, report, len(units), failures, logger)
}

// runUnits executes units on a bounded pool. A failing unit never stops the others;
// units that could not start because ctx is done are recorded with the context error.
func (p *Pipeline) runUnits(ctx context.Context, phase Phase, limit int, units []unit, logger *slog.Logger) []UnitFailure {
	var (
		mu       sync.Mutex
		failures []indexedFailure
		g        errgroup.Group
	)
	g.SetLimit(limit)

	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = u.run(ctx)
			}

			if err != nil {
				logger.Error("unit failed", "unit", u.name, "error", err)
				p.metrics.Unit(string(phase), "failed")
				mu.Lock()
				failures = append(failures, indexedFailure{index: i, UnitFailure: UnitFailure{
					Unit:     u.name,
					SearchID: u.searchID,
					UserID:   u.userID,
					Err:      err,
				}})
				mu.Unlock()
				return nil
			}
			p.metrics.Unit(string(phase), "success")
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(a, b int) bool { return failures[a].index < failures[b].index })
	out := make([]UnitFailure, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.UnitFailure)
	}
	return out
}

func (p *Pipeline) complete(ctx context.Context, report Report, total int, failures []UnitFailure, logger *slog.Logger) (Report, error) {
	report.Units = total
	report.Failed = len(failures)
	report.Succeeded = total - len(failures)
	for _, f := range failures {
		report.Failures = append(report.Failures, f.Error())
	}
	report = p.finish(report)

	logger.Info("run finished",
		"units", report.Units, "succeeded", report.Succeeded, "failed", report.Failed,
		"skipped", report.Skipped, "elapsed", report.FinishedAt.Sub(report.StartedAt))

	if len(failures) == 0 {
		return report, nil
	}

	runErr := &RunError{Phase: report.Phase, RunID: report.RunID, Total: total, Failures: failures}
	p.alert(ctx, fmt.Sprintf("%s run %s: %d of %d units failed", report.Phase, report.RunID, len(failures), total), logger)
	return report, runErr
}

func (p *Pipeline) startReport(phase Phase) Report {
	return Report{Phase: phase, RunID: uuid.NewString(), StartedAt: p.now()}
}

func (p *Pipeline) finish(report Report) Report {
	report.FinishedAt = p.now()
	p.metrics.ObserveRun(string(report.Phase), report.FinishedAt.Sub(report.StartedAt))
	return report
}

func (p *Pipeline) acquire(ctx context.Context, phase Phase) (func(), error) {
	if p.locker == nil {
		return func() {}, nil
	}

	unlock, err := p.locker.Acquire(ctx, "listingwatcher:run:"+string(phase), p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ports.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", phase, ErrRunInProgress)
		}
		return nil, fmt.Errorf("acquire %s lock: %w", phase, err)
	}

	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("release run lock", "phase", phase, "error", err)
		}
	}, nil
}

func (p *Pipeline) alert(ctx context.Context, message string, logger *slog.Logger) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Alert(context.WithoutCancel(ctx), message); err != nil {
		logger.Warn("operator alert failed", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
