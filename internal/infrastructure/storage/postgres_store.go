package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/retry"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	searchUniqueKey      = "searches_user_provider_url_key"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	userColumns    = []string{"id", "chat_id", "username", "tier", "created_at"}
	searchColumns  = []string{"id", "user_id", "provider", "url", "created_at", "last_run_at", "seeded_at"}
	listingColumns = []string{"id", "provider", "source_id", "title", "url", "picture_urls", "contact_phone",
		"publisher_id", "modified_at", "current_revision_id", "first_seen_at", "updated_at"}
	revisionColumns = []string{"id", "listing_id", "price", "currency", "captured_at"}
	watchColumns    = []string{"id", "search_id", "listing_id", "first_seen_at", "last_refreshed_at",
		"current_revision_id", "notified_revision_id", "notified_at"}
)

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// PostgresStore persists the data set in Postgres.
type PostgresStore struct {
	db *sqlx.DB
}

var _ ports.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects with driver "postgres" (lib/pq) or "pgx" and verifies the connection.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// UpsertUser creates the user or refreshes the username of an existing chat.
func (s *PostgresStore) UpsertUser(ctx context.Context, user domain.User) (domain.User, error) {
	tier := user.Tier
	if tier == "" {
		tier = domain.TierFree
	}
	query, args, err := psql.Insert("users").
		Columns("chat_id", "username", "tier").
		Values(user.ChatID, user.Username, string(tier)).
		Suffix("ON CONFLICT (chat_id) DO UPDATE SET username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username) RETURNING " + strings.Join(userColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.User{}, fmt.Errorf("build upsert user: %w", err)
	}

	var row userRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return domain.User{}, fmt.Errorf("upsert user %d: %w", user.ChatID, classify(err))
	}
	return row.toDomain(), nil
}

// GetUserByChatID returns domain.ErrNotFound when the chat is unknown.
func (s *PostgresStore) GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error) {
	query, args, err := psql.Select(userColumns...).From("users").Where(sq.Eq{"chat_id": chatID}).ToSql()
	if err != nil {
		return domain.User{}, fmt.Errorf("build get user: %w", err)
	}

	var row userRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, fmt.Errorf("user with chat %d: %w", chatID, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("get user %d: %w", chatID, classify(err))
	}
	return row.toDomain(), nil
}

// CreateSearch inserts a search; a duplicate URL for the same user yields domain.ErrSearchExists.
func (s *PostgresStore) CreateSearch(ctx context.Context, search domain.Search) (domain.Search, error) {
	createdAt := search.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query, args, err := psql.Insert("searches").
		Columns("user_id", "provider", "url", "created_at", "last_run_at", "seeded_at").
		Values(search.UserID, string(search.Provider), search.URL, createdAt, search.LastRunAt, search.SeededAt).
		Suffix("RETURNING " + strings.Join(searchColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.Search{}, fmt.Errorf("build create search: %w", err)
	}

	var row searchRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if constraintOf(err) == searchUniqueKey {
			return domain.Search{}, domain.ErrSearchExists
		}
		return domain.Search{}, fmt.Errorf("create search: %w", classify(err))
	}
	return row.toDomain(), nil
}

// ListSearches returns every search ordered by id.
func (s *PostgresStore) ListSearches(ctx context.Context) ([]domain.Search, error) {
	return s.selectSearches(ctx, psql.Select(searchColumns...).From("searches").OrderBy("id"))
}

// ListUserSearches returns the searches of one user ordered by id.
func (s *PostgresStore) ListUserSearches(ctx context.Context, userID int64) ([]domain.Search, error) {
	return s.selectSearches(ctx, psql.Select(searchColumns...).From("searches").Where(sq.Eq{"user_id": userID}).OrderBy("id"))
}

func (s *PostgresStore) selectSearches(ctx context.Context, builder sq.SelectBuilder) ([]domain.Search, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list searches: %w", err)
	}

	var rows []searchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list searches: %w", classify(err))
	}
	out := make([]domain.Search, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

const pendingCondition = "w.notified_revision_id IS DISTINCT FROM w.current_revision_id"

// UsersWithPendingWatches lists users owning at least one pending watch on a search
// created before the cutoff.
func (s *PostgresStore) UsersWithPendingWatches(ctx context.Context, searchCreatedBefore time.Time) ([]domain.User, error) {
	exists := psql.Select("1").From("watches w").
		Join("searches s ON s.id = w.search_id").
		Where("s.user_id = u.id").
		Where(sq.Lt{"s.created_at": searchCreatedBefore}).
		Where(pendingCondition)

	query, args, err := psql.Select(prefixed("u", userColumns)...).From("users u").
		Where(sq.Expr("EXISTS (?)", exists)).
		OrderBy("u.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build users with pending: %w", err)
	}

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("users with pending watches: %w", classify(err))
	}
	users := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toDomain())
	}
	return users, nil
}

// PendingWatches returns the user's pending watches ordered by first sighting.
func (s *PostgresStore) PendingWatches(ctx context.Context, userID int64, searchCreatedBefore time.Time) ([]domain.PendingWatch, error) {
	query, args, err := psql.Select(
		"w.id AS watch_id", "w.search_id", "w.listing_id", "w.first_seen_at", "w.last_refreshed_at",
		"w.current_revision_id", "w.notified_revision_id", "w.notified_at",
		"s.user_id", "s.provider", "s.url AS search_url", "s.created_at AS search_created_at", "s.last_run_at",
		"l.source_id", "l.title", "l.url AS listing_url", "l.picture_urls", "l.contact_phone", "l.publisher_id",
		"l.modified_at", "l.current_revision_id AS listing_current_revision_id", "l.first_seen_at AS listing_first_seen_at", "l.updated_at AS listing_updated_at",
		"c.price AS current_price", "c.currency AS current_currency", "c.captured_at AS current_captured_at",
		"p.price AS previous_price", "p.currency AS previous_currency", "p.captured_at AS previous_captured_at",
	).
		From("watches w").
		Join("searches s ON s.id = w.search_id").
		Join("listings l ON l.id = w.listing_id").
		Join("revisions c ON c.id = w.current_revision_id").
		LeftJoin("revisions p ON p.id = w.notified_revision_id").
		Where(sq.Eq{"s.user_id": userID}).
		Where(sq.Lt{"s.created_at": searchCreatedBefore}).
		Where(pendingCondition).
		OrderBy("w.first_seen_at", "w.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending watches: %w", err)
	}

	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pending watches for user %d: %w", userID, classify(err))
	}
	out := make([]domain.PendingWatch, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// TouchSearch records a refresh attempt outside any transaction.
func (s *PostgresStore) TouchSearch(ctx context.Context, searchID int64, at time.Time) error {
	query, args, err := psql.Update("searches").
		Set("last_run_at", at).
		Where(sq.Eq{"id": searchID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch search: %w", err)
	}
	return (&postgresTx{q: s.db}).execOne(ctx, query, args, fmt.Sprintf("search %d", searchID))
}

// WithinTx runs fn in a transaction that commits only when fn returns nil.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx ports.StoreTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&postgresTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

type postgresTx struct {
	q querier
}

var _ ports.StoreTx = (*postgresTx)(nil)

// UpsertListing inserts or refreshes a listing and locks its row for the rest of the transaction.
func (t *postgresTx) UpsertListing(ctx context.Context, post domain.NormalizedPost, seenAt time.Time) (domain.Listing, bool, error) {
	pictures := post.PictureURLs
	if pictures == nil {
		pictures = []string{}
	}
	query, args, err := psql.Insert("listings").
		Columns("provider", "source_id", "title", "url", "picture_urls", "contact_phone", "publisher_id",
			"modified_at", "first_seen_at", "updated_at").
		Values(string(post.Provider), post.SourceID, post.Title, post.URL, pq.StringArray(pictures),
			post.ContactPhone, post.PublisherID, post.ModifiedAt, seenAt, seenAt).
		Suffix(`ON CONFLICT (provider, source_id) DO UPDATE SET
    title = EXCLUDED.title,
    url = EXCLUDED.url,
    picture_urls = EXCLUDED.picture_urls,
    contact_phone = EXCLUDED.contact_phone,
    publisher_id = EXCLUDED.publisher_id,
    modified_at = COALESCE(EXCLUDED.modified_at, listings.modified_at),
    updated_at = EXCLUDED.updated_at
RETURNING ` + strings.Join(listingColumns, ", ") + `, (xmax = 0) AS inserted`).
		ToSql()
	if err != nil {
		return domain.Listing{}, false, fmt.Errorf("build upsert listing: %w", err)
	}

	var row struct {
		listingRow
		Inserted bool `db:"inserted"`
	}
	if err := t.q.GetContext(ctx, &row, query, args...); err != nil {
		return domain.Listing{}, false, fmt.Errorf("upsert listing %s/%s: %w", post.Provider, post.SourceID, classify(err))
	}
	return row.listingRow.toDomain(), row.Inserted, nil
}

func (t *postgresTx) GetRevision(ctx context.Context, id int64) (domain.Revision, error) {
	query, args, err := psql.Select(revisionColumns...).From("revisions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Revision{}, fmt.Errorf("build get revision: %w", err)
	}

	var row revisionRow
	if err := t.q.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Revision{}, fmt.Errorf("revision %d: %w", id, domain.ErrNotFound)
		}
		return domain.Revision{}, fmt.Errorf("get revision %d: %w", id, classify(err))
	}
	return row.toDomain(), nil
}

// AppendRevision rejects revisions captured before the listing's latest one.
func (t *postgresTx) AppendRevision(ctx context.Context, rev domain.Revision) (domain.Revision, error) {
	latestQuery, latestArgs, err := psql.Select("captured_at").From("revisions").
		Where(sq.Eq{"listing_id": rev.ListingID}).
		OrderBy("captured_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return domain.Revision{}, fmt.Errorf("build latest revision: %w", err)
	}

	var latest time.Time
	switch err := t.q.GetContext(ctx, &latest, latestQuery, latestArgs...); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.Revision{}, fmt.Errorf("latest revision of listing %d: %w", rev.ListingID, classify(err))
	case rev.CapturedAt.Before(latest):
		return domain.Revision{}, fmt.Errorf("listing %d at %s: %w", rev.ListingID, rev.CapturedAt.Format(time.RFC3339), domain.ErrRevisionOutOfOrder)
	}

	query, args, err := psql.Insert("revisions").
		Columns("listing_id", "price", "currency", "captured_at").
		Values(rev.ListingID, rev.Price, rev.Currency, rev.CapturedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return domain.Revision{}, fmt.Errorf("build append revision: %w", err)
	}
	if err := t.q.GetContext(ctx, &rev.ID, query, args...); err != nil {
		return domain.Revision{}, fmt.Errorf("append revision for listing %d: %w", rev.ListingID, classify(err))
	}
	return rev, nil
}

func (t *postgresTx) SetCurrentRevision(ctx context.Context, listingID, revisionID int64) error {
	query, args, err := psql.Update("listings").
		Set("current_revision_id", revisionID).
		Where(sq.Eq{"id": listingID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set current revision: %w", err)
	}
	return t.execOne(ctx, query, args, fmt.Sprintf("listing %d", listingID))
}

// UpsertWatch creates the watch or refreshes its current revision, keeping the notified pointer.
func (t *postgresTx) UpsertWatch(ctx context.Context, upsert ports.WatchUpsert) (domain.Watch, bool, error) {
	var notifiedRev *int64
	var notifiedAt *time.Time
	if upsert.AsNotified {
		rev, at := upsert.CurrentRevisionID, upsert.SeenAt
		notifiedRev, notifiedAt = &rev, &at
	}

	query, args, err := psql.Insert("watches").
		Columns("search_id", "listing_id", "first_seen_at", "last_refreshed_at", "current_revision_id",
			"notified_revision_id", "notified_at").
		Values(upsert.SearchID, upsert.ListingID, upsert.SeenAt, upsert.SeenAt, upsert.CurrentRevisionID,
			notifiedRev, notifiedAt).
		Suffix(`ON CONFLICT (search_id, listing_id) DO UPDATE SET
    last_refreshed_at = EXCLUDED.last_refreshed_at,
    current_revision_id = EXCLUDED.current_revision_id
RETURNING ` + strings.Join(watchColumns, ", ") + `, (xmax = 0) AS inserted`).
		ToSql()
	if err != nil {
		return domain.Watch{}, false, fmt.Errorf("build upsert watch: %w", err)
	}

	var row struct {
		watchRow
		Inserted bool `db:"inserted"`
	}
	if err := t.q.GetContext(ctx, &row, query, args...); err != nil {
		return domain.Watch{}, false, fmt.Errorf("upsert watch %d/%d: %w", upsert.SearchID, upsert.ListingID, classify(err))
	}
	return row.watchRow.toDomain(), row.Inserted, nil
}

// MarkSearchSeeded stamps seeded_at once; later calls keep the first value.
func (t *postgresTx) MarkSearchSeeded(ctx context.Context, searchID int64, at time.Time) error {
	query, args, err := psql.Update("searches").
		Set("seeded_at", sq.Expr("COALESCE(seeded_at, ?)", at)).
		Where(sq.Eq{"id": searchID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark search seeded: %w", err)
	}
	return t.execOne(ctx, query, args, fmt.Sprintf("search %d", searchID))
}

// MarkNotified records the delivered revision of each watch in a single statement.
func (t *postgresTx) MarkNotified(ctx context.Context, marks []domain.WatchRevision, at time.Time) error {
	if len(marks) == 0 {
		return nil
	}
	watchIDs := make([]int64, 0, len(marks))
	revisionIDs := make([]int64, 0, len(marks))
	for _, mark := range marks {
		watchIDs = append(watchIDs, mark.WatchID)
		revisionIDs = append(revisionIDs, mark.RevisionID)
	}

	query := `UPDATE watches AS w
SET notified_revision_id = m.revision_id, notified_at = $3
FROM unnest($1::bigint[], $2::bigint[]) AS m(watch_id, revision_id)
WHERE w.id = m.watch_id`

	res, err := t.q.ExecContext(ctx, query, pq.Array(watchIDs), pq.Array(revisionIDs), at)
	if err != nil {
		return fmt.Errorf("mark notified: %w", classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && int(n) != len(marks) {
		return fmt.Errorf("mark notified: %d of %d watches updated: %w", n, len(marks), domain.ErrNotFound)
	}
	return nil
}

func (t *postgresTx) execOne(ctx context.Context, query string, args []any, what string) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

// classify marks integrity violations as permanent; serialization failures stay retryable.
func classify(err error) error {
	code := sqlState(err)
	switch {
	case code == "":
		return err
	case code == serializationFailure, code == deadlockDetected:
		return err
	case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		return retry.Permanent(err)
	}
	return err
}

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func constraintOf(err error) string {
	if sqlState(err) != uniqueViolation {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func prefixed(alias string, columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		out = append(out, alias+"."+col)
	}
	return out
}

type userRow struct {
	ID        int64     `db:"id"`
	ChatID    int64     `db:"chat_id"`
	Username  string    `db:"username"`
	Tier      string    `db:"tier"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{ID: r.ID, ChatID: r.ChatID, Username: r.Username, Tier: domain.Tier(r.Tier), CreatedAt: r.CreatedAt}
}

type searchRow struct {
	ID        int64      `db:"id"`
	UserID    int64      `db:"user_id"`
	Provider  string     `db:"provider"`
	URL       string     `db:"url"`
	CreatedAt time.Time  `db:"created_at"`
	LastRunAt *time.Time `db:"last_run_at"`
	SeededAt  *time.Time `db:"seeded_at"`
}

func (r searchRow) toDomain() domain.Search {
	return domain.Search{
		ID:        r.ID,
		UserID:    r.UserID,
		Provider:  domain.Provider(r.Provider),
		URL:       r.URL,
		CreatedAt: r.CreatedAt,
		LastRunAt: r.LastRunAt,
		SeededAt:  r.SeededAt,
	}
}

type listingRow struct {
	ID                int64          `db:"id"`
	Provider          string         `db:"provider"`
	SourceID          string         `db:"source_id"`
	Title             string         `db:"title"`
	URL               string         `db:"url"`
	PictureURLs       pq.StringArray `db:"picture_urls"`
	ContactPhone      string         `db:"contact_phone"`
	PublisherID       string         `db:"publisher_id"`
	ModifiedAt        *time.Time     `db:"modified_at"`
	CurrentRevisionID *int64         `db:"current_revision_id"`
	FirstSeenAt       time.Time      `db:"first_seen_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r listingRow) toDomain() domain.Listing {
	return domain.Listing{
		ID:                r.ID,
		Provider:          domain.Provider(r.Provider),
		SourceID:          r.SourceID,
		Title:             r.Title,
		URL:               r.URL,
		PictureURLs:       []string(r.PictureURLs),
		ContactPhone:      r.ContactPhone,
		PublisherID:       r.PublisherID,
		ModifiedAt:        r.ModifiedAt,
		CurrentRevisionID: r.CurrentRevisionID,
		FirstSeenAt:       r.FirstSeenAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type revisionRow struct {
	ID         int64           `db:"id"`
	ListingID  int64           `db:"listing_id"`
	Price      decimal.Decimal `db:"price"`
	Currency   string          `db:"currency"`
	CapturedAt time.Time       `db:"captured_at"`
}

func (r revisionRow) toDomain() domain.Revision {
	return domain.Revision{ID: r.ID, ListingID: r.ListingID, Price: r.Price, Currency: r.Currency, CapturedAt: r.CapturedAt}
}

type watchRow struct {
	ID                 int64      `db:"id"`
	SearchID           int64      `db:"search_id"`
	ListingID          int64      `db:"listing_id"`
	FirstSeenAt        time.Time  `db:"first_seen_at"`
	LastRefreshedAt    time.Time  `db:"last_refreshed_at"`
	CurrentRevisionID  int64      `db:"current_revision_id"`
	NotifiedRevisionID *int64     `db:"notified_revision_id"`
	NotifiedAt         *time.Time `db:"notified_at"`
}

func (r watchRow) toDomain() domain.Watch {
	return domain.Watch{
		ID:                 r.ID,
		SearchID:           r.SearchID,
		ListingID:          r.ListingID,
		FirstSeenAt:        r.FirstSeenAt,
		LastRefreshedAt:    r.LastRefreshedAt,
		CurrentRevisionID:  r.CurrentRevisionID,
		NotifiedRevisionID: r.NotifiedRevisionID,
		NotifiedAt:         r.NotifiedAt,
	}
}

type pendingRow struct {
	WatchID            int64      `db:"watch_id"`
	SearchID           int64      `db:"search_id"`
	ListingID          int64      `db:"listing_id"`
	FirstSeenAt        time.Time  `db:"first_seen_at"`
	LastRefreshedAt    time.Time  `db:"last_refreshed_at"`
	CurrentRevisionID  int64      `db:"current_revision_id"`
	NotifiedRevisionID *int64     `db:"notified_revision_id"`
	NotifiedAt         *time.Time `db:"notified_at"`

	UserID          int64      `db:"user_id"`
	Provider        string     `db:"provider"`
	SearchURL       string     `db:"search_url"`
	SearchCreatedAt time.Time  `db:"search_created_at"`
	LastRunAt       *time.Time `db:"last_run_at"`

	SourceID           string         `db:"source_id"`
	Title              string         `db:"title"`
	ListingURL         string         `db:"listing_url"`
	PictureURLs        pq.StringArray `db:"picture_urls"`
	ContactPhone       string         `db:"contact_phone"`
	PublisherID        string         `db:"publisher_id"`
	ModifiedAt         *time.Time     `db:"modified_at"`
	ListingCurrentID   *int64         `db:"listing_current_revision_id"`
	ListingFirstSeenAt time.Time      `db:"listing_first_seen_at"`
	ListingUpdatedAt   time.Time      `db:"listing_updated_at"`

	CurrentPrice       decimal.Decimal     `db:"current_price"`
	CurrentCurrency    string              `db:"current_currency"`
	CurrentCapturedAt  time.Time           `db:"current_captured_at"`
	PreviousPrice      decimal.NullDecimal `db:"previous_price"`
	PreviousCurrency   *string             `db:"previous_currency"`
	PreviousCapturedAt *time.Time          `db:"previous_captured_at"`
}

func (r pendingRow) toDomain() domain.PendingWatch {
	item := domain.PendingWatch{
		Watch: watchRow{
			ID:                 r.WatchID,
			SearchID:           r.SearchID,
			ListingID:          r.ListingID,
			FirstSeenAt:        r.FirstSeenAt,
			LastRefreshedAt:    r.LastRefreshedAt,
			CurrentRevisionID:  r.CurrentRevisionID,
			NotifiedRevisionID: r.NotifiedRevisionID,
			NotifiedAt:         r.NotifiedAt,
		}.toDomain(),
		Search: domain.Search{
			ID:        r.SearchID,
			UserID:    r.UserID,
			Provider:  domain.Provider(r.Provider),
			URL:       r.SearchURL,
			CreatedAt: r.SearchCreatedAt,
			LastRunAt: r.LastRunAt,
		},
		Listing: domain.Listing{
			ID:                r.ListingID,
			Provider:          domain.Provider(r.Provider),
			SourceID:          r.SourceID,
			Title:             r.Title,
			URL:               r.ListingURL,
			PictureURLs:       []string(r.PictureURLs),
			ContactPhone:      r.ContactPhone,
			PublisherID:       r.PublisherID,
			ModifiedAt:        r.ModifiedAt,
			CurrentRevisionID: r.ListingCurrentID,
			FirstSeenAt:       r.ListingFirstSeenAt,
			UpdatedAt:         r.ListingUpdatedAt,
		},
		Current: domain.Revision{
			ID:         r.CurrentRevisionID,
			ListingID:  r.ListingID,
			Price:      r.CurrentPrice,
			Currency:   r.CurrentCurrency,
			CapturedAt: r.CurrentCapturedAt,
		},
	}
	if r.NotifiedRevisionID != nil && r.PreviousPrice.Valid && r.PreviousCurrency != nil {
		prev := domain.Revision{
			ID:        *r.NotifiedRevisionID,
			ListingID: r.ListingID,
			Price:     r.PreviousPrice.Decimal,
			Currency:  *r.PreviousCurrency,
		}
		if r.PreviousCapturedAt != nil {
			prev.CapturedAt = *r.PreviousCapturedAt
		}
		item.Previous = &prev
	}
	return item
}
