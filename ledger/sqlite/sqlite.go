// Package sqlite provides a SQLite-backed Ledger for single-node
// deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ineyio/quotagate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite-backed Ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ quotagate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used for expiry checks and created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database file at dsn. Use ":memory:" for a throwaway
// database. Call Migrate before first use.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("quotagate/sqlite: open: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("quotagate/sqlite: migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("quotagate/sqlite: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("quotagate/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("quotagate/sqlite: %s: %w: %w", op, quotagate.ErrLedgerUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var e *sqlite.Error
	return errors.As(err, &e) && e.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const subscriptionColumns = `id, subscriber, application, tier, credit, balance, active,
	starts_at, expires_at, recurring, created_at, created_by, notes`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (quotagate.Subscription, error) {
	var (
		s                   quotagate.Subscription
		tier                string
		startsAt, createdAt int64
		expiresAt           sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Subscriber, &s.Application, &tier, &s.Credit, &s.Balance, &s.Active,
		&startsAt, &expiresAt, &s.Recurring, &createdAt, &s.CreatedBy, &s.Notes)
	if err != nil {
		return quotagate.Subscription{}, err
	}
	s.Tier = quotagate.Tier(tier)
	s.StartsAt = fromUnix(startsAt)
	s.CreatedAt = fromUnix(createdAt)
	if expiresAt.Valid {
		t := fromUnix(expiresAt.Int64)
		s.ExpiresAt = &t
	}
	return s, nil
}

// ActiveSubscription returns the active, unexpired subscription of the triple.
func (s *Store) ActiveSubscription(ctx context.Context, subscriber, application string, tier quotagate.Tier) (quotagate.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM quotagate_subscriptions
		WHERE subscriber = ? AND application = ? AND tier = ? AND active = 1
			AND (expires_at IS NULL OR expires_at > ?)`,
		subscriber, application, string(tier), toUnix(s.now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return quotagate.Subscription{}, quotagate.ErrSubscriptionNotFound
	}
	if err != nil {
		return quotagate.Subscription{}, unavailable("active subscription", err)
	}
	return sub, nil
}

// PersistBalance raises the balance of a subscription inside a transaction.
// A balance lower than the stored one is rejected with ErrConflict.
func (s *Store) PersistBalance(ctx context.Context, subscriptionID string, balance int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	var stored, credit int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance, credit FROM quotagate_subscriptions WHERE id = ?`,
		subscriptionID,
	).Scan(&stored, &credit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, quotagate.ErrSubscriptionNotFound
	}
	if err != nil {
		return 0, unavailable("read balance", err)
	}

	balance = max(0, min(balance, credit))
	if balance < stored {
		return stored, quotagate.ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE quotagate_subscriptions SET balance = MAX(balance, ?) WHERE id = ?`,
		balance, subscriptionID,
	); err != nil {
		return 0, unavailable("persist balance", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit", err)
	}
	return balance, nil
}

// CreateSubscription creates a subscription with the credit of the current
// pricing. Lapsed subscriptions of the same key are deactivated first.
func (s *Store) CreateSubscription(ctx context.Context, n quotagate.NewSubscription) (quotagate.Subscription, error) {
	if err := n.Validate(); err != nil {
		return quotagate.Subscription{}, err
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quotagate.Subscription{}, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE quotagate_subscriptions SET active = 0
		WHERE subscriber = ? AND application = ? AND tier = ? AND active = 1
			AND expires_at IS NOT NULL AND expires_at <= ?`,
		n.Subscriber, n.Application, string(n.Tier), toUnix(now),
	); err != nil {
		return quotagate.Subscription{}, unavailable("expire lapsed", err)
	}

	var credit int64
	err = tx.QueryRowContext(ctx,
		`SELECT credit FROM quotagate_pricing WHERE application = ? AND tier = ?`,
		n.Application, string(n.Tier),
	).Scan(&credit)
	if errors.Is(err, sql.ErrNoRows) {
		return quotagate.Subscription{}, fmt.Errorf("%w: %s/%s", quotagate.ErrPricingNotFound, n.Application, n.Tier)
	}
	if err != nil {
		return quotagate.Subscription{}, unavailable("pricing", err)
	}

	var expiresAt sql.NullInt64
	if n.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: toUnix(*n.ExpiresAt), Valid: true}
	}
	id := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO quotagate_subscriptions
			(id, subscriber, application, tier, credit, starts_at, expires_at, recurring, created_at, created_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.Subscriber, n.Application, string(n.Tier), credit,
		toUnix(n.StartsAt), expiresAt, n.Recurring, toUnix(now), n.CreatedBy, n.Notes,
	)
	if isUniqueViolation(err) {
		return quotagate.Subscription{}, quotagate.ErrDuplicateActive
	}
	if err != nil {
		return quotagate.Subscription{}, unavailable("insert subscription", err)
	}

	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM quotagate_subscriptions WHERE id = ?`, id))
	if err != nil {
		return quotagate.Subscription{}, unavailable("read subscription", err)
	}

	if err := tx.Commit(); err != nil {
		return quotagate.Subscription{}, unavailable("commit", err)
	}
	return sub, nil
}

// Deactivate marks a subscription inactive.
func (s *Store) Deactivate(ctx context.Context, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quotagate_subscriptions SET active = 0 WHERE id = ?`,
		subscriptionID,
	)
	if err != nil {
		return unavailable("deactivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quotagate.ErrSubscriptionNotFound
	}
	return nil
}

// Subscriptions lists the subscriptions of subscriber, newest first.
func (s *Store) Subscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]quotagate.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM quotagate_subscriptions WHERE subscriber = ?`
	args := []any{subscriber}
	if activeOnly {
		q += ` AND active = 1 AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, toUnix(s.now()))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("subscriptions", err)
	}
	defer rows.Close()

	var out []quotagate.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, unavailable("scan subscription", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("subscriptions", err)
	}
	return out, nil
}

// SetPricing creates or replaces the pricing of an application tier.
func (s *Store) SetPricing(ctx context.Context, p quotagate.Pricing) error {
	if p.Application == "" || !p.Tier.Valid() || p.Credit <= 0 {
		return fmt.Errorf("quotagate/sqlite: invalid pricing %s/%s", p.Application, p.Tier)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotagate_pricing (application, tier, credit, price)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (application, tier) DO UPDATE SET credit = excluded.credit, price = excluded.price`,
		p.Application, string(p.Tier), p.Credit, p.Price,
	)
	if err != nil {
		return unavailable("set pricing", err)
	}
	return nil
}

// Pricing returns the pricing of an application tier.
func (s *Store) Pricing(ctx context.Context, application string, tier quotagate.Tier) (quotagate.Pricing, error) {
	p := quotagate.Pricing{Application: application, Tier: tier}
	err := s.db.QueryRowContext(ctx,
		`SELECT credit, price FROM quotagate_pricing WHERE application = ? AND tier = ?`,
		application, string(tier),
	).Scan(&p.Credit, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return quotagate.Pricing{}, quotagate.ErrPricingNotFound
	}
	if err != nil {
		return quotagate.Pricing{}, unavailable("pricing", err)
	}
	return p, nil
}
