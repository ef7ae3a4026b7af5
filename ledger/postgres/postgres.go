// Package postgres provides a PostgreSQL-backed Ledger for quotagate.
//
// Balance writes are transactional and monotonic, and a partial unique index
// keeps at most one active subscription per (subscriber, application, tier)
// across any number of gate instances. The schema is managed with goose
// migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ineyio/quotagate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ quotagate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used for expiry checks and created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Ledger. Call Migrate before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool: pool,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("quotagate/postgres: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("quotagate/postgres: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("quotagate/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("quotagate/postgres: %s: %w: %w", op, quotagate.ErrLedgerUnavailable, err)
}

const subscriptionColumns = `id, subscriber, application, tier, credit, balance, active,
	starts_at, expires_at, recurring, created_at, created_by, notes`

func scanSubscription(row pgx.Row) (quotagate.Subscription, error) {
	var s quotagate.Subscription
	var tier string
	err := row.Scan(&s.ID, &s.Subscriber, &s.Application, &tier, &s.Credit, &s.Balance, &s.Active,
		&s.StartsAt, &s.ExpiresAt, &s.Recurring, &s.CreatedAt, &s.CreatedBy, &s.Notes)
	s.Tier = quotagate.Tier(tier)
	return s, err
}

// ActiveSubscription returns the active, unexpired subscription of the triple.
func (s *Store) ActiveSubscription(ctx context.Context, subscriber, application string, tier quotagate.Tier) (quotagate.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM quotagate_subscriptions
		WHERE subscriber = $1 AND application = $2 AND tier = $3 AND active
			AND (expires_at IS NULL OR expires_at > $4)`,
		subscriber, application, string(tier), s.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var stored, credit int64
	err = tx.QueryRow(ctx,
		`SELECT balance, credit FROM quotagate_subscriptions WHERE id = $1 FOR UPDATE`,
		subscriptionID,
	).Scan(&stored, &credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, quotagate.ErrSubscriptionNotFound
	}
	if err != nil {
		return 0, unavailable("lock balance", err)
	}

	balance = max(0, min(balance, credit))
	if balance < stored {
		return stored, quotagate.ErrConflict
	}

	err = tx.QueryRow(ctx,
		`UPDATE quotagate_subscriptions SET balance = GREATEST(balance, $2)
		WHERE id = $1 RETURNING balance`,
		subscriptionID, balance,
	).Scan(&stored)
	if err != nil {
		return 0, unavailable("persist balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit", err)
	}
	return stored, nil
}

// CreateSubscription creates a subscription with the credit of the current
// pricing. Lapsed subscriptions of the same key are deactivated first.
func (s *Store) CreateSubscription(ctx context.Context, n quotagate.NewSubscription) (quotagate.Subscription, error) {
	if err := n.Validate(); err != nil {
		return quotagate.Subscription{}, err
	}
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.Subscription{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE quotagate_subscriptions SET active = FALSE
		WHERE subscriber = $1 AND application = $2 AND tier = $3 AND active
			AND expires_at IS NOT NULL AND expires_at <= $4`,
		n.Subscriber, n.Application, string(n.Tier), now,
	)
	if err != nil {
		return quotagate.Subscription{}, unavailable("expire lapsed", err)
	}

	var credit int64
	err = tx.QueryRow(ctx,
		`SELECT credit FROM quotagate_pricing WHERE application = $1 AND tier = $2`,
		n.Application, string(n.Tier),
	).Scan(&credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.Subscription{}, fmt.Errorf("%w: %s/%s", quotagate.ErrPricingNotFound, n.Application, n.Tier)
	}
	if err != nil {
		return quotagate.Subscription{}, unavailable("pricing", err)
	}

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`INSERT INTO quotagate_subscriptions
			(id, subscriber, application, tier, credit, starts_at, expires_at, recurring, created_at, created_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+subscriptionColumns,
		uuid.New().String(), n.Subscriber, n.Application, string(n.Tier), credit,
		n.StartsAt, n.ExpiresAt, n.Recurring, now, n.CreatedBy, n.Notes,
	))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return quotagate.Subscription{}, quotagate.ErrDuplicateActive
	}
	if err != nil {
		return quotagate.Subscription{}, unavailable("insert subscription", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.Subscription{}, unavailable("commit", err)
	}
	return sub, nil
}

// Deactivate marks a subscription inactive.
func (s *Store) Deactivate(ctx context.Context, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quotagate_subscriptions SET active = FALSE WHERE id = $1`,
		subscriptionID,
	)
	if err != nil {
		return unavailable("deactivate", err)
	}
	if tag.RowsAffected() == 0 {
		return quotagate.ErrSubscriptionNotFound
	}
	return nil
}

// Subscriptions lists the subscriptions of subscriber, newest first.
func (s *Store) Subscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]quotagate.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM quotagate_subscriptions
		WHERE subscriber = $1
			AND (NOT $2 OR (active AND (expires_at IS NULL OR expires_at > $3)))
		ORDER BY created_at DESC`,
		subscriber, activeOnly, s.now(),
	)
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
		return fmt.Errorf("quotagate/postgres: invalid pricing %s/%s", p.Application, p.Tier)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotagate_pricing (application, tier, credit, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (application, tier) DO UPDATE SET credit = $3, price = $4`,
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
	err := s.pool.QueryRow(ctx,
		`SELECT credit, price FROM quotagate_pricing WHERE application = $1 AND tier = $2`,
		application, string(tier),
	).Scan(&p.Credit, &p.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.Pricing{}, quotagate.ErrPricingNotFound
	}
	if err != nil {
		return quotagate.Pricing{}, unavailable("pricing", err)
	}
	return p, nil
}
