package intent

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists intents in PostgreSQL. The partial unique index on
// claimed_signature is what makes Claim safe under concurrency: every racing
// writer performs the same conditional UPDATE and the index arbitrates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS payment_intents (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    purpose TEXT NOT NULL,
    asset TEXT NOT NULL,
    expected_amount BIGINT NOT NULL,
    expected_usd TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    claimed_signature TEXT,
    counterparty_address TEXT,
    card_id TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    last_seen_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS payment_intents_claimed_signature_key
    ON payment_intents (claimed_signature)
    WHERE claimed_signature IS NOT NULL;
`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, in *Intent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_intents
    (id, user_id, purpose, asset, expected_amount, expected_usd, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, in.ID, in.UserID, in.Purpose, in.Asset, in.ExpectedAmount, in.ExpectedUSD, in.Status, in.CreatedAt, in.ExpiresAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, user_id, purpose, asset, expected_amount, expected_usd, status,
       COALESCE(claimed_signature, ''), COALESCE(counterparty_address, ''), COALESCE(card_id, ''),
       created_at, expires_at, COALESCE(last_seen_at, 'epoch'::timestamptz)
FROM payment_intents
WHERE id = $1
`, id)

	var in Intent
	if err := row.Scan(&in.ID, &in.UserID, &in.Purpose, &in.Asset, &in.ExpectedAmount,
		&in.ExpectedUSD, &in.Status, &in.ClaimedSignature, &in.Counterparty, &in.CardID,
		&in.CreatedAt, &in.ExpiresAt, &in.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrBadTransition
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE payment_intents SET status = $3
WHERE id = $1 AND status = $2
`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrBadTransition
	}
	return nil
}

// Claim is a single conditional UPDATE. A duplicate signature trips the
// unique index (SQLSTATE 23505) and maps to ErrAlreadyClaimed; zero affected
// rows means this intent itself can no longer accept a claim.
func (p *PostgresStore) Claim(ctx context.Context, id, signature, counterparty string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE payment_intents
SET claimed_signature = $2, counterparty_address = $3, status = $4
WHERE id = $1
  AND claimed_signature IS NULL
  AND status IN ($5, $6)
  AND expires_at > now()
`, id, signature, counterparty, StatusVerified, StatusPending, StatusConfirming)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyClaimed
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrNotClaimable
	}
	return nil
}

func (p *PostgresStore) SignatureClaimed(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM payment_intents WHERE claimed_signature = $1)
`, signature).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Complete(ctx context.Context, id, cardID string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE payment_intents SET status = $3, card_id = $4
WHERE id = $1 AND status = $2
`, id, StatusVerified, StatusCompleted, cardID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrBadTransition
	}
	return nil
}

func (p *PostgresStore) MarkSeen(ctx context.Context, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
UPDATE payment_intents SET last_seen_at = $2 WHERE id = $1
`, id, at)
	return err
}
