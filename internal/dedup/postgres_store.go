package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists dedup records. The primary key on event_id supplies
// the insert-if-absent guarantee.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createDedupSQL = `
CREATE TABLE IF NOT EXISTS webhook_events (
    event_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    outcome BYTEA,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table
// exists.
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

	if _, err := pool.Exec(ctx, createDedupSQL); err != nil {
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

func (p *PostgresStore) PutIfAbsent(ctx context.Context, eventID string) (*Record, bool, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO webhook_events (event_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (event_id) DO NOTHING
`, eventID, StatusProcessing, now)
	if err != nil {
		return nil, false, err
	}

	row := p.pool.QueryRow(ctx, `
SELECT event_id, status, outcome, created_at, updated_at
FROM webhook_events WHERE event_id = $1
`, eventID)
	var rec Record
	if err := row.Scan(&rec.EventID, &rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.New("dedup record vanished after insert")
		}
		return nil, false, err
	}
	return &rec, tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, eventID, status string, outcome []byte) error {
	_, err := p.pool.Exec(ctx, `
UPDATE webhook_events SET status = $1, outcome = $2, updated_at = $3 WHERE event_id = $4
`, status, outcome, time.Now().UTC(), eventID)
	return err
}
