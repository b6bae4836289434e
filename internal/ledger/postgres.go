package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in PostgreSQL. The unique index on
// (account_id, reference) enforces the idempotency invariant at the storage
// layer, not only in application code.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createLedgerSQL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount BIGINT NOT NULL,
    kind TEXT NOT NULL,
    reference TEXT NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (account_id, reference)
);
CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, created_at);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
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

	if _, err := pool.Exec(ctx, createLedgerSQL); err != nil {
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

func (p *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO ledger_entries (id, account_id, amount, kind, reference, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id, reference) DO NOTHING
`, entry.ID, entry.AccountID, entry.Amount, string(entry.Kind), entry.Reference, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return Entry{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return entry, true, nil
	}

	existing, err := p.findByReference(ctx, entry.AccountID, entry.Reference)
	if err != nil {
		return Entry{}, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) findByReference(ctx context.Context, accountID, reference string) (Entry, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, account_id, amount, kind, reference, metadata, created_at
FROM ledger_entries
WHERE account_id = $1 AND reference = $2
`, accountID, reference)
	return scanEntry(row)
}

func (p *PostgresStore) ByReference(ctx context.Context, accountID, reference string) (*Entry, error) {
	existing, err := p.findByReference(ctx, accountID, reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (p *PostgresStore) Entries(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, account_id, amount, kind, reference, metadata, created_at
FROM ledger_entries
WHERE account_id = $1
ORDER BY created_at, id
`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&sum)
	return sum, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var kind string
	if err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Reference, &e.Metadata, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Kind = EntryKind(kind)
	return e, nil
}
