package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists orders and their transition log. The status update
// is a conditional UPDATE so concurrent transitions cannot race past each
// other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createOrdersSQL = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    buyer_id TEXT NOT NULL,
    seller_id TEXT NOT NULL,
    rail TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_transitions (
    order_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    reference TEXT NOT NULL,
    at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS order_transitions_order_idx ON order_transitions (order_id, at);
`

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
	if _, err := pool.Exec(ctx, createOrdersSQL); err != nil {
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

func (p *PostgresStore) Create(ctx context.Context, o Order) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO orders (id, buyer_id, seller_id, rail, currency, amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, o.ID, o.BuyerID, o.SellerID, string(o.Rail), o.Currency, o.Amount.String(), string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Order, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, buyer_id, seller_id, rail, currency, amount::TEXT, status, created_at, updated_at
FROM orders WHERE id = $1
`, id)
	return scanOrder(row)
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected, next Status, t Transition) (Order, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
`, string(next), time.Now().UTC(), id, string(expected))
	if err != nil {
		return Order{}, err
	}
	if tag.RowsAffected() == 0 {
		// distinguish missing order from lost race
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		if err != nil {
			return Order{}, err
		}
		return Order{}, fmt.Errorf("expected %s, found %s: %w", expected, current, ErrStaleState)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO order_transitions (order_id, from_status, to_status, reference, at)
VALUES ($1, $2, $3, $4, $5)
`, t.OrderID, string(t.From), string(t.To), t.Reference, t.At)
	if err != nil {
		return Order{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT id, buyer_id, seller_id, rail, currency, amount::TEXT, status, created_at, updated_at
FROM orders WHERE id = $1
`, id)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit tx: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := p.pool.Query(ctx, `
SELECT order_id, from_status, to_status, reference, at
FROM order_transitions WHERE order_id = $1 ORDER BY at
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.OrderID, &from, &to, &t.Reference, &t.At); err != nil {
			return nil, err
		}
		t.From, t.To = Status(from), Status(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var rail, status, amount string
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &rail, &o.Currency, &amount, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Rail, o.Status = Rail(rail), Status(status)
	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Order{}, fmt.Errorf("parse amount: %w", err)
	}
	return o, nil
}
