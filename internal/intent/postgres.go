package intent

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowledger/internal/order"
)

// PostgresStore persists settlement intents and escrow mappings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createIntentsSQL = `
CREATE TABLE IF NOT EXISTS settlement_intents (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    rail TEXT NOT NULL,
    buyer_id TEXT NOT NULL,
    seller_id TEXT NOT NULL,
    amount_minor BIGINT NOT NULL DEFAULT 0,
    amount_raw TEXT NOT NULL DEFAULT '',
    buyer_total_raw TEXT NOT NULL DEFAULT '',
    processor_ref TEXT NOT NULL DEFAULT '',
    checkout_url TEXT NOT NULL DEFAULT '',
    chain_id TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_intents_order_idx ON settlement_intents (order_id, type, created_at);
CREATE INDEX IF NOT EXISTS settlement_intents_processor_ref_idx ON settlement_intents (processor_ref);

CREATE TABLE IF NOT EXISTS escrow_mappings (
    order_id TEXT PRIMARY KEY,
    order_key TEXT NOT NULL UNIQUE,
    chain_id TEXT NOT NULL,
    escrow_contract TEXT NOT NULL,
    token_contract TEXT NOT NULL,
    buyer_wallet TEXT NOT NULL,
    seller_wallet TEXT NOT NULL,
    amount_human TEXT NOT NULL,
    amount_raw TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
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
	if _, err := pool.Exec(ctx, createIntentsSQL); err != nil {
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

const intentColumns = `id, order_id, type, status, rail, buyer_id, seller_id, amount_minor,
amount_raw, buyer_total_raw, processor_ref, checkout_url, chain_id, tx_hash, failure_reason,
created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, i SettlementIntent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO settlement_intents (`+intentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`, i.ID, i.OrderID, string(i.Type), string(i.Status), string(i.Rail), i.BuyerID, i.SellerID,
		i.AmountMinor, i.AmountRaw, i.BuyerTotalRaw, i.ProcessorRef, i.CheckoutURL, i.ChainID,
		i.TxHash, i.FailureReason, i.CreatedAt, i.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (SettlementIntent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM settlement_intents WHERE id = $1`, id)
	i, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SettlementIntent{}, ErrNotFound
	}
	return i, err
}

func (p *PostgresStore) FindInFlight(ctx context.Context, orderID string, typ Type) (*SettlementIntent, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+intentColumns+` FROM settlement_intents
WHERE order_id = $1 AND type = $2 AND status IN ('CREATED', 'SUBMITTED')
ORDER BY created_at LIMIT 1
`, orderID, string(typ))
	return scanOptionalIntent(row)
}

func (p *PostgresStore) FindByProcessorRef(ctx context.Context, ref string) (*SettlementIntent, error) {
	if ref == "" {
		return nil, nil
	}
	row := p.pool.QueryRow(ctx, `
SELECT `+intentColumns+` FROM settlement_intents WHERE processor_ref = $1 ORDER BY created_at LIMIT 1
`, ref)
	return scanOptionalIntent(row)
}

func (p *PostgresStore) LatestForOrder(ctx context.Context, orderID string, typ Type) (*SettlementIntent, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+intentColumns+` FROM settlement_intents
WHERE order_id = $1 AND type = $2 ORDER BY created_at DESC LIMIT 1
`, orderID, string(typ))
	return scanOptionalIntent(row)
}

func (p *PostgresStore) MarkStatus(ctx context.Context, id string, status Status, txHash, failureReason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE settlement_intents
SET status = $1,
    tx_hash = CASE WHEN $2 = '' THEN tx_hash ELSE $2 END,
    failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
    updated_at = $4
WHERE id = $5
`, string(status), txHash, failureReason, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Put(ctx context.Context, m EscrowMapping) (EscrowMapping, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO escrow_mappings (order_id, order_key, chain_id, escrow_contract, token_contract,
buyer_wallet, seller_wallet, amount_human, amount_raw, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (order_id) DO NOTHING
`, m.OrderID, m.OrderKey, m.ChainID, m.EscrowContract, m.TokenContract,
		m.BuyerWallet, m.SellerWallet, m.AmountHuman, m.AmountRaw, m.CreatedAt)
	if err != nil {
		return EscrowMapping{}, err
	}
	if tag.RowsAffected() == 1 {
		return m, nil
	}
	existing, err := p.ByOrderID(ctx, m.OrderID)
	if err != nil {
		return EscrowMapping{}, err
	}
	return *existing, nil
}

func (p *PostgresStore) ByOrderID(ctx context.Context, orderID string) (*EscrowMapping, error) {
	return p.mapping(ctx, `WHERE order_id = $1`, orderID)
}

func (p *PostgresStore) ByOrderKey(ctx context.Context, orderKey string) (*EscrowMapping, error) {
	return p.mapping(ctx, `WHERE order_key = $1`, orderKey)
}

func (p *PostgresStore) mapping(ctx context.Context, where, arg string) (*EscrowMapping, error) {
	row := p.pool.QueryRow(ctx, `
SELECT order_id, order_key, chain_id, escrow_contract, token_contract, buyer_wallet,
seller_wallet, amount_human, amount_raw, created_at
FROM escrow_mappings `+where, arg)
	var m EscrowMapping
	err := row.Scan(&m.OrderID, &m.OrderKey, &m.ChainID, &m.EscrowContract, &m.TokenContract,
		&m.BuyerWallet, &m.SellerWallet, &m.AmountHuman, &m.AmountRaw, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanIntent(row pgx.Row) (SettlementIntent, error) {
	var i SettlementIntent
	var typ, status, rail string
	err := row.Scan(&i.ID, &i.OrderID, &typ, &status, &rail, &i.BuyerID, &i.SellerID,
		&i.AmountMinor, &i.AmountRaw, &i.BuyerTotalRaw, &i.ProcessorRef, &i.CheckoutURL,
		&i.ChainID, &i.TxHash, &i.FailureReason, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return SettlementIntent{}, err
	}
	i.Type, i.Status, i.Rail = Type(typ), Status(status), order.Rail(rail)
	return i, nil
}

func scanOptionalIntent(row pgx.Row) (*SettlementIntent, error) {
	i, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}
