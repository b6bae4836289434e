package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads users from PostgreSQL. Lookups that match more than
// one row report ErrAmbiguousMatch rather than picking one.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    bank_account_number TEXT,
    wallet_address TEXT
);
`

func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
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
	if _, err := pool.Exec(ctx, createUsersSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

func (d *PostgresDirectory) ByID(ctx context.Context, id string) (User, error) {
	row := d.pool.QueryRow(ctx, `
SELECT id, email, COALESCE(bank_account_number, ''), COALESCE(wallet_address, '')
FROM users WHERE id = $1
`, id)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.BankAccountNumber, &u.WalletAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (d *PostgresDirectory) ByBankAccount(ctx context.Context, accountNumber string) (User, error) {
	if accountNumber == "" {
		return User{}, ErrUserNotFound
	}
	return d.one(ctx, `
SELECT id, email, COALESCE(bank_account_number, ''), COALESCE(wallet_address, '')
FROM users WHERE bank_account_number = $1 LIMIT 2
`, accountNumber)
}

func (d *PostgresDirectory) ByEmail(ctx context.Context, email string) (User, error) {
	if email == "" {
		return User{}, ErrUserNotFound
	}
	return d.one(ctx, `
SELECT id, email, COALESCE(bank_account_number, ''), COALESCE(wallet_address, '')
FROM users WHERE email = $1 LIMIT 2
`, email)
}

func (d *PostgresDirectory) one(ctx context.Context, sql string, arg string) (User, error) {
	rows, err := d.pool.Query(ctx, sql, arg)
	if err != nil {
		return User{}, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.BankAccountNumber, &u.WalletAddress); err != nil {
			return User{}, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return User{}, err
	}
	switch len(users) {
	case 0:
		return User{}, ErrUserNotFound
	case 1:
		return users[0], nil
	default:
		return User{}, ErrAmbiguousMatch
	}
}
