// Package identity holds caller identity and user resolution. Every core
// operation takes the caller explicitly; nothing reads ambient session state.
package identity

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrAmbiguousMatch is a hard stop: money is never credited to a guessed
	// identity when two users share a bank account or email.
	ErrAmbiguousMatch = errors.New("ambiguous user match")
)

// Caller identifies who invoked an operation.
type Caller struct {
	UserID string
	Email  string
	Wallet string
}

// User is the directory record used for settlement resolution.
type User struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	BankAccountNumber string `json:"bank_account_number"`
	WalletAddress     string `json:"wallet_address"`
}

// Directory resolves users for fiat settlement attribution and wallet lookup.
type Directory interface {
	ByID(ctx context.Context, id string) (User, error)
	ByBankAccount(ctx context.Context, accountNumber string) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)
}

// MemoryDirectory is a process-local Directory for testing and local dev.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *MemoryDirectory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) ByID(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (d *MemoryDirectory) ByBankAccount(_ context.Context, accountNumber string) (User, error) {
	return d.findOne(func(u User) bool { return accountNumber != "" && u.BankAccountNumber == accountNumber })
}

func (d *MemoryDirectory) ByEmail(_ context.Context, email string) (User, error) {
	return d.findOne(func(u User) bool { return email != "" && u.Email == email })
}

func (d *MemoryDirectory) findOne(match func(User) bool) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *User
	for _, u := range d.users {
		if match(u) {
			if found != nil {
				return User{}, ErrAmbiguousMatch
			}
			u := u
			found = &u
		}
	}
	if found == nil {
		return User{}, ErrUserNotFound
	}
	return *found, nil
}
