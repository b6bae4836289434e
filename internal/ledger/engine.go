package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store abstracts ledger entry persistence. Append must be atomic with
// respect to the (account, reference) uniqueness invariant: when an entry for
// the pair already exists it returns that entry with inserted=false and
// writes nothing.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, bool, error)
	ByReference(ctx context.Context, accountID, reference string) (*Entry, error)
	Entries(ctx context.Context, accountID string) ([]Entry, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// Engine is the only writer of ledger entries. Credit and debit are
// serialized per account; operations on different accounts proceed in
// parallel.
type Engine struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[accountID] = l
	}
	return l
}

// Credit appends a positive entry. Re-submitting the same reference for the
// same account returns the original entry with Replayed set, so upstream
// retries are always safe.
func (e *Engine) Credit(ctx context.Context, accountID string, amount int64, reference string, kind EntryKind, metadata map[string]string) (Result, error) {
	if err := validate(accountID, amount, reference); err != nil {
		return Result{}, err
	}

	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	entry := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Reference: reference,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	stored, inserted, err := e.store.Append(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("append credit: %w", err)
	}
	return Result{Entry: stored, Replayed: !inserted}, nil
}

// Debit appends a negative entry. It fails with ErrInsufficientFunds when the
// resulting balance would go below zero; the ledger is strictly non-negative
// per account.
func (e *Engine) Debit(ctx context.Context, accountID string, amount int64, reference string, kind EntryKind, metadata map[string]string) (Result, error) {
	if err := validate(accountID, amount, reference); err != nil {
		return Result{}, err
	}

	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// a debit already recorded under this reference replays without touching
	// the balance check; the funds were consumed the first time
	if existing, err := e.store.ByReference(ctx, accountID, reference); err != nil {
		return Result{}, fmt.Errorf("read reference: %w", err)
	} else if existing != nil {
		return Result{Entry: *existing, Replayed: true}, nil
	}

	balance, err := e.store.Balance(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	if balance-amount < 0 {
		return Result{}, fmt.Errorf("debit %d from %s (balance %d): %w", amount, accountID, balance, ErrInsufficientFunds)
	}

	entry := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    -amount,
		Kind:      kind,
		Reference: reference,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	stored, inserted, err := e.store.Append(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("append debit: %w", err)
	}
	return Result{Entry: stored, Replayed: !inserted}, nil
}

// BalanceOf folds the account's entries into its current balance.
func (e *Engine) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	return e.store.Balance(ctx, accountID)
}

// History returns the account's entries in append order.
func (e *Engine) History(ctx context.Context, accountID string) ([]Entry, error) {
	return e.store.Entries(ctx, accountID)
}

func validate(accountID string, amount int64, reference string) error {
	if accountID == "" {
		return ErrEmptyAccount
	}
	if reference == "" {
		return ErrEmptyReference
	}
	if amount <= 0 {
		return ErrAmountNotPositive
	}
	return nil
}
