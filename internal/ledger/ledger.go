package ledger

import (
	"errors"
	"time"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDeposit     EntryKind = "deposit"
	KindWithdrawal  EntryKind = "withdrawal"
	KindTransferIn  EntryKind = "transfer_in"
	KindTransferOut EntryKind = "transfer_out"
	KindFee         EntryKind = "fee"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEmptyAccount      = errors.New("account id is required")
	ErrEmptyReference    = errors.New("reference is required")
	ErrAmountNotPositive = errors.New("amount must be positive")
)

// Entry is an immutable ledger fact. Amounts are integers in the account's
// minor unit (kobo, or raw token units); no floating point.
type Entry struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Amount    int64             `json:"amount"` // signed: credits positive, debits negative
	Kind      EntryKind         `json:"kind"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Result reports the outcome of a credit or debit. Replayed is true when the
// reference was already applied to the account and Entry is the prior entry.
type Result struct {
	Entry    Entry
	Replayed bool
}

// AccountID composes the ledger account identifier for an owner in one
// currency domain. Balances in different currencies never share an account.
func AccountID(ownerID, currency string) string {
	return ownerID + "/" + currency
}
