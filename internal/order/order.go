package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rail is the payment method category. Adding a rail means extending the
// dispatch switches that consume it.
type Rail string

const (
	RailFiat   Rail = "FIAT"
	RailCrypto Rail = "CRYPTO"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusPendingPayment      Status = "PENDING_PAYMENT"
	StatusInEscrow            Status = "IN_ESCROW"
	StatusDeliverableUploaded Status = "DELIVERABLE_UPLOADED"
	StatusDelivered           Status = "DELIVERED"
	StatusReleased            Status = "RELEASED"
	StatusRefunded            Status = "REFUNDED"
	StatusCancelled           Status = "CANCELLED"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleState        = errors.New("order state changed concurrently")
)

// transitions is the legal lifecycle graph. RELEASED, REFUNDED and CANCELLED
// are terminal.
var transitions = map[Status][]Status{
	StatusCreated:             {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment:      {StatusInEscrow, StatusCancelled},
	StatusInEscrow:            {StatusDeliverableUploaded, StatusDelivered, StatusReleased, StatusRefunded},
	StatusDeliverableUploaded: {StatusDelivered, StatusReleased, StatusRefunded},
	StatusDelivered:           {StatusReleased, StatusRefunded},
	StatusReleased:            {},
	StatusRefunded:            {},
	StatusCancelled:           {},
}

// Order is a marketplace transaction between a buyer and a seller. Amount is
// in human units of the order currency; conversion into minor or raw units
// happens at intent time.
type Order struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	SellerID  string          `json:"seller_id"`
	Rail      Rail            `json:"rail"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transition records one applied state change and the settlement reference
// that triggered it, so history is reconstructable from the log alone.
type Transition struct {
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reference string    `json:"reference"`
	At        time.Time `json:"at"`
}

func legal(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Releasable reports whether the status permits a release.
func Releasable(s Status) bool {
	return s == StatusInEscrow || s == StatusDeliverableUploaded || s == StatusDelivered
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}
