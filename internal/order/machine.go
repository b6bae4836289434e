package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store abstracts order persistence. CompareAndSwap must atomically move the
// order from expected to next, failing with ErrStaleState when the current
// status no longer matches expected.
type Store interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	CompareAndSwap(ctx context.Context, id string, expected, next Status, t Transition) (Order, error)
	Transitions(ctx context.Context, id string) ([]Transition, error)
}

// Machine owns the order lifecycle. Settlement-driven transitions
// (ConfirmDeposit, ConfirmRelease) are separate methods from client-driven
// ones so that funds-confirmed states can only be reached by the reconciler.
type Machine struct {
	store Store
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// Create registers a new order in CREATED.
func (m *Machine) Create(ctx context.Context, buyerID, sellerID string, rail Rail, currency string, amount decimal.Decimal) (Order, error) {
	if buyerID == "" || sellerID == "" {
		return Order{}, fmt.Errorf("buyer and seller are required")
	}
	if buyerID == sellerID {
		return Order{}, fmt.Errorf("buyer and seller must differ")
	}
	if rail != RailFiat && rail != RailCrypto {
		return Order{}, fmt.Errorf("unknown rail %q", rail)
	}
	if !amount.IsPositive() {
		return Order{}, fmt.Errorf("amount must be positive")
	}

	now := time.Now().UTC()
	o := Order{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Rail:      rail,
		Currency:  currency,
		Amount:    amount,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, o); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (m *Machine) Get(ctx context.Context, id string) (Order, error) {
	return m.store.Get(ctx, id)
}

// History returns the recorded transitions for an order.
func (m *Machine) History(ctx context.Context, id string) ([]Transition, error) {
	return m.store.Transitions(ctx, id)
}

// transition applies a legality-checked, optimistically-concurrent move.
func (m *Machine) transition(ctx context.Context, id string, from, to Status, reference string) (Order, error) {
	if !legal(from, to) {
		return Order{}, invalidTransition(from, to)
	}
	t := Transition{
		OrderID:   id,
		From:      from,
		To:        to,
		Reference: reference,
		At:        time.Now().UTC(),
	}
	return m.store.CompareAndSwap(ctx, id, from, to, t)
}

// MarkPendingPayment is applied when a deposit intent has been handed to the
// payer; the order now awaits settlement.
func (m *Machine) MarkPendingPayment(ctx context.Context, id, reference string) (Order, error) {
	return m.transition(ctx, id, StatusCreated, StatusPendingPayment, reference)
}

// ConfirmDeposit moves PENDING_PAYMENT to IN_ESCROW. Only the reconciler
// calls this, with the settlement event's reference: funds must actually be
// confirmed before escrow begins.
func (m *Machine) ConfirmDeposit(ctx context.Context, id, reference string) (Order, error) {
	return m.transition(ctx, id, StatusPendingPayment, StatusInEscrow, reference)
}

// ConfirmRelease moves a releasable order to RELEASED. Only the reconciler
// calls this.
func (m *Machine) ConfirmRelease(ctx context.Context, id string, current Status, reference string) (Order, error) {
	if !Releasable(current) {
		return Order{}, invalidTransition(current, StatusReleased)
	}
	return m.transition(ctx, id, current, StatusReleased, reference)
}

// MarkDeliverableUploaded records the seller attaching the deliverable.
func (m *Machine) MarkDeliverableUploaded(ctx context.Context, id, reference string) (Order, error) {
	return m.transition(ctx, id, StatusInEscrow, StatusDeliverableUploaded, reference)
}

// MarkDelivered records delivery; allowed from IN_ESCROW or
// DELIVERABLE_UPLOADED.
func (m *Machine) MarkDelivered(ctx context.Context, id string, current Status, reference string) (Order, error) {
	if current != StatusInEscrow && current != StatusDeliverableUploaded {
		return Order{}, invalidTransition(current, StatusDelivered)
	}
	return m.transition(ctx, id, current, StatusDelivered, reference)
}

// Cancel aborts an order before funds are confirmed.
func (m *Machine) Cancel(ctx context.Context, id string, current Status, reference string) (Order, error) {
	if current != StatusCreated && current != StatusPendingPayment {
		return Order{}, invalidTransition(current, StatusCancelled)
	}
	return m.transition(ctx, id, current, StatusCancelled, reference)
}

// Refund moves an escrowed order to REFUNDED before release.
func (m *Machine) Refund(ctx context.Context, id string, current Status, reference string) (Order, error) {
	if !Releasable(current) {
		return Order{}, invalidTransition(current, StatusRefunded)
	}
	return m.transition(ctx, id, current, StatusRefunded, reference)
}
