// Package reconciler verifies inbound settlement notifications, deduplicates
// them, and applies ledger and order transitions exactly once. It is the only
// path by which balances or order status change in response to money moving.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"escrowledger/internal/chains"
	"escrowledger/internal/dedup"
	"escrowledger/internal/identity"
	"escrowledger/internal/intent"
	"escrowledger/internal/ledger"
	"escrowledger/internal/order"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrBadEvent         = errors.New("malformed settlement event")
)

// Outcomes recorded per handled event.
const (
	OutcomeProcessed      = "processed"
	OutcomeIgnored        = "ignored"
	OutcomePending        = "pending"
	OutcomeUserNotFound   = "user_not_found"
	OutcomeAmountMismatch = "amount_mismatch"
)

// Result reports what a settlement notification did. Duplicate is set when
// the event had already been applied and the recorded outcome is returned
// without re-executing side effects.
type Result struct {
	Outcome   string `json:"outcome"`
	Reference string `json:"reference,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Reconciler struct {
	ledger   *ledger.Engine
	orders   *order.Machine
	intents  intent.Store
	mappings intent.MappingStore
	dedup    dedup.Store
	chains   *chains.Resolver
	users    identity.Directory
	secret   []byte
	log      logrus.FieldLogger
}

func New(eng *ledger.Engine, orders *order.Machine, intents intent.Store, mappings intent.MappingStore, dd dedup.Store, resolver *chains.Resolver, users identity.Directory, webhookSecret []byte, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		ledger:   eng,
		orders:   orders,
		intents:  intents,
		mappings: mappings,
		dedup:    dd,
		chains:   resolver,
		users:    users,
		secret:   webhookSecret,
		log:      log.WithField("component", "reconciler"),
	}
}

// fiatEvent is the processor's webhook payload shape.
type fiatEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"` // minor units
		Currency      string `json:"currency"`
		Authorization struct {
			ReceiverBankAccountNumber string `json:"receiver_bank_account_number"`
			SenderBankAccountNumber   string `json:"sender_bank_account_number"`
		} `json:"authorization"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// HandleFiatEvent verifies and applies one processor webhook. The signature
// check runs on the raw bytes before anything else; failures are logged for
// audit and surface no internal detail.
func (r *Reconciler) HandleFiatEvent(ctx context.Context, raw []byte, signature string) (Result, error) {
	if !verifySignature(r.secret, raw, signature) {
		r.log.WithField("payload_bytes", len(raw)).Warn("rejected webhook with bad signature")
		return Result{}, ErrInvalidSignature
	}

	var evt fiatEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Result{}, fmt.Errorf("%v: %w", err, ErrBadEvent)
	}

	// Unrecognized event types are accepted and ignored so the processor
	// does not retry them forever.
	if evt.Event != "charge.success" {
		return Result{Outcome: OutcomeIgnored, Reference: evt.Data.Reference}, nil
	}
	if evt.Data.Reference == "" || evt.Data.Amount <= 0 {
		return Result{}, fmt.Errorf("reference and positive amount required: %w", ErrBadEvent)
	}

	eventID := "fiat:" + evt.Data.Reference
	rec, inserted, err := r.dedup.PutIfAbsent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("dedup insert: %w", err)
	}
	if !inserted && rec.Terminal() {
		return replay(*rec)
	}
	// first delivery, or redelivery after a crash mid-processing: the side
	// effects below are idempotent on the event reference

	res, err := r.applyCharge(ctx, evt)
	if err != nil {
		return Result{}, err
	}
	return r.finalize(ctx, eventID, res)
}

func (r *Reconciler) applyCharge(ctx context.Context, evt fiatEvent) (Result, error) {
	ref := evt.Data.Reference
	currency := evt.Data.Currency
	if currency == "" {
		currency = "NGN"
	}

	// a charge tied to a deposit intent settles its order into escrow
	in, err := r.intents.FindByProcessorRef(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if in != nil && in.Type == intent.TypeDeposit {
		return r.settleFiatDeposit(ctx, *in, evt)
	}

	// otherwise it is a standalone top-up; resolve the payer, first by the
	// registered receiving account number, then by email
	user, err := r.resolvePayer(ctx, evt)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) || errors.Is(err, identity.ErrAmbiguousMatch) {
			r.log.WithField("reference", ref).Warn("charge could not be attributed to a user")
			return Result{Outcome: OutcomeUserNotFound, Reference: ref}, nil
		}
		return Result{}, err
	}

	account := ledger.AccountID(user.ID, currency)
	res, err := r.ledger.Credit(ctx, account, evt.Data.Amount, "fiat:"+ref, ledger.KindDeposit, map[string]string{
		"event": evt.Event,
	})
	if err != nil {
		return Result{}, fmt.Errorf("credit %s: %w", account, err)
	}
	return Result{
		Outcome:   OutcomeProcessed,
		Reference: ref,
		AccountID: account,
		EntryID:   res.Entry.ID,
	}, nil
}

func (r *Reconciler) settleFiatDeposit(ctx context.Context, in intent.SettlementIntent, evt fiatEvent) (Result, error) {
	o, err := r.orders.Get(ctx, in.OrderID)
	if err != nil {
		return Result{}, err
	}

	// a charge below the intent amount must not open escrow; the event is
	// recorded for manual reconciliation and the order stays unpaid
	if evt.Data.Amount < in.AmountMinor {
		r.log.WithFields(logrus.Fields{
			"order":    o.ID,
			"intent":   in.ID,
			"expected": in.AmountMinor,
			"paid":     evt.Data.Amount,
		}).Warn("charge amount below deposit intent")
		return Result{Outcome: OutcomeAmountMismatch, Reference: evt.Data.Reference, OrderID: o.ID}, nil
	}

	account := ledger.AccountID(o.BuyerID, o.Currency)
	res, err := r.ledger.Credit(ctx, account, evt.Data.Amount, "fiat:"+evt.Data.Reference, ledger.KindDeposit, map[string]string{
		"order": o.ID,
		"event": evt.Event,
	})
	if err != nil {
		return Result{}, fmt.Errorf("credit %s: %w", account, err)
	}

	if _, err := r.orders.ConfirmDeposit(ctx, o.ID, "fiat:"+evt.Data.Reference); err != nil {
		// a redelivery after a partial crash finds the order already moved
		if !depositApplied(ctx, r.orders, o.ID, err) {
			return Result{}, err
		}
	}
	if err := r.intents.MarkStatus(ctx, in.ID, intent.StatusConfirmed, "", ""); err != nil {
		return Result{}, err
	}

	return Result{
		Outcome:   OutcomeProcessed,
		Reference: evt.Data.Reference,
		OrderID:   o.ID,
		AccountID: account,
		EntryID:   res.Entry.ID,
	}, nil
}

func (r *Reconciler) resolvePayer(ctx context.Context, evt fiatEvent) (identity.User, error) {
	if acct := evt.Data.Authorization.ReceiverBankAccountNumber; acct != "" {
		user, err := r.users.ByBankAccount(ctx, acct)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, identity.ErrUserNotFound) {
			return identity.User{}, err
		}
	}
	return r.users.ByEmail(ctx, evt.Data.Customer.Email)
}

// HandleChainConfirmation applies one observed on-chain transaction. The
// indexer keeps calling as the confirmation count grows; nothing is recorded
// until the chain's threshold is met.
func (r *Reconciler) HandleChainConfirmation(ctx context.Context, orderKey, txHash string, confirmations uint64) (Result, error) {
	if orderKey == "" || txHash == "" {
		return Result{}, fmt.Errorf("order key and tx hash required: %w", ErrBadEvent)
	}

	mapping, err := r.mappings.ByOrderKey(ctx, orderKey)
	if err != nil {
		return Result{}, err
	}
	if mapping == nil {
		// not an escrow we created
		return Result{Outcome: OutcomeIgnored, Reference: txHash}, nil
	}

	cfg, err := r.chains.ByID(ctx, mapping.ChainID)
	if err != nil {
		return Result{}, fmt.Errorf("chain %s for order %s: %w", mapping.ChainID, mapping.OrderID, err)
	}
	if confirmations < cfg.ConfirmationsRequired {
		return Result{
			Outcome:   OutcomePending,
			Reference: txHash,
			OrderID:   mapping.OrderID,
		}, nil
	}

	eventID := "chain:" + txHash
	rec, inserted, err := r.dedup.PutIfAbsent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("dedup insert: %w", err)
	}
	if !inserted && rec.Terminal() {
		return replay(*rec)
	}

	res, err := r.applyConfirmation(ctx, *mapping, cfg, txHash)
	if err != nil {
		return Result{}, err
	}
	return r.finalize(ctx, eventID, res)
}

func (r *Reconciler) applyConfirmation(ctx context.Context, mapping intent.EscrowMapping, cfg chains.Config, txHash string) (Result, error) {
	o, err := r.orders.Get(ctx, mapping.OrderID)
	if err != nil {
		return Result{}, err
	}

	amountRaw, err := strconv.ParseInt(mapping.AmountRaw, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("escrow amount %s exceeds ledger range: %w", mapping.AmountRaw, ErrBadEvent)
	}

	switch r.classifyConfirmation(ctx, o, txHash) {
	case intent.TypeDeposit:
		return r.settleChainDeposit(ctx, o, cfg, amountRaw, txHash)
	case intent.TypeRelease:
		return r.settleChainRelease(ctx, o, cfg, amountRaw, txHash)
	default:
		// confirmation for an order in a terminal or unexpected state; the
		// event is recorded so the indexer stops, but nothing moves
		r.log.WithFields(logrus.Fields{"order": o.ID, "status": o.Status, "tx": txHash}).
			Warn("chain confirmation for order in unexpected state")
		return Result{Outcome: OutcomeIgnored, Reference: txHash, OrderID: o.ID}, nil
	}
}

// classifyConfirmation decides whether a transaction settles a deposit or a
// release. A txHash already recorded on an intent pins the decision, so a
// redelivery that arrives after the order moved on cannot be misread as the
// other action.
func (r *Reconciler) classifyConfirmation(ctx context.Context, o order.Order, txHash string) intent.Type {
	if dep, err := r.intents.LatestForOrder(ctx, o.ID, intent.TypeDeposit); err == nil && dep != nil && dep.TxHash == txHash {
		return intent.TypeDeposit
	}
	if rel, err := r.intents.LatestForOrder(ctx, o.ID, intent.TypeRelease); err == nil && rel != nil && rel.TxHash == txHash {
		return intent.TypeRelease
	}
	switch {
	case o.Status == order.StatusPendingPayment:
		return intent.TypeDeposit
	case order.Releasable(o.Status):
		return intent.TypeRelease
	default:
		return ""
	}
}

func (r *Reconciler) settleChainDeposit(ctx context.Context, o order.Order, cfg chains.Config, amountRaw int64, txHash string) (Result, error) {
	ref := "chain:" + txHash
	escrowAccount := ledger.AccountID("escrow:"+o.ID, cfg.TokenSymbol)

	res, err := r.ledger.Credit(ctx, escrowAccount, amountRaw, ref, ledger.KindTransferIn, map[string]string{
		"order": o.ID, "tx": txHash,
	})
	if err != nil {
		return Result{}, err
	}
	// record the txHash on the intent before the transition so a crash here
	// replays into the deposit path, not the release path
	r.confirmIntent(ctx, o.ID, intent.TypeDeposit, txHash)
	if _, err := r.orders.ConfirmDeposit(ctx, o.ID, ref); err != nil {
		if !depositApplied(ctx, r.orders, o.ID, err) {
			return Result{}, err
		}
	}
	return Result{Outcome: OutcomeProcessed, Reference: txHash, OrderID: o.ID, AccountID: escrowAccount, EntryID: res.Entry.ID}, nil
}

func (r *Reconciler) settleChainRelease(ctx context.Context, o order.Order, cfg chains.Config, amountRaw int64, txHash string) (Result, error) {
	ref := "chain:" + txHash
	escrowAccount := ledger.AccountID("escrow:"+o.ID, cfg.TokenSymbol)
	sellerAccount := ledger.AccountID(o.SellerID, cfg.TokenSymbol)

	if _, err := r.ledger.Debit(ctx, escrowAccount, amountRaw, ref, ledger.KindTransferOut, map[string]string{
		"order": o.ID, "tx": txHash,
	}); err != nil {
		return Result{}, err
	}
	res, err := r.ledger.Credit(ctx, sellerAccount, amountRaw, ref, ledger.KindTransferIn, map[string]string{
		"order": o.ID, "tx": txHash,
	})
	if err != nil {
		return Result{}, err
	}
	r.confirmIntent(ctx, o.ID, intent.TypeRelease, txHash)
	if o.Status != order.StatusReleased {
		if _, err := r.orders.ConfirmRelease(ctx, o.ID, o.Status, ref); err != nil {
			if !alreadyApplied(ctx, r.orders, o.ID, order.StatusReleased, err) {
				return Result{}, err
			}
		}
	}
	return Result{Outcome: OutcomeProcessed, Reference: txHash, OrderID: o.ID, AccountID: sellerAccount, EntryID: res.Entry.ID}, nil
}

// SettleFiatRelease moves escrowed fiat funds to the seller and releases the
// order. The fiat rail has no external confirmation step, so the HTTP layer
// invokes this synchronously after a release intent is created; the ledger
// references make retries idempotent.
func (r *Reconciler) SettleFiatRelease(ctx context.Context, orderID, intentID string) (Result, error) {
	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status == order.StatusReleased {
		return Result{Outcome: OutcomeProcessed, OrderID: o.ID, Duplicate: true}, nil
	}
	if !order.Releasable(o.Status) {
		return Result{}, fmt.Errorf("order is %s: %w", o.Status, order.ErrInvalidTransition)
	}

	minor, err := intent.MinorUnits(o.Amount)
	if err != nil {
		return Result{}, err
	}

	// one reference per order, not per intent: retried intents cannot move
	// the funds twice
	ref := "release:" + o.ID
	buyerAccount := ledger.AccountID(o.BuyerID, o.Currency)
	sellerAccount := ledger.AccountID(o.SellerID, o.Currency)

	if _, err := r.ledger.Debit(ctx, buyerAccount, minor, ref, ledger.KindTransferOut, map[string]string{"order": o.ID}); err != nil {
		return Result{}, err
	}
	res, err := r.ledger.Credit(ctx, sellerAccount, minor, ref, ledger.KindTransferIn, map[string]string{"order": o.ID})
	if err != nil {
		return Result{}, err
	}

	if _, err := r.orders.ConfirmRelease(ctx, o.ID, o.Status, ref); err != nil {
		if !alreadyApplied(ctx, r.orders, o.ID, order.StatusReleased, err) {
			return Result{}, err
		}
	}
	if intentID != "" {
		if err := r.intents.MarkStatus(ctx, intentID, intent.StatusConfirmed, "", ""); err != nil && !errors.Is(err, intent.ErrNotFound) {
			return Result{}, err
		}
	}

	return Result{Outcome: OutcomeProcessed, OrderID: o.ID, AccountID: sellerAccount, EntryID: res.Entry.ID}, nil
}

func (r *Reconciler) confirmIntent(ctx context.Context, orderID string, typ intent.Type, txHash string) {
	in, err := r.intents.LatestForOrder(ctx, orderID, typ)
	if err != nil || in == nil {
		return
	}
	if err := r.intents.MarkStatus(ctx, in.ID, intent.StatusConfirmed, txHash, ""); err != nil {
		r.log.WithFields(logrus.Fields{"intent": in.ID, "order": orderID}).WithError(err).
			Warn("could not mark intent confirmed")
	}
}

func (r *Reconciler) finalize(ctx context.Context, eventID string, res Result) (Result, error) {
	status := dedup.StatusProcessed
	switch res.Outcome {
	case OutcomeIgnored:
		status = dedup.StatusIgnored
	case OutcomeUserNotFound, OutcomeAmountMismatch:
		status = dedup.StatusRejected
	}
	outcome, err := json.Marshal(res)
	if err != nil {
		return Result{}, err
	}
	if err := r.dedup.Finalize(ctx, eventID, status, outcome); err != nil {
		return Result{}, fmt.Errorf("finalize dedup: %w", err)
	}
	return res, nil
}

// replay decodes the outcome recorded for an already-processed event.
func replay(rec dedup.Record) (Result, error) {
	var res Result
	if len(rec.Outcome) > 0 {
		if err := json.Unmarshal(rec.Outcome, &res); err != nil {
			return Result{}, fmt.Errorf("decode recorded outcome: %w", err)
		}
	}
	res.Duplicate = true
	return res, nil
}

// alreadyApplied reports whether a failed CAS was a lost race against the
// same logical transition, which a redelivery treats as success.
func alreadyApplied(ctx context.Context, orders *order.Machine, orderID string, want order.Status, err error) bool {
	if !errors.Is(err, order.ErrStaleState) {
		return false
	}
	o, getErr := orders.Get(ctx, orderID)
	return getErr == nil && o.Status == want
}

// depositApplied reports whether a failed ConfirmDeposit CAS found the order
// already past PENDING_PAYMENT. Any state downstream of IN_ESCROW counts: a
// deposit delivery redelivered after the order was released or refunded has
// nothing left to do.
func depositApplied(ctx context.Context, orders *order.Machine, orderID string, err error) bool {
	if !errors.Is(err, order.ErrStaleState) {
		return false
	}
	o, getErr := orders.Get(ctx, orderID)
	if getErr != nil {
		return false
	}
	switch o.Status {
	case order.StatusInEscrow, order.StatusDeliverableUploaded, order.StatusDelivered,
		order.StatusReleased, order.StatusRefunded:
		return true
	}
	return false
}
