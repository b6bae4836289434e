package reconciler

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/chains"
	"escrowledger/internal/dedup"
	"escrowledger/internal/identity"
	"escrowledger/internal/intent"
	"escrowledger/internal/ledger"
	"escrowledger/internal/order"
)

var testSecret = []byte("whsec_test")

type fixture struct {
	ledger   *ledger.Engine
	orders   *order.Machine
	intents  *intent.MemoryStore
	mappings *intent.MemoryMappingStore
	dedup    *dedup.MemoryStore
	users    *identity.MemoryDirectory
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := identity.NewMemoryDirectory(
		identity.User{ID: "buyer-1", Email: "buyer@example.com", BankAccountNumber: "0011223344", WalletAddress: "0x1111111111111111111111111111111111111111"},
		identity.User{ID: "seller-1", Email: "seller@example.com", BankAccountNumber: "0055667788", WalletAddress: "0x2222222222222222222222222222222222222222"},
	)
	registry := chains.NewStaticRegistry([]chains.Config{{
		ID:                    "base",
		ChainID:               8453,
		EscrowContract:        "0x3333333333333333333333333333333333333333",
		TokenContract:         "0x4444444444444444444444444444444444444444",
		TokenSymbol:           "USDC",
		TokenDecimals:         6,
		ConfirmationsRequired: 3,
		Active:                true,
	}})

	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		ledger:   ledger.NewEngine(ledger.NewMemoryStore()),
		orders:   order.NewMachine(order.NewMemoryStore()),
		intents:  intent.NewMemoryStore(),
		mappings: intent.NewMemoryMappingStore(),
		dedup:    dedup.NewMemoryStore(),
		users:    users,
	}
	f.rec = New(f.ledger, f.orders, f.intents, f.mappings, f.dedup, chains.NewResolver(registry), users, testSecret, log)
	return f
}

func signedCharge(reference string, amount int64, bankAccount, email string) ([]byte, string) {
	raw := []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":%d,"currency":"NGN","authorization":{"receiver_bank_account_number":%q},"customer":{"email":%q}}}`,
		reference, amount, bankAccount, email))
	return raw, SignPayload(testSecret, raw)
}

func TestFiatTopUpAppliedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, sig := signedCharge("txn-100", 500000, "0011223344", "buyer@example.com")

	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.False(t, res.Duplicate)
	assert.Equal(t, ledger.AccountID("buyer-1", "NGN"), res.AccountID)

	balance, err := f.ledger.BalanceOf(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), balance)

	// the processor retries with the identical payload and signature
	for i := 0; i < 3; i++ {
		again, err := f.rec.HandleFiatEvent(ctx, raw, sig)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, OutcomeProcessed, again.Outcome)
		assert.Equal(t, res.EntryID, again.EntryID)
	}

	balance, err = f.ledger.BalanceOf(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), balance, "replays must not credit twice")
}

func TestRejectsTamperedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, sig := signedCharge("txn-101", 500000, "0011223344", "buyer@example.com")

	// even a single added whitespace byte invalidates the signature
	tampered := append([]byte(" "), raw...)
	_, err := f.rec.HandleFiatEvent(ctx, tampered, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.rec.HandleFiatEvent(ctx, raw, "")
	require.ErrorIs(t, err, ErrInvalidSignature)

	balance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("buyer-1", "NGN"))
	require.NoError(t, err)
	assert.Zero(t, balance, "rejected payloads must leave no ledger entry")
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := []byte(`{"event":"transfer.success","data":{"reference":"txn-102","amount":1000}}`)
	res, err := f.rec.HandleFiatEvent(ctx, raw, SignPayload(testSecret, raw))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestUnattributableChargeNeverCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, sig := signedCharge("txn-103", 250000, "9999999999", "nobody@example.com")
	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUserNotFound, res.Outcome)
	assert.Empty(t, res.EntryID)

	// the rejection itself is recorded, so a redelivery replays it
	again, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, OutcomeUserNotFound, again.Outcome)
}

func TestAmbiguousMatchIsHardStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two users share the email the charge carries
	f.users.Add(identity.User{ID: "dup-1", Email: "shared@example.com"})
	f.users.Add(identity.User{ID: "dup-2", Email: "shared@example.com"})

	raw, sig := signedCharge("txn-104", 250000, "", "shared@example.com")
	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUserNotFound, res.Outcome, "ambiguity must not guess a payee")

	for _, id := range []string{"dup-1", "dup-2"} {
		balance, err := f.ledger.BalanceOf(ctx, ledger.AccountID(id, "NGN"))
		require.NoError(t, err)
		assert.Zero(t, balance)
	}
}

func TestFiatDepositSettlesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, "buyer-1", "seller-1", order.RailFiat, "NGN", decimal.NewFromInt(5000))
	require.NoError(t, err)
	_, err = f.orders.MarkPendingPayment(ctx, o.ID, "dep-int-1")
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-1", OrderID: o.ID, Type: intent.TypeDeposit, Status: intent.StatusSubmitted,
		Rail: order.RailFiat, BuyerID: "buyer-1", SellerID: "seller-1",
		AmountMinor: 500000, ProcessorRef: "dep-int-1",
	}))

	raw, sig := signedCharge("dep-int-1", 500000, "", "buyer@example.com")
	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, o.ID, res.OrderID)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusInEscrow, got.Status)

	in, err := f.intents.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusConfirmed, in.Status)

	balance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("buyer-1", "NGN"))
	require.NoError(t, err)
	assert.Equal(t, int64(500000), balance)
}

func TestUnderpaidChargeDoesNotOpenEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, "buyer-1", "seller-1", order.RailFiat, "NGN", decimal.NewFromInt(5000))
	require.NoError(t, err)
	_, err = f.orders.MarkPendingPayment(ctx, o.ID, "dep-int-2")
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-2", OrderID: o.ID, Type: intent.TypeDeposit, Status: intent.StatusSubmitted,
		Rail: order.RailFiat, BuyerID: "buyer-1", SellerID: "seller-1",
		AmountMinor: 500000, ProcessorRef: "dep-int-2",
	}))

	// the processor confirms a 1 kobo charge against a 500,000 kobo intent
	raw, sig := signedCharge("dep-int-2", 1, "", "buyer@example.com")
	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmountMismatch, res.Outcome)
	assert.Empty(t, res.EntryID)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, got.Status, "a short payment must not open escrow")

	balance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("buyer-1", "NGN"))
	require.NoError(t, err)
	assert.Zero(t, balance)

	in, err := f.intents.Get(ctx, "int-2")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusSubmitted, in.Status)

	// the mismatch is recorded, so a redelivery replays it
	again, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, OutcomeAmountMismatch, again.Outcome)
}

func TestRedeliveryAfterPartialProcessingCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a previous delivery inserted the dedup record and then crashed before
	// any side effect ran
	_, inserted, err := f.dedup.PutIfAbsent(ctx, "fiat:txn-105")
	require.NoError(t, err)
	require.True(t, inserted)

	raw, sig := signedCharge("txn-105", 120000, "0011223344", "buyer@example.com")
	res, err := f.rec.HandleFiatEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	balance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("buyer-1", "NGN"))
	require.NoError(t, err)
	assert.Equal(t, int64(120000), balance)
}

func cryptoOrderInPendingPayment(t *testing.T, f *fixture) (order.Order, intent.EscrowMapping) {
	t.Helper()
	ctx := context.Background()

	o, err := f.orders.Create(ctx, "buyer-1", "seller-1", order.RailCrypto, "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = f.orders.MarkPendingPayment(ctx, o.ID, "int-c1")
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-c1", OrderID: o.ID, Type: intent.TypeDeposit, Status: intent.StatusSubmitted,
		Rail: order.RailCrypto, BuyerID: "buyer-1", SellerID: "seller-1",
		AmountRaw: "1000000", ChainID: "base",
	}))
	mapping, err := f.mappings.Put(ctx, intent.EscrowMapping{
		OrderID:   o.ID,
		OrderKey:  "0xabc123",
		ChainID:   "base",
		AmountRaw: "1000000",
	})
	require.NoError(t, err)
	return o, mapping
}

func TestChainConfirmationBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, mapping := cryptoOrderInPendingPayment(t, f)

	res, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, got.Status, "below threshold nothing moves")

	// the indexer calls again once the chain has enough confirmations
	res, err = f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestChainDepositConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, mapping := cryptoOrderInPendingPayment(t, f)

	res, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusInEscrow, got.Status)

	escrowAccount := ledger.AccountID("escrow:"+o.ID, "USDC")
	balance, err := f.ledger.BalanceOf(ctx, escrowAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), balance)

	// indexer redelivery of the same transaction
	again, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 6)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	balance, err = f.ledger.BalanceOf(ctx, escrowAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), balance)
}

func TestChainReleaseConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, mapping := cryptoOrderInPendingPayment(t, f)

	_, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 5)
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-r1", OrderID: o.ID, Type: intent.TypeRelease, Status: intent.StatusSubmitted,
		Rail: order.RailCrypto, BuyerID: "buyer-1", SellerID: "seller-1",
		AmountRaw: "1000000", ChainID: "base",
	}))

	res, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx2", 4)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusReleased, got.Status)

	escrowBalance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("escrow:"+o.ID, "USDC"))
	require.NoError(t, err)
	assert.Zero(t, escrowBalance)

	sellerAccount := ledger.AccountID("seller-1", "USDC")
	sellerBalance, err := f.ledger.BalanceOf(ctx, sellerAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), sellerBalance)

	// a late redelivery of the deposit transaction after the release must not
	// be mistaken for another release
	dup, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 8)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	sellerBalance, err = f.ledger.BalanceOf(ctx, sellerAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), sellerBalance)
}

func TestDepositRedeliveryAfterReleaseSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, mapping := cryptoOrderInPendingPayment(t, f)

	// a deposit delivery ran its side effects but crashed before recording
	// its outcome
	_, inserted, err := f.dedup.PutIfAbsent(ctx, "chain:0xtx1")
	require.NoError(t, err)
	require.True(t, inserted)
	_, err = f.ledger.Credit(ctx, ledger.AccountID("escrow:"+o.ID, "USDC"), 1000000, "chain:0xtx1", ledger.KindTransferIn, nil)
	require.NoError(t, err)
	require.NoError(t, f.intents.MarkStatus(ctx, "int-c1", intent.StatusConfirmed, "0xtx1", ""))
	_, err = f.orders.ConfirmDeposit(ctx, o.ID, "chain:0xtx1")
	require.NoError(t, err)

	// the release settles before the indexer redelivers the deposit tx
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-r1", OrderID: o.ID, Type: intent.TypeRelease, Status: intent.StatusSubmitted,
		Rail: order.RailCrypto, BuyerID: "buyer-1", SellerID: "seller-1",
		AmountRaw: "1000000", ChainID: "base",
	}))
	_, err = f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx2", 5)
	require.NoError(t, err)

	// the redelivered deposit finds the order in RELEASED and must settle
	// cleanly instead of erroring on every retry
	res, err := f.rec.HandleChainConfirmation(ctx, mapping.OrderKey, "0xtx1", 6)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	sellerBalance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("seller-1", "USDC"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), sellerBalance, "redelivery must not move funds again")

	escrowBalance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("escrow:"+o.ID, "USDC"))
	require.NoError(t, err)
	assert.Zero(t, escrowBalance)
}

func TestUnknownOrderKeyIgnored(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.HandleChainConfirmation(context.Background(), "0xdeadbeef", "0xtx9", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestFiatReleaseIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, "buyer-1", "seller-1", order.RailFiat, "NGN", decimal.NewFromInt(5000))
	require.NoError(t, err)
	_, err = f.orders.MarkPendingPayment(ctx, o.ID, "int-1")
	require.NoError(t, err)
	_, err = f.orders.ConfirmDeposit(ctx, o.ID, "fiat:txn-1")
	require.NoError(t, err)
	_, err = f.ledger.Credit(ctx, ledger.AccountID("buyer-1", "NGN"), 500000, "fiat:txn-1", ledger.KindDeposit, nil)
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent.SettlementIntent{
		ID: "int-r1", OrderID: o.ID, Type: intent.TypeRelease, Status: intent.StatusCreated,
		Rail: order.RailFiat, BuyerID: "buyer-1", SellerID: "seller-1", AmountMinor: 500000,
	}))

	res, err := f.rec.SettleFiatRelease(ctx, o.ID, "int-r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusReleased, got.Status)

	sellerBalance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("seller-1", "NGN"))
	require.NoError(t, err)
	assert.Equal(t, int64(500000), sellerBalance)

	buyerBalance, err := f.ledger.BalanceOf(ctx, ledger.AccountID("buyer-1", "NGN"))
	require.NoError(t, err)
	assert.Zero(t, buyerBalance)

	in, err := f.intents.Get(ctx, "int-r1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusConfirmed, in.Status)

	// a retried release request finds the order already released
	again, err := f.rec.SettleFiatRelease(ctx, o.ID, "int-r1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	sellerBalance, err = f.ledger.BalanceOf(ctx, ledger.AccountID("seller-1", "NGN"))
	require.NoError(t, err)
	assert.Equal(t, int64(500000), sellerBalance)
}

func TestMalformedPayloadRejected(t *testing.T) {
	f := newFixture(t)

	raw := []byte(`{"event":"charge.success","data":{"reference":"","amount":0}}`)
	_, err := f.rec.HandleFiatEvent(context.Background(), raw, SignPayload(testSecret, raw))
	require.ErrorIs(t, err, ErrBadEvent)
}
