package intent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"escrowledger/internal/chains"
	"escrowledger/internal/contract"
	"escrowledger/internal/identity"
	"escrowledger/internal/order"
	"escrowledger/internal/processor"
)

// ReleasePolicy decides whether a non-buyer caller may release an order; the
// authorization rule for auto-release is a deployment parameter.
type ReleasePolicy func(caller identity.Caller, o order.Order) bool

// DepositIntent is the generator's answer to a deposit request: the recorded
// intent plus whatever the client needs to execute the payment externally.
type DepositIntent struct {
	Intent      SettlementIntent `json:"intent"`
	CheckoutURL string           `json:"checkout_url,omitempty"` // fiat rail
	Calls       []contract.Call  `json:"calls,omitempty"`        // crypto rail: approve then deposit
}

// ReleaseIntent mirrors DepositIntent for the release action.
type ReleaseIntent struct {
	Intent SettlementIntent `json:"intent"`
	Call   *contract.Call   `json:"call,omitempty"` // crypto rail
}

// Generator computes deterministic payment intents for orders.
type Generator struct {
	orders    *order.Machine
	intents   Store
	mappings  MappingStore
	chains    *chains.Resolver
	builder   *contract.Builder
	processor processor.Client
	users     identity.Directory
	feeBps    int64
	release   ReleasePolicy
}

func NewGenerator(orders *order.Machine, intents Store, mappings MappingStore, resolver *chains.Resolver, builder *contract.Builder, proc processor.Client, users identity.Directory, feeBps int64, release ReleasePolicy) *Generator {
	return &Generator{
		orders:    orders,
		intents:   intents,
		mappings:  mappings,
		chains:    resolver,
		builder:   builder,
		processor: proc,
		users:     users,
		feeBps:    feeBps,
		release:   release,
	}
}

// CreateDepositIntent computes the deposit action for an order. Only the
// buyer may fund an order. A non-failed in-flight deposit intent is returned
// as-is rather than duplicated, which prevents double on-chain
// authorizations for the same order.
func (g *Generator) CreateDepositIntent(ctx context.Context, caller identity.Caller, orderID, chainPreference string) (DepositIntent, error) {
	o, err := g.orders.Get(ctx, orderID)
	if err != nil {
		return DepositIntent{}, err
	}
	if caller.UserID != o.BuyerID {
		return DepositIntent{}, fmt.Errorf("only the buyer funds an order: %w", ErrForbidden)
	}
	if o.Status != order.StatusCreated && o.Status != order.StatusPendingPayment {
		return DepositIntent{}, fmt.Errorf("order is %s: %w", o.Status, ErrValidation)
	}

	if existing, err := g.intents.FindInFlight(ctx, orderID, TypeDeposit); err != nil {
		return DepositIntent{}, err
	} else if existing != nil {
		return g.rebuildDeposit(ctx, *existing)
	}

	switch o.Rail {
	case order.RailFiat:
		return g.fiatDeposit(ctx, o)
	case order.RailCrypto:
		return g.cryptoDeposit(ctx, caller, o, chainPreference)
	default:
		return DepositIntent{}, fmt.Errorf("unknown rail %q: %w", o.Rail, ErrValidation)
	}
}

func (g *Generator) fiatDeposit(ctx context.Context, o order.Order) (DepositIntent, error) {
	minor, err := MinorUnits(o.Amount)
	if err != nil {
		return DepositIntent{}, err
	}

	buyer, err := g.users.ByID(ctx, o.BuyerID)
	if err != nil {
		return DepositIntent{}, fmt.Errorf("resolve buyer: %w", err)
	}

	now := time.Now().UTC()
	i := SettlementIntent{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Type:        TypeDeposit,
		Status:      StatusCreated,
		Rail:        order.RailFiat,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		AmountMinor: minor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	resp, err := g.processor.InitializeCharge(ctx, processor.InitializeChargeRequest{
		Email:       buyer.Email,
		AmountMinor: minor,
		Currency:    o.Currency,
		Reference:   "dep-" + i.ID,
	})
	if err != nil {
		return DepositIntent{}, fmt.Errorf("initialize charge: %w", err)
	}
	i.ProcessorRef = resp.Reference
	i.CheckoutURL = resp.CheckoutURL

	if err := g.intents.Create(ctx, i); err != nil {
		return DepositIntent{}, err
	}
	if err := g.markAwaitingPayment(ctx, o, i.ID); err != nil {
		return DepositIntent{}, err
	}
	if err := g.intents.MarkStatus(ctx, i.ID, StatusSubmitted, "", ""); err != nil {
		return DepositIntent{}, err
	}
	i.Status = StatusSubmitted

	return DepositIntent{Intent: i, CheckoutURL: i.CheckoutURL}, nil
}

func (g *Generator) cryptoDeposit(ctx context.Context, caller identity.Caller, o order.Order, chainPreference string) (DepositIntent, error) {
	cfg, err := g.chains.Preferred(ctx, chainPreference)
	if err != nil {
		return DepositIntent{}, err
	}
	if caller.Wallet == "" || !common.IsHexAddress(caller.Wallet) {
		return DepositIntent{}, fmt.Errorf("buyer wallet address is required: %w", ErrValidation)
	}

	seller, err := g.users.ByID(ctx, o.SellerID)
	if err != nil {
		return DepositIntent{}, fmt.Errorf("resolve seller: %w", err)
	}
	if !common.IsHexAddress(seller.WalletAddress) {
		return DepositIntent{}, fmt.Errorf("seller wallet address is missing: %w", ErrValidation)
	}

	amountRaw, err := RawUnits(o.Amount, cfg.TokenDecimals)
	if err != nil {
		return DepositIntent{}, err
	}
	buyerTotal := BuyerTotal(amountRaw, g.feeBps)

	mapping, err := g.mappings.Put(ctx, EscrowMapping{
		OrderID:        o.ID,
		OrderKey:       contract.OrderKey(o.ID).Hex(),
		ChainID:        cfg.ID,
		EscrowContract: cfg.EscrowContract,
		TokenContract:  cfg.TokenContract,
		BuyerWallet:    common.HexToAddress(caller.Wallet).Hex(),
		SellerWallet:   common.HexToAddress(seller.WalletAddress).Hex(),
		AmountHuman:    o.Amount.String(),
		AmountRaw:      amountRaw.String(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return DepositIntent{}, err
	}

	now := time.Now().UTC()
	i := SettlementIntent{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		Type:          TypeDeposit,
		Status:        StatusCreated,
		Rail:          order.RailCrypto,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		AmountRaw:     amountRaw.String(),
		BuyerTotalRaw: buyerTotal.String(),
		ChainID:       mapping.ChainID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.intents.Create(ctx, i); err != nil {
		return DepositIntent{}, err
	}
	if err := g.markAwaitingPayment(ctx, o, i.ID); err != nil {
		return DepositIntent{}, err
	}
	if err := g.intents.MarkStatus(ctx, i.ID, StatusSubmitted, "", ""); err != nil {
		return DepositIntent{}, err
	}
	i.Status = StatusSubmitted

	calls, err := g.depositCalls(mapping, amountRaw, buyerTotal)
	if err != nil {
		return DepositIntent{}, err
	}
	return DepositIntent{Intent: i, Calls: calls}, nil
}

// markAwaitingPayment moves a fresh order to PENDING_PAYMENT; an order
// already awaiting payment (intent retry) stays put.
func (g *Generator) markAwaitingPayment(ctx context.Context, o order.Order, intentID string) error {
	if o.Status != order.StatusCreated {
		return nil
	}
	_, err := g.orders.MarkPendingPayment(ctx, o.ID, "intent:"+intentID)
	return err
}

// rebuildDeposit reconstructs the client-facing payload for an intent that
// already exists, deterministically from stored state.
func (g *Generator) rebuildDeposit(ctx context.Context, i SettlementIntent) (DepositIntent, error) {
	if i.Rail == order.RailFiat {
		return DepositIntent{Intent: i, CheckoutURL: i.CheckoutURL}, nil
	}

	mapping, err := g.mappings.ByOrderID(ctx, i.OrderID)
	if err != nil {
		return DepositIntent{}, err
	}
	if mapping == nil {
		return DepositIntent{}, fmt.Errorf("escrow mapping missing for order %s", i.OrderID)
	}
	amountRaw, ok := new(big.Int).SetString(i.AmountRaw, 10)
	if !ok {
		return DepositIntent{}, fmt.Errorf("corrupt amount on intent %s", i.ID)
	}
	buyerTotal, ok := new(big.Int).SetString(i.BuyerTotalRaw, 10)
	if !ok {
		return DepositIntent{}, fmt.Errorf("corrupt total on intent %s", i.ID)
	}
	calls, err := g.depositCalls(*mapping, amountRaw, buyerTotal)
	if err != nil {
		return DepositIntent{}, err
	}
	return DepositIntent{Intent: i, Calls: calls}, nil
}

func (g *Generator) depositCalls(m EscrowMapping, amountRaw, buyerTotal *big.Int) ([]contract.Call, error) {
	escrowAddr := common.HexToAddress(m.EscrowContract)
	tokenAddr := common.HexToAddress(m.TokenContract)
	sellerAddr := common.HexToAddress(m.SellerWallet)
	key := common.HexToHash(m.OrderKey)

	approve, err := g.builder.Approve(tokenAddr, escrowAddr, buyerTotal)
	if err != nil {
		return nil, err
	}
	deposit, err := g.builder.Deposit(escrowAddr, key, sellerAddr, amountRaw)
	if err != nil {
		return nil, err
	}
	return []contract.Call{approve, deposit}, nil
}

// CreateReleaseIntent computes the release action for an order in a
// releasable state. The buyer may always release; other callers go through
// the configured release policy.
func (g *Generator) CreateReleaseIntent(ctx context.Context, caller identity.Caller, orderID string) (ReleaseIntent, error) {
	o, err := g.orders.Get(ctx, orderID)
	if err != nil {
		return ReleaseIntent{}, err
	}
	if !order.Releasable(o.Status) {
		return ReleaseIntent{}, fmt.Errorf("order is %s: %w", o.Status, order.ErrInvalidTransition)
	}
	if caller.UserID != o.BuyerID && (g.release == nil || !g.release(caller, o)) {
		return ReleaseIntent{}, fmt.Errorf("caller %s may not release order %s: %w", caller.UserID, o.ID, ErrForbidden)
	}

	if existing, err := g.intents.FindInFlight(ctx, orderID, TypeRelease); err != nil {
		return ReleaseIntent{}, err
	} else if existing != nil {
		return g.rebuildRelease(ctx, *existing)
	}

	now := time.Now().UTC()
	i := SettlementIntent{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Type:      TypeRelease,
		Status:    StatusCreated,
		Rail:      o.Rail,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch o.Rail {
	case order.RailFiat:
		minor, err := MinorUnits(o.Amount)
		if err != nil {
			return ReleaseIntent{}, err
		}
		i.AmountMinor = minor
		if err := g.intents.Create(ctx, i); err != nil {
			return ReleaseIntent{}, err
		}
		// settlement happens in-process: the reconciler applies the ledger
		// transfer using this intent's id as the reference
		return ReleaseIntent{Intent: i}, nil

	case order.RailCrypto:
		mapping, err := g.mappings.ByOrderID(ctx, o.ID)
		if err != nil {
			return ReleaseIntent{}, err
		}
		if mapping == nil {
			return ReleaseIntent{}, fmt.Errorf("order %s has no escrow mapping: %w", o.ID, ErrValidation)
		}
		i.AmountRaw = mapping.AmountRaw
		i.ChainID = mapping.ChainID
		if err := g.intents.Create(ctx, i); err != nil {
			return ReleaseIntent{}, err
		}
		if err := g.intents.MarkStatus(ctx, i.ID, StatusSubmitted, "", ""); err != nil {
			return ReleaseIntent{}, err
		}
		i.Status = StatusSubmitted

		call, err := g.builder.Release(common.HexToAddress(mapping.EscrowContract), common.HexToHash(mapping.OrderKey))
		if err != nil {
			return ReleaseIntent{}, err
		}
		return ReleaseIntent{Intent: i, Call: &call}, nil

	default:
		return ReleaseIntent{}, fmt.Errorf("unknown rail %q: %w", o.Rail, ErrValidation)
	}
}

func (g *Generator) rebuildRelease(ctx context.Context, i SettlementIntent) (ReleaseIntent, error) {
	if i.Rail != order.RailCrypto {
		return ReleaseIntent{Intent: i}, nil
	}
	mapping, err := g.mappings.ByOrderID(ctx, i.OrderID)
	if err != nil {
		return ReleaseIntent{}, err
	}
	if mapping == nil {
		return ReleaseIntent{}, fmt.Errorf("escrow mapping missing for order %s", i.OrderID)
	}
	call, err := g.builder.Release(common.HexToAddress(mapping.EscrowContract), common.HexToHash(mapping.OrderKey))
	if err != nil {
		return ReleaseIntent{}, err
	}
	return ReleaseIntent{Intent: i, Call: &call}, nil
}
