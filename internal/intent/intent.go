package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrowledger/internal/order"
)

type Type string

const (
	TypeDeposit Type = "DEPOSIT"
	TypeRelease Type = "RELEASE"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

var (
	ErrForbidden  = errors.New("caller is not permitted")
	ErrValidation = errors.New("invalid intent request")
	ErrNotFound   = errors.New("intent not found")
)

// SettlementIntent records one attempted settlement action. Retries for an
// order produce separate intents, each with its own identity.
type SettlementIntent struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	Rail          order.Rail `json:"rail"`
	BuyerID       string     `json:"buyer_id"`
	SellerID      string     `json:"seller_id"`
	AmountMinor   int64      `json:"amount_minor,omitempty"`    // fiat rail
	AmountRaw     string     `json:"amount_raw,omitempty"`      // crypto rail, integer token units
	BuyerTotalRaw string     `json:"buyer_total_raw,omitempty"` // amount_raw + fee
	ProcessorRef  string     `json:"processor_ref,omitempty"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	ChainID       string     `json:"chain_id,omitempty"`
	TxHash        string     `json:"tx_hash,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InFlight reports whether the intent still awaits settlement.
func (i SettlementIntent) InFlight() bool {
	return i.Status == StatusCreated || i.Status == StatusSubmitted
}

// EscrowMapping binds an order to its on-chain identifiers. Created once when
// an order first requests a crypto intent; read-only afterwards.
type EscrowMapping struct {
	OrderID        string    `json:"order_id"`
	OrderKey       string    `json:"order_key"` // 0x-prefixed keccak of the order id
	ChainID        string    `json:"chain_id"`
	EscrowContract string    `json:"escrow_contract"`
	TokenContract  string    `json:"token_contract"`
	BuyerWallet    string    `json:"buyer_wallet"`
	SellerWallet   string    `json:"seller_wallet"`
	AmountHuman    string    `json:"amount_human"`
	AmountRaw      string    `json:"amount_raw"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store abstracts intent persistence.
type Store interface {
	Create(ctx context.Context, i SettlementIntent) error
	Get(ctx context.Context, id string) (SettlementIntent, error)
	FindInFlight(ctx context.Context, orderID string, typ Type) (*SettlementIntent, error)
	FindByProcessorRef(ctx context.Context, ref string) (*SettlementIntent, error)
	LatestForOrder(ctx context.Context, orderID string, typ Type) (*SettlementIntent, error)
	MarkStatus(ctx context.Context, id string, status Status, txHash, failureReason string) error
}

// MappingStore abstracts escrow mapping persistence. Put is create-once: a
// second call for the same order returns the stored mapping unchanged.
type MappingStore interface {
	Put(ctx context.Context, m EscrowMapping) (EscrowMapping, error)
	ByOrderID(ctx context.Context, orderID string) (*EscrowMapping, error)
	ByOrderKey(ctx context.Context, orderKey string) (*EscrowMapping, error)
}

// MemoryStore keeps intents in process.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]SettlementIntent
	ordered []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]SettlementIntent)}
}

func (m *MemoryStore) Create(_ context.Context, i SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[i.ID] = i
	m.ordered = append(m.ordered, i.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (SettlementIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.intents[id]
	if !ok {
		return SettlementIntent{}, ErrNotFound
	}
	return i, nil
}

func (m *MemoryStore) FindInFlight(_ context.Context, orderID string, typ Type) (*SettlementIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.ordered {
		i := m.intents[id]
		if i.OrderID == orderID && i.Type == typ && i.InFlight() {
			return &i, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindByProcessorRef(_ context.Context, ref string) (*SettlementIntent, error) {
	if ref == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.ordered {
		i := m.intents[id]
		if i.ProcessorRef == ref {
			return &i, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) LatestForOrder(_ context.Context, orderID string, typ Type) (*SettlementIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for n := len(m.ordered) - 1; n >= 0; n-- {
		i := m.intents[m.ordered[n]]
		if i.OrderID == orderID && i.Type == typ {
			return &i, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) MarkStatus(_ context.Context, id string, status Status, txHash, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	i.Status = status
	if txHash != "" {
		i.TxHash = txHash
	}
	if failureReason != "" {
		i.FailureReason = failureReason
	}
	i.UpdatedAt = time.Now().UTC()
	m.intents[id] = i
	return nil
}

// MemoryMappingStore keeps escrow mappings in process.
type MemoryMappingStore struct {
	mu        sync.RWMutex
	byOrderID map[string]EscrowMapping
	byKey     map[string]string // orderKey -> orderID
}

func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{
		byOrderID: make(map[string]EscrowMapping),
		byKey:     make(map[string]string),
	}
}

func (m *MemoryMappingStore) Put(_ context.Context, mapping EscrowMapping) (EscrowMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byOrderID[mapping.OrderID]; ok {
		return existing, nil
	}
	m.byOrderID[mapping.OrderID] = mapping
	m.byKey[mapping.OrderKey] = mapping.OrderID
	return mapping, nil
}

func (m *MemoryMappingStore) ByOrderID(_ context.Context, orderID string) (*EscrowMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.byOrderID[orderID]
	if !ok {
		return nil, nil
	}
	return &mapping, nil
}

func (m *MemoryMappingStore) ByOrderKey(_ context.Context, orderKey string) (*EscrowMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orderID, ok := m.byKey[orderKey]
	if !ok {
		return nil, nil
	}
	mapping := m.byOrderID[orderID]
	return &mapping, nil
}
