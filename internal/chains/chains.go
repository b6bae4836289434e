// Package chains selects the blockchain network configuration a crypto
// operation should target.
package chains

import (
	"context"
	"errors"
	"sync"
)

var ErrNoChain = errors.New("no chain configured")

// Config describes one registered chain.
type Config struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	ChainID               int64  `json:"chainId"`
	RPCURL                string `json:"rpcUrl"`
	EscrowContract        string `json:"escrowContract"`
	TokenContract         string `json:"tokenContract"`
	TokenSymbol           string `json:"tokenSymbol"`
	TokenDecimals         int32  `json:"tokenDecimals"`
	ConfirmationsRequired uint64 `json:"confirmationsRequired"`
	Active                bool   `json:"active"`
}

// Registry lists the live chain configurations.
type Registry interface {
	List(ctx context.Context) ([]Config, error)
}

// StaticRegistry serves a fixed configuration list, e.g. from the config
// file.
type StaticRegistry struct {
	mu      sync.RWMutex
	configs []Config
}

func NewStaticRegistry(configs []Config) *StaticRegistry {
	return &StaticRegistry{configs: configs}
}

func (r *StaticRegistry) List(_ context.Context) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, len(r.configs))
	copy(out, r.configs)
	return out, nil
}

// Replace swaps the configuration list, used when config is reloaded or a
// chain is deactivated at runtime.
func (r *StaticRegistry) Replace(configs []Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = make([]Config, len(configs))
	copy(r.configs, configs)
}

// Resolver picks the chain a crypto operation targets. It remembers the last
// choice but re-validates against the live registry on every call; a stale
// cached config is never trusted for amounts.
type Resolver struct {
	registry Registry

	mu     sync.Mutex
	lastID string
}

func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Preferred resolves in order: explicit preference if still registered, the
// single chain flagged active, the first configured chain, else ErrNoChain.
func (r *Resolver) Preferred(ctx context.Context, preference string) (Config, error) {
	configs, err := r.registry.List(ctx)
	if err != nil {
		return Config{}, err
	}
	if len(configs) == 0 {
		return Config{}, ErrNoChain
	}

	if preference != "" {
		for _, c := range configs {
			if c.ID == preference {
				r.remember(c.ID)
				return c, nil
			}
		}
	}

	if c, ok := r.cached(configs); ok {
		return c, nil
	}

	for _, c := range configs {
		if c.Active {
			r.remember(c.ID)
			return c, nil
		}
	}

	c := configs[0]
	r.remember(c.ID)
	return c, nil
}

// ByID looks up a chain regardless of active flag; settlement for an order
// already bound to a chain must keep using that chain's threshold.
func (r *Resolver) ByID(ctx context.Context, id string) (Config, error) {
	configs, err := r.registry.List(ctx)
	if err != nil {
		return Config{}, err
	}
	for _, c := range configs {
		if c.ID == id {
			return c, nil
		}
	}
	return Config{}, ErrNoChain
}

func (r *Resolver) remember(id string) {
	r.mu.Lock()
	r.lastID = id
	r.mu.Unlock()
}

// cached returns the previously chosen chain only if it is still registered
// and still active.
func (r *Resolver) cached(configs []Config) (Config, bool) {
	r.mu.Lock()
	last := r.lastID
	r.mu.Unlock()
	if last == "" {
		return Config{}, false
	}
	for _, c := range configs {
		if c.ID == last && c.Active {
			return c, true
		}
	}
	return Config{}, false
}
