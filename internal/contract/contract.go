// Package contract builds call data for the on-chain escrow contract. The
// core never signs or sends transactions; it hands the encoded calls and
// target addresses to the external wallet-signing collaborator.
package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// escrowABI covers the two escrow entry points consumed via intents.
const escrowABI = `[
  {"type":"function","name":"deposit","inputs":[{"name":"orderKey","type":"bytes32"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"release","inputs":[{"name":"orderKey","type":"bytes32"}]}
]`

// erc20ABI is the approve call that precedes a deposit.
const erc20ABI = `[
  {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}]}
]`

// Call is one encoded contract invocation for the external signer.
type Call struct {
	To   common.Address `json:"to"`
	Data []byte         `json:"data"`
}

// Builder encodes escrow and token calls.
type Builder struct {
	escrow abi.ABI
	erc20  abi.ABI
}

func NewBuilder() (*Builder, error) {
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Builder{escrow: escrow, erc20: erc20}, nil
}

// OrderKey derives the deterministic bytes32 key the contract indexes
// escrows by. The same order id always yields the same key.
func OrderKey(orderID string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderID))
}

// Approve encodes token.approve(spender, amount).
func (b *Builder) Approve(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := b.erc20.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, fmt.Errorf("pack approve: %w", err)
	}
	return Call{To: token, Data: data}, nil
}

// Deposit encodes escrow.deposit(orderKey, seller, amount).
func (b *Builder) Deposit(escrow common.Address, orderKey common.Hash, seller common.Address, amount *big.Int) (Call, error) {
	data, err := b.escrow.Pack("deposit", [32]byte(orderKey), seller, amount)
	if err != nil {
		return Call{}, fmt.Errorf("pack deposit: %w", err)
	}
	return Call{To: escrow, Data: data}, nil
}

// Release encodes escrow.release(orderKey).
func (b *Builder) Release(escrow common.Address, orderKey common.Hash) (Call, error) {
	data, err := b.escrow.Pack("release", [32]byte(orderKey))
	if err != nil {
		return Call{}, fmt.Errorf("pack release: %w", err)
	}
	return Call{To: escrow, Data: data}, nil
}
