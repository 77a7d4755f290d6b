// Package token defines the two external value collaborators: the payment
// settlement interface that moves funds, and the unit registry that records
// fungible position ownership per entry. The ledger decides how much and
// how many; these collaborators only move and record.
//
// In-memory implementations are provided for development and tests.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a transfer exceeds the payer's
	// balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")

	// ErrInsufficientUnits is returned when a burn exceeds the holder's
	// unit balance.
	ErrInsufficientUnits = errors.New("token: insufficient units")
)

// Settler is the fungible-asset transfer interface. It is never queried for
// pricing logic.
type Settler interface {
	// TransferFrom pulls amount from payer into the system's custody.
	TransferFrom(payer string, amount decimal.Decimal) error

	// Transfer pays amount out of the system's custody to recipient.
	Transfer(recipient string, amount decimal.Decimal) error

	// Balance returns the funds currently held in the system's custody.
	Balance() decimal.Decimal
}

// UnitRegistry records fungible position units, one pool per entry.
type UnitRegistry interface {
	Mint(entryID, holder string, units int64) error
	Burn(entryID, holder string, units int64) error
	BalanceOf(entryID, holder string) int64
}

// Vault is an in-memory Settler. Participant balances are faked with a
// credit line unless seeded explicitly.
type Vault struct {
	mu       sync.Mutex
	held     decimal.Decimal
	accounts map[string]decimal.Decimal
	seeded   map[string]bool
}

// NewVault creates an empty in-memory vault.
func NewVault() *Vault {
	return &Vault{
		accounts: make(map[string]decimal.Decimal),
		seeded:   make(map[string]bool),
	}
}

// Seed sets an account's balance; seeded accounts are balance-checked.
func (v *Vault) Seed(account string, balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounts[account] = balance
	v.seeded[account] = true
}

// AccountBalance returns an account's balance outside the system's custody.
func (v *Vault) AccountBalance(account string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accounts[account]
}

func (v *Vault) TransferFrom(payer string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seeded[payer] && v.accounts[payer].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, payer, v.accounts[payer], amount)
	}
	v.accounts[payer] = v.accounts[payer].Sub(amount)
	v.held = v.held.Add(amount)
	return nil
}

func (v *Vault) Transfer(recipient string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.held.LessThan(amount) {
		return fmt.Errorf("%w: custody holds %s, needs %s", ErrInsufficientFunds, v.held, amount)
	}
	v.held = v.held.Sub(amount)
	v.accounts[recipient] = v.accounts[recipient].Add(amount)
	return nil
}

func (v *Vault) Balance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held
}

// MemoryRegistry is an in-memory UnitRegistry.
type MemoryRegistry struct {
	mu       sync.Mutex
	balances map[string]int64 // entryID|holder → units
}

// NewMemoryRegistry creates an empty in-memory unit registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{balances: make(map[string]int64)}
}

func unitKey(entryID, holder string) string { return entryID + "|" + holder }

func (r *MemoryRegistry) Mint(entryID, holder string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("token: mint quantity must be positive, got %d", units)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[unitKey(entryID, holder)] += units
	return nil
}

func (r *MemoryRegistry) Burn(entryID, holder string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("token: burn quantity must be positive, got %d", units)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := unitKey(entryID, holder)
	if r.balances[key] < units {
		return fmt.Errorf("%w: %s holds %d on %s, burn %d", ErrInsufficientUnits, holder, r.balances[key], entryID, units)
	}
	r.balances[key] -= units
	if r.balances[key] == 0 {
		delete(r.balances, key)
	}
	return nil
}

func (r *MemoryRegistry) BalanceOf(entryID, holder string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[unitKey(entryID, holder)]
}
