// Package payout moves withdrawn funds out of custody.
package payout

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
)

// ErrInsufficientCustody is returned when the vault holds less than the payout.
var ErrInsufficientCustody = errors.New("custody balance is lower than payout amount")

// Vault is an in-process custody account. The ledger credits it as donations
// are recorded and payouts debit it.
type Vault struct {
	mu      sync.Mutex
	balance decimal.Decimal
	paid    map[id.Identity]decimal.Decimal
	failErr error
	before  func(ctx context.Context, to id.Identity, amount decimal.Decimal) error
}

func NewVault() *Vault {
	return &Vault{
		balance: decimal.Zero,
		paid:    make(map[id.Identity]decimal.Decimal),
	}
}

// Deposit adds funds to custody.
func (v *Vault) Deposit(amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = v.balance.Add(amount)
}

// Reclaim takes back a deposit whose donation was not recorded.
func (v *Vault) Reclaim(amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = v.balance.Sub(amount)
}

// FailWith makes every payout fail with err until cleared with nil.
func (v *Vault) FailWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failErr = err
}

// OnPayout installs a hook that runs before funds move. A hook error fails
// the payout. The hook is called without the vault lock held.
func (v *Vault) OnPayout(fn func(ctx context.Context, to id.Identity, amount decimal.Decimal) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.before = fn
}

func (v *Vault) Payout(ctx context.Context, to id.Identity, amount decimal.Decimal) error {
	v.mu.Lock()
	failErr, before := v.failErr, v.before
	v.mu.Unlock()

	if failErr != nil {
		return failErr
	}
	if before != nil {
		if err := before(ctx, to, amount); err != nil {
			return err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if amount.GreaterThan(v.balance) {
		return ErrInsufficientCustody
	}
	v.balance = v.balance.Sub(amount)
	v.paid[to] = v.paid[to].Add(amount)
	return nil
}

func (v *Vault) Balance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

// PaidTo is the total paid out to account.
func (v *Vault) PaidTo(account id.Identity) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paid[account]
}
