// Package ledger is the pool's share ledger: fungible balances,
// allowances, and total supply. Buffered (unvested) shares are tracked
// in the buffer package and never appear here; the pool address holds
// no self-balance.
package ledger

import (
	"errors"
	"math/big"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient share balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
)

// Infinite is the allowance value that never decreases when spent.
var Infinite = new(big.Int).Sub(new(big.Int).Lsh(bigint.One, 256), bigint.One)

type allowanceKey struct {
	owner, spender vault.Address
}

// Ledger is not safe for concurrent use; the owning pool serializes
// access.
type Ledger struct {
	balances    map[vault.Address]*big.Int
	allowances  map[allowanceKey]*big.Int
	totalSupply *big.Int
}

func New() *Ledger {
	return &Ledger{
		balances:    make(map[vault.Address]*big.Int),
		allowances:  make(map[allowanceKey]*big.Int),
		totalSupply: new(big.Int),
	}
}

func (l *Ledger) TotalSupply() *big.Int { return bigint.Clone(l.totalSupply) }

func (l *Ledger) BalanceOf(holder vault.Address) *big.Int {
	return bigint.Clone(l.balances[holder])
}

func (l *Ledger) Mint(to vault.Address, amount *big.Int) error {
	if to.IsZero() {
		return ErrZeroAddress
	}
	if l.balances[to] == nil {
		l.balances[to] = new(big.Int)
	}
	l.balances[to].Add(l.balances[to], amount)
	l.totalSupply.Add(l.totalSupply, amount)
	return nil
}

func (l *Ledger) Burn(from vault.Address, amount *big.Int) error {
	bal := l.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	l.totalSupply.Sub(l.totalSupply, amount)
	return nil
}

func (l *Ledger) Transfer(from, to vault.Address, amount *big.Int) error {
	if to.IsZero() {
		return ErrZeroAddress
	}
	bal := l.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	if l.balances[to] == nil {
		l.balances[to] = new(big.Int)
	}
	l.balances[to].Add(l.balances[to], amount)
	return nil
}

func (l *Ledger) Approve(owner, spender vault.Address, amount *big.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	l.allowances[allowanceKey{owner, spender}] = bigint.Clone(amount)
	return nil
}

func (l *Ledger) Allowance(owner, spender vault.Address) *big.Int {
	return bigint.Clone(l.allowances[allowanceKey{owner, spender}])
}

// SpendAllowance consumes amount from spender's allowance on owner's
// shares. The Infinite allowance is never decreased.
func (l *Ledger) SpendAllowance(owner, spender vault.Address, amount *big.Int) error {
	if owner == spender {
		return nil
	}
	al := l.allowances[allowanceKey{owner, spender}]
	if al == nil || al.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if al.Cmp(Infinite) == 0 {
		return nil
	}
	al.Sub(al, amount)
	return nil
}
