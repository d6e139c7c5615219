package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrZeroAddress         = errors.New("zero address")
)

// MemoryToken is an in-memory asset token used by tests and the local
// dev mode.
type MemoryToken struct {
	mu       sync.Mutex
	asset    Address
	balances map[Address]*big.Int
}

func NewMemoryToken(asset Address) *MemoryToken {
	return &MemoryToken{
		asset:    asset,
		balances: make(map[Address]*big.Int),
	}
}

func (t *MemoryToken) Asset() Address { return t.asset }

// Mint credits amount to holder. Test/fixture helper.
func (t *MemoryToken) Mint(holder Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(holder, amount)
}

func (t *MemoryToken) BalanceOf(_ context.Context, holder Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bigint.Clone(t.balances[holder]), nil
}

func (t *MemoryToken) Transfer(_ context.Context, from, to Address, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if amount.Sign() < 0 {
		return errors.New("negative transfer amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *MemoryToken) credit(holder Address, amount *big.Int) {
	if t.balances[holder] == nil {
		t.balances[holder] = new(big.Int)
	}
	t.balances[holder].Add(t.balances[holder], amount)
}

// MemoryVault is an in-memory yield-bearing sub-vault. Yield is
// simulated by adjusting the asset side of the share/asset ratio via
// AddYield. Failure hooks let tests make individual calls misbehave.
type MemoryVault struct {
	mu          sync.Mutex
	addr        Address
	token       *MemoryToken
	shares      map[Address]*big.Int
	totalShares *big.Int
	totalAssets *big.Int

	// WithdrawLimit, when non-nil, caps how many assets any single
	// holder can pull out right now, simulating thin liquidity.
	WithdrawLimit *big.Int

	// Failure hooks; when set and returning a non-nil error, the
	// corresponding call fails with no effect.
	DepositErr  func() error
	WithdrawErr func() error
	ReadErr     func() error
}

func NewMemoryVault(addr Address, token *MemoryToken) *MemoryVault {
	return &MemoryVault{
		addr:        addr,
		token:       token,
		shares:      make(map[Address]*big.Int),
		totalShares: new(big.Int),
		totalAssets: new(big.Int),
	}
}

func (v *MemoryVault) Address() Address { return v.addr }
func (v *MemoryVault) Asset() Address   { return v.token.Asset() }

// AddYield adjusts the vault's total assets by delta (negative for a
// loss), changing the value of every outstanding share.
func (v *MemoryVault) AddYield(delta *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets.Add(v.totalAssets, delta)
	if v.totalAssets.Sign() < 0 {
		v.totalAssets.SetInt64(0)
	}
}

func (v *MemoryVault) Deposit(ctx context.Context, holder Address, assets *big.Int) (*big.Int, error) {
	if v.DepositErr != nil {
		if err := v.DepositErr(); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	shares := bigint.Clone(assets)
	if v.totalShares.Sign() > 0 && v.totalAssets.Sign() > 0 {
		shares = bigint.MulDiv(assets, v.totalShares, v.totalAssets)
	}
	if err := v.token.Transfer(ctx, holder, v.addr, assets); err != nil {
		return nil, err
	}
	v.creditShares(holder, shares)
	v.totalShares.Add(v.totalShares, shares)
	v.totalAssets.Add(v.totalAssets, assets)
	return shares, nil
}

func (v *MemoryVault) Withdraw(ctx context.Context, holder Address, assets *big.Int) (*big.Int, error) {
	if v.WithdrawErr != nil {
		if err := v.WithdrawErr(); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.totalAssets.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	if v.WithdrawLimit != nil && assets.Cmp(v.WithdrawLimit) > 0 {
		return nil, ErrInsufficientBalance
	}
	shares := bigint.MulDivUp(assets, v.totalShares, v.totalAssets)
	held := v.shares[holder]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if err := v.token.Transfer(ctx, v.addr, holder, assets); err != nil {
		return nil, err
	}
	held.Sub(held, shares)
	v.totalShares.Sub(v.totalShares, shares)
	v.totalAssets.Sub(v.totalAssets, assets)
	return shares, nil
}

func (v *MemoryVault) RedeemShares(ctx context.Context, holder Address, shares *big.Int) (*big.Int, error) {
	if v.WithdrawErr != nil {
		if err := v.WithdrawErr(); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.shares[holder]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if v.totalShares.Sign() == 0 {
		return new(big.Int), nil
	}
	assets := bigint.MulDiv(shares, v.totalAssets, v.totalShares)
	if err := v.token.Transfer(ctx, v.addr, holder, assets); err != nil {
		return nil, err
	}
	held.Sub(held, shares)
	v.totalShares.Sub(v.totalShares, shares)
	v.totalAssets.Sub(v.totalAssets, assets)
	return assets, nil
}

func (v *MemoryVault) AssetsOf(_ context.Context, holder Address) (*big.Int, error) {
	if v.ReadErr != nil {
		if err := v.ReadErr(); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.shares[holder]
	if held == nil || v.totalShares.Sign() == 0 {
		return new(big.Int), nil
	}
	return bigint.MulDiv(held, v.totalAssets, v.totalShares), nil
}

func (v *MemoryVault) SharesOf(_ context.Context, holder Address) (*big.Int, error) {
	if v.ReadErr != nil {
		if err := v.ReadErr(); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return bigint.Clone(v.shares[holder]), nil
}

func (v *MemoryVault) MaxWithdraw(ctx context.Context, holder Address) (*big.Int, error) {
	assets, err := v.AssetsOf(ctx, holder)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.WithdrawLimit != nil {
		assets = bigint.Min(assets, v.WithdrawLimit)
	}
	return assets, nil
}

func (v *MemoryVault) TransferShares(_ context.Context, from, to Address, shares *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.shares[from]
	if held == nil || held.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	held.Sub(held, shares)
	v.creditShares(to, shares)
	return nil
}

func (v *MemoryVault) creditShares(holder Address, shares *big.Int) {
	if v.shares[holder] == nil {
		v.shares[holder] = new(big.Int)
	}
	v.shares[holder].Add(v.shares[holder], shares)
}
