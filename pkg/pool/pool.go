// Package pool implements the pooled-capital vault-of-vaults: a share
// ledger over a single asset pool whose capital is allocated across
// registered sub-vaults, with gains and losses recognized through the
// buffer package's time-weighted smoothing before they reach
// withdrawable value.
//
// Execution is single-threaded and transactional: every public entry
// point runs under the pool mutex to completion. Collaborator
// implementations (vault.Token, vault.Vault) must not call back into
// the pool; a reentrant call would deadlock on the mutex instead of
// observing partial state.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/buffer"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/ledger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/registry"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

var (
	ErrZeroAmount      = errors.New("amount must be positive")
	ErrZeroReceiver    = errors.New("receiver address is zero")
	ErrBadFeeReceiver  = errors.New("fee receiver must be non-zero and not the pool")
	ErrPoolDrained     = errors.New("pool has outstanding shares but no recognized assets")
	ErrAllocationLimit = errors.New("push would exceed the vault's allocation limit")
	ErrNoAssets        = errors.New("pool has no assets to withdraw from")
)

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Journal       journal.Journal
	Address       vault.Address
	Token         vault.Token
	FeeReceiver   vault.Address
	FeeBps        uint32
	VestingWindow time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == nil {
		return errors.New("token is required")
	}
	if cfg.Address.IsZero() {
		return errors.New("pool address is required")
	}
	if cfg.FeeReceiver.IsZero() || cfg.FeeReceiver == cfg.Address {
		return ErrBadFeeReceiver
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}
	return nil
}

type Pool struct {
	log   *slog.Logger
	clock clockwork.Clock
	jrnl  journal.Journal

	addr        vault.Address
	token       vault.Token
	feeReceiver vault.Address

	mu  sync.Mutex
	buf *buffer.Buffer
	reg *registry.Registry
	led *ledger.Ledger
}

func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	buf, err := buffer.New(buffer.Config{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		VestingWindow: cfg.VestingWindow,
		FeeBps:        cfg.FeeBps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}
	return &Pool{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		jrnl:        cfg.Journal,
		addr:        cfg.Address,
		token:       cfg.Token,
		feeReceiver: cfg.FeeReceiver,
		buf:         buf,
		reg:         registry.New(cfg.Address, cfg.Token.Asset()),
		led:         ledger.New(),
	}, nil
}

func (p *Pool) Address() vault.Address { return p.addr }
func (p *Pool) Asset() vault.Address   { return p.token.Asset() }

// effectiveSupplyLocked is the share count conversions price against:
// ledger supply plus the as-of-now unvested buffer and the fee shares
// its release would mint.
func (p *Pool) effectiveSupplyLocked() *big.Int {
	supply := p.led.TotalSupply()
	return supply.Add(supply, p.buf.PreviewSupplyAdjustment())
}

func (p *Pool) convertToSharesLocked(assets *big.Int, roundUp bool) (*big.Int, error) {
	supply := p.effectiveSupplyLocked()
	if supply.Sign() == 0 {
		return bigint.Clone(assets), nil
	}
	cached := p.buf.AssetsCached()
	if cached.Sign() == 0 {
		return nil, ErrPoolDrained
	}
	if roundUp {
		return bigint.MulDivUp(assets, supply, cached), nil
	}
	return bigint.MulDiv(assets, supply, cached), nil
}

func (p *Pool) convertToAssetsLocked(shares *big.Int, roundUp bool) (*big.Int, error) {
	supply := p.effectiveSupplyLocked()
	if supply.Sign() == 0 {
		return bigint.Clone(shares), nil
	}
	cached := p.buf.AssetsCached()
	if roundUp {
		return bigint.MulDivUp(shares, cached, supply), nil
	}
	return bigint.MulDiv(shares, cached, supply), nil
}

// ConvertToShares previews the share amount a deposit of assets would
// mint at current per-share value.
func (p *Pool) ConvertToShares(assets *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convertToSharesLocked(assets, false)
}

// ConvertToAssets previews the asset value of a share amount at current
// per-share value.
func (p *Pool) ConvertToAssets(shares *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convertToAssetsLocked(shares, false)
}

// Deposit takes assets from caller, mints shares to receiver, and fans
// the new capital out across sub-vaults proportionally to current
// allocation.
func (p *Pool) Deposit(ctx context.Context, caller, receiver vault.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if receiver.IsZero() {
		return nil, ErrZeroReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return nil, err
	}
	shares, err := p.convertToSharesLocked(assets, false)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	if err := p.token.Transfer(ctx, caller, p.addr, assets); err != nil {
		return nil, fmt.Errorf("failed to collect deposit: %w", err)
	}
	if err := p.led.Mint(receiver, shares); err != nil {
		return nil, err
	}
	p.buf.AdjustBaseline(assets)
	p.fanOutLocked(ctx, assets)

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventDeposit,
		Actor:  caller.String(),
		Assets: assets.String(),
		Shares: shares.String(),
	})
	p.log.Info("deposit", "caller", caller, "receiver", receiver,
		"assets", assets.String(), "shares", shares.String())
	return shares, nil
}

// Mint is Deposit denominated in shares: it mints exactly shares to
// receiver and takes the rounded-up asset amount from caller.
func (p *Pool) Mint(ctx context.Context, caller, receiver vault.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if receiver.IsZero() {
		return nil, ErrZeroReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return nil, err
	}
	assets, err := p.convertToAssetsLocked(shares, true)
	if err != nil {
		return nil, err
	}
	if assets.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	if err := p.token.Transfer(ctx, caller, p.addr, assets); err != nil {
		return nil, fmt.Errorf("failed to collect deposit: %w", err)
	}
	if err := p.led.Mint(receiver, shares); err != nil {
		return nil, err
	}
	p.buf.AdjustBaseline(assets)
	p.fanOutLocked(ctx, assets)

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventDeposit,
		Actor:  caller.String(),
		Assets: assets.String(),
		Shares: shares.String(),
	})
	return assets, nil
}

// Withdraw sends exactly assets to receiver, burning the rounded-up
// share amount from owner. Capital is gathered proportionally across
// sources, falling back to sequential draining if that fails.
func (p *Pool) Withdraw(ctx context.Context, caller, receiver, owner vault.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if receiver.IsZero() {
		return nil, ErrZeroReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return nil, err
	}
	shares, err := p.convertToSharesLocked(assets, true)
	if err != nil {
		return nil, err
	}
	if err := p.redeemLocked(ctx, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns exactly shares from owner and sends the rounded-down
// asset value to receiver.
func (p *Pool) Redeem(ctx context.Context, caller, receiver, owner vault.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if receiver.IsZero() {
		return nil, ErrZeroReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return nil, err
	}
	assets, err := p.convertToAssetsLocked(shares, false)
	if err != nil {
		return nil, err
	}
	if err := p.redeemLocked(ctx, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

// redeemLocked is the shared exit path for Withdraw and Redeem: spend
// allowance, gather assets into the idle balance, burn, pay out,
// re-baseline.
func (p *Pool) redeemLocked(ctx context.Context, caller, receiver, owner vault.Address, assets, shares *big.Int) error {
	if p.led.BalanceOf(owner).Cmp(shares) < 0 {
		return ledger.ErrInsufficientBalance
	}
	if err := p.led.SpendAllowance(owner, caller, shares); err != nil {
		return err
	}
	if assets.Sign() > 0 {
		if err := p.withdrawAssetsLocked(ctx, assets); err != nil {
			return err
		}
	}
	if err := p.led.Burn(owner, shares); err != nil {
		return err
	}
	if assets.Sign() > 0 {
		if err := p.token.Transfer(ctx, p.addr, receiver, assets); err != nil {
			return fmt.Errorf("failed to pay out withdrawal: %w", err)
		}
		p.buf.AdjustBaseline(new(big.Int).Neg(assets))
	}

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventWithdraw,
		Actor:  caller.String(),
		Assets: assets.String(),
		Shares: shares.String(),
	})
	p.log.Info("withdraw", "caller", caller, "receiver", receiver, "owner", owner,
		"assets", assets.String(), "shares", shares.String())
	return nil
}

// MaxDeposit and MaxMint are unbounded; the pool accepts any amount the
// caller can fund.
func (p *Pool) MaxDeposit(vault.Address) *big.Int { return bigint.Clone(ledger.Infinite) }
func (p *Pool) MaxMint(vault.Address) *big.Int    { return bigint.Clone(ledger.Infinite) }

// MaxWithdraw reports the assets owner could withdraw right now:
// the owner's share value capped by instantaneous pool liquidity
// (idle plus every vault's current withdrawal capacity, degraded vaults
// counted as zero). Read-only.
func (p *Pool) MaxWithdraw(ctx context.Context, owner vault.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := p.convertToAssetsLocked(p.led.BalanceOf(owner), false)
	if err != nil {
		return nil, err
	}
	return bigint.Min(value, p.liquidAssetsLocked(ctx)), nil
}

// MaxRedeem reports the share amount owner could redeem right now,
// bounded by pool liquidity.
func (p *Pool) MaxRedeem(ctx context.Context, owner vault.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	liquid := p.liquidAssetsLocked(ctx)
	liquidShares, err := p.convertToSharesLocked(liquid, false)
	if err != nil {
		return nil, err
	}
	return bigint.Min(p.led.BalanceOf(owner), liquidShares), nil
}

// BalanceOf, TotalSupply, Approve, and Allowance expose the share
// ledger.
func (p *Pool) BalanceOf(holder vault.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.led.BalanceOf(holder)
}

func (p *Pool) TotalSupply() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveSupplyLocked()
}

func (p *Pool) Approve(owner, spender vault.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.led.Approve(owner, spender, amount)
}

func (p *Pool) Allowance(owner, spender vault.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.led.Allowance(owner, spender)
}

func (p *Pool) journalLocked(ctx context.Context, ev journal.Event) {
	ev.OccurredAt = p.clock.Now().UTC()
	if err := p.jrnl.Record(ctx, ev); err != nil {
		p.log.Error("failed to journal event", "type", ev.Type, "error", err)
	}
}
