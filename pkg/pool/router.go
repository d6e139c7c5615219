package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/metrics"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/registry"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// ShortfallError reports the exact amount a withdrawal attempt could
// not gather after exhausting every source.
type ShortfallError struct {
	Missing *big.Int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("liquidity shortfall: missing %s", e.Missing)
}

// Push moves assets from the idle balance into a registered vault,
// enforcing that vault's allocation cap. A violating push is
// compensated: the deposit is undone and the call fails with
// ErrAllocationLimit.
func (p *Pool) Push(ctx context.Context, assets *big.Int, addr vault.Address) error {
	if assets == nil || assets.Sign() <= 0 {
		return ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	entry, err := p.reg.Get(addr)
	if err != nil {
		return err
	}

	mintedShares, err := entry.Vault.Deposit(ctx, p.addr, assets)
	if err != nil {
		return fmt.Errorf("failed to deposit into vault %s: %w", addr, err)
	}

	position, err := entry.Vault.AssetsOf(ctx, p.addr)
	if err != nil {
		position = nil // force the cap check below to fail closed
	}
	total, terr := p.totalAssetsLocked(ctx)
	if position == nil || terr != nil || p.overLimitLocked(position, total, entry.AllocationLimitBps) {
		// Undo the deposit so no funds are stranded over the cap.
		if _, rerr := entry.Vault.RedeemShares(ctx, p.addr, mintedShares); rerr != nil {
			p.log.Error("failed to compensate over-cap push",
				"vault", addr, "shares", mintedShares.String(), "error", rerr)
			return fmt.Errorf("push exceeded cap and compensation failed: %w", rerr)
		}
		return fmt.Errorf("%w: vault %s", ErrAllocationLimit, addr)
	}

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventPush,
		Vault:  addr.String(),
		Assets: assets.String(),
	})
	p.log.Info("push", "vault", addr, "assets", assets.String())
	return nil
}

func (p *Pool) overLimitLocked(position, total *big.Int, limitBps uint32) bool {
	// position > total * limit / 10000, compared without division.
	lhs := new(big.Int).Mul(position, big.NewInt(registry.MaxLimitBps))
	rhs := new(big.Int).Mul(total, big.NewInt(int64(limitBps)))
	return lhs.Cmp(rhs) > 0
}

// Pull withdraws assets from a registered vault back into the idle
// balance. Removing funds can only reduce a cap excess, so no cap check
// applies.
func (p *Pool) Pull(ctx context.Context, assets *big.Int, addr vault.Address) error {
	if assets == nil || assets.Sign() <= 0 {
		return ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	entry, err := p.reg.Get(addr)
	if err != nil {
		return err
	}
	if _, err := entry.Vault.Withdraw(ctx, p.addr, assets); err != nil {
		return fmt.Errorf("failed to withdraw from vault %s: %w", addr, err)
	}

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventPull,
		Vault:  addr.String(),
		Assets: assets.String(),
	})
	p.log.Info("pull", "vault", addr, "assets", assets.String())
	return nil
}

// PullShares redeems an exact vault-share amount from a registered
// vault back into the idle balance.
func (p *Pool) PullShares(ctx context.Context, shares *big.Int, addr vault.Address) error {
	if shares == nil || shares.Sign() <= 0 {
		return ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	entry, err := p.reg.Get(addr)
	if err != nil {
		return err
	}
	assets, err := entry.Vault.RedeemShares(ctx, p.addr, shares)
	if err != nil {
		return fmt.Errorf("failed to redeem from vault %s: %w", addr, err)
	}

	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventPull,
		Vault:  addr.String(),
		Assets: assets.String(),
		Shares: shares.String(),
	})
	return nil
}

// withdrawAssetsLocked gathers required assets into the idle balance:
// proportionally across all sources first (keeps allocation ratios
// stable), falling back to sequential draining when that fails
// (tolerant of misbehaving vaults, at the cost of ratio drift).
func (p *Pool) withdrawAssetsLocked(ctx context.Context, required *big.Int) error {
	err := p.pullProportionalLocked(ctx, required)
	if err == nil {
		return nil
	}
	p.log.Warn("proportional withdrawal failed, falling back to sequential",
		"required", required.String(), "error", err)
	metrics.WithdrawFallbacksTotal.Inc()
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventFallback,
		Assets: required.String(),
		Detail: err.Error(),
	})
	return p.pullSequentialLocked(ctx, required)
}

// pullProportionalLocked withdraws required assets from idle and every
// vault in proportion to each source's share of total managed assets.
// Floor-prorated per-source amounts are topped up first from spare idle
// capacity, then from vaults in registry order, so the executed sum is
// never below required. The attempt is all-or-nothing: if planning
// comes up short it fails with no side effects, and if a vault fails
// mid-execution every already-applied withdrawal is unwound.
func (p *Pool) pullProportionalLocked(ctx context.Context, required *big.Int) error {
	idle, err := p.idleLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to read idle balance: %w", err)
	}
	total, err := p.totalAssetsLocked(ctx)
	if err != nil {
		return err
	}
	if total.Sign() == 0 {
		return ErrNoAssets
	}

	entries := p.reg.List()
	values := make([]*big.Int, len(entries))
	capacities := make([]*big.Int, len(entries))
	for i, e := range entries {
		v, err := e.Vault.AssetsOf(ctx, p.addr)
		if err != nil {
			v = new(big.Int)
		}
		values[i] = v
		c, err := e.Vault.MaxWithdraw(ctx, p.addr)
		if err != nil {
			c = new(big.Int)
		}
		capacities[i] = c
	}

	// Floor-prorated plan.
	amountIdle := bigint.MulDiv(required, idle, total)
	amounts := make([]*big.Int, len(entries))
	gathered := bigint.Clone(amountIdle)
	for i := range entries {
		amounts[i] = bigint.MulDiv(required, values[i], total)
		gathered.Add(gathered, amounts[i])
	}

	// Cover the rounding shortfall: spare idle first, then vaults in
	// registry order up to their instantaneous capacity.
	missing := new(big.Int).Sub(required, gathered)
	if missing.Sign() > 0 {
		spare := new(big.Int).Sub(idle, amountIdle)
		if spare.Sign() > 0 {
			take := bigint.Min(missing, spare)
			amountIdle.Add(amountIdle, take)
			missing.Sub(missing, take)
		}
	}
	for i := range entries {
		if missing.Sign() <= 0 {
			break
		}
		spare := new(big.Int).Sub(capacities[i], amounts[i])
		if spare.Sign() <= 0 {
			continue
		}
		take := bigint.Min(missing, spare)
		amounts[i].Add(amounts[i], take)
		missing.Sub(missing, take)
	}
	if missing.Sign() > 0 {
		return &ShortfallError{Missing: missing}
	}

	// Execute, unwinding on any mid-flight failure so the caller can
	// cleanly retry via the sequential path.
	done := make([]int, 0, len(entries))
	for i, e := range entries {
		if amounts[i].Sign() == 0 {
			continue
		}
		if _, err := e.Vault.Withdraw(ctx, p.addr, amounts[i]); err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "withdraw").Inc()
			p.unwindLocked(ctx, entries, amounts, done)
			return fmt.Errorf("proportional withdrawal from vault %s failed: %w", e.Vault.Address(), err)
		}
		done = append(done, i)
	}
	return nil
}

// unwindLocked re-deposits amounts already withdrawn by an aborted
// proportional attempt. A failed re-deposit is logged and skipped; the
// funds stay idle, which only makes the pool more liquid.
func (p *Pool) unwindLocked(ctx context.Context, entries []registry.Entry, amounts []*big.Int, done []int) {
	for _, i := range done {
		if _, err := entries[i].Vault.Deposit(ctx, p.addr, amounts[i]); err != nil {
			p.log.Error("failed to unwind withdrawal, funds stay idle",
				"vault", entries[i].Vault.Address(), "assets", amounts[i].String(), "error", err)
		}
	}
}

// pullSequentialLocked drains idle first, then vaults in registry
// order. A vault that fails mid-withdrawal is skipped and signalled
// rather than aborting; if every source is exhausted and the request is
// still short, the exact residual is reported.
func (p *Pool) pullSequentialLocked(ctx context.Context, required *big.Int) error {
	idle, err := p.idleLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to read idle balance: %w", err)
	}
	needed := new(big.Int).Sub(required, idle)
	if needed.Sign() <= 0 {
		return nil
	}

	for _, e := range p.reg.List() {
		capacity, err := e.Vault.MaxWithdraw(ctx, p.addr)
		if err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "max_withdraw").Inc()
			p.log.Warn("skipping vault in sequential withdrawal",
				"vault", e.Vault.Address(), "error", err)
			continue
		}
		take := bigint.Min(needed, capacity)
		if take.Sign() <= 0 {
			continue
		}
		if _, err := e.Vault.Withdraw(ctx, p.addr, take); err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "withdraw").Inc()
			p.log.Warn("skipping vault in sequential withdrawal",
				"vault", e.Vault.Address(), "error", err)
			continue
		}
		needed.Sub(needed, take)
		if needed.Sign() == 0 {
			return nil
		}
	}
	return &ShortfallError{Missing: needed}
}
