package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/buffer"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/metrics"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/registry"
)

// idleLocked is the pool's un-allocated asset balance.
func (p *Pool) idleLocked(ctx context.Context) (*big.Int, error) {
	return p.token.BalanceOf(ctx, p.addr)
}

// totalAssetsLocked is the current true total managed value: idle
// balance plus every registered vault's reported position. A vault
// whose report fails contributes zero instead of failing the read.
func (p *Pool) totalAssetsLocked(ctx context.Context) (*big.Int, error) {
	total, err := p.idleLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read idle balance: %w", err)
	}
	for _, e := range p.reg.List() {
		assets, err := e.Vault.AssetsOf(ctx, p.addr)
		if err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "assets_of").Inc()
			p.log.Warn("vault position read failed, counting as zero",
				"vault", e.Vault.Address(), "error", err)
			continue
		}
		total.Add(total, assets)
	}
	return total, nil
}

// TotalAssets reports the current true total managed value, read-only.
func (p *Pool) TotalAssets(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalAssetsLocked(ctx)
}

// liquidAssetsLocked is the amount withdrawable right now across all
// sources, with degraded vaults counted as zero.
func (p *Pool) liquidAssetsLocked(ctx context.Context) *big.Int {
	liquid, err := p.idleLocked(ctx)
	if err != nil {
		p.log.Warn("idle balance read failed, counting as zero", "error", err)
		liquid = new(big.Int)
	}
	for _, e := range p.reg.List() {
		capacity, err := e.Vault.MaxWithdraw(ctx, p.addr)
		if err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "max_withdraw").Inc()
			continue
		}
		liquid.Add(liquid, capacity)
	}
	return liquid
}

// RefreshHoldingsState recognizes the current total assets through the
// buffer and applies the resulting share deltas. Anyone may call it
// opportunistically; every user-facing operation calls it before and
// after moving value.
func (p *Pool) RefreshHoldingsState(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Pool) refreshLocked(ctx context.Context) error {
	total, err := p.totalAssetsLocked(ctx)
	if err != nil {
		return err
	}
	upd, err := p.buf.Update(total, p.led.TotalSupply())
	if err != nil {
		return fmt.Errorf("failed to update buffer: %w", err)
	}
	if upd.FeeShares.Sign() > 0 {
		if err := p.led.Mint(p.feeReceiver, upd.FeeShares); err != nil {
			return fmt.Errorf("failed to mint fee shares: %w", err)
		}
	}

	p.observeHoldingsLocked(ctx, upd)
	return nil
}

func (p *Pool) observeHoldingsLocked(ctx context.Context, upd buffer.Update) {
	direction := "flat"
	switch upd.AssetsCached.Cmp(upd.PrevAssetsCached) {
	case 1:
		direction = "gain"
	case -1:
		direction = "loss"
	}
	metrics.RefreshesTotal.WithLabelValues(direction).Inc()
	metrics.TotalAssets.Set(approxFloat(upd.AssetsCached))
	metrics.BufferedShares.Set(approxFloat(p.buf.BufferedShares()))

	if direction == "flat" && upd.Released.Sign() == 0 {
		return
	}
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventRefresh,
		Assets: upd.AssetsCached.String(),
		Detail: fmt.Sprintf("prev=%s released=%s fee=%s minted=%s burned=%s",
			upd.PrevAssetsCached, upd.Released, upd.FeeShares, upd.Minted, upd.Burned),
	})
	p.log.Info("holdings state refreshed",
		"prev_assets", upd.PrevAssetsCached.String(),
		"assets", upd.AssetsCached.String(),
		"released", upd.Released.String(),
		"fee_shares", upd.FeeShares.String(),
		"minted", upd.Minted.String(),
		"burned", upd.Burned.String(),
	)
}

// approxFloat renders a big integer as a float64 gauge value; precision
// loss is acceptable for monitoring.
func approxFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// fanOutLocked distributes newly deposited assets across vaults in
// proportion to their pre-deposit values, bounded by each vault's
// allocation headroom. Whatever cannot be placed stays idle; individual
// vault failures only keep that slice idle.
func (p *Pool) fanOutLocked(ctx context.Context, assets *big.Int) {
	entries := p.reg.List()
	if len(entries) == 0 {
		return
	}
	total, err := p.totalAssetsLocked(ctx)
	if err != nil || total.Sign() == 0 {
		return
	}
	// Prorate against the pre-deposit total so existing idle:vault
	// ratios carry over; the deposit itself is already in the idle
	// balance total was measured with.
	preTotal := new(big.Int).Sub(total, assets)
	if preTotal.Sign() <= 0 {
		return
	}

	values := make([]*big.Int, len(entries))
	allocated := new(big.Int)
	for i, e := range entries {
		v, err := e.Vault.AssetsOf(ctx, p.addr)
		if err != nil {
			v = new(big.Int)
		}
		values[i] = v
		allocated.Add(allocated, v)
	}
	if allocated.Sign() == 0 {
		// Nothing allocated yet; capital stays idle until a push.
		return
	}

	for i, e := range entries {
		amount := bigint.MulDiv(assets, values[i], preTotal)
		if amount.Sign() == 0 {
			continue
		}
		// Respect the allocation cap: cap the slice at the vault's
		// remaining headroom.
		limit := bigint.MulDiv(total, big.NewInt(int64(e.AllocationLimitBps)), big.NewInt(registry.MaxLimitBps))
		headroom := new(big.Int).Sub(limit, values[i])
		if headroom.Sign() <= 0 {
			continue
		}
		amount = bigint.Min(amount, headroom)
		if _, err := e.Vault.Deposit(ctx, p.addr, amount); err != nil {
			metrics.VaultCallErrorsTotal.WithLabelValues(e.Vault.Address().String(), "deposit").Inc()
			p.log.Warn("fan-out deposit failed, leaving slice idle",
				"vault", e.Vault.Address(), "assets", amount.String(), "error", err)
		}
	}
}
