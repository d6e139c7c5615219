package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/buffer"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// The mutations below assume the external timelock collaborator has
// already reported the corresponding action unlocked; the pool itself
// is role-agnostic.

// AddVault registers a sub-vault with the given allocation cap.
func (p *Pool) AddVault(ctx context.Context, v vault.Vault, limitBps uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reg.Add(v, limitBps); err != nil {
		return err
	}
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventVaultAdded,
		Vault:  v.Address().String(),
		Detail: fmt.Sprintf("limit_bps=%d", limitBps),
	})
	p.log.Info("vault added", "vault", v.Address(), "limit_bps", limitBps)
	return nil
}

// RemoveVault unregisters a sub-vault. The pool first tries to redeem
// its whole position back into the idle balance; a failure there is
// swallowed and the vault is removed with whatever was recovered.
func (p *Pool) RemoveVault(ctx context.Context, addr vault.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.reg.Get(addr)
	if err != nil {
		return err
	}
	if held, err := entry.Vault.SharesOf(ctx, p.addr); err == nil && held.Sign() > 0 {
		if _, err := entry.Vault.RedeemShares(ctx, p.addr, held); err != nil {
			p.log.Warn("best-effort redemption on vault removal failed",
				"vault", addr, "shares", held.String(), "error", err)
		}
	}
	if err := p.reg.Remove(addr); err != nil {
		return err
	}
	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	p.journalLocked(ctx, journal.Event{
		Type:  journal.EventVaultRemoved,
		Vault: addr.String(),
	})
	p.log.Info("vault removed", "vault", addr)
	return nil
}

// SetAllocationLimit updates a registered vault's cap. Pre-existing
// positions above the new cap are tolerated; the cap binds pushes only.
func (p *Pool) SetAllocationLimit(ctx context.Context, addr vault.Address, limitBps uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reg.SetLimit(addr, limitBps); err != nil {
		return err
	}
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventLimitChanged,
		Vault:  addr.String(),
		Detail: fmt.Sprintf("limit_bps=%d", limitBps),
	})
	p.log.Info("allocation limit set", "vault", addr, "limit_bps", limitBps)
	return nil
}

// SetFee updates the protocol fee. Holdings are refreshed first so the
// vesting that already happened is charged at the old rate.
func (p *Pool) SetFee(ctx context.Context, feeBps uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	if err := p.buf.SetFeeBps(feeBps); err != nil {
		return err
	}
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventFeeChanged,
		Detail: fmt.Sprintf("fee_bps=%d", feeBps),
	})
	p.log.Info("fee set", "fee_bps", feeBps)
	return nil
}

// SetFeeReceiver updates where vesting fee shares are minted.
func (p *Pool) SetFeeReceiver(ctx context.Context, receiver vault.Address) error {
	if receiver.IsZero() || receiver == p.addr {
		return ErrBadFeeReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return err
	}
	p.feeReceiver = receiver
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventFeeChanged,
		Detail: fmt.Sprintf("fee_receiver=%s", receiver),
	})
	return nil
}

// VaultInfo is one registered vault in the read-only listing.
type VaultInfo struct {
	Address            vault.Address `json:"address"`
	AllocationLimitBps uint32        `json:"allocation_limit_bps"`
	Assets             *big.Int      `json:"assets"`
	Shares             *big.Int      `json:"shares"`
}

// ListVaults returns the registered vaults in registration order with
// their caps and current positions; a degraded vault reports zeros.
func (p *Pool) ListVaults(ctx context.Context) []VaultInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.reg.List()
	out := make([]VaultInfo, 0, len(entries))
	for _, e := range entries {
		info := VaultInfo{
			Address:            e.Vault.Address(),
			AllocationLimitBps: e.AllocationLimitBps,
			Assets:             new(big.Int),
			Shares:             new(big.Int),
		}
		if a, err := e.Vault.AssetsOf(ctx, p.addr); err == nil {
			info.Assets = a
		}
		if s, err := e.Vault.SharesOf(ctx, p.addr); err == nil {
			info.Shares = s
		}
		out = append(out, info)
	}
	return out
}

// AllocationLimitOf returns a registered vault's cap in basis points.
func (p *Pool) AllocationLimitOf(addr vault.Address) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.reg.Get(addr)
	if err != nil {
		return 0, err
	}
	return entry.AllocationLimitBps, nil
}

// State is the read-only pool snapshot served by the state endpoint.
type State struct {
	Asset           vault.Address   `json:"asset"`
	TotalAssets     string          `json:"total_assets"`
	IdleAssets      string          `json:"idle_assets"`
	LedgerSupply    string          `json:"ledger_supply"`
	EffectiveSupply string          `json:"effective_supply"`
	FeeReceiver     vault.Address   `json:"fee_receiver"`
	Buffer          buffer.Snapshot `json:"buffer"`
	Vaults          []VaultInfo     `json:"vaults"`
}

func (p *Pool) State(ctx context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total, err := p.totalAssetsLocked(ctx)
	if err != nil {
		return State{}, err
	}
	idle, err := p.idleLocked(ctx)
	if err != nil {
		return State{}, err
	}

	entries := p.reg.List()
	vaults := make([]VaultInfo, 0, len(entries))
	for _, e := range entries {
		info := VaultInfo{
			Address:            e.Vault.Address(),
			AllocationLimitBps: e.AllocationLimitBps,
			Assets:             new(big.Int),
			Shares:             new(big.Int),
		}
		if a, err := e.Vault.AssetsOf(ctx, p.addr); err == nil {
			info.Assets = a
		}
		if s, err := e.Vault.SharesOf(ctx, p.addr); err == nil {
			info.Shares = s
		}
		vaults = append(vaults, info)
	}

	return State{
		Asset:           p.token.Asset(),
		TotalAssets:     total.String(),
		IdleAssets:      idle.String(),
		LedgerSupply:    p.led.TotalSupply().String(),
		EffectiveSupply: p.effectiveSupplyLocked().String(),
		FeeReceiver:     p.feeReceiver,
		Buffer:          p.buf.Snapshot(),
		Vaults:          vaults,
	}, nil
}
