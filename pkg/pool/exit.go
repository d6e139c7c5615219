package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/ledger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/metrics"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/registry"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// VaultShareAmount is one vault's raw-share payout from an emergency
// exit.
type VaultShareAmount struct {
	Vault  vault.Address `json:"vault"`
	Shares *big.Int      `json:"shares"`
}

// EmergencyExit redeems shares pro-rata without calling any sub-vault's
// withdraw path: the receiver gets their fraction of the idle balance
// plus their fraction of the pool's raw share position in every vault,
// transferred as-is. This exit succeeds even when a sub-vault's
// withdraw/redeem is broken; the receiver then bears that vault's
// performance directly on the shares they now hold.
func (p *Pool) EmergencyExit(ctx context.Context, caller, receiver, owner vault.Address, shares *big.Int) (*big.Int, []VaultShareAmount, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	if receiver.IsZero() {
		return nil, nil, ErrZeroReceiver
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(ctx); err != nil {
		return nil, nil, err
	}
	if p.led.BalanceOf(owner).Cmp(shares) < 0 {
		return nil, nil, ledger.ErrInsufficientBalance
	}
	if err := p.led.SpendAllowance(owner, caller, shares); err != nil {
		return nil, nil, err
	}

	// After a refresh the stored buffered count is exactly the
	// unvested remainder, so this is the effective supply.
	supply := p.led.TotalSupply()
	supply.Add(supply, p.buf.BufferedShares())

	idle, err := p.idleLocked(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read idle balance: %w", err)
	}
	idleOut := bigint.MulDiv(idle, shares, supply)

	entries := p.reg.List()
	payouts := make([]VaultShareAmount, 0, len(entries))
	for _, e := range entries {
		held, err := e.Vault.SharesOf(ctx, p.addr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read share balance of vault %s: %w", e.Vault.Address(), err)
		}
		payouts = append(payouts, VaultShareAmount{
			Vault:  e.Vault.Address(),
			Shares: bigint.MulDiv(held, shares, supply),
		})
	}

	// Execute transfers before burning; any failure unwinds the
	// transfers already made so the exit is all-or-nothing.
	if idleOut.Sign() > 0 {
		if err := p.token.Transfer(ctx, p.addr, receiver, idleOut); err != nil {
			return nil, nil, fmt.Errorf("failed to pay out idle assets: %w", err)
		}
	}
	for i, out := range payouts {
		if out.Shares.Sign() == 0 {
			continue
		}
		if err := entries[i].Vault.TransferShares(ctx, p.addr, receiver, out.Shares); err != nil {
			p.unwindExitLocked(ctx, receiver, idleOut, entries, payouts[:i])
			return nil, nil, fmt.Errorf("failed to transfer shares of vault %s: %w", out.Vault, err)
		}
	}
	if err := p.led.Burn(owner, shares); err != nil {
		return nil, nil, err
	}
	// Shares and assets left proportionally, so per-share value is
	// unchanged; re-measure the total instead of recognizing the exit
	// as a loss.
	if total, err := p.totalAssetsLocked(ctx); err == nil {
		p.buf.Rebaseline(total)
	}

	metrics.EmergencyExitsTotal.Inc()
	p.journalLocked(ctx, journal.Event{
		Type:   journal.EventEmergencyExit,
		Actor:  caller.String(),
		Assets: idleOut.String(),
		Shares: shares.String(),
	})
	p.log.Info("emergency exit", "caller", caller, "owner", owner, "receiver", receiver,
		"shares", shares.String(), "idle_assets", idleOut.String())
	return idleOut, payouts, nil
}

// unwindExitLocked reverses the value moved by an aborted emergency
// exit: the idle payout and every vault-share transfer completed so
// far. Reversal failures are logged and skipped; value then sits with
// the receiver without the matching share burn, which the operator must
// reconcile from the journal.
func (p *Pool) unwindExitLocked(ctx context.Context, receiver vault.Address, idleOut *big.Int, entries []registry.Entry, completed []VaultShareAmount) {
	if idleOut.Sign() > 0 {
		if err := p.token.Transfer(ctx, receiver, p.addr, idleOut); err != nil {
			p.log.Error("failed to unwind emergency exit idle payout",
				"receiver", receiver, "assets", idleOut.String(), "error", err)
		}
	}
	for i, out := range completed {
		if out.Shares.Sign() == 0 {
			continue
		}
		if err := entries[i].Vault.TransferShares(ctx, receiver, p.addr, out.Shares); err != nil {
			p.log.Error("failed to unwind emergency exit share transfer",
				"vault", out.Vault, "shares", out.Shares.String(), "error", err)
		}
	}
}
