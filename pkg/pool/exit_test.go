package pool

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/ledger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

func TestAggregator_Pool_EmergencyExit(t *testing.T) {
	t.Parallel()

	t.Run("pays idle pro rata and transfers raw vault shares", func(t *testing.T) {
		t.Parallel()
		f, va, vb := spreadFixture(t)
		ctx := context.Background()

		assets, payouts, err := f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(35))
		require.NoError(t, err)
		require.Equal(t, "5", assets.String())
		require.Len(t, payouts, 2)
		require.Equal(t, "10", payouts[0].Shares.String())
		require.Equal(t, "20", payouts[1].Shares.String())

		// Alice holds the vault positions directly now.
		heldA, err := va.SharesOf(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, "10", heldA.String())
		heldB, err := vb.SharesOf(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, "20", heldB.String())

		require.Equal(t, "0", f.pool.BalanceOf(alice).String())
		require.Equal(t, "0", f.pool.TotalSupply().String())
		require.Equal(t, "970", f.tokenBalance(t, alice))

		// The emptied pool is not treated as having suffered a loss.
		state, err := f.pool.State(ctx)
		require.NoError(t, err)
		require.Equal(t, "0", state.TotalAssets)
		require.Equal(t, "0", state.Buffer.AssetsCached)
	})

	t.Run("partial exit takes the holder's fraction of everything", func(t *testing.T) {
		t.Parallel()
		f, va, vb := spreadFixture(t)
		ctx := context.Background()

		// 7 of 35 outstanding shares is a fifth of each source.
		assets, payouts, err := f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(7))
		require.NoError(t, err)
		require.Equal(t, "1", assets.String())
		require.Equal(t, "2", payouts[0].Shares.String())
		require.Equal(t, "4", payouts[1].Shares.String())

		require.Equal(t, "28", f.pool.BalanceOf(alice).String())
		require.Equal(t, "8", f.vaultAssets(t, va))
		require.Equal(t, "16", f.vaultAssets(t, vb))

		// The survivors' per-share value is untouched.
		value, err := f.pool.ConvertToAssets(big.NewInt(28))
		require.NoError(t, err)
		require.Equal(t, "28", value.String())
	})

	t.Run("exit value matches the redeem preview", func(t *testing.T) {
		t.Parallel()
		f, va, vb := spreadFixture(t)
		ctx := context.Background()

		preview, err := f.pool.ConvertToAssets(big.NewInt(35))
		require.NoError(t, err)

		idleOut, _, err := f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(35))
		require.NoError(t, err)

		// Value the transferred vault shares at the same instant: the
		// exit must deliver what a redeem would have previewed, minus
		// at most one unit of payout rounding per source.
		received := new(big.Int).Set(idleOut)
		for _, v := range []*vault.MemoryVault{va, vb} {
			held, err := v.AssetsOf(ctx, alice)
			require.NoError(t, err)
			received.Add(received, held)
		}
		diff := new(big.Int).Sub(preview, received)
		require.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(3)) <= 0,
			"preview %s, received %s", preview, received)
		require.Equal(t, "35", received.String())
	})

	t.Run("succeeds while a vault's withdraw path is broken", func(t *testing.T) {
		t.Parallel()
		f, va, _ := spreadFixture(t)
		ctx := context.Background()
		va.WithdrawErr = func() error { return errors.New("withdrawals disabled") }

		_, payouts, err := f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(35))
		require.NoError(t, err)
		require.Equal(t, "10", payouts[0].Shares.String())

		heldA, err := va.SharesOf(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, "10", heldA.String())
	})

	t.Run("third parties need allowance", func(t *testing.T) {
		t.Parallel()
		f, _, _ := spreadFixture(t)
		ctx := context.Background()

		_, _, err := f.pool.EmergencyExit(ctx, bob, bob, alice, big.NewInt(7))
		require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

		require.NoError(t, f.pool.Approve(alice, bob, big.NewInt(7)))
		assets, _, err := f.pool.EmergencyExit(ctx, bob, bob, alice, big.NewInt(7))
		require.NoError(t, err)
		require.Equal(t, "1", assets.String())
		require.Equal(t, "1001", f.tokenBalance(t, bob))
	})

	t.Run("rejects bad arguments", func(t *testing.T) {
		t.Parallel()
		f, _, _ := spreadFixture(t)
		ctx := context.Background()

		_, _, err := f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(0))
		require.ErrorIs(t, err, ErrZeroAmount)
		_, _, err = f.pool.EmergencyExit(ctx, alice, "", alice, big.NewInt(1))
		require.ErrorIs(t, err, ErrZeroReceiver)
		_, _, err = f.pool.EmergencyExit(ctx, alice, alice, alice, big.NewInt(36))
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})
}
