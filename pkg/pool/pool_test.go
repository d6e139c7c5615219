package pool

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/ledger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/logger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

const (
	poolAddr  = vault.Address("pool")
	assetAddr = vault.Address("asset")
	feeRecv   = vault.Address("fee-receiver")
	alice     = vault.Address("alice")
	bob       = vault.Address("bob")
)

type fixture struct {
	pool  *Pool
	token *vault.MemoryToken
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, feeBps uint32) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	token := vault.NewMemoryToken(assetAddr)
	token.Mint(alice, big.NewInt(1_000))
	token.Mint(bob, big.NewInt(1_000))

	p, err := New(Config{
		Logger:      logger.NewTest(),
		Clock:       clock,
		Address:     poolAddr,
		Token:       token,
		FeeReceiver: feeRecv,
		FeeBps:      feeBps,
	})
	require.NoError(t, err)
	return &fixture{pool: p, token: token, clock: clock}
}

func (f *fixture) addVault(t *testing.T, addr vault.Address, limitBps uint32) *vault.MemoryVault {
	t.Helper()
	v := vault.NewMemoryVault(addr, f.token)
	require.NoError(t, f.pool.AddVault(context.Background(), v, limitBps))
	return v
}

func (f *fixture) deposit(t *testing.T, caller vault.Address, assets int64) *big.Int {
	t.Helper()
	shares, err := f.pool.Deposit(context.Background(), caller, caller, big.NewInt(assets))
	require.NoError(t, err)
	return shares
}

func (f *fixture) push(t *testing.T, assets int64, addr vault.Address) {
	t.Helper()
	require.NoError(t, f.pool.Push(context.Background(), big.NewInt(assets), addr))
}

func (f *fixture) tokenBalance(t *testing.T, holder vault.Address) string {
	t.Helper()
	bal, err := f.token.BalanceOf(context.Background(), holder)
	require.NoError(t, err)
	return bal.String()
}

func (f *fixture) vaultAssets(t *testing.T, v *vault.MemoryVault) string {
	t.Helper()
	assets, err := v.AssetsOf(context.Background(), poolAddr)
	require.NoError(t, err)
	return assets.String()
}

func TestAggregator_Pool_New(t *testing.T) {
	t.Parallel()

	t.Run("requires core collaborators", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")

		_, err = New(Config{Logger: logger.NewTest()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "token is required")
	})

	t.Run("rejects a bad fee receiver", func(t *testing.T) {
		t.Parallel()
		token := vault.NewMemoryToken(assetAddr)
		_, err := New(Config{Logger: logger.NewTest(), Token: token, Address: poolAddr})
		require.ErrorIs(t, err, ErrBadFeeReceiver)

		_, err = New(Config{Logger: logger.NewTest(), Token: token, Address: poolAddr, FeeReceiver: poolAddr})
		require.ErrorIs(t, err, ErrBadFeeReceiver)
	})
}

func TestAggregator_Pool_Deposit(t *testing.T) {
	t.Parallel()

	t.Run("first deposit mints one to one", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		shares := f.deposit(t, alice, 100)
		require.Equal(t, "100", shares.String())
		require.Equal(t, "100", f.pool.BalanceOf(alice).String())
		require.Equal(t, "100", f.pool.TotalSupply().String())
		require.Equal(t, "100", f.tokenBalance(t, poolAddr))
		require.Equal(t, "900", f.tokenBalance(t, alice))
	})

	t.Run("deposits are not recognized as gains", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		f.deposit(t, alice, 100)
		f.deposit(t, bob, 50)
		require.NoError(t, f.pool.RefreshHoldingsState(context.Background()))

		// Per-share value is still exactly 1 and nothing sits in the
		// smoothing buffer.
		shares, err := f.pool.ConvertToShares(big.NewInt(30))
		require.NoError(t, err)
		require.Equal(t, "30", shares.String())
		require.Equal(t, "150", f.pool.TotalSupply().String())
	})

	t.Run("fans new capital out proportionally to allocations", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		f.deposit(t, alice, 30)
		va := f.addVault(t, "vault-a", 10_000)
		vb := f.addVault(t, "vault-b", 10_000)
		f.push(t, 10, "vault-a")
		f.push(t, 20, "vault-b")

		// Idle 0, A 10, B 20; a 30 deposit follows the 1:2 split.
		f.deposit(t, bob, 30)
		require.Equal(t, "20", f.vaultAssets(t, va))
		require.Equal(t, "40", f.vaultAssets(t, vb))
		require.Equal(t, "0", f.tokenBalance(t, poolAddr))
	})

	t.Run("rejects zero and missing receivers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()

		_, err := f.pool.Deposit(ctx, alice, alice, big.NewInt(0))
		require.ErrorIs(t, err, ErrZeroAmount)
		_, err = f.pool.Deposit(ctx, alice, alice, nil)
		require.ErrorIs(t, err, ErrZeroAmount)
		_, err = f.pool.Deposit(ctx, alice, "", big.NewInt(10))
		require.ErrorIs(t, err, ErrZeroReceiver)
	})

	t.Run("fails when the caller cannot fund it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		_, err := f.pool.Deposit(context.Background(), alice, alice, big.NewInt(1_001))
		require.ErrorIs(t, err, vault.ErrInsufficientBalance)
		require.Equal(t, "0", f.pool.BalanceOf(alice).String())
	})
}

func TestAggregator_Pool_Mint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	assets, err := f.pool.Mint(context.Background(), alice, alice, big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, "40", assets.String())
	require.Equal(t, "40", f.pool.BalanceOf(alice).String())
	require.Equal(t, "960", f.tokenBalance(t, alice))
}

func TestAggregator_Pool_WithdrawRedeem(t *testing.T) {
	t.Parallel()

	t.Run("withdraw pays exact assets and burns rounded-up shares", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		f.deposit(t, alice, 100)

		shares, err := f.pool.Withdraw(context.Background(), alice, alice, alice, big.NewInt(40))
		require.NoError(t, err)
		require.Equal(t, "40", shares.String())
		require.Equal(t, "60", f.pool.BalanceOf(alice).String())
		require.Equal(t, "940", f.tokenBalance(t, alice))
	})

	t.Run("redeem burns exact shares and pays rounded-down assets", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		f.deposit(t, alice, 100)

		assets, err := f.pool.Redeem(context.Background(), alice, alice, alice, big.NewInt(25))
		require.NoError(t, err)
		require.Equal(t, "25", assets.String())
		require.Equal(t, "75", f.pool.BalanceOf(alice).String())
	})

	t.Run("withdrawals are not recognized as losses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		f.deposit(t, alice, 100)

		_, err := f.pool.Withdraw(context.Background(), alice, alice, alice, big.NewInt(60))
		require.NoError(t, err)
		require.NoError(t, f.pool.RefreshHoldingsState(context.Background()))

		// 40 shares back 40 assets, 1:1 preserved.
		assets, err := f.pool.ConvertToAssets(big.NewInt(40))
		require.NoError(t, err)
		require.Equal(t, "40", assets.String())
	})

	t.Run("owner balance bounds the burn", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		f.deposit(t, alice, 100)

		_, err := f.pool.Redeem(context.Background(), alice, alice, alice, big.NewInt(101))
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	t.Run("a third party needs allowance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)

		_, err := f.pool.Redeem(ctx, bob, bob, alice, big.NewInt(10))
		require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

		require.NoError(t, f.pool.Approve(alice, bob, big.NewInt(10)))
		assets, err := f.pool.Redeem(ctx, bob, bob, alice, big.NewInt(10))
		require.NoError(t, err)
		require.Equal(t, "10", assets.String())
		require.Equal(t, "0", f.pool.Allowance(alice, bob).String())
	})
}

func TestAggregator_Pool_GainSmoothing(t *testing.T) {
	t.Parallel()

	t.Run("yield reaches holders linearly over the window", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")

		va.AddYield(big.NewInt(50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		// Immediately after recognition the gain is fully buffered.
		assets, err := f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "100", assets.String())

		// Halfway through the 20-day window half the buffer has vested:
		// 150 assets against 125 effective shares.
		f.clock.Advance(10 * 24 * time.Hour)
		assets, err = f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "120", assets.String())

		// Past the window the whole gain belongs to holders.
		f.clock.Advance(10 * 24 * time.Hour)
		assets, err = f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "150", assets.String())
	})

	t.Run("refresh is idempotent at a fixed instant", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")
		va.AddYield(big.NewInt(50))

		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		before := f.pool.TotalSupply()
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		require.Equal(t, before.String(), f.pool.TotalSupply().String())
	})

	t.Run("fee shares are minted as the buffer vests", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1_000)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")

		va.AddYield(big.NewInt(50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		f.clock.Advance(20 * 24 * time.Hour)
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		// 10% of the 50 released shares, rounded up.
		require.Equal(t, "5", f.pool.BalanceOf(feeRecv).String())
		assets, err := f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "142", assets.String())
	})

	t.Run("a wiped-out gain pays fees only on the vested part", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 5_000)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")

		va.AddYield(big.NewInt(50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		// A tenth of the window passes before the gain reverses: 5 of
		// the 50 buffered shares vested, and the 50% fee takes
		// ceil(5/2) = 3 of them. The unvested 45 absorb the loss.
		f.clock.Advance(2 * 24 * time.Hour)
		va.AddYield(big.NewInt(-50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		require.Equal(t, "3", f.pool.BalanceOf(feeRecv).String())

		// Nothing is left to vest, so the fee never grows.
		f.clock.Advance(30 * 24 * time.Hour)
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		require.Equal(t, "3", f.pool.BalanceOf(feeRecv).String())
		require.Equal(t, "103", f.pool.TotalSupply().String())

		// Holders are diluted only by the vested fee shares.
		assets, err := f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "97", assets.String())
	})

	t.Run("a loss inside the buffer leaves holders whole", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")

		va.AddYield(big.NewInt(50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))
		va.AddYield(big.NewInt(-50))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		assets, err := f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "100", assets.String())
	})

	t.Run("a loss with no buffer hits per-share value", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")

		va.AddYield(big.NewInt(-20))
		require.NoError(t, f.pool.RefreshHoldingsState(ctx))

		assets, err := f.pool.ConvertToAssets(big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, "80", assets.String())
	})
}

func TestAggregator_Pool_Limits(t *testing.T) {
	t.Parallel()

	t.Run("max deposit and mint are unbounded", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		require.Equal(t, ledger.Infinite.String(), f.pool.MaxDeposit(alice).String())
		require.Equal(t, ledger.Infinite.String(), f.pool.MaxMint(alice).String())
	})

	t.Run("max withdraw is capped by instantaneous liquidity", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")
		va.WithdrawLimit = big.NewInt(10)

		max, err := f.pool.MaxWithdraw(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, "60", max.String())

		maxShares, err := f.pool.MaxRedeem(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, "60", maxShares.String())
	})

	t.Run("degraded vaults count as zero liquidity", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()
		f.deposit(t, alice, 100)
		va := f.addVault(t, "vault-a", 10_000)
		f.push(t, 50, "vault-a")
		va.ReadErr = func() error { return vault.ErrInsufficientBalance }

		max, err := f.pool.MaxWithdraw(ctx, alice)
		require.NoError(t, err)
		// Idle only; the vault cannot report.
		require.Equal(t, "50", max.String())
	})
}
