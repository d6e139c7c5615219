package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	asset  = Address("asset")
	holder = Address("holder")
	other  = Address("other")
)

func fundedVault(t *testing.T, deposit int64) (*MemoryVault, *MemoryToken) {
	t.Helper()
	token := NewMemoryToken(asset)
	v := NewMemoryVault("vault", token)
	token.Mint(holder, big.NewInt(deposit))
	shares, err := v.Deposit(context.Background(), holder, big.NewInt(deposit))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(deposit).String(), shares.String())
	return v, token
}

func TestAggregator_Vault_MemoryToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	token := NewMemoryToken(asset)
	token.Mint(holder, big.NewInt(100))

	bal, err := token.BalanceOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "100", bal.String())

	require.NoError(t, token.Transfer(ctx, holder, other, big.NewInt(30)))
	bal, err = token.BalanceOf(ctx, other)
	require.NoError(t, err)
	require.Equal(t, "30", bal.String())

	require.ErrorIs(t, token.Transfer(ctx, holder, other, big.NewInt(71)), ErrInsufficientBalance)
	require.ErrorIs(t, token.Transfer(ctx, "", other, big.NewInt(1)), ErrZeroAddress)
}

func TestAggregator_Vault_Memory_DepositWithdraw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, token := fundedVault(t, 100)

	// Yield doubles per-share value: 100 shares now back 200 assets.
	v.AddYield(big.NewInt(100))

	assets, err := v.AssetsOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "200", assets.String())

	// Withdrawing 50 assets burns 25 shares at the doubled price.
	shares, err := v.Withdraw(ctx, holder, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, "25", shares.String())

	held, err := v.SharesOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "75", held.String())

	bal, err := token.BalanceOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "50", bal.String())
}

func TestAggregator_Vault_Memory_RedeemShares(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, token := fundedVault(t, 100)
	v.AddYield(big.NewInt(100))

	assets, err := v.RedeemShares(ctx, holder, big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, "80", assets.String())

	bal, err := token.BalanceOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "80", bal.String())

	_, err = v.RedeemShares(ctx, holder, big.NewInt(61))
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestAggregator_Vault_Memory_Loss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, _ := fundedVault(t, 100)
	v.AddYield(big.NewInt(-40))

	assets, err := v.AssetsOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "60", assets.String())

	// A loss larger than the pot clamps at zero.
	v.AddYield(big.NewInt(-1000))
	assets, err = v.AssetsOf(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "0", assets.String())
}

func TestAggregator_Vault_Memory_WithdrawLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, _ := fundedVault(t, 100)
	v.WithdrawLimit = big.NewInt(10)

	capacity, err := v.MaxWithdraw(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, "10", capacity.String())

	_, err = v.Withdraw(ctx, holder, big.NewInt(11))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = v.Withdraw(ctx, holder, big.NewInt(10))
	require.NoError(t, err)
}

func TestAggregator_Vault_Memory_FailureHooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, _ := fundedVault(t, 100)
	boom := errors.New("boom")

	v.DepositErr = func() error { return boom }
	_, err := v.Deposit(ctx, holder, big.NewInt(1))
	require.ErrorIs(t, err, boom)

	v.WithdrawErr = func() error { return boom }
	_, err = v.Withdraw(ctx, holder, big.NewInt(1))
	require.ErrorIs(t, err, boom)
	_, err = v.RedeemShares(ctx, holder, big.NewInt(1))
	require.ErrorIs(t, err, boom)

	v.ReadErr = func() error { return boom }
	_, err = v.AssetsOf(ctx, holder)
	require.ErrorIs(t, err, boom)
	_, err = v.MaxWithdraw(ctx, holder)
	require.ErrorIs(t, err, boom)
}

func TestAggregator_Vault_Memory_TransferShares(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, _ := fundedVault(t, 100)

	require.NoError(t, v.TransferShares(ctx, holder, other, big.NewInt(60)))

	held, err := v.SharesOf(ctx, other)
	require.NoError(t, err)
	require.Equal(t, "60", held.String())

	require.ErrorIs(t, v.TransferShares(ctx, holder, other, big.NewInt(41)), ErrInsufficientShares)
	require.ErrorIs(t, v.TransferShares(ctx, holder, "", big.NewInt(1)), ErrZeroAddress)
}
