// Package vault defines the external collaborator interfaces the pool
// moves value through: the underlying asset token and the yield-bearing
// sub-vaults capital gets allocated to. In-memory implementations for
// tests and the dev mode live in memory.go.
package vault

import (
	"context"
	"math/big"
)

// Address identifies an account, token, or vault.
type Address string

// ZeroAddress is the empty identifier; it is never a valid participant.
const ZeroAddress Address = ""

func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) String() string { return string(a) }

// Token is the underlying asset token ledger. Transfer moves amount
// from one holder to another and fails without partial effect.
type Token interface {
	Asset() Address
	BalanceOf(ctx context.Context, holder Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to Address, amount *big.Int) error
}

// Vault is a yield-bearing sub-vault holding a position for the pool.
// All asset amounts are in the underlying token's smallest unit; share
// amounts are in the sub-vault's own share unit.
type Vault interface {
	// Address identifies the vault.
	Address() Address
	// Asset identifies the vault's underlying token.
	Asset() Address

	// Deposit moves assets from the holder into the vault, minting
	// vault shares to the holder.
	Deposit(ctx context.Context, holder Address, assets *big.Int) (shares *big.Int, err error)
	// Withdraw burns enough of the holder's vault shares to send
	// exactly assets back to the holder.
	Withdraw(ctx context.Context, holder Address, assets *big.Int) (shares *big.Int, err error)
	// RedeemShares burns exactly shares from the holder's position and
	// sends the corresponding assets back.
	RedeemShares(ctx context.Context, holder Address, shares *big.Int) (assets *big.Int, err error)

	// AssetsOf reports the asset-equivalent value of the holder's
	// position.
	AssetsOf(ctx context.Context, holder Address) (*big.Int, error)
	// SharesOf reports the holder's raw vault-share balance.
	SharesOf(ctx context.Context, holder Address) (*big.Int, error)
	// MaxWithdraw reports the assets the holder could withdraw right
	// now, bounded by both the position and the vault's liquidity.
	MaxWithdraw(ctx context.Context, holder Address) (*big.Int, error)

	// TransferShares moves raw vault shares between holders without
	// touching the vault's assets. The emergency exit path relies on
	// this never calling back into withdraw logic.
	TransferShares(ctx context.Context, from, to Address, shares *big.Int) error
}
