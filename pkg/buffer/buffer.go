// Package buffer implements the gain/loss smoothing engine. Reported
// gains are not recognized instantly: they mint shares into a buffer
// owned by the pool itself, and those shares release linearly over a
// vesting window, raising per-share value gradually. Reported losses
// first consume whatever is still unvested in the buffer before they
// touch depositor value.
//
// The buffer knows nothing about vaults or routing; it is a pure state
// machine over (assetsCached, bufferedShares, lastUpdate,
// currentBufferEnd) driven by Update calls.
package buffer

import (
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/bigint"
)

const (
	// BpsDenominator is the basis-point unit: 10000 bps = 100%.
	BpsDenominator = 10_000

	// MaxFeeBps caps the protocol fee at 50% of vesting gains.
	MaxFeeBps = 5_000

	// DefaultVestingWindow is the period over which a newly recognized
	// gain releases to holders.
	DefaultVestingWindow = 20 * 24 * time.Hour
)

var (
	ErrFeeTooHigh     = errors.New("fee exceeds maximum")
	ErrNegativeAmount = errors.New("amount must not be negative")
)

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	VestingWindow time.Duration
	FeeBps        uint32
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.VestingWindow <= 0 {
		cfg.VestingWindow = DefaultVestingWindow
	}
	if cfg.FeeBps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	return nil
}

// Buffer holds the smoothing state. It is not safe for concurrent use;
// the owning pool serializes access.
type Buffer struct {
	log    *slog.Logger
	clock  clockwork.Clock
	window time.Duration
	feeBps uint32

	assetsCached     *big.Int
	bufferedShares   *big.Int
	lastUpdate       time.Time
	currentBufferEnd time.Time
}

// Update describes the ledger effects of one recognition step.
type Update struct {
	// Released is the share amount that finished vesting since the
	// previous update, fee included.
	Released *big.Int
	// FeeShares is the portion of Released owed to the fee receiver;
	// the caller mints it into the share ledger.
	FeeShares *big.Int
	// Minted is the newly buffered share amount for a recognized gain.
	Minted *big.Int
	// Burned is the buffered share amount consumed by a recognized loss.
	Burned *big.Int
	// PrevAssetsCached and AssetsCached are the cached totals before
	// and after this update.
	PrevAssetsCached *big.Int
	AssetsCached     *big.Int
}

func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Clock.Now()
	return &Buffer{
		log:              cfg.Logger,
		clock:            cfg.Clock,
		window:           cfg.VestingWindow,
		feeBps:           cfg.FeeBps,
		assetsCached:     new(big.Int),
		bufferedShares:   new(big.Int),
		lastUpdate:       now,
		currentBufferEnd: now,
	}, nil
}

// Update recognizes newTotalAssets against the cached baseline.
// ledgerSupply is the share ledger's total supply, which excludes the
// buffered shares tracked here. The returned deltas must be applied to
// the ledger by the caller in the same transaction.
func (b *Buffer) Update(newTotalAssets, ledgerSupply *big.Int) (Update, error) {
	if newTotalAssets.Sign() < 0 || ledgerSupply.Sign() < 0 {
		return Update{}, ErrNegativeAmount
	}

	now := b.clock.Now()
	released, fee, unvested := b.previewAt(now)

	upd := Update{
		Released:         released,
		FeeShares:        fee,
		Minted:           new(big.Int),
		Burned:           new(big.Int),
		PrevAssetsCached: bigint.Clone(b.assetsCached),
		AssetsCached:     bigint.Clone(newTotalAssets),
	}

	// Supply before this update's vesting adjustment; losses are
	// measured against it.
	supplyBefore := new(big.Int).Add(ledgerSupply, b.bufferedShares)
	// Supply after the vesting release takes effect: the fee shares
	// enter the ledger, the rest of the released amount disappears.
	supplyAfter := new(big.Int).Add(ledgerSupply, unvested)
	supplyAfter.Add(supplyAfter, fee)

	b.bufferedShares = unvested

	switch {
	case b.assetsCached.Sign() == 0:
		if newTotalAssets.Sign() == 0 {
			// Nothing to recognize yet.
			b.lastUpdate = now
			if b.currentBufferEnd.Before(now) {
				b.currentBufferEnd = now
			}
			return upd, nil
		}
		// Fresh baseline: the first recognition carries no buffered
		// value. Shares still vesting from before the baseline was
		// drained to zero keep their remaining schedule instead of
		// being stretched over a full window again.
		b.currentBufferEnd = b.blendedBufferEnd(now, new(big.Int))

	case newTotalAssets.Cmp(b.assetsCached) > 0:
		delta := new(big.Int).Sub(newTotalAssets, b.assetsCached)
		minted := bigint.MulDiv(supplyAfter, delta, b.assetsCached)
		upd.Minted = minted
		b.currentBufferEnd = b.blendedBufferEnd(now, minted)
		b.bufferedShares = new(big.Int).Add(b.bufferedShares, minted)

	case newTotalAssets.Cmp(b.assetsCached) < 0:
		loss := new(big.Int).Sub(b.assetsCached, newTotalAssets)
		burn := bigint.MulDiv(supplyBefore, loss, b.assetsCached)
		// A loss larger than the unvested buffer is not smoothed any
		// further; it lands on depositor value immediately.
		burn = bigint.Min(burn, b.bufferedShares)
		upd.Burned = burn
		b.bufferedShares = new(big.Int).Sub(b.bufferedShares, burn)
	}

	b.assetsCached = bigint.Clone(newTotalAssets)
	b.lastUpdate = now
	if b.currentBufferEnd.Before(now) {
		b.currentBufferEnd = now
	}

	b.log.Debug("buffer updated",
		"assets_cached", b.assetsCached.String(),
		"buffered_shares", b.bufferedShares.String(),
		"released", upd.Released.String(),
		"fee_shares", upd.FeeShares.String(),
		"minted", upd.Minted.String(),
		"burned", upd.Burned.String(),
		"buffer_end", b.currentBufferEnd.UTC().Format(time.RFC3339),
	)
	return upd, nil
}

// blendedBufferEnd computes the new vesting deadline after minting new
// buffered shares: a weighted average of the remaining old window
// (weighted by still-unvested shares) and a full fresh window (weighted
// by the mint). Old, nearly vested gains therefore do not get their
// vesting extended by a full window again.
func (b *Buffer) blendedBufferEnd(now time.Time, minted *big.Int) time.Time {
	unvested := b.bufferedShares
	totalWeight := new(big.Int).Add(unvested, minted)
	if totalWeight.Sign() == 0 {
		return now.Add(b.window)
	}
	remaining := b.currentBufferEnd.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	weighted := new(big.Int).Mul(unvested, big.NewInt(int64(remaining)))
	weighted.Add(weighted, new(big.Int).Mul(minted, big.NewInt(int64(b.window))))
	weighted.Quo(weighted, totalWeight)
	// The blend of two non-negative durations bounded by the window
	// fits in an int64 of nanoseconds.
	return now.Add(time.Duration(weighted.Int64()))
}

// previewAt computes the as-of-now vesting split without mutating
// state: released shares (fee included), the fee cut, and the unvested
// remainder.
func (b *Buffer) previewAt(now time.Time) (released, fee, unvested *big.Int) {
	if b.bufferedShares.Sign() == 0 {
		return new(big.Int), new(big.Int), new(big.Int)
	}
	total := int64(b.currentBufferEnd.Sub(b.lastUpdate))
	elapsed := int64(now.Sub(b.lastUpdate))
	switch {
	case elapsed <= 0:
		released = new(big.Int)
	case elapsed >= total:
		released = bigint.Clone(b.bufferedShares)
	default:
		released = bigint.MulDiv(b.bufferedShares, big.NewInt(elapsed), big.NewInt(total))
	}
	fee = bigint.MulDivUp(released, big.NewInt(int64(b.feeBps)), big.NewInt(BpsDenominator))
	unvested = new(big.Int).Sub(b.bufferedShares, released)
	return released, fee, unvested
}

// AdjustBaseline shifts assetsCached by a known external cash flow (a
// deposit or a withdrawal) so the flow is not later recognized as a
// gain or loss. The caller refreshes holdings first, so the cached
// value is current when the flow lands.
func (b *Buffer) AdjustBaseline(delta *big.Int) {
	b.assetsCached.Add(b.assetsCached, delta)
	if b.assetsCached.Sign() < 0 {
		b.assetsCached.SetInt64(0)
	}
}

// Rebaseline sets assetsCached to a freshly measured total after a
// proportional exit, where shares and assets left together and
// per-share value is unchanged; the change must not be recognized as a
// gain or loss.
func (b *Buffer) Rebaseline(newTotal *big.Int) {
	b.assetsCached = bigint.Clone(newTotal)
}

// PreviewSupplyAdjustment returns, as of now and without mutating
// state, the unvested buffered shares plus the fee shares that the next
// Update would mint. Adding it to the ledger supply yields the
// effective supply used by conversion and preview queries.
func (b *Buffer) PreviewSupplyAdjustment() *big.Int {
	_, fee, unvested := b.previewAt(b.clock.Now())
	return unvested.Add(unvested, fee)
}

// UnvestedShares returns the still-unvested buffered share amount as of
// now, read-only.
func (b *Buffer) UnvestedShares() *big.Int {
	_, _, unvested := b.previewAt(b.clock.Now())
	return unvested
}

func (b *Buffer) SetFeeBps(bps uint32) error {
	if bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	b.feeBps = bps
	return nil
}

func (b *Buffer) FeeBps() uint32 { return b.feeBps }

// AssetsCached returns the last fully recognized total asset value.
func (b *Buffer) AssetsCached() *big.Int { return bigint.Clone(b.assetsCached) }

// BufferedShares returns the stored buffered share count as of the last
// update, before any as-of-now vesting.
func (b *Buffer) BufferedShares() *big.Int { return bigint.Clone(b.bufferedShares) }

func (b *Buffer) LastUpdate() time.Time       { return b.lastUpdate }
func (b *Buffer) CurrentBufferEnd() time.Time { return b.currentBufferEnd }

// Snapshot is a read-only view of the buffer state for the state
// endpoint and the journal.
type Snapshot struct {
	AssetsCached     string    `json:"assets_cached"`
	BufferedShares   string    `json:"buffered_shares"`
	LastUpdate       time.Time `json:"last_update"`
	CurrentBufferEnd time.Time `json:"current_buffer_end"`
	FeeBps           uint32    `json:"fee_bps"`
}

func (b *Buffer) Snapshot() Snapshot {
	return Snapshot{
		AssetsCached:     b.assetsCached.String(),
		BufferedShares:   b.bufferedShares.String(),
		LastUpdate:       b.lastUpdate.UTC(),
		CurrentBufferEnd: b.currentBufferEnd.UTC(),
		FeeBps:           b.feeBps,
	}
}
