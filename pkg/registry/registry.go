// Package registry tracks the ordered set of sub-vaults the pool may
// allocate to, with a per-vault allocation cap in basis points of total
// managed assets. It is a plain data structure; the owning pool
// serializes access and authorizes mutations.
package registry

import (
	"errors"
	"fmt"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// MaxVaults bounds the registry size; the linear scans below rely on it
// staying small.
const MaxVaults = 5

// MaxLimitBps is the full-allocation cap, 100% in basis points.
const MaxLimitBps = 10_000

var (
	ErrZeroVault       = errors.New("vault address is zero")
	ErrSelfVault       = errors.New("vault address is the pool itself")
	ErrAssetMismatch   = errors.New("vault asset differs from pool asset")
	ErrAtCapacity      = errors.New("registry is at capacity")
	ErrAlreadyPresent  = errors.New("vault already registered")
	ErrNotPresent      = errors.New("vault not registered")
	ErrLimitOutOfRange = errors.New("allocation limit above 10000 bps")
)

// Entry is one registered sub-vault and its allocation cap.
type Entry struct {
	Vault              vault.Vault
	AllocationLimitBps uint32
}

type Registry struct {
	pool    vault.Address
	asset   vault.Address
	entries []Entry
}

// New creates a registry for a pool at the given address holding the
// given underlying asset.
func New(pool, asset vault.Address) *Registry {
	return &Registry{pool: pool, asset: asset}
}

// CanAdd reports whether v may be registered, without registering it.
func (r *Registry) CanAdd(v vault.Vault) error {
	if v == nil || v.Address().IsZero() {
		return ErrZeroVault
	}
	if v.Address() == r.pool {
		return ErrSelfVault
	}
	if v.Asset() != r.asset {
		return fmt.Errorf("%w: pool holds %s, vault %s holds %s",
			ErrAssetMismatch, r.asset, v.Address(), v.Asset())
	}
	if len(r.entries) >= MaxVaults {
		return ErrAtCapacity
	}
	if r.Contains(v.Address()) {
		return ErrAlreadyPresent
	}
	return nil
}

// Add registers v with the given allocation cap.
func (r *Registry) Add(v vault.Vault, limitBps uint32) error {
	if err := r.CanAdd(v); err != nil {
		return err
	}
	if limitBps > MaxLimitBps {
		return ErrLimitOutOfRange
	}
	r.entries = append(r.entries, Entry{Vault: v, AllocationLimitBps: limitBps})
	return nil
}

// Remove unregisters the vault at addr, compacting the list and
// dropping its allocation cap.
func (r *Registry) Remove(addr vault.Address) error {
	i := r.IndexOf(addr)
	if i < 0 {
		return ErrNotPresent
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return nil
}

// SetLimit updates a registered vault's allocation cap. Setting the
// current value is a no-op.
func (r *Registry) SetLimit(addr vault.Address, limitBps uint32) error {
	if limitBps > MaxLimitBps {
		return ErrLimitOutOfRange
	}
	i := r.IndexOf(addr)
	if i < 0 {
		return ErrNotPresent
	}
	r.entries[i].AllocationLimitBps = limitBps
	return nil
}

func (r *Registry) Contains(addr vault.Address) bool {
	return r.IndexOf(addr) >= 0
}

func (r *Registry) IndexOf(addr vault.Address) int {
	for i, e := range r.entries {
		if e.Vault.Address() == addr {
			return i
		}
	}
	return -1
}

// Get returns the entry for addr.
func (r *Registry) Get(addr vault.Address) (Entry, error) {
	i := r.IndexOf(addr)
	if i < 0 {
		return Entry{}, ErrNotPresent
	}
	return r.entries[i], nil
}

// List returns the entries in registration order. The slice is a copy;
// the entries share the underlying vaults.
func (r *Registry) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int { return len(r.entries) }
