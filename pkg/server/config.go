package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/gate"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/pool"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// VaultResolver maps a vault address to a client for it; the add-vault
// endpoint uses it to turn identifiers into live collaborators.
type VaultResolver func(addr vault.Address) (vault.Vault, error)

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Pool          *pool.Pool
	Journal       journal.Journal
	Roles         gate.Roles
	Timelock      gate.Timelock
	ResolveVault  VaultResolver
	AllowedOrigin string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Roles == nil {
		return errors.New("roles gate is required")
	}
	if cfg.Timelock == nil {
		return errors.New("timelock gate is required")
	}
	if cfg.ResolveVault == nil {
		return errors.New("vault resolver is required")
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
