package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/gate"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/journal"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/logger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/metrics"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/pool"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/server"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := pflag.Bool("verbose", false, "Enable verbose (debug) logging")
	listenAddrFlag := pflag.String("listen-addr", "0.0.0.0:8080", "Address to listen on for the HTTP API")
	metricsAddrFlag := pflag.String("metrics-addr", "0.0.0.0:9090", "Address to listen on for prometheus metrics")
	poolAddrFlag := pflag.String("pool-address", "pool", "Identifier of the pool account")
	feeReceiverFlag := pflag.String("fee-receiver", "treasury", "Identifier of the protocol fee receiver")
	feeBpsFlag := pflag.Uint32("fee-bps", 0, "Protocol fee on vesting gains, in basis points")
	vestingWindowFlag := pflag.Duration("vesting-window", 0, "Gain vesting window (0 uses the default)")
	journalDSNFlag := pflag.String("journal-dsn", "", "Postgres DSN for the event journal (empty disables journaling)")
	shutdownTimeoutFlag := pflag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for graceful shutdown")
	devFixturesFlag := pflag.Bool("dev-fixtures", false, "Seed an in-memory token and sub-vaults for local development")
	pflag.Parse()

	// .env is optional; flags and real env win.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jrnl := journal.Journal(journal.Nop{})
	if *journalDSNFlag != "" {
		store, err := journal.Open(ctx, journal.Config{Logger: log, DSN: *journalDSNFlag})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()
		jrnl = store
	}

	token := vault.NewMemoryToken("asset")
	devVaults := map[vault.Address]vault.Vault{}
	if *devFixturesFlag {
		seedDevFixtures(token, devVaults)
		log.Info("dev fixtures seeded", "vaults", len(devVaults))
	}

	p, err := pool.New(pool.Config{
		Logger:        log,
		Journal:       jrnl,
		Address:       vault.Address(*poolAddrFlag),
		Token:         token,
		FeeReceiver:   vault.Address(*feeReceiverFlag),
		FeeBps:        *feeBpsFlag,
		VestingWindow: *vestingWindowFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Pool:            p,
		Journal:         jrnl,
		Roles:           gate.AllowAll{},
		Timelock:        gate.AllowAll{},
		ResolveVault: func(addr vault.Address) (vault.Vault, error) {
			if v, ok := devVaults[addr]; ok {
				return v, nil
			}
			return nil, fmt.Errorf("unknown vault %s", addr)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	metricsSrv := &http.Server{
		Addr:              *metricsAddrFlag,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		log.Info("metrics listening", "address", *metricsAddrFlag)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seedDevFixtures creates an in-memory asset token with funded user
// accounts and three sub-vaults the dev instance can register through
// the API.
func seedDevFixtures(token *vault.MemoryToken, vaults map[vault.Address]vault.Vault) {
	million := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))
	for _, user := range []vault.Address{"alice", "bob", "carol"} {
		token.Mint(user, million)
	}
	for _, name := range []vault.Address{"vault-a", "vault-b", "vault-c"} {
		vaults[name] = vault.NewMemoryVault(name, token)
	}
}
