// Package server exposes the pool over an HTTP JSON API: the
// tokenized-vault surface, the routing operations, the timelock-gated
// registry and fee mutations, and read-only state.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if cfg.AllowedOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{cfg.AllowedOrigin},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Caller-Address"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	// Public refresh is rate-limited per IP: it is cheap to serve but
	// touches every sub-vault.
	refreshLimiter := newRateLimiter(rate.Every(time.Minute/30), 5)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/mint", s.handleMint)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/emergency-exit", s.handleEmergencyExit)
		r.With(rateLimitMiddleware(refreshLimiter)).Post("/refresh", s.handleRefresh)

		r.Post("/push", s.handlePush)
		r.Post("/pull", s.handlePull)

		r.Get("/vaults", s.handleListVaults)
		r.Post("/vaults", s.handleAddVault)
		r.Delete("/vaults/{address}", s.handleRemoveVault)
		r.Put("/vaults/{address}/limit", s.handleSetLimit)
		r.Put("/fee", s.handleSetFee)

		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
		r.Get("/preview/deposit", s.handlePreviewDeposit)
		r.Get("/preview/redeem", s.handlePreviewRedeem)
		r.Get("/max/withdraw", s.handleMaxWithdraw)
		r.Get("/max/redeem", s.handleMaxRedeem)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// The pool serves as soon as its state is readable.
	if _, err := s.cfg.Pool.State(r.Context()); err != nil {
		s.log.Debug("readyz: pool state not readable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("pool not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("failed to write version response", "error", err)
	}
}
