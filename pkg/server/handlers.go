package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/buffer"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/gate"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/ledger"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/pool"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/registry"
	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

const callerHeader = "X-Caller-Address"

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var shortfall *pool.ShortfallError
	switch {
	case errors.As(err, &shortfall):
		status = http.StatusConflict
	case errors.Is(err, pool.ErrAllocationLimit):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrNotPresent):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrZeroAmount),
		errors.Is(err, pool.ErrZeroReceiver),
		errors.Is(err, pool.ErrBadFeeReceiver),
		errors.Is(err, registry.ErrZeroVault),
		errors.Is(err, registry.ErrSelfVault),
		errors.Is(err, registry.ErrAssetMismatch),
		errors.Is(err, registry.ErrAtCapacity),
		errors.Is(err, registry.ErrAlreadyPresent),
		errors.Is(err, registry.ErrLimitOutOfRange),
		errors.Is(err, buffer.ErrFeeTooHigh):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func caller(r *http.Request) vault.Address {
	return vault.Address(r.Header.Get(callerHeader))
}

// requireUnlocked enforces the role and timelock gates on a mutation.
// The pool itself trusts these checks have happened.
func (s *Server) requireUnlocked(w http.ResponseWriter, r *http.Request, role gate.Role, kind string, parts ...string) bool {
	if !s.cfg.Roles.HasRole(caller(r), role) {
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "caller lacks role " + string(role)})
		return false
	}
	if !s.cfg.Timelock.Unlocked(gate.ActionKeyFor(kind, parts...)) {
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "action is not unlocked"})
		return false
	}
	return true
}

type depositRequest struct {
	Receiver string `json:"receiver"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

type amountResponse struct {
	Assets string `json:"assets"`
	Shares string `json:"shares"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	shares, err := s.cfg.Pool.Deposit(r.Context(), caller(r), vault.Address(req.Receiver), assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	assets, err := s.cfg.Pool.Mint(r.Context(), caller(r), vault.Address(req.Receiver), shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

type withdrawRequest struct {
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	shares, err := s.cfg.Pool.Withdraw(r.Context(), caller(r), vault.Address(req.Receiver), vault.Address(req.Owner), assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	assets, err := s.cfg.Pool.Redeem(r.Context(), caller(r), vault.Address(req.Receiver), vault.Address(req.Owner), shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

type emergencyExitResponse struct {
	Assets      string            `json:"assets"`
	VaultShares map[string]string `json:"vault_shares"`
}

func (s *Server) handleEmergencyExit(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	assets, payouts, err := s.cfg.Pool.EmergencyExit(r.Context(), caller(r), vault.Address(req.Receiver), vault.Address(req.Owner), shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := emergencyExitResponse{
		Assets:      assets.String(),
		VaultShares: make(map[string]string, len(payouts)),
	}
	for _, payout := range payouts {
		resp.VaultShares[payout.Vault.String()] = payout.Shares.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Pool.RefreshHoldingsState(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.cfg.Pool.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type routeRequest struct {
	Vault  string `json:"vault"`
	Assets string `json:"assets"`
	Shares string `json:"shares"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireUnlocked(w, r, gate.RoleRebalancer, "push", req.Vault, req.Assets) {
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.cfg.Pool.Push(r.Context(), assets, vault.Address(req.Vault)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String()})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireUnlocked(w, r, gate.RoleRebalancer, "pull", req.Vault, req.Assets, req.Shares) {
		return
	}
	if req.Shares != "" {
		shares, err := parseAmount(req.Shares)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if err := s.cfg.Pool.PullShares(r.Context(), shares, vault.Address(req.Vault)); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, amountResponse{Shares: shares.String()})
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.cfg.Pool.Pull(r.Context(), assets, vault.Address(req.Vault)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String()})
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Pool.ListVaults(r.Context()))
}

type addVaultRequest struct {
	Address  string `json:"address"`
	LimitBps uint32 `json:"limit_bps"`
}

func (s *Server) handleAddVault(w http.ResponseWriter, r *http.Request) {
	var req addVaultRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireUnlocked(w, r, gate.RoleOwner, "add_vault", req.Address, strconv.FormatUint(uint64(req.LimitBps), 10)) {
		return
	}
	v, err := s.cfg.ResolveVault(vault.Address(req.Address))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.cfg.Pool.AddVault(r.Context(), v, req.LimitBps); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveVault(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !s.requireUnlocked(w, r, gate.RoleOwner, "remove_vault", addr) {
		return
	}
	if err := s.cfg.Pool.RemoveVault(r.Context(), vault.Address(addr)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setLimitRequest struct {
	LimitBps uint32 `json:"limit_bps"`
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	var req setLimitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireUnlocked(w, r, gate.RoleManager, "set_limit", addr, strconv.FormatUint(uint64(req.LimitBps), 10)) {
		return
	}
	if err := s.cfg.Pool.SetAllocationLimit(r.Context(), vault.Address(addr), req.LimitBps); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setFeeRequest struct {
	FeeBps uint32 `json:"fee_bps"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireUnlocked(w, r, gate.RoleOwner, "set_fee", strconv.FormatUint(uint64(req.FeeBps), 10)) {
		return
	}
	if err := s.cfg.Pool.SetFee(r.Context(), req.FeeBps); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.cfg.Pool.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.cfg.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	assets, err := parseAmount(r.URL.Query().Get("assets"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	shares, err := s.cfg.Pool.ConvertToShares(assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

func (s *Server) handlePreviewRedeem(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount(r.URL.Query().Get("shares"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	assets, err := s.cfg.Pool.ConvertToAssets(shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String(), Shares: shares.String()})
}

func (s *Server) handleMaxWithdraw(w http.ResponseWriter, r *http.Request) {
	owner := vault.Address(r.URL.Query().Get("owner"))
	assets, err := s.cfg.Pool.MaxWithdraw(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Assets: assets.String()})
}

func (s *Server) handleMaxRedeem(w http.ResponseWriter, r *http.Request) {
	owner := vault.Address(r.URL.Query().Get("owner"))
	shares, err := s.cfg.Pool.MaxRedeem(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, amountResponse{Shares: shares.String()})
}
