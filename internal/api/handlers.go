// Package api provides the HTTP surface of the gateway: the provider
// callback endpoint, catalog reads, and the first-party session API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/auth"
	"github.com/alexbotov/slotgate/internal/catalog"
	"github.com/alexbotov/slotgate/internal/control"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
	"github.com/alexbotov/slotgate/internal/orchestrator"
	"github.com/alexbotov/slotgate/internal/ratelimit"
	"github.com/alexbotov/slotgate/internal/rng"
	"github.com/alexbotov/slotgate/internal/session"
	"github.com/alexbotov/slotgate/internal/signer"
	"github.com/alexbotov/slotgate/pkg/provider"
)

// LobbyFetcher lists the live tables of a game
type LobbyFetcher interface {
	Lobby(ctx context.Context, gameID, currency string) (*provider.LobbyResult, error)
}

// AccountOpener opens a player balance; an existing one is left unchanged
type AccountOpener interface {
	CreateAccount(ctx context.Context, playerID string, opening domain.Money) error
}

// StatsSource reports the outbound limiter state
type StatsSource interface {
	Stats() ratelimit.Stats
}

// Deps are the services behind the handlers. Lobby, Accounts, Control,
// Limiter, RNG, Audit and Gatherer are optional. With Accounts set, issuing a token opens the
// player's balance at OpeningBalance minor units.
type Deps struct {
	Ledger       *ledger.Service
	Sessions     *session.Manager
	Orchestrator *orchestrator.Service
	Catalog      *catalog.Cache
	Lobby        LobbyFetcher
	Accounts     AccountOpener
	Auth         *auth.Service
	Verifier     *signer.Verifier
	Control      *control.Service
	Audit        *audit.Service
	RNG          *rng.Source
	Limiter      StatsSource
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	Version      string

	OpeningBalance  int64
	DefaultCurrency string
}

// Handler contains all HTTP handlers
type Handler struct {
	ledger       *ledger.Service
	sessions     *session.Manager
	orchestrator *orchestrator.Service
	catalog      *catalog.Cache
	lobby        LobbyFetcher
	accounts     AccountOpener
	auth         *auth.Service
	verifier     *signer.Verifier
	control      *control.Service
	audit        *audit.Service
	rng          *rng.Source
	limiter      StatsSource
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	version      string
	hub          *Hub
	started      time.Time
	opening      int64
	currency     string
}

// New creates the handlers and subscribes the websocket hub to session changes
func New(d Deps) *Handler {
	h := &Handler{
		ledger:       d.Ledger,
		sessions:     d.Sessions,
		orchestrator: d.Orchestrator,
		catalog:      d.Catalog,
		lobby:        d.Lobby,
		accounts:     d.Accounts,
		auth:         d.Auth,
		verifier:     d.Verifier,
		control:      d.Control,
		audit:        d.Audit,
		rng:          d.RNG,
		limiter:      d.Limiter,
		gatherer:     d.Gatherer,
		logger:       d.Logger,
		version:      d.Version,
		hub:          NewHub(),
		started:      time.Now(),
		opening:      d.OpeningBalance,
		currency:     strings.ToUpper(d.DefaultCurrency),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.version == "" {
		h.version = "dev"
	}
	if h.sessions != nil {
		h.sessions.Observe(h.hub.Publish)
	}
	return h
}

// Response helpers

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// respondServiceError maps service errors to HTTP errors
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrPlayerNotFound):
		respondError(w, http.StatusNotFound, "PLAYER_NOT_FOUND", "Player not found")
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
	case errors.Is(err, catalog.ErrGameNotFound):
		respondError(w, http.StatusNotFound, "GAME_NOT_FOUND", "Game not found")
	case errors.Is(err, orchestrator.ErrRoundNotFound):
		respondError(w, http.StatusNotFound, "ROUND_NOT_FOUND", err.Error())
	case errors.Is(err, orchestrator.ErrRoundSettled):
		respondError(w, http.StatusConflict, "ROUND_SETTLED", err.Error())
	case errors.Is(err, orchestrator.ErrNotSessionOwner):
		respondError(w, http.StatusForbidden, "FORBIDDEN", "Session belongs to another player")
	case errors.Is(err, control.ErrGamingDisabled), errors.Is(err, control.ErrGameDisabled),
		errors.Is(err, control.ErrPlayerDisabled):
		respondError(w, http.StatusForbidden, "BLOCKED", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(w, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS", "Insufficient funds")
	case errors.Is(err, ledger.ErrSessionNotActive):
		respondError(w, http.StatusConflict, "SESSION_NOT_ACTIVE", "Session is not active")
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, orchestrator.ErrMissingRound),
		errors.Is(err, orchestrator.ErrUnknownOutcome),
		errors.Is(err, orchestrator.ErrRefundExceedsBet),
		errors.Is(err, orchestrator.ErrDeviceNotSupported),
		errors.Is(err, control.ErrInvalidScope), errors.Is(err, control.ErrMissingTarget):
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, catalog.ErrUnavailable), errors.Is(err, ratelimit.ErrUpstreamUnavailable),
		errors.Is(err, orchestrator.ErrLaunchUnavailable):
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Service temporarily unavailable")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// === Health & Info ===

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	body := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}

	if h.rng != nil {
		rngHealth, err := h.rng.HealthCheck()
		if err != nil || !rngHealth.Healthy {
			status = "degraded"
		}
		body["rng_status"] = rngHealth
	}

	if h.catalog != nil {
		snap, err := h.catalog.Snapshot()
		if err != nil {
			status = "degraded"
			body["catalog"] = map[string]interface{}{"available": false}
		} else {
			body["catalog"] = map[string]interface{}{
				"available":  true,
				"entries":    snap.Len(),
				"fetched_at": snap.FetchedAt,
				"stale":      snap.Expired(time.Now()),
			}
		}
	}

	if h.limiter != nil {
		body["upstream"] = h.limiter.Stats()
	}

	body["status"] = status
	respondJSON(w, http.StatusOK, body)
}

// ServerInfo handles GET /
func (h *Handler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "slotgate",
		"version":     h.version,
		"description": "Game provider integration gateway",
	})
}
