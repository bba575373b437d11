package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.Use(h.RecoveryMiddleware)
	r.Use(CORSMiddleware)
	r.Use(h.LoggingMiddleware)

	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)

	// Public routes
	r.HandleFunc("/", h.ServerInfo).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Provider and operator calls, authenticated by merchant signature
	api.HandleFunc("/callback", h.Callback).Methods("POST")
	api.HandleFunc("/auth/token", h.IssueToken).Methods("POST")
	api.HandleFunc("/control/status", h.ControlStatus).Methods("GET")
	api.HandleFunc("/control/block", h.ControlBlock).Methods("POST")
	api.HandleFunc("/control/unblock", h.ControlUnblock).Methods("POST")
	api.HandleFunc("/catalog/refresh", h.RefreshCatalog).Methods("POST")
	api.HandleFunc("/sessions/{id}/settle", h.SettleRound).Methods("POST")

	// Catalog (public reads)
	api.HandleFunc("/catalog/games", h.ListGames).Methods("GET")
	api.HandleFunc("/catalog/games/{id}", h.GetGame).Methods("GET")
	api.HandleFunc("/catalog/games/{id}/lobby", h.GetLobby).Methods("GET")
	api.HandleFunc("/catalog/providers", h.ListProviders).Methods("GET")

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(h.AuthMiddleware)

	// Sessions
	protected.HandleFunc("/sessions", h.StartSession).Methods("POST")
	protected.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	protected.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	protected.HandleFunc("/sessions/{id}", h.EndSession).Methods("DELETE")
	protected.HandleFunc("/sessions/{id}/bets", h.PlaceBet).Methods("POST")
	protected.HandleFunc("/games/{id}/launch", h.LaunchGame).Methods("POST")

	// Wallet
	protected.HandleFunc("/wallet/balance", h.GetBalance).Methods("GET")
	protected.HandleFunc("/wallet/ledger", h.GetLedger).Methods("GET")
	protected.HandleFunc("/audit/events", h.GetAuditEvents).Methods("GET")

	// WebSocket for live session updates
	protected.HandleFunc("/ws/sessions/{id}", h.HandleWebSocket).Methods("GET")

	return r
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}
