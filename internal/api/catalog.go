package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/alexbotov/slotgate/internal/catalog"
	"github.com/alexbotov/slotgate/internal/domain"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return n
	}
	return def
}

// ListGames handles GET /api/v1/catalog/games
func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := queryInt(r, "limit", defaultPageLimit)
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	query := catalog.Query{
		Provider: q.Get("provider"),
		Kind:     q.Get("kind"),
		Device:   domain.DeviceSupport(strings.ToLower(q.Get("device"))),
		Text:     q.Get("q"),
		Limit:    limit,
		Offset:   queryInt(r, "offset", 0),
	}
	if p := q.Get("provider_contains"); p != "" {
		query.Provider = p
		query.ProviderContains = true
	}

	result, err := h.catalog.Query(r.Context(), query)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetGame handles GET /api/v1/catalog/games/{id}
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	entry, err := h.catalog.Game(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// ListProviders handles GET /api/v1/catalog/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.catalog.Providers(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"total":     len(providers),
	})
}

// GetLobby handles GET /api/v1/catalog/games/{id}/lobby
func (h *Handler) GetLobby(w http.ResponseWriter, r *http.Request) {
	if h.lobby == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Lobby is not configured")
		return
	}
	id := mux.Vars(r)["id"]
	entry, err := h.catalog.Game(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if !entry.HasLobby {
		respondError(w, http.StatusBadRequest, "NO_LOBBY", "Game has no lobby")
		return
	}

	currency := strings.ToUpper(r.URL.Query().Get("currency"))
	if currency == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "currency is required")
		return
	}

	lobby, err := h.lobby.Lobby(r.Context(), id, currency)
	if err != nil {
		h.logger.Warn("lobby request failed", "game_id", id, "error", err)
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Provider lobby unavailable")
		return
	}
	respondJSON(w, http.StatusOK, lobby)
}

// RefreshCatalog handles POST /api/v1/catalog/refresh. A refresh spends
// upstream quota, so only the operator backend may ask for one.
func (h *Handler) RefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if !h.verifyMerchant(w, r, r.PostForm) {
		return
	}
	snap, err := h.catalog.Refresh(r.Context())
	if err != nil {
		h.logger.Warn("manual catalog refresh failed", "error", err)
		respondError(w, http.StatusBadGateway, "REFRESH_FAILED", "Catalog refresh failed, previous snapshot kept")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":    snap.Len(),
		"providers":  len(snap.Providers()),
		"fetched_at": snap.FetchedAt,
	})
}
