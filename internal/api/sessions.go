package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/orchestrator"
	"github.com/alexbotov/slotgate/internal/signer"
	"github.com/alexbotov/slotgate/pkg/provider"
)

// === Authentication ===

// IssueToken handles POST /api/v1/auth/token. The operator backend asks for
// a player token with a merchant-signed form (playerId, currency).
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := h.verifier.Verify(r.PostForm, signer.HeadersFrom(r.Header)); err != nil {
		respondError(w, http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature")
		return
	}

	playerID := r.PostForm.Get("playerId")
	currency := strings.ToUpper(r.PostForm.Get("currency"))
	if currency == "" {
		currency = h.currency
	}

	token, expiresAt, err := h.auth.IssueToken(playerID, currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if h.accounts != nil {
		if err := h.accounts.CreateAccount(r.Context(), playerID, domain.NewMoney(h.opening, currency)); err != nil {
			h.respondServiceError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// === Sessions ===

type sessionView struct {
	ID             string `json:"id"`
	GameID         string `json:"game_id"`
	Status         string `json:"status"`
	Balance        string `json:"balance"`
	Currency       string `json:"currency"`
	OpeningBalance string `json:"opening_balance"`
	TotalBet       string `json:"total_bet"`
	TotalWin       string `json:"total_win"`
	RoundsPlayed   int    `json:"rounds_played"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
}

func viewSession(s domain.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		GameID:         s.GameID,
		Status:         string(s.Status),
		Balance:        s.WorkingBalance.String(),
		Currency:       s.WorkingBalance.Currency,
		OpeningBalance: s.OpeningBalance.String(),
		TotalBet:       s.TotalBetAmount.String(),
		TotalWin:       s.TotalWinAmount.String(),
		RoundsPlayed:   s.RoundsPlayed,
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivityAt: s.LastActivityAt.UTC().Format(time.RFC3339),
	}
}

// StartSession handles POST /api/v1/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req struct {
		GameID string `json:"game_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GameID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "game_id is required")
		return
	}

	sess, err := h.orchestrator.StartSession(r.Context(), claims.PlayerID, req.GameID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewSession(sess))
}

// ListSessions handles GET /api/v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	sessions := h.sessions.List(claims.PlayerID)
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewSession(s))
	}
	respondJSON(w, http.StatusOK, views)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orchestrator.Owned(mux.Vars(r)["id"], claimsFrom(r.Context()).PlayerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewSession(sess))
}

// PlaceBet handles POST /api/v1/sessions/{id}/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orchestrator.Owned(mux.Vars(r)["id"], claimsFrom(r.Context()).PlayerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	var req struct {
		RoundID string `json:"round_id"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	amount, err := domain.ParseMoney(req.Amount, sess.WorkingBalance.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	res, err := h.orchestrator.PlaceBet(r.Context(), sess.ID, req.RoundID, amount)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	body := map[string]interface{}{
		"action_id": res.Entry.ActionID,
		"balance":   res.Balance.String(),
		"currency":  res.Balance.Currency,
		"replayed":  res.Replayed,
	}
	if res.Jackpot != nil {
		body["jackpot"] = map[string]interface{}{
			"tier":   res.Jackpot.Tier,
			"amount": res.Jackpot.Amount.String(),
		}
	}
	respondJSON(w, http.StatusOK, body)
}

// SettleRound handles POST /api/v1/sessions/{id}/settle. Round outcomes are
// reported by the operator backend with a merchant-signed form (roundId,
// outcome, amount); players cannot settle their own rounds.
func (h *Handler) SettleRound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if !h.verifyMerchant(w, r, r.PostForm) {
		return
	}

	sess, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	f := r.PostForm
	raw := f.Get("amount")
	if raw == "" {
		raw = "0"
	}
	amount, err := domain.ParseMoney(raw, sess.WorkingBalance.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	res, err := h.orchestrator.SettleRound(r.Context(), sess.ID, f.Get("roundId"), orchestrator.Outcome{
		Kind:   orchestrator.OutcomeKind(strings.ToLower(f.Get("outcome"))),
		Amount: amount,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"action_id": res.Entry.ActionID,
		"balance":   res.Balance.String(),
		"currency":  res.Balance.Currency,
		"replayed":  res.Replayed,
	})
}

// EndSession handles DELETE /api/v1/sessions/{id}
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orchestrator.Owned(mux.Vars(r)["id"], claimsFrom(r.Context()).PlayerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	ended, err := h.orchestrator.EndSession(r.Context(), sess.ID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewSession(ended))
}

// LaunchGame handles POST /api/v1/games/{id}/launch
func (h *Handler) LaunchGame(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req struct {
		Mode       string `json:"mode"`
		Device     string `json:"device"`
		Language   string `json:"language"`
		PlayerName string `json:"player_name"`
		ReturnURL  string `json:"return_url"`
		LobbyData  string `json:"lobby_data"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
			return
		}
	}

	res, err := h.orchestrator.Launch(r.Context(), orchestrator.LaunchRequest{
		PlayerID:   claims.PlayerID,
		PlayerName: req.PlayerName,
		GameID:     mux.Vars(r)["id"],
		Currency:   claims.Currency,
		Language:   req.Language,
		Device:     provider.Device(strings.ToLower(req.Device)),
		Mode:       provider.Mode(strings.ToLower(req.Mode)),
		ReturnURL:  req.ReturnURL,
		LobbyData:  req.LobbyData,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	body := map[string]interface{}{"url": res.URL}
	if res.Session != nil {
		body["session"] = viewSession(*res.Session)
	}
	respondJSON(w, http.StatusOK, body)
}

// === Wallet ===

// GetBalance handles GET /api/v1/wallet/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.Balance(r.Context(), claimsFrom(r.Context()).PlayerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"player_id": res.PlayerID,
		"balance":   res.Balance.String(),
		"currency":  res.Balance.Currency,
	})
}

// GetLedger handles GET /api/v1/wallet/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), claimsFrom(r.Context()).PlayerID, queryInt(r, "limit", 50))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// GetAuditEvents handles GET /api/v1/audit/events
func (h *Handler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondJSON(w, http.StatusOK, []*domain.AuditEvent{})
		return
	}
	events, err := h.audit.GetEvents(r.Context(), &audit.EventFilter{
		PlayerID: claimsFrom(r.Context()).PlayerID,
		Type:     r.URL.Query().Get("type"),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}
