package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/control"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
	"github.com/alexbotov/slotgate/internal/signer"
)

// Callback actions sent by the provider
const (
	ActionBalance  = "balance"
	ActionBet      = "bet"
	ActionWin      = "win"
	ActionRefund   = "refund"
	ActionRollback = "rollback"
)

// Callback error codes. The HTTP status of a callback response is always 200.
const (
	CodeInvalidRequest    = 400
	CodeInsufficientFunds = 402
	CodeInvalidSignature  = 403
	CodePlayerNotFound    = 404
	CodeBlocked           = 423
	CodeInternal          = 500
)

// CallbackResponse is the body returned to the provider
type CallbackResponse struct {
	PlayerID      string `json:"playerId"`
	Balance       string `json:"balance"`
	Currency      string `json:"currency,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     int    `json:"errorCode,omitempty"`
}

type callbackRequest struct {
	PlayerID    string
	SessionID   string
	GameID      string
	Action      string
	ActionID    string
	RefActionID string
	RoundID     string
	Amount      string
	Currency    string
}

func parseCallback(r *http.Request) callbackRequest {
	f := r.PostForm
	return callbackRequest{
		PlayerID:    f.Get("playerId"),
		SessionID:   f.Get("sessionId"),
		GameID:      f.Get("gameId"),
		Action:      f.Get("action"),
		ActionID:    f.Get("actionId"),
		RefActionID: f.Get("refActionId"),
		RoundID:     f.Get("roundId"),
		Amount:      f.Get("amount"),
		Currency:    f.Get("currency"),
	}
}

var errUnknownAction = errors.New("unknown action")

// Callback handles POST /api/v1/callback. The signature is checked before
// anything else; business failures are reported in the body.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, CallbackResponse{Balance: "0.00", Error: "malformed request", ErrorCode: CodeInvalidRequest})
		return
	}
	req := parseCallback(r)

	if err := h.verifier.Verify(r.PostForm, signer.HeadersFrom(r.Header)); err != nil {
		h.logger.Warn("callback rejected", "player_id", req.PlayerID, "action", req.Action, "error", err)
		if h.audit != nil {
			h.audit.Log(r.Context(), audit.EventInvalidSignature, domain.SeverityWarning, "callback signature rejected",
				map[string]interface{}{"action": req.Action, "action_id": req.ActionID, "reason": err.Error()},
				audit.WithPlayer(req.PlayerID), audit.WithIP(getClientIP(r)), audit.WithComponent("callback"))
		}
		// playerId is unauthenticated here, so its balance is not disclosed
		writeJSON(w, http.StatusOK, CallbackResponse{
			PlayerID:  req.PlayerID,
			Balance:   "0.00",
			Error:     "invalid signature",
			ErrorCode: CodeInvalidSignature,
		})
		return
	}

	if req.SessionID != "" && h.sessions != nil {
		if err := h.sessions.Touch(req.SessionID); err != nil {
			h.logger.Debug("session not touched", "session_id", req.SessionID, "error", err)
		}
	}

	resp, err := h.dispatch(r.Context(), req)
	if err != nil {
		resp = h.callbackError(r.Context(), req, err)
	}
	h.logger.Info("callback processed", "player_id", req.PlayerID, "action", req.Action,
		"action_id", req.ActionID, "balance", resp.Balance, "error_code", resp.ErrorCode)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) dispatch(ctx context.Context, req callbackRequest) (CallbackResponse, error) {
	if req.PlayerID == "" {
		return CallbackResponse{}, ledger.ErrPlayerNotFound
	}

	var amount domain.Money
	switch req.Action {
	case ActionBet, ActionWin, ActionRefund:
		var err error
		if amount, err = domain.ParseMoney(req.Amount, req.Currency); err != nil {
			return CallbackResponse{}, err
		}
	}

	lreq := ledger.Request{
		ActionID:    req.ActionID,
		RefActionID: req.RefActionID,
		PlayerID:    req.PlayerID,
		SessionID:   req.SessionID,
		GameID:      req.GameID,
		RoundID:     req.RoundID,
		Amount:      amount,
	}

	switch req.Action {
	case ActionBalance:
		res, err := h.ledger.Balance(ctx, req.PlayerID)
		if err != nil {
			return CallbackResponse{}, err
		}
		return success(req.PlayerID, res.Balance, ""), nil
	case ActionBet:
		res, err := h.ledger.Bet(ctx, lreq)
		if err != nil {
			return CallbackResponse{}, err
		}
		return success(req.PlayerID, res.Balance, res.Entry.ID), nil
	case ActionWin:
		res, err := h.ledger.Win(ctx, lreq)
		if err != nil {
			return CallbackResponse{}, err
		}
		return success(req.PlayerID, res.Balance, res.Entry.ID), nil
	case ActionRefund:
		res, err := h.ledger.Refund(ctx, lreq)
		if err != nil {
			return CallbackResponse{}, err
		}
		return success(req.PlayerID, res.Balance, res.Entry.ID), nil
	case ActionRollback:
		// the entry to reverse is named by refActionId, or by actionId alone
		target := req.RefActionID
		if target == "" {
			target = req.ActionID
		}
		res, err := h.ledger.Rollback(ctx, ledger.RollbackRequest{
			TargetActionID: target,
			PlayerID:       req.PlayerID,
			SessionID:      req.SessionID,
		})
		if err != nil {
			return CallbackResponse{}, err
		}
		var txID string
		if res.Entry != nil {
			txID = res.Entry.ID
		}
		return success(req.PlayerID, res.Balance, txID), nil
	default:
		return CallbackResponse{}, errUnknownAction
	}
}

func success(playerID string, balance domain.Money, txID string) CallbackResponse {
	return CallbackResponse{
		PlayerID:      playerID,
		Balance:       balance.String(),
		Currency:      balance.Currency,
		TransactionID: txID,
	}
}

// callbackError renders err with the player's current balance when it can be read
func (h *Handler) callbackError(ctx context.Context, req callbackRequest, err error) CallbackResponse {
	resp := CallbackResponse{PlayerID: req.PlayerID, Balance: "0.00", Error: err.Error()}
	if req.PlayerID != "" && !errors.Is(err, ledger.ErrPlayerNotFound) {
		if bal, balErr := h.ledger.Balance(ctx, req.PlayerID); balErr == nil {
			resp.Balance = bal.Balance.String()
			resp.Currency = bal.Balance.Currency
		}
	}

	switch {
	case errors.Is(err, ledger.ErrPlayerNotFound):
		resp.ErrorCode = CodePlayerNotFound
		resp.Error = "player not found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		resp.ErrorCode = CodeInsufficientFunds
		resp.Error = "insufficient funds"
	case errors.Is(err, control.ErrGamingDisabled),
		errors.Is(err, control.ErrGameDisabled),
		errors.Is(err, control.ErrPlayerDisabled):
		resp.ErrorCode = CodeBlocked
	case errors.Is(err, errUnknownAction),
		errors.Is(err, domain.ErrInvalidMoney),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrMissingActionID),
		errors.Is(err, ledger.ErrSessionNotActive),
		errors.Is(err, ledger.ErrActionConflict):
		resp.ErrorCode = CodeInvalidRequest
	default:
		h.logger.Error("callback failed", "player_id", req.PlayerID, "action", req.Action,
			"action_id", req.ActionID, "error", err)
		resp.ErrorCode = CodeInternal
		resp.Error = "internal error"
	}
	return resp
}
