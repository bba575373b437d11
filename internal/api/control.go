package api

import (
	"net/http"
	"net/url"

	"github.com/alexbotov/slotgate/internal/control"
	"github.com/alexbotov/slotgate/internal/signer"
)

// verifyMerchant checks the merchant signature of an operator call and
// writes the rejection itself.
func (h *Handler) verifyMerchant(w http.ResponseWriter, r *http.Request, params url.Values) bool {
	if err := h.verifier.Verify(params, signer.HeadersFrom(r.Header)); err != nil {
		h.logger.Warn("operator call rejected", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature")
		return false
	}
	return true
}

// ControlStatus handles GET /api/v1/control/status
func (h *Handler) ControlStatus(w http.ResponseWriter, r *http.Request) {
	if h.control == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Control is not configured")
		return
	}
	if !h.verifyMerchant(w, r, r.URL.Query()) {
		return
	}
	respondJSON(w, http.StatusOK, h.control.Status())
}

// ControlBlock handles POST /api/v1/control/block
func (h *Handler) ControlBlock(w http.ResponseWriter, r *http.Request) {
	h.changeBlock(w, r, true)
}

// ControlUnblock handles POST /api/v1/control/unblock
func (h *Handler) ControlUnblock(w http.ResponseWriter, r *http.Request) {
	h.changeBlock(w, r, false)
}

func (h *Handler) changeBlock(w http.ResponseWriter, r *http.Request, block bool) {
	if h.control == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Control is not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if !h.verifyMerchant(w, r, r.PostForm) {
		return
	}

	f := r.PostForm
	scope, err := control.ParseScope(f.Get("scope"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	by := f.Get("by")
	if by == "" {
		by = "operator"
	}

	if block {
		err = h.control.Block(r.Context(), scope, f.Get("target"), f.Get("reason"), by)
	} else {
		err = h.control.Unblock(r.Context(), scope, f.Get("target"), by)
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.control.Status())
}
