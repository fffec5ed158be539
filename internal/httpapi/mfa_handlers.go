package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"custodia.org/internal/audit"
	"custodia.org/internal/mfa"
)

type totpConfirmRequest struct {
	Code string `json:"code"`
}

func (a *API) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	setup, err := a.mfa.BeginSetup(r.Context(), principal.AccountID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not start second factor setup")
		return
	}

	_ = audit.LogEvent(r.Context(), "mfa.totp.setup", nil)
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req totpConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}

	if err := a.mfa.Confirm(r.Context(), principal.AccountID, req.Code); err != nil {
		switch {
		case errors.Is(err, mfa.ErrNoPending):
			writeError(w, r, http.StatusForbidden, "no pending second factor setup")
		case errors.Is(err, mfa.ErrCodeMismatch):
			writeError(w, r, http.StatusUnauthorized, "code does not match")
		default:
			writeError(w, r, http.StatusInternalServerError, "could not confirm second factor")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "mfa.totp.confirm", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
	})
}

func (a *API) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	if err := a.mfa.Disable(r.Context(), principal.AccountID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not disable second factor")
		return
	}

	_ = audit.LogEvent(r.Context(), "mfa.totp.disable", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": false,
	})
}

func (a *API) handleTOTPStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	state, err := a.mfa.Status(r.Context(), principal.AccountID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read second factor status")
		return
	}
	writeJSON(w, http.StatusOK, state)
}
