package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"custodia.org/internal/audit"
	"custodia.org/internal/auth"
	"custodia.org/internal/ids"
	"custodia.org/internal/prooflogin"
)

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	DisplayName    string `json:"display_name"`
	IdentityType   string `json:"identity_type"`
	IdentityNumber string `json:"identity_number"`
	EntityID       string `json:"entity_id"`
}

type loginStartRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	role := auth.RoleCitizen
	switch strings.TrimSpace(req.Role) {
	case "", string(auth.RoleCitizen):
	case string(auth.RoleAgency):
		role = auth.RoleAgency
		if strings.TrimSpace(req.EntityID) == "" {
			writeError(w, r, http.StatusBadRequest, "entity_id is required for agency accounts")
			return
		}
	default:
		writeError(w, r, http.StatusBadRequest, "unknown role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not process registration")
		return
	}

	account := &auth.Account{
		ID:             ids.New(),
		Email:          email,
		PasswordHash:   hash,
		Role:           role,
		Status:         "active",
		DisplayName:    strings.TrimSpace(req.DisplayName),
		IdentityType:   strings.TrimSpace(req.IdentityType),
		IdentityNumber: strings.TrimSpace(req.IdentityNumber),
		EntityID:       strings.TrimSpace(req.EntityID),
	}
	if err := a.accounts.Create(r.Context(), account); err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, "account already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not create account")
		return
	}

	// A session is issued right away so the registration-time second factor
	// setup can run through the same endpoints as the dashboard variant.
	token, expiresAt, err := a.sessions.Issue(auth.Principal{
		AccountID:      account.ID,
		Role:           account.Role,
		DisplayName:    account.DisplayName,
		IdentityType:   account.IdentityType,
		IdentityNumber: account.IdentityNumber,
		EntityID:       account.EntityID,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not create account")
		return
	}
	a.setSessionCookie(w, token)

	_ = audit.LogEvent(r.Context(), "account.register", map[string]any{
		"account_id": account.ID,
		"role":       string(account.Role),
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": account.ID,
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	sid := a.ensureBrowserSession(w, r)
	exchangeID, err := a.flow.Start(r.Context(), sid, req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "login.start.denied", map[string]any{
			"reason": reasonFor(err),
		})
		handleLoginError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "login.start", map[string]any{
		"pres_ex_id": exchangeID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"pres_ex_id": exchangeID,
	})
}

func (a *API) handleLoginPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	exchangeID := strings.TrimSpace(r.URL.Query().Get("presExId"))
	if exchangeID == "" {
		writeError(w, r, http.StatusBadRequest, "presExId query parameter is required")
		return
	}
	sid, ok := auth.SessionIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusForbidden, "no browser session")
		return
	}

	res, err := a.flow.Poll(r.Context(), sid, exchangeID)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "login.poll.denied", map[string]any{
			"pres_ex_id": exchangeID,
			"reason":     reasonFor(err),
		})
		handleLoginError(w, r, err)
		return
	}

	if !res.Authenticated {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
		})
		return
	}

	a.setSessionCookie(w, res.Token)
	_ = audit.LogEvent(r.Context(), "login.verified", map[string]any{
		"pres_ex_id": exchangeID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"redirect_url":  res.RedirectURL,
		"display_name":  res.DisplayName,
		"token":         res.Token,
		"expires_at":    res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func handleLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, prooflogin.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, prooflogin.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "unknown exchange")
	case errors.Is(err, prooflogin.ErrUpstream):
		writeError(w, r, http.StatusBadGateway, "verification service unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, prooflogin.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, prooflogin.ErrForbidden):
		return "forbidden"
	case errors.Is(err, prooflogin.ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}
