package httpapi

import (
	"net/http"
	"strings"

	"custodia.org/internal/auth"
	"custodia.org/internal/ids"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	sessionCookie   = "custodia_session"
	browserIDCookie = "csid"
)

// withSession resolves the portal session token (cookie or bearer header)
// into a principal on the request context. It never rejects by itself;
// handlers decide whether a principal is required. The browser session id
// cookie is resolved here too so protocol steps can find their bindings.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if sid := browserSessionID(r); sid != "" {
			ctx = auth.ContextWithSessionID(ctx, sid)
		}

		if token := sessionToken(r); token != "" {
			if principal, err := a.sessions.Parse(token); err == nil {
				ctx = auth.ContextWithPrincipal(ctx, principal)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

func browserSessionID(r *http.Request) string {
	if c, err := r.Cookie(browserIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// ensureBrowserSession returns the browser session id, minting and setting
// the cookie when the client arrives without one.
func (a *API) ensureBrowserSession(w http.ResponseWriter, r *http.Request) string {
	if sid := browserSessionID(r); sid != "" {
		return sid
	}
	sid := ids.New()
	http.SetCookie(w, &http.Cookie{
		Name:     browserIDCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sid
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requirePrincipal writes 401 when no authenticated principal is attached.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}

// requireRole writes 401/403 unless the principal carries the wanted role.
func requireRole(w http.ResponseWriter, r *http.Request, role auth.Role) (auth.Principal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if principal.Role != role {
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return auth.Principal{}, false
	}
	return principal, true
}
