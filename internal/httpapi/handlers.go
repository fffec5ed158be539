// Package httpapi is the HTTP surface of the custody portal's identity and
// access-control core.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"custodia.org/internal/auth"
	"custodia.org/internal/docs"
	"custodia.org/internal/grants"
	"custodia.org/internal/mfa"
	"custodia.org/internal/obs"
	"custodia.org/internal/prooflogin"
	"custodia.org/internal/sessionstore"
	"custodia.org/internal/signedlink"
)

// ReadyProbe reports whether downstream dependencies answer (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the HTTP layer is wired with.
type Deps struct {
	Accounts   auth.AccountStore
	Sessions   *auth.Sessions
	Flow       *prooflogin.Flow
	Grants     grants.Service
	Links      *signedlink.Authority
	Registry   docs.Registry
	Opener     docs.Opener
	Tracer     docs.TraceProvider
	MFA        *mfa.Enrollment
	Bindings   sessionstore.Store
	ReadyProbe ReadyProbe
	Version    string
	LinkTTL    time.Duration
	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	accounts   auth.AccountStore
	sessions   *auth.Sessions
	flow       *prooflogin.Flow
	grants     grants.Service
	links      *signedlink.Authority
	registry   docs.Registry
	opener     docs.Opener
	tracer     docs.TraceProvider
	mfa        *mfa.Enrollment
	bindings   sessionstore.Store
	readyProbe ReadyProbe
	version    string
	linkTTL    time.Duration
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		accounts:   d.Accounts,
		sessions:   d.Sessions,
		flow:       d.Flow,
		grants:     d.Grants,
		links:      d.Links,
		registry:   d.Registry,
		opener:     d.Opener,
		tracer:     d.Tracer,
		mfa:        d.MFA,
		bindings:   d.Bindings,
		readyProbe: d.ReadyProbe,
		version:    d.Version,
		linkTTL:    d.LinkTTL,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSec,
	}
	if a.linkTTL <= 0 {
		a.linkTTL = 60 * time.Second
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// registration and proof login
	a.mux.HandleFunc("/v1/register", a.handleRegister)
	a.mux.HandleFunc("/v1/login/start", a.handleLoginStart)
	a.mux.HandleFunc("/v1/login/poll", a.handleLoginPoll)

	// access requests
	a.mux.HandleFunc("/v1/access-requests", a.handleAccessRequestsCollection)
	a.mux.HandleFunc("/v1/access-requests/", a.handleAccessRequestResource)

	// own documents
	a.mux.HandleFunc("/v1/documents", a.handleDocumentsCollection)
	a.mux.HandleFunc("/v1/documents/", a.handleDocumentResource)

	// admin provenance lookup: session-gated, deliberately not signed-link-gated
	a.mux.HandleFunc("/v1/admin/trace/", a.handleAdminTrace)

	// second factor
	a.mux.HandleFunc("/v1/mfa/totp/setup", a.handleTOTPSetup)
	a.mux.HandleFunc("/v1/mfa/totp/confirm", a.handleTOTPConfirm)
	a.mux.HandleFunc("/v1/mfa/totp/disable", a.handleTOTPDisable)
	a.mux.HandleFunc("/v1/mfa/totp/status", a.handleTOTPStatus)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "custodia-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "custodia-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// Everything this subsystem serves as JSON carries auth-relevant state.
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}
