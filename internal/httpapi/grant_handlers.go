package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"custodia.org/internal/audit"
	"custodia.org/internal/auth"
	"custodia.org/internal/docs"
	"custodia.org/internal/grants"
	"custodia.org/internal/obs"
	"custodia.org/internal/signedlink"
)

// errorReasonHeader carries the machine-readable failure reason on 410
// responses; view/download bodies are reserved for file bytes.
const errorReasonHeader = "X-Error-Reason"

type createAccessRequest struct {
	SubjectID string   `json:"subject_id"`
	Purpose   string   `json:"purpose"`
	ItemIDs   []string `json:"item_ids"`
}

type decideRequest struct {
	Note string `json:"note"`
}

func (a *API) handleAccessRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccessRequest(w, r)
	case http.MethodGet:
		a.listAccessRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleAccessRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/access-requests/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 2 && (parts[1] == "approve" || parts[1] == "reject"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.decideAccessRequest(w, r, parts[0], parts[1] == "approve")
	case len(parts) == 4 && parts[1] == "items":
		a.handleGrantedItem(w, r, parts[0], parts[2], parts[3])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAccessRequest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, auth.RoleAgency)
	if !ok {
		return
	}

	var req createAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.grants.Create(r.Context(), principal.EntityID, strings.TrimSpace(req.SubjectID), req.Purpose, req.ItemIDs)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "grant.request.create", map[string]any{
		"request_id": created.ID,
		"subject_id": created.SubjectID,
		"items":      len(created.Items),
	})

	w.Header().Set("Location", "/v1/access-requests/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listAccessRequests(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	var items []grants.AccessRequest
	switch principal.Role {
	case auth.RoleAgency:
		items, err = a.grants.ListForEntity(r.Context(), principal.EntityID, limit, offset)
	case auth.RoleCitizen:
		items, err = a.grants.ListForSubject(r.Context(), principal.AccountID, limit, offset)
	default:
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return
	}
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	if items == nil {
		items = []grants.AccessRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (a *API) decideAccessRequest(w http.ResponseWriter, r *http.Request, requestID string, approve bool) {
	principal, ok := requireRole(w, r, auth.RoleCitizen)
	if !ok {
		return
	}

	var req decideRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	decided, err := a.grants.Decide(r.Context(), requestID, principal.AccountID, approve, req.Note)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	event := "grant.request.reject"
	if approve {
		event = "grant.request.approve"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"request_id": decided.ID,
	})
	writeJSON(w, http.StatusOK, decided)
}

func (a *API) handleGrantedItem(w http.ResponseWriter, r *http.Request, requestID, itemID, action string) {
	switch action {
	case "links":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.issueGrantedLinks(w, r, requestID, itemID)
	case "view":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.serveGrantedDocument(w, r, requestID, itemID, signedlink.ScopeGrantedDocumentView, "inline")
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.serveGrantedDocument(w, r, requestID, itemID, signedlink.ScopeGrantedDocumentDownload, "attachment")
	case "block":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.serveGrantedTrace(w, r, requestID, itemID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// issueGrantedLinks mints the signed view/download/trace URLs for one granted
// item. Resolution runs first so a stale grant fails here, not at click time.
func (a *API) issueGrantedLinks(w http.ResponseWriter, r *http.Request, requestID, itemID string) {
	principal, ok := requireRole(w, r, auth.RoleAgency)
	if !ok {
		return
	}

	if _, err := a.grants.ResolveGrantedResource(r.Context(), principal.EntityID, requestID, itemID); err != nil {
		if errors.Is(err, grants.ErrInvalidState) {
			w.Header().Set(errorReasonHeader, "GRANT_EXPIRED")
			writeError(w, r, http.StatusGone, "grant expired or not approved")
			return
		}
		handleGrantError(w, r, err)
		return
	}

	base := "/v1/access-requests/" + requestID + "/items/" + itemID
	identifiers := []string{requestID, itemID}
	view := a.links.Issue(signedlink.ScopeGrantedDocumentView, identifiers, a.linkTTL)
	download := a.links.Issue(signedlink.ScopeGrantedDocumentDownload, identifiers, a.linkTTL)
	trace := a.links.Issue(signedlink.ScopeGrantedDocumentTrace, identifiers, a.linkTTL)

	_ = audit.LogEvent(r.Context(), "link.issue.granted", map[string]any{
		"request_id": requestID,
		"item_id":    itemID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"expires_at":   view.Exp,
		"view_url":     base + "/view?" + view.Params().Encode(),
		"download_url": base + "/download?" + download.Params().Encode(),
		"trace_url":    base + "/block?" + trace.Params().Encode(),
	})
}

func (a *API) serveGrantedDocument(w http.ResponseWriter, r *http.Request, requestID, itemID string, scope signedlink.Scope, disposition string) {
	principal, ok := requireRole(w, r, auth.RoleAgency)
	if !ok {
		return
	}
	if !a.checkLink(w, r, scope, []string{requestID, itemID}, false) {
		return
	}

	doc, err := a.grants.ResolveGrantedResource(r.Context(), principal.EntityID, requestID, itemID)
	if err != nil {
		if errors.Is(err, grants.ErrInvalidState) {
			w.Header().Set(errorReasonHeader, "GRANT_EXPIRED")
			w.WriteHeader(http.StatusGone)
			return
		}
		handleGrantError(w, r, err)
		return
	}

	a.streamDocument(w, r, doc, disposition)
}

func (a *API) serveGrantedTrace(w http.ResponseWriter, r *http.Request, requestID, itemID string) {
	principal, ok := requireRole(w, r, auth.RoleAgency)
	if !ok {
		return
	}
	if !a.checkLink(w, r, signedlink.ScopeGrantedDocumentTrace, []string{requestID, itemID}, true) {
		return
	}

	doc, err := a.grants.ResolveGrantedResource(r.Context(), principal.EntityID, requestID, itemID)
	if err != nil {
		if errors.Is(err, grants.ErrInvalidState) {
			w.Header().Set(errorReasonHeader, "GRANT_EXPIRED")
			writeError(w, r, http.StatusGone, "grant expired")
			return
		}
		handleGrantError(w, r, err)
		return
	}

	trace, err := a.tracer.Trace(r.Context(), doc)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read provenance trace")
		return
	}

	_ = audit.LogEvent(r.Context(), "document.trace.granted", map[string]any{
		"request_id": requestID,
		"item_id":    itemID,
	})
	writeJSON(w, http.StatusOK, trace)
}

// checkLink validates the exp/sig query pair for scope. Failures answer 410;
// jsonBody selects between a header-only response (file endpoints) and a JSON
// error payload (trace endpoint).
func (a *API) checkLink(w http.ResponseWriter, r *http.Request, scope signedlink.Scope, identifiers []string, jsonBody bool) bool {
	expRaw := r.URL.Query().Get("exp")
	sig := r.URL.Query().Get("sig")
	exp, convErr := strconv.ParseInt(strings.TrimSpace(expRaw), 10, 64)

	var err error
	if expRaw == "" || sig == "" || convErr != nil {
		err = signedlink.ErrTampered
	} else {
		err = a.links.Validate(scope, identifiers, exp, sig)
	}

	outcome := "ok"
	reason := ""
	switch {
	case err == nil:
	case errors.Is(err, signedlink.ErrExpired):
		outcome, reason = "expired", "EXPIRED"
	case errors.Is(err, signedlink.ErrScopeMismatch):
		outcome, reason = "scope_mismatch", "SCOPE_MISMATCH"
	default:
		outcome, reason = "tampered", "TAMPERED"
	}
	obs.CountSignedLinkCheck(string(scope), outcome)

	if err == nil {
		return true
	}

	_ = audit.LogEvent(r.Context(), "link.rejected", map[string]any{
		"scope":  string(scope),
		"reason": reason,
	})
	w.Header().Set(errorReasonHeader, reason)
	if jsonBody {
		writeError(w, r, http.StatusGone, "link is no longer valid")
	} else {
		w.WriteHeader(http.StatusGone)
	}
	return false
}

func (a *API) streamDocument(w http.ResponseWriter, r *http.Request, doc docs.Document, disposition string) {
	rc, err := a.opener.Open(r.Context(), doc)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not open document")
		return
	}
	defer rc.Close()

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", disposition+`; filename="`+doc.ID+`"`)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		log.Printf("stream %s: %v", doc.ID, err)
	}
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grants.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grants.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "request is not in a decidable state")
	// Ownership failures are indistinguishable from missing records so
	// callers cannot enumerate requests.
	case errors.Is(err, grants.ErrNotFound), errors.Is(err, grants.ErrUnauthorized):
		writeError(w, r, http.StatusNotFound, "request not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
