package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"custodia.org/internal/audit"
	"custodia.org/internal/auth"
	"custodia.org/internal/docs"
	"custodia.org/internal/signedlink"
)

func (a *API) handleDocumentsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := requireRole(w, r, auth.RoleCitizen)
	if !ok {
		return
	}

	items, err := a.registry.ListByOwner(r.Context(), principal.AccountID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not list documents")
		return
	}
	if items == nil {
		items = []docs.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (a *API) handleDocumentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	docID, action := parts[0], parts[1]

	switch action {
	case "links":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.issueOwnDocumentLinks(w, r, docID)
	case "view":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.serveOwnDocument(w, r, docID, signedlink.ScopeOwnDocumentView, "inline")
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.serveOwnDocument(w, r, docID, signedlink.ScopeOwnDocumentDownload, "attachment")
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) issueOwnDocumentLinks(w http.ResponseWriter, r *http.Request, docID string) {
	principal, ok := requireRole(w, r, auth.RoleCitizen)
	if !ok {
		return
	}
	if _, ok := a.resolveOwnDocument(w, r, principal, docID); !ok {
		return
	}

	base := "/v1/documents/" + docID
	identifiers := ownDocumentIdentifiers(principal, docID)
	view := a.links.Issue(signedlink.ScopeOwnDocumentView, identifiers, a.linkTTL)
	download := a.links.Issue(signedlink.ScopeOwnDocumentDownload, identifiers, a.linkTTL)

	_ = audit.LogEvent(r.Context(), "link.issue.own", map[string]any{
		"document_id": docID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"expires_at":   view.Exp,
		"view_url":     base + "/view?" + view.Params().Encode(),
		"download_url": base + "/download?" + download.Params().Encode(),
	})
}

func (a *API) serveOwnDocument(w http.ResponseWriter, r *http.Request, docID string, scope signedlink.Scope, disposition string) {
	principal, ok := requireRole(w, r, auth.RoleCitizen)
	if !ok {
		return
	}
	if !a.checkLink(w, r, scope, ownDocumentIdentifiers(principal, docID), false) {
		return
	}
	doc, ok := a.resolveOwnDocument(w, r, principal, docID)
	if !ok {
		return
	}
	a.streamDocument(w, r, doc, disposition)
}

// resolveOwnDocument loads the document and enforces ownership. A foreign
// document answers exactly like a missing one.
func (a *API) resolveOwnDocument(w http.ResponseWriter, r *http.Request, principal auth.Principal, docID string) (docs.Document, bool) {
	doc, err := a.registry.Find(r.Context(), docID)
	if err != nil || doc.OwnerID != principal.AccountID {
		writeError(w, r, http.StatusNotFound, "document not found")
		return docs.Document{}, false
	}
	return doc, true
}

// ownDocumentIdentifiers is the id tuple an owner-scoped link signs over:
// the resource is resolved by who the owner is, not by a grant.
func ownDocumentIdentifiers(principal auth.Principal, docID string) []string {
	return []string{principal.IdentityType, principal.IdentityNumber, docID}
}

func (a *API) handleAdminTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	// Administrators are fully trusted: session check only, no signed link.
	if _, ok := requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}

	docID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/trace/"), "/")
	if docID == "" || strings.Contains(docID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	doc, err := a.registry.Find(r.Context(), docID)
	if err != nil {
		if errors.Is(err, docs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not load document")
		return
	}

	trace, err := a.tracer.Trace(r.Context(), doc)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read provenance trace")
		return
	}

	_ = audit.LogEvent(r.Context(), "document.trace.admin", map[string]any{
		"document_id": docID,
	})
	writeJSON(w, http.StatusOK, trace)
}
