// Package grants is the state machine for cross-party access requests: a
// requesting entity asks a document owner for temporary, auditable access to
// specific approved documents.
package grants

import (
	"context"
	"errors"
	"time"

	"custodia.org/internal/docs"
)

// Status of an access request. Transitions are monotonic:
// PENDING -> APPROVED | REJECTED, and APPROVED -> EXPIRED once the validity
// window elapses. Terminal states never transition again.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// ValidityWindow is how long an APPROVED request stays usable. Expiry is
// observed on access, not proactively enforced: a request can sit
// APPROVED-but-stale until someone tries to use it.
const ValidityWindow = 72 * time.Hour

// AccessRequest is an audit record; it is decided exactly once and never
// deleted. The item set is immutable after creation.
type AccessRequest struct {
	ID           string     `json:"id"`
	EntityID     string     `json:"entity_id"`
	SubjectID    string     `json:"subject_id"`
	Purpose      string     `json:"purpose"`
	Status       Status     `json:"status"`
	RequestedAt  time.Time  `json:"requested_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	DecisionNote string     `json:"decision_note,omitempty"`
	Items        []string   `json:"items"`
}

// HasItem reports whether the request covers the given document id.
func (r *AccessRequest) HasItem(itemID string) bool {
	for _, id := range r.Items {
		if id == itemID {
			return true
		}
	}
	return false
}

var (
	ErrValidation   = errors.New("grants: validation failed")
	ErrNotFound     = errors.New("grants: not found")
	ErrUnauthorized = errors.New("grants: unauthorized")
	ErrInvalidState = errors.New("grants: invalid state")
)

// Service defines the access-request ledger operations.
type Service interface {
	// Create validates and inserts a PENDING request. All items must belong
	// to the subject and be in an approved review state.
	Create(ctx context.Context, entityID, subjectID, purpose string, itemIDs []string) (AccessRequest, error)
	// ListForEntity returns requests created by the entity, newest first.
	ListForEntity(ctx context.Context, entityID string, limit, offset int) ([]AccessRequest, error)
	// ListForSubject returns requests about the subject, newest first.
	ListForSubject(ctx context.Context, subjectID string, limit, offset int) ([]AccessRequest, error)
	// Decide approves or rejects a PENDING request exactly once. All items
	// share the one decision; partial approval is not supported.
	Decide(ctx context.Context, requestID, subjectID string, approve bool, note string) (AccessRequest, error)
	// ResolveGrantedResource returns the document behind one granted item.
	// Reading an APPROVED request past its validity window flips it to
	// EXPIRED as a side effect (lazy expiry) and fails with ErrInvalidState.
	ResolveGrantedResource(ctx context.Context, entityID, requestID, itemID string) (docs.Document, error)
}
