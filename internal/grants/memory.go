package grants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"custodia.org/internal/docs"
	"custodia.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. Decide is
// guarded by the store mutex: the first writer wins, the second observes
// ErrInvalidState.
type InMemory struct {
	registry docs.Registry
	now      func() time.Time

	mu       sync.Mutex
	requests map[string]*AccessRequest
	ordered  []string // newest first
}

var _ Service = (*InMemory)(nil)

// MemoryOption configures InMemory.
type MemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty ledger backed by the given document registry.
func NewInMemory(registry docs.Registry, opts ...MemoryOption) *InMemory {
	s := &InMemory{
		registry: registry,
		now:      time.Now,
		requests: make(map[string]*AccessRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Create(ctx context.Context, entityID, subjectID, purpose string, itemIDs []string) (AccessRequest, error) {
	items, err := validateCreate(ctx, s.registry, entityID, subjectID, purpose, itemIDs)
	if err != nil {
		return AccessRequest{}, err
	}

	req := AccessRequest{
		ID:          ids.New(),
		EntityID:    entityID,
		SubjectID:   subjectID,
		Purpose:     strings.TrimSpace(purpose),
		Status:      StatusPending,
		RequestedAt: s.now().UTC(),
		Items:       items,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRequest(&req)
	s.requests[req.ID] = &cp
	s.ordered = append([]string{req.ID}, s.ordered...)
	return req, nil
}

func (s *InMemory) ListForEntity(ctx context.Context, entityID string, limit, offset int) ([]AccessRequest, error) {
	return s.list(func(r *AccessRequest) bool { return r.EntityID == entityID }, limit, offset)
}

func (s *InMemory) ListForSubject(ctx context.Context, subjectID string, limit, offset int) ([]AccessRequest, error) {
	return s.list(func(r *AccessRequest) bool { return r.SubjectID == subjectID }, limit, offset)
}

func (s *InMemory) list(match func(*AccessRequest) bool, limit, offset int) ([]AccessRequest, error) {
	limit = normalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AccessRequest
	skipped := 0
	for _, id := range s.ordered {
		r := s.requests[id]
		if !match(r) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyRequest(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) Decide(ctx context.Context, requestID, subjectID string, approve bool, note string) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok || r.SubjectID != subjectID {
		return AccessRequest{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return AccessRequest{}, ErrInvalidState
	}

	decidedAt := s.now().UTC()
	if approve {
		r.Status = StatusApproved
	} else {
		r.Status = StatusRejected
	}
	r.DecidedAt = &decidedAt
	r.DecisionNote = strings.TrimSpace(note)
	return copyRequest(r), nil
}

func (s *InMemory) ResolveGrantedResource(ctx context.Context, entityID, requestID, itemID string) (docs.Document, error) {
	s.mu.Lock()
	r, ok := s.requests[requestID]
	if !ok || r.EntityID != entityID {
		s.mu.Unlock()
		return docs.Document{}, ErrUnauthorized
	}
	if r.Status == StatusApproved && r.DecidedAt != nil && !s.now().Before(r.DecidedAt.Add(ValidityWindow)) {
		// Lazy expiry: observed on read, terminal afterwards.
		r.Status = StatusExpired
	}
	if r.Status != StatusApproved {
		s.mu.Unlock()
		return docs.Document{}, fmt.Errorf("%w: grant expired or not approved", ErrInvalidState)
	}
	if !r.HasItem(itemID) {
		s.mu.Unlock()
		return docs.Document{}, ErrNotFound
	}
	s.mu.Unlock()

	doc, err := s.registry.Find(ctx, itemID)
	if err != nil {
		return docs.Document{}, ErrNotFound
	}
	return doc, nil
}

// validateCreate enforces the creation preconditions shared by both backends.
func validateCreate(ctx context.Context, registry docs.Registry, entityID, subjectID, purpose string, itemIDs []string) ([]string, error) {
	if strings.TrimSpace(entityID) == "" || strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: entity and subject are required", ErrValidation)
	}
	if strings.TrimSpace(purpose) == "" {
		return nil, fmt.Errorf("%w: purpose is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(itemIDs))
	var items []string
	for _, id := range itemIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, id)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one document is required", ErrValidation)
	}
	sort.Strings(items)

	for _, id := range items {
		doc, err := registry.Find(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: document %s not found", ErrValidation, id)
		}
		if doc.OwnerID != subjectID {
			return nil, fmt.Errorf("%w: document %s does not belong to subject", ErrValidation, id)
		}
		if doc.ReviewState != docs.ReviewApproved {
			return nil, fmt.Errorf("%w: document %s is not approved for sharing", ErrValidation, id)
		}
	}
	return items, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func copyRequest(r *AccessRequest) AccessRequest {
	cp := *r
	cp.Items = append([]string(nil), r.Items...)
	if r.DecidedAt != nil {
		ts := *r.DecidedAt
		cp.DecidedAt = &ts
	}
	return cp
}
