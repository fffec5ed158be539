package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"custodia.org/internal/ids"
)

// MemoryStore implements AccountStore in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
}

var _ AccountStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Account) error {
	if a == nil || strings.TrimSpace(a.Email) == "" {
		return ErrInvalidInput
	}
	email := normalizeEmail(a.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	a.Email = email
	a.CreatedAt = now
	a.UpdatedAt = now

	cp := *a
	s.byID[a.ID] = &cp
	s.byEmail[email] = a.ID
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) SetSecondFactor(ctx context.Context, id, secret string, offset int, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ts := confirmedAt.UTC()
	a.TOTPSecret = secret
	a.TOTPOffset = offset
	a.TOTPConfirmedAt = &ts
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClearSecondFactor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.TOTPSecret = ""
	a.TOTPOffset = 0
	a.TOTPConfirmedAt = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
