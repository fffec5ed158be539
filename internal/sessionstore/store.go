// Package sessionstore holds short-lived per-browser-session state that
// bridges otherwise-stateless HTTP calls across protocol steps: pending proof
// expectations, pending TOTP secrets, pending registration forms.
package sessionstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is a keyed put/get/remove store with per-entry TTL. Take is the
// atomic read-then-remove used for single-use bindings; with two tabs racing
// on the same key exactly one caller wins.
type Store interface {
	Put(ctx context.Context, key string, value any, ttl time.Duration)
	Get(ctx context.Context, key string) (any, bool)
	Take(ctx context.Context, key string) (any, bool)
	Remove(ctx context.Context, key string)
}

// Key builds a namespaced store key from a browser session id and parts.
func Key(sessionID string, parts ...string) string {
	return strings.Join(append([]string{sessionID}, parts...), "/")
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is the in-process Store implementation.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put stores value under key until ttl elapses. ttl <= 0 keeps the entry for
// the process lifetime.
func (m *Memory) Put(ctx context.Context, key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// Get returns the value for key if present and not expired.
func (m *Memory) Get(ctx context.Context, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Take returns and removes the value for key in one critical section.
func (m *Memory) Take(ctx context.Context, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	delete(m.entries, key)
	if m.expired(e) {
		return nil, false
	}
	return e.value, true
}

// Remove discards the entry for key if present.
func (m *Memory) Remove(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(m.now())
}
