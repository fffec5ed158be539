package signedlink

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T, clock *time.Time) *Authority {
	t.Helper()
	a, err := NewAuthority("test-link-secret", WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return a
}

func TestIssueThenValidate(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)

	ids := []string{"req-1", "item-2"}
	link := a.Issue(ScopeGrantedDocumentView, ids, time.Minute)

	if err := a.Validate(ScopeGrantedDocumentView, ids, link.Exp, link.Sig); err != nil {
		t.Fatalf("expected valid link, got %v", err)
	}
}

func TestExpiryHasZeroGrace(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)

	link := a.Issue(ScopeOwnDocumentView, []string{"doc-1"}, time.Minute)

	clock = clock.Add(time.Minute)
	err := a.Validate(ScopeOwnDocumentView, []string{"doc-1"}, link.Exp, link.Sig)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at exp==now, got %v", err)
	}
}

func TestBitFlipIsAlwaysTampered(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)

	ids := []string{"req-1", "item-2"}
	link := a.Issue(ScopeGrantedDocumentDownload, ids, time.Minute)

	// Flip a character of the signature.
	flipped := []byte(link.Sig)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	err := a.Validate(ScopeGrantedDocumentDownload, ids, link.Exp, string(flipped))
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered for flipped sig, got %v", err)
	}

	// Change an identifier: still tampered, never expired, even past exp.
	clock = clock.Add(2 * time.Minute)
	err = a.Validate(ScopeGrantedDocumentDownload, []string{"req-1", "item-3"}, link.Exp, link.Sig)
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered for altered identifier, got %v", err)
	}

	// Change the expiry.
	err = a.Validate(ScopeGrantedDocumentDownload, ids, link.Exp+1, link.Sig)
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered for altered exp, got %v", err)
	}
}

func TestScopeMismatchDetected(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)

	ids := []string{"req-1", "item-2"}
	link := a.Issue(ScopeGrantedDocumentView, ids, time.Minute)

	err := a.Validate(ScopeGrantedDocumentDownload, ids, link.Exp, link.Sig)
	if !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
}

func TestDifferentKeysDisagree(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)
	b, err := NewAuthority("another-secret", WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	link := a.Issue(ScopeOwnDocumentDownload, []string{"doc-9"}, time.Minute)
	if err := b.Validate(ScopeOwnDocumentDownload, []string{"doc-9"}, link.Exp, link.Sig); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered across keys, got %v", err)
	}
}

func TestParamsRenderQuery(t *testing.T) {
	clock := time.Now()
	a := newTestAuthority(t, &clock)

	link := a.Issue(ScopeGrantedDocumentTrace, []string{"req-1", "item-2"}, time.Minute)
	q := link.Params().Encode()
	if !strings.Contains(q, "exp=") || !strings.Contains(q, "sig=") {
		t.Fatalf("unexpected query encoding: %s", q)
	}
}

func TestNewAuthorityRequiresSecret(t *testing.T) {
	if _, err := NewAuthority("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
