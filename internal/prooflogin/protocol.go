// Package prooflogin implements the asynchronous start/poll login flow that
// binds a local credential check to a remote verifiable-credential proof.
package prooflogin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodia.org/internal/auth"
	"custodia.org/internal/sessionstore"
)

var (
	ErrUnauthorized = errors.New("prooflogin: unauthorized")
	ErrForbidden    = errors.New("prooflogin: no exchange binding")
	ErrUpstream     = errors.New("prooflogin: verifier failure")
)

const defaultBindingTTL = 10 * time.Minute

// binding is what start pins in the session store: the account that initiated
// the exchange and the identification number the proof must attest to.
// Comparing against it at poll time is the anti-substitution control.
type binding struct {
	AccountID string
	Number    string
}

// PollResult is the outcome of one poll call. Token is set only when
// Authenticated is true.
type PollResult struct {
	Authenticated bool
	RedirectURL   string
	DisplayName   string
	Token         string
	ExpiresAt     time.Time
}

// Flow drives the proof login protocol.
type Flow struct {
	accounts   auth.AccountStore
	sessions   *auth.Sessions
	bindings   sessionstore.Store
	verifier   Verifier
	redirect   string
	bindingTTL time.Duration
}

// FlowOption configures Flow.
type FlowOption func(*Flow)

// WithBindingTTL overrides how long a started exchange stays pollable.
func WithBindingTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) {
		if ttl > 0 {
			f.bindingTTL = ttl
		}
	}
}

// NewFlow wires the proof login flow.
func NewFlow(accounts auth.AccountStore, sessions *auth.Sessions, bindings sessionstore.Store, verifier Verifier, redirectURL string, opts ...FlowOption) *Flow {
	f := &Flow{
		accounts:   accounts,
		sessions:   sessions,
		bindings:   bindings,
		verifier:   verifier,
		redirect:   redirectURL,
		bindingTTL: defaultBindingTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start verifies local credentials and opens a presentation exchange at the
// verifier. Credential failures, inactive accounts and accounts with no bound
// identification number all report ErrUnauthorized so callers cannot
// enumerate accounts.
func (f *Flow) Start(ctx context.Context, sessionID, email, password string) (string, error) {
	account, err := f.accounts.FindByEmail(ctx, email)
	if err != nil {
		return "", ErrUnauthorized
	}
	if account.Role != auth.RoleCitizen || account.Status != "active" {
		return "", ErrUnauthorized
	}
	if err := auth.VerifyPassword(account.PasswordHash, password); err != nil {
		return "", ErrUnauthorized
	}
	number := strings.TrimSpace(account.IdentityNumber)
	if number == "" {
		return "", ErrUnauthorized
	}

	exchangeID, err := f.verifier.StartPresentation(ctx, number)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if strings.TrimSpace(exchangeID) == "" {
		return "", fmt.Errorf("%w: verifier returned no exchange id", ErrUpstream)
	}

	f.bindings.Put(ctx, f.key(sessionID, exchangeID), binding{
		AccountID: account.ID,
		Number:    number,
	}, f.bindingTTL)
	return exchangeID, nil
}

// Poll checks the exchange outcome. Non-terminal exchanges return
// Authenticated=false and stay pollable. Terminal outcomes consume the
// binding: a later poll of the same exchange id fails ErrForbidden.
func (f *Flow) Poll(ctx context.Context, sessionID, exchangeID string) (PollResult, error) {
	key := f.key(sessionID, exchangeID)
	v, ok := f.bindings.Get(ctx, key)
	if !ok {
		return PollResult{}, ErrForbidden
	}
	b, ok := v.(binding)
	if !ok {
		f.bindings.Remove(ctx, key)
		return PollResult{}, ErrForbidden
	}

	status, err := f.verifier.ExchangeStatus(ctx, exchangeID)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if !status.Done {
		return PollResult{Authenticated: false}, nil
	}

	if !status.Verified {
		// Terminal without a match: consume the binding, report failure.
		f.bindings.Remove(ctx, key)
		return PollResult{Authenticated: false}, nil
	}

	attrs, err := f.verifier.VerifiedAttributes(ctx, exchangeID)
	if err != nil {
		// Binding stays so the caller can retry once the verifier recovers.
		return PollResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// Take, not Get: two tabs polling the same exchange race here and
	// exactly one proceeds.
	if _, ok := f.bindings.Take(ctx, key); !ok {
		return PollResult{}, ErrForbidden
	}

	attestedNumber := strings.TrimSpace(attrs.IdentityNumber)
	if attestedNumber != b.Number {
		return PollResult{}, fmt.Errorf("%w: credential does not match requested identity", ErrUnauthorized)
	}

	account, err := f.accounts.Find(ctx, b.AccountID)
	if err != nil || account.Status != "active" {
		return PollResult{}, ErrUnauthorized
	}

	displayName := strings.TrimSpace(attrs.DisplayName)
	if displayName == "" {
		displayName = account.DisplayName
	}
	identityType := strings.TrimSpace(attrs.IdentityType)
	if identityType == "" {
		identityType = account.IdentityType
	}

	token, expiresAt, err := f.sessions.Issue(auth.Principal{
		AccountID:      account.ID,
		Role:           account.Role,
		DisplayName:    displayName,
		IdentityType:   identityType,
		IdentityNumber: attestedNumber,
		EntityID:       account.EntityID,
	})
	if err != nil {
		return PollResult{}, err
	}

	return PollResult{
		Authenticated: true,
		RedirectURL:   f.redirect,
		DisplayName:   displayName,
		Token:         token,
		ExpiresAt:     expiresAt,
	}, nil
}

func (f *Flow) key(sessionID, exchangeID string) string {
	return sessionstore.Key(sessionID, "proof", exchangeID)
}
