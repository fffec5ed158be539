// Package mfa implements TOTP second-factor enrollment: secret issuance,
// confirmation with clock-drift tolerance, and toggling. Pending secrets live
// in the session binding store until confirmed; only confirmed secrets reach
// the durable account record.
package mfa

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"

	"custodia.org/internal/auth"
	"custodia.org/internal/sessionstore"
)

var (
	ErrNoPending    = errors.New("mfa: no pending secret")
	ErrCodeMismatch = errors.New("mfa: code mismatch")
)

const (
	totpPeriod        = 30
	defaultPendingTTL = 15 * time.Minute
)

// Setup is returned by BeginSetup so the owner can load the secret into an
// authenticator app.
type Setup struct {
	Secret     string `json:"secret"`
	OtpauthURI string `json:"otpauth_uri"`
}

// State is the read-only enrollment state of an owner.
type State struct {
	Enabled     bool       `json:"enabled"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Enrollment drives the begin/confirm/disable state machine. The same
// instance serves both the registration-time variant and the authenticated
// dashboard.
type Enrollment struct {
	accounts   auth.AccountStore
	pending    sessionstore.Store
	issuer     string
	now        func() time.Time
	pendingTTL time.Duration
}

// EnrollmentOption configures Enrollment.
type EnrollmentOption func(*Enrollment)

// WithEnrollmentClock overrides the time source (useful for tests).
func WithEnrollmentClock(fn func() time.Time) EnrollmentOption {
	return func(e *Enrollment) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithPendingTTL overrides how long an unconfirmed secret stays claimable.
func WithPendingTTL(ttl time.Duration) EnrollmentOption {
	return func(e *Enrollment) {
		if ttl > 0 {
			e.pendingTTL = ttl
		}
	}
}

// NewEnrollment wires the enrollment state machine.
func NewEnrollment(accounts auth.AccountStore, pending sessionstore.Store, issuer string, opts ...EnrollmentOption) *Enrollment {
	e := &Enrollment{
		accounts:   accounts,
		pending:    pending,
		issuer:     issuer,
		now:        time.Now,
		pendingTTL: defaultPendingTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BeginSetup generates a fresh secret, parks it as pending for the owner and
// returns the otpauth provisioning URI. Restarting setup replaces any earlier
// pending secret.
func (e *Enrollment) BeginSetup(ctx context.Context, ownerID string) (Setup, error) {
	account, err := e.accounts.Find(ctx, ownerID)
	if err != nil {
		return Setup{}, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account.Email,
		Period:      totpPeriod,
	})
	if err != nil {
		return Setup{}, err
	}
	e.pending.Put(ctx, e.key(ownerID), key.Secret(), e.pendingTTL)
	return Setup{Secret: key.Secret(), OtpauthURI: key.String()}, nil
}

// Confirm checks code against the pending secret, tolerating one time step of
// clock drift in either direction, and persists the secret with the accepted
// offset. The pending entry is consumed only on success so a mistyped code
// can be retried.
func (e *Enrollment) Confirm(ctx context.Context, ownerID, code string) error {
	v, ok := e.pending.Get(ctx, e.key(ownerID))
	if !ok {
		return ErrNoPending
	}
	secret, ok := v.(string)
	if !ok {
		e.pending.Remove(ctx, e.key(ownerID))
		return ErrNoPending
	}

	offset, ok := e.matchCode(secret, strings.TrimSpace(code))
	if !ok {
		return ErrCodeMismatch
	}

	if _, ok := e.pending.Take(ctx, e.key(ownerID)); !ok {
		return ErrNoPending
	}
	return e.accounts.SetSecondFactor(ctx, ownerID, secret, offset, e.now().UTC())
}

// Disable clears the durable secret and any pending setup unconditionally.
func (e *Enrollment) Disable(ctx context.Context, ownerID string) error {
	e.pending.Remove(ctx, e.key(ownerID))
	return e.accounts.ClearSecondFactor(ctx, ownerID)
}

// Status reports whether a confirmed secret is on record.
func (e *Enrollment) Status(ctx context.Context, ownerID string) (State, error) {
	account, err := e.accounts.Find(ctx, ownerID)
	if err != nil {
		return State{}, err
	}
	return State{
		Enabled:     account.SecondFactorEnabled(),
		ConfirmedAt: account.TOTPConfirmedAt,
	}, nil
}

// VerifyCode checks a login-time code against the owner's confirmed secret,
// centered on the drift offset accepted at confirmation.
func (e *Enrollment) VerifyCode(ctx context.Context, ownerID, code string) error {
	account, err := e.accounts.Find(ctx, ownerID)
	if err != nil {
		return err
	}
	if !account.SecondFactorEnabled() {
		return ErrNoPending
	}
	base := e.counter() + int64(account.TOTPOffset)
	for _, off := range []int64{0, -1, 1} {
		if validateAt(code, base+off, account.TOTPSecret) {
			return nil
		}
	}
	return ErrCodeMismatch
}

// matchCode tries the current time step and one step either side, returning
// the offset that matched.
func (e *Enrollment) matchCode(secret, code string) (int, bool) {
	base := e.counter()
	for _, off := range []int64{0, -1, 1} {
		if validateAt(code, base+off, secret) {
			return int(off), true
		}
	}
	return 0, false
}

func (e *Enrollment) counter() int64 {
	return e.now().UTC().Unix() / totpPeriod
}

func validateAt(code string, counter int64, secret string) bool {
	if counter < 0 {
		return false
	}
	ok, err := hotp.ValidateCustom(code, uint64(counter), secret, hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (e *Enrollment) key(ownerID string) string {
	return sessionstore.Key(ownerID, "totp")
}
