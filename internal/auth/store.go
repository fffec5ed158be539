package auth

import (
	"context"
	"time"
)

// AccountStore describes persistence operations required by the auth,
// proof-login and second-factor subsystems.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// SetSecondFactor persists a confirmed TOTP secret together with the
	// accepted time-step offset.
	SetSecondFactor(ctx context.Context, id, secret string, offset int, confirmedAt time.Time) error
	// ClearSecondFactor removes the confirmed secret unconditionally.
	ClearSecondFactor(ctx context.Context, id string) error
}
