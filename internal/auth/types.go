package auth

import "time"

// Role classifies what kind of principal an account authenticates as.
type Role string

const (
	// RoleCitizen is an end user who owns documents in custody.
	RoleCitizen Role = "citizen"
	// RoleAgency is a requesting entity asking for access to documents.
	RoleAgency Role = "agency"
	// RoleAdmin is a fully trusted operator.
	RoleAdmin Role = "admin"
)

// Account is a local portal account. Citizens additionally carry the
// identification number their verifiable credential must attest to.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Status       string // active, pending, disabled
	DisplayName  string

	// Identity binding for the proof login flow (citizens only).
	IdentityType   string
	IdentityNumber string

	// EntityID links agency accounts to their requesting entity.
	EntityID string

	// Confirmed second factor. A pending (unconfirmed) secret never
	// lives here; it stays in the session binding store.
	TOTPSecret      string
	TOTPOffset      int
	TOTPConfirmedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SecondFactorEnabled reports whether a confirmed TOTP secret is on record.
func (a *Account) SecondFactorEnabled() bool {
	return a.TOTPSecret != "" && a.TOTPConfirmedAt != nil
}

// Principal is the authenticated caller attached to a request context after
// the session token has been verified.
type Principal struct {
	AccountID      string
	Role           Role
	DisplayName    string
	IdentityType   string
	IdentityNumber string
	EntityID       string
}

// IsCitizen reports whether the principal is an end user.
func (p Principal) IsCitizen() bool { return p.Role == RoleCitizen }

// IsAgency reports whether the principal acts for a requesting entity.
func (p Principal) IsAgency() bool { return p.Role == RoleAgency }

// IsAdmin reports whether the principal is an administrator.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
