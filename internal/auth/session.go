package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "custodia"

const defaultSessionTTL = 30 * time.Minute

// SessionClaims carries the portal session payload on top of the registered
// JWT claims. The identification number is the one attested by the proof
// exchange, not the one typed at login.
type SessionClaims struct {
	Role           string `json:"role"`
	DisplayName    string `json:"name,omitempty"`
	IdentityType   string `json:"idt,omitempty"`
	IdentityNumber string `json:"idn,omitempty"`
	EntityID       string `json:"entity,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 portal session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessions constructs the session token service.
func NewSessions(secret string, opts ...SessionOption) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: session secret is not configured")
	}
	s := &Sessions{
		secret: []byte(secret),
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a session token for the given principal.
func (s *Sessions) Issue(p Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.AccountID) == "" {
		return "", time.Time{}, ErrInvalidInput
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := SessionClaims{
		Role:           string(p.Role),
		DisplayName:    p.DisplayName,
		IdentityType:   p.IdentityType,
		IdentityNumber: p.IdentityNumber,
		EntityID:       p.EntityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   p.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies a session token and reconstructs the principal.
func (s *Sessions) Parse(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Issuer != sessionIssuer || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	role := Role(claims.Role)
	switch role {
	case RoleCitizen, RoleAgency, RoleAdmin:
	default:
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		AccountID:      claims.Subject,
		Role:           role,
		DisplayName:    claims.DisplayName,
		IdentityType:   claims.IdentityType,
		IdentityNumber: claims.IdentityNumber,
		EntityID:       claims.EntityID,
	}, nil
}
