package prooflogin

import "context"

// Exchange is the polled state of one presentation exchange at the external
// verifier.
type Exchange struct {
	ID       string
	Done     bool
	Verified bool
}

// Attributes are the identity attributes attested by a verified exchange.
type Attributes struct {
	IdentityType   string
	IdentityNumber string
	DisplayName    string
}

// Verifier is the outbound contract with the external proof verifier. The
// cryptographic agent protocol behind it is somebody else's problem; this
// system only starts an exchange and polls its outcome.
type Verifier interface {
	// StartPresentation begins an exchange asking the holder to prove the
	// given identification number. Returns the exchange id.
	StartPresentation(ctx context.Context, identityNumber string) (string, error)
	// ExchangeStatus reports whether the exchange finished and, if so,
	// whether the presentation verified.
	ExchangeStatus(ctx context.Context, exchangeID string) (Exchange, error)
	// VerifiedAttributes fetches the attested attributes of a verified
	// exchange.
	VerifiedAttributes(ctx context.Context, exchangeID string) (Attributes, error)
}
