package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Verification failure kinds. Every failure returned by an Authenticator
// wraps exactly one of these sentinels so transports can classify with
// errors.Is and surface a human-readable message without exposing internals.
var (
	// ErrMalformedToken indicates the token is not a structurally valid
	// three-segment compact JWT.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnsupportedAlgorithm indicates the token header declares a signing
	// algorithm outside the configured allow-list.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	// ErrTokenExpired indicates the exp claim is absent or in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid indicates the nbf claim is in the future.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrInvalidIssuer indicates the iss claim does not match the expected issuer.
	ErrInvalidIssuer = errors.New("invalid issuer")
	// ErrKeyNotFound indicates no signing key matched the token's kid, even
	// after refreshing the key set once.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrInvalidSignature indicates the cryptographic signature did not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrWrongTokenUse indicates the token_use claim is not the access-token marker.
	ErrWrongTokenUse = errors.New("wrong token use")
	// ErrClientNotAllowed indicates the client_id claim is not in the allow-list.
	ErrClientNotAllowed = errors.New("client not allowed")
	// ErrMissingScope indicates the token's scope claim does not cover the
	// required scopes.
	ErrMissingScope = errors.New("missing required scope")
)

// IsVerificationError reports whether err is one of the token verification
// failure kinds above. Transports map these to 401 challenges; anything else
// is an internal error.
func IsVerificationError(err error) bool {
	for _, kind := range []error{
		ErrMalformedToken,
		ErrUnsupportedAlgorithm,
		ErrTokenExpired,
		ErrTokenNotYetValid,
		ErrInvalidIssuer,
		ErrKeyNotFound,
		ErrInvalidSignature,
		ErrWrongTokenUse,
		ErrClientNotAllowed,
		ErrMissingScope,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// VerifiedClaims is the immutable result of a successful token verification.
// It is the only identity artifact handed to business handlers; the raw
// bearer token never crosses that boundary.
type VerifiedClaims struct {
	Subject   string
	ClientID  string
	TokenUse  string
	Scopes    []string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token carried the given scope.
func (c *VerifiedClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeString returns the scopes in their space-delimited wire form.
func (c *VerifiedClaims) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// Authenticator validates bearer tokens. Implementations must return an error
// wrapping one of the verification sentinels for any invalid credential.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, token string) (*VerifiedClaims, error)
}
