// Package jwtauth implements the bearer token verification pipeline. Checks
// run in a fixed order so that every rejection carries the most specific
// classification: structure, algorithm, temporal claims, issuer, key lookup,
// signature, and finally provider-specific claims (token_use, client_id,
// scope). Claim pre-checks run on the unverified payload, so an expired token
// is reported as expired even when its signature would not verify.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpguard/mcpguard/auth"
	"github.com/mcpguard/mcpguard/internal/jwks"
)

// AccessTokenUse is the token_use marker carried by provider access tokens.
// Identity tokens carry "id" and must be rejected.
const AccessTokenUse = "access"

// Config controls validation policy for access tokens.
type Config struct {
	// Issuer is the exact expected iss claim.
	Issuer string
	// AllowedClientIDs is the client_id allow-list. At least one entry is
	// required; tokens from unknown clients are rejected.
	AllowedClientIDs []string
	// RequiredScopes, when non-empty, must all be present in the token's
	// space-delimited scope claim.
	RequiredScopes []string
	// AllowedAlgs restricts the accepted signing algorithms. Default: RS256.
	AllowedAlgs []string
	// ExpectedTokenUse overrides the token_use marker. Default: "access".
	ExpectedTokenUse string
}

// Verifier validates bearer tokens against a Config and a key source. It is
// stateless apart from triggering key-cache population and is safe for
// concurrent use.
type Verifier struct {
	cfg  Config
	keys jwks.KeySource
}

// New constructs a Verifier. The key source is typically a *jwks.Cache
// pointed at the provider's published JWKS endpoint.
func New(cfg Config, keys jwks.KeySource) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if len(cfg.AllowedClientIDs) == 0 {
		return nil, errors.New("jwtauth: at least one allowed client id is required")
	}
	if keys == nil {
		return nil, errors.New("jwtauth: key source is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.ExpectedTokenUse == "" {
		cfg.ExpectedTokenUse = AccessTokenUse
	}
	return &Verifier{cfg: cfg, keys: keys}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (v *Verifier) CheckAuthentication(ctx context.Context, token string) (*auth.VerifiedClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("%w: token must have exactly three segments", auth.ErrMalformedToken)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrMalformedToken, err)
	}

	alg, _ := unverified.Header["alg"].(string)
	if !contains(v.cfg.AllowedAlgs, alg) {
		return nil, fmt.Errorf("%w: %q", auth.ErrUnsupportedAlgorithm, alg)
	}

	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", auth.ErrMalformedToken)
	}

	now := time.Now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp claim required", auth.ErrTokenExpired)
	}
	if !exp.After(now) {
		return nil, fmt.Errorf("%w: expired at %s", auth.ErrTokenExpired, exp.Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nbf claim", auth.ErrMalformedToken)
	}
	if nbf != nil && now.Before(nbf.Time) {
		return nil, fmt.Errorf("%w: not valid before %s", auth.ErrTokenNotYetValid, nbf.Format(time.RFC3339))
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", auth.ErrInvalidIssuer, iss)
	}

	kid, _ := unverified.Header["kid"].(string)
	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return nil, err
	}

	// Claims were validated above; this pass only checks the signature over
	// header+payload against the resolved key.
	sigParser := jwt.NewParser(jwt.WithValidMethods(v.cfg.AllowedAlgs), jwt.WithoutClaimsValidation())
	if _, err := sigParser.Parse(token, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidSignature, err)
	}

	tokenUse, _ := claims["token_use"].(string)
	if tokenUse != v.cfg.ExpectedTokenUse {
		return nil, fmt.Errorf("%w: got %q, want %q", auth.ErrWrongTokenUse, tokenUse, v.cfg.ExpectedTokenUse)
	}

	clientID, _ := claims["client_id"].(string)
	if !contains(v.cfg.AllowedClientIDs, clientID) {
		return nil, fmt.Errorf("%w: %q", auth.ErrClientNotAllowed, clientID)
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)
	if len(v.cfg.RequiredScopes) > 0 {
		have := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			have[s] = struct{}{}
		}
		for _, want := range v.cfg.RequiredScopes {
			if _, ok := have[want]; !ok {
				return nil, fmt.Errorf("%w: %q", auth.ErrMissingScope, want)
			}
		}
	}

	sub, _ := claims.GetSubject()
	result := &auth.VerifiedClaims{
		Subject:   sub,
		ClientID:  clientID,
		TokenUse:  tokenUse,
		Scopes:    scopes,
		Issuer:    iss,
		ExpiresAt: exp.Time,
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		result.IssuedAt = iat.Time
	}
	return result, nil
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

var _ auth.Authenticator = (*Verifier)(nil)
