// Package auth defines the authentication contract between the gateway
// transport and the token verification pipeline.
//
// The surface stays deliberately small: an Authenticator validates an
// incoming bearer token string and returns VerifiedClaims (or an error
// wrapping one of the classification sentinels). The transport extracts the
// token from the HTTP request and maps the sentinels onto Bearer challenges;
// business handlers only ever see VerifiedClaims, never the token itself.
//
// Example:
//
//	claims, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrTokenExpired) { /* 401 invalid_token */ }
//	if errors.Is(err, auth.ErrMissingScope) { /* 401 invalid_token */ }
//	subject := claims.Subject
package auth
