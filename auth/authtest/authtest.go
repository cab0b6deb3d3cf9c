// Package authtest provides in-memory Authenticator implementations for
// tests and development environments where a real authorization server is
// not available.
package authtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcpguard/mcpguard/auth"
)

// Static is an Authenticator backed by a fixed token table. Unknown tokens
// fail with auth.ErrInvalidSignature.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]*auth.VerifiedClaims
}

// NewStatic creates an empty static authenticator.
func NewStatic() *Static {
	return &Static{tokens: make(map[string]*auth.VerifiedClaims)}
}

// Add registers a token with the claims it should resolve to.
func (s *Static) Add(token string, claims *auth.VerifiedClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = claims
}

// AddSubject registers a token resolving to minimal, unexpired claims for the
// given subject and returns those claims.
func (s *Static) AddSubject(token, subject string) *auth.VerifiedClaims {
	claims := &auth.VerifiedClaims{
		Subject:   subject,
		ClientID:  "test-client",
		TokenUse:  "access",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	s.Add(token, claims)
	return claims
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, token string) (*auth.VerifiedClaims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claims, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown test token", auth.ErrInvalidSignature)
	}
	if time.Now().After(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: test token expired", auth.ErrTokenExpired)
	}
	return claims, nil
}

var _ auth.Authenticator = (*Static)(nil)
