package clientauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// PKCEContextTTL bounds how long a pending authorization may sit between
// producing the authorization URL and exchanging the returned code.
const PKCEContextTTL = 10 * time.Minute

var (
	// ErrPKCEStateNotFound is returned when no pending context matches the
	// presented state. Contexts are single-use, so a replayed state also
	// fails with this error.
	ErrPKCEStateNotFound = errors.New("clientauth: no pending authorization for state")

	// ErrPKCEContextExpired is returned when the matching context outlived
	// its ttl. The context is removed; the flow must restart.
	ErrPKCEContextExpired = errors.New("clientauth: authorization context expired")
)

// PKCEContext is the client-held secret state of one pending authorization.
type PKCEContext struct {
	State       string
	Verifier    string
	Challenge   string
	RedirectURI string
	CreatedAt   time.Time
}

func (c *PKCEContext) expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(PKCEContextTTL))
}

// newPKCEContext generates a fresh verifier, its S256 challenge, and a
// random state value.
func newPKCEContext(redirectURI string) (*PKCEContext, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	return &PKCEContext{
		State:       state,
		Verifier:    verifier,
		Challenge:   oauth2.S256ChallengeFromVerifier(verifier),
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
	}, nil
}

func randomURLSafe(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// pkceStore holds pending authorization contexts keyed by state. Take is
// destructive: a context leaves the store on first use, expired or not.
type pkceStore struct {
	mu      sync.Mutex
	pending map[string]*PKCEContext
	now     func() time.Time
}

func newPKCEStore() *pkceStore {
	return &pkceStore{pending: make(map[string]*PKCEContext), now: time.Now}
}

func (s *pkceStore) Put(c *PKCEContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[c.State] = c
}

// Take removes and returns the context for state. Expired contexts are
// removed and reported as such; they are never returned to a caller.
func (s *pkceStore) Take(state string) (*PKCEContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.pending[state]
	if !ok {
		return nil, ErrPKCEStateNotFound
	}
	delete(s.pending, state)
	if c.expired(s.now()) {
		return nil, fmt.Errorf("%w: created %s ago", ErrPKCEContextExpired, s.now().Sub(c.CreatedAt).Round(time.Second))
	}
	return c, nil
}

// Len reports how many authorizations are pending.
func (s *pkceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
