package clientauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// expirySkew is subtracted from the advertised lifetime so a token is
// retired before the provider's clock would reject it.
const expirySkew = 60 * time.Second

// ErrNoToken is returned by a store holding no token.
var ErrNoToken = errors.New("clientauth: no stored token")

// StoredToken is an obtained credential pinned to its issue time, so
// expiry is computed locally instead of trusting a provider clock.
type StoredToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ExpiresAt is the instant the token stops being usable, one skew interval
// before the provider-advertised expiry.
func (t *StoredToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn)*time.Second - expirySkew)
}

// Valid reports whether the token can still be presented.
func (t *StoredToken) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Before(t.ExpiresAt())
}

// newStoredToken converts an exchange result, stamping the issue time.
func newStoredToken(tok *oauth2.Token) *StoredToken {
	expiresIn := int64(time.Until(tok.Expiry) / time.Second)
	if tok.Expiry.IsZero() {
		expiresIn = 0
	}
	return &StoredToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
		IssuedAt:     time.Now(),
	}
}

// TokenStore persists the flow's current token. Implementations must be
// safe for concurrent use.
type TokenStore interface {
	Load(ctx context.Context) (*StoredToken, error)
	Save(ctx context.Context, token *StoredToken) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps the token in process memory.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token *StoredToken
}

func NewMemoryTokenStore() *MemoryTokenStore { return &MemoryTokenStore{} }

func (s *MemoryTokenStore) Load(ctx context.Context) (*StoredToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, ErrNoToken
	}
	cp := *s.token
	return &cp, nil
}

func (s *MemoryTokenStore) Save(ctx context.Context, token *StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.token = &cp
	return nil
}

func (s *MemoryTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}

// FileTokenStore persists the token as owner-only JSON, surviving process
// restarts for CLI and single-host use.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Load(ctx context.Context) (*StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var token StoredToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %w", err)
	}
	if token.AccessToken == "" {
		return nil, ErrNoToken
	}
	return &token, nil
}

func (s *FileTokenStore) Save(ctx context.Context, token *StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	// Write-then-rename so a crash never leaves a torn token file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

var (
	_ TokenStore = (*MemoryTokenStore)(nil)
	_ TokenStore = (*FileTokenStore)(nil)
)
