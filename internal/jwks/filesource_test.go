package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/mcpguard/mcpguard/auth"
)

func writeKeySet(t *testing.T, path string, kids ...string) {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for _, kid := range kids {
		pk, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("gen key: %v", err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"})
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFileSource_LoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeKeySet(t, path, "local-key")

	fs, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer fs.Close()

	if _, err := fs.Key(context.Background(), "local-key"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := fs.Key(context.Background(), "other"); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
}

func TestFileSource_ReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeKeySet(t, path, "first")

	fs, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer fs.Close()

	writeKeySet(t, path, "second")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := fs.Key(context.Background(), "second"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("rotated key never became visible after file change")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
