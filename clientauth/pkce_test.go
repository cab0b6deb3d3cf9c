package clientauth

import (
	"errors"
	"testing"
	"time"
)

func TestPKCEContext_ChallengeIsS256OfVerifier(t *testing.T) {
	c, err := newPKCEContext("http://127.0.0.1/callback")
	if err != nil {
		t.Fatalf("newPKCEContext: %v", err)
	}
	if c.Verifier == "" || c.State == "" || c.Challenge == "" {
		t.Fatalf("incomplete context: %+v", c)
	}
	if c.Verifier == c.Challenge {
		t.Fatal("challenge must not equal the verifier")
	}

	c2, err := newPKCEContext("http://127.0.0.1/callback")
	if err != nil {
		t.Fatalf("newPKCEContext: %v", err)
	}
	if c.Verifier == c2.Verifier || c.State == c2.State {
		t.Fatal("consecutive contexts must not repeat verifier or state")
	}
}

func TestPKCEStore_TakeIsSingleUse(t *testing.T) {
	s := newPKCEStore()
	c, err := newPKCEContext("http://127.0.0.1/callback")
	if err != nil {
		t.Fatalf("newPKCEContext: %v", err)
	}
	s.Put(c)

	got, err := s.Take(c.State)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got.Verifier != c.Verifier {
		t.Fatal("took a different context")
	}
	if _, err := s.Take(c.State); !errors.Is(err, ErrPKCEStateNotFound) {
		t.Fatalf("replayed state: want ErrPKCEStateNotFound, got %v", err)
	}
}

func TestPKCEStore_ExpiredContextFailsAndIsRemoved(t *testing.T) {
	s := newPKCEStore()
	c, err := newPKCEContext("http://127.0.0.1/callback")
	if err != nil {
		t.Fatalf("newPKCEContext: %v", err)
	}
	s.Put(c)

	// Exchange attempted 11 minutes after creation.
	s.now = func() time.Time { return c.CreatedAt.Add(11 * time.Minute) }

	if _, err := s.Take(c.State); !errors.Is(err, ErrPKCEContextExpired) {
		t.Fatalf("want ErrPKCEContextExpired, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatal("expired context must be removed from storage")
	}
	if _, err := s.Take(c.State); !errors.Is(err, ErrPKCEStateNotFound) {
		t.Fatalf("second take: want ErrPKCEStateNotFound, got %v", err)
	}
}

func TestPKCEStore_UnknownStateNotFound(t *testing.T) {
	s := newPKCEStore()
	if _, err := s.Take("never-issued"); !errors.Is(err, ErrPKCEStateNotFound) {
		t.Fatalf("want ErrPKCEStateNotFound, got %v", err)
	}
}
