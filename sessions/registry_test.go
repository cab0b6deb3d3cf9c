package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/mcpguard/mcpguard/auth"
	"github.com/mcpguard/mcpguard/internal/jsonrpc"
)

func testClaims() *auth.VerifiedClaims {
	return &auth.VerifiedClaims{
		Subject:   "user-1",
		ClientID:  "client-1",
		TokenUse:  "access",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, sess *Session, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
		return jsonrpc.NewResultResponse(msg.ID, map[string]string{"echo": msg.Method})
	})
}

func TestRegistry_SequentialIDsAreUnique(t *testing.T) {
	r := NewRegistry()
	defer r.Close(context.Background())

	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		sess, err := r.Open(context.Background(), testClaims(), echoHandler())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if _, dup := seen[sess.ID()]; dup {
			t.Fatalf("duplicate session id at %d: %s", i, sess.ID())
		}
		seen[sess.ID()] = struct{}{}
	}
	if r.Len() != n {
		t.Fatalf("want %d live sessions, got %d", n, r.Len())
	}
}

func TestRegistry_TerminatedSessionIsGone(t *testing.T) {
	r := NewRegistry()
	defer r.Close(context.Background())

	sess, err := r.Open(context.Background(), testClaims(), echoHandler())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := sess.ID()

	if !r.Terminate(id) {
		t.Fatal("first terminate must report a live session")
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("terminated session must not be resolvable")
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session done channel not closed on terminate")
	}

	// Idempotent teardown.
	if r.Terminate(id) {
		t.Fatal("second terminate must be a no-op")
	}
}

func TestRegistry_RegisterOnReady(t *testing.T) {
	r := NewRegistry()
	defer r.Close(context.Background())

	sess, err := r.Open(context.Background(), testClaims(), echoHandler())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// The id is already queryable and the stream already accepts events:
	// registration happened strictly after stream readiness.
	got, ok := r.Get(sess.ID())
	if !ok || got != sess {
		t.Fatal("session must be resolvable immediately after Open returns")
	}
	if _, err := sess.Publish([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("publish on fresh session: %v", err)
	}
}

func TestRegistry_CloseTearsDownAllSessions(t *testing.T) {
	r := NewRegistry()

	var opened []*Session
	for i := 0; i < 5; i++ {
		sess, err := r.Open(context.Background(), testClaims(), echoHandler())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		opened = append(opened, sess)
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, sess := range opened {
		select {
		case <-sess.Done():
		default:
			t.Fatalf("session %s not closed on registry shutdown", sess.ID())
		}
	}
	if _, err := r.Open(context.Background(), testClaims(), echoHandler()); err != ErrRegistryClosed {
		t.Fatalf("open after close: want ErrRegistryClosed, got %v", err)
	}
}

func TestSession_HandleDispatchesToBoundHandler(t *testing.T) {
	r := NewRegistry()
	defer r.Close(context.Background())

	var gotSubject string
	handler := HandlerFunc(func(ctx context.Context, sess *Session, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
		gotSubject = sess.Claims().Subject
		return jsonrpc.NewResultResponse(msg.ID, "ok")
	})

	sess, err := r.Open(context.Background(), testClaims(), handler)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	msg := &jsonrpc.Message{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "tools/list", ID: jsonrpc.NewRequestID(1)}
	res, err := sess.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", res.Error)
	}
	if gotSubject != "user-1" {
		t.Fatalf("handler saw subject %q", gotSubject)
	}
}
