package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/mcpguard/mcpguard/auth"
	"github.com/mcpguard/mcpguard/internal/jsonrpc"
)

// Handler processes the JSON-RPC messages routed to a session. It receives
// the session handle (which carries the verified claims) and the decoded
// message; it never sees the bearer token.
type Handler interface {
	ServeRPC(ctx context.Context, sess *Session, msg *jsonrpc.Message) (*jsonrpc.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sess *Session, msg *jsonrpc.Message) (*jsonrpc.Response, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, sess *Session, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
	return f(ctx, sess, msg)
}

// Session is one server-issued correlation binding. The id is opaque and
// immutable; the claims are those verified on the session-start request.
type Session struct {
	id        string
	createdAt time.Time
	claims    *auth.VerifiedClaims
	handler   Handler
	stream    *Stream

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Claims returns the verified claims bound at session start.
func (s *Session) Claims() *auth.VerifiedClaims { return s.claims }

// Handle dispatches a message to the session's bound handler.
func (s *Session) Handle(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
	return s.handler.ServeRPC(ctx, s, msg)
}

// Publish emits an asynchronous event on the session's outbound stream and
// returns its event id. Publishing never blocks on slow consumers.
func (s *Session) Publish(data []byte) (string, error) {
	return s.stream.Publish(data)
}

// Subscribe delivers outbound events to fn, starting after lastEventID when
// it identifies a buffered event. It blocks until ctx is done or the session
// is torn down.
func (s *Session) Subscribe(ctx context.Context, lastEventID string, fn DeliverFunc) error {
	return s.stream.Subscribe(ctx, lastEventID, fn)
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// close tears down the session's stream. Idempotent; only the Registry and
// the session itself call this.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.stream.close()
		close(s.done)
	})
}
