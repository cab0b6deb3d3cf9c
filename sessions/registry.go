package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpguard/mcpguard/auth"
)

// ErrRegistryClosed is returned by Open after shutdown has begun.
var ErrRegistryClosed = errors.New("sessions: registry closed")

// Registry is the authoritative owner of live sessions. It is an explicit
// object handed to the transport, never a process-wide variable; all access
// to the id table goes through its lock.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	closed bool

	streamBuffer int
	log          *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStreamBuffer overrides the per-session replay buffer size.
func WithStreamBuffer(n int) RegistryOption {
	return func(r *Registry) { r.streamBuffer = n }
}

// WithLogger sets the registry logger.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:         make(map[string]*Session),
		streamBuffer: DefaultStreamBuffer,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a session bound to the given verified claims and handler. The
// id becomes visible to Get only after the session's outbound stream reports
// ready, so a continuation arriving immediately after the session-start
// response can never find a half-constructed entry.
func (r *Registry) Open(ctx context.Context, claims *auth.VerifiedClaims, handler Handler) (*Session, error) {
	if claims == nil {
		return nil, errors.New("sessions: claims are required")
	}
	if handler == nil {
		return nil, errors.New("sessions: handler is required")
	}

	sess := &Session{
		id:        newSessionID(),
		createdAt: time.Now(),
		claims:    claims,
		handler:   handler,
		stream:    newStream(r.streamBuffer),
		done:      make(chan struct{}),
	}

	select {
	case <-sess.stream.start():
	case <-ctx.Done():
		sess.close()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.close()
		return nil, ErrRegistryClosed
	}
	for {
		// 128-bit random ids collide only in theory; the loop keeps the
		// uniqueness invariant unconditional anyway.
		if _, exists := r.byID[sess.id]; !exists {
			break
		}
		sess.id = newSessionID()
	}
	r.byID[sess.id] = sess
	r.mu.Unlock()

	r.log.DebugContext(ctx, "session.open", slog.String("session_id", sess.ID()), slog.String("subject", claims.Subject))
	return sess, nil
}

// Get returns the live session for id, or false when the id is unknown or
// already torn down.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[id]
	return sess, ok
}

// Terminate tears down the session for id. It reports whether a live session
// was found; repeating a teardown is a no-op. A terminated id is never
// revived: ids are only ever minted by Open.
func (r *Registry) Terminate(id string) bool {
	r.mu.Lock()
	sess, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.close()
	r.log.Debug("session.terminate", slog.String("session_id", id))
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Close tears down every open session and rejects further Opens. It is the
// shutdown path: the transport must not return from shutdown before every
// session channel has been closed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.byID))
	for id, sess := range r.byID {
		sessions = append(sessions, sess)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	r.log.Debug("registry.close", slog.Int("sessions", len(sessions)))
	return ctx.Err()
}

// newSessionID returns a 128-bit cryptographically random hex id.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform RNG is broken; ids must
		// not silently degrade to something guessable.
		panic(fmt.Sprintf("sessions: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}
