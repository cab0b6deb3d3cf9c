package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcpguard/mcpguard/auth"
	"github.com/mcpguard/mcpguard/internal/jsonrpc"
	"github.com/mcpguard/mcpguard/internal/logctx"
	"github.com/mcpguard/mcpguard/internal/wellknown"
	"github.com/mcpguard/mcpguard/sessions"
)

var _ http.Handler = (*Handler)(nil)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	prmWellKnownPath = "/.well-known/oauth-protected-resource"
	asWellKnownPath  = "/.well-known/oauth-authorization-server"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger              *slog.Logger
	serverName          string
	scopes              []string
	providerMetadataURL string
}

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithServerName sets the human-readable resource name advertised in the
// protected-resource metadata.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithAdvertisedScopes sets the scopes advertised in discovery documents.
// Advisory only; enforcement lives in the token verifier.
func WithAdvertisedScopes(scopes ...string) Option {
	return func(c *newConfig) { c.scopes = append([]string(nil), scopes...) }
}

// WithProviderMetadataURL overrides the authorization-server discovery URL
// that /.well-known/oauth-authorization-server redirects to. Defaults to the
// issuer's OpenID configuration document.
func WithProviderMetadataURL(u string) Option {
	return func(c *newConfig) { c.providerMetadataURL = u }
}

// Handler authorizes, classifies, and routes gateway requests.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	authn    auth.Authenticator
	registry *sessions.Registry
	handler  sessions.Handler

	issuer              string
	endpointPath        string
	prmPath             string
	providerMetadataURL string
	prmDocument         wellknown.ProtectedResourceMetadata
}

// New constructs the gateway handler.
//
// Required:
//   - publicEndpoint: externally visible URL of the JSON-RPC endpoint
//   - issuer: the identity provider's issuer URL (challenge realm, discovery)
//   - registry: the session registry; the caller owns its shutdown
//   - handler: the business handler bound to every new session
//   - authenticator: bearer token verifier
func New(publicEndpoint string, issuer string, registry *sessions.Registry, handler sessions.Handler, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("session handler is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	endpointURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if endpointURL.Scheme != "https" && endpointURL.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", endpointURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.providerMetadataURL == "" {
		cfg.providerMetadataURL = strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	}

	h := &Handler{
		log:                 slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		authn:               authenticator,
		registry:            registry,
		handler:             handler,
		issuer:              issuer,
		endpointPath:        pathOnly(endpointURL),
		providerMetadataURL: cfg.providerMetadataURL,
	}
	h.prmPath = prmWellKnownPath + strings.TrimSuffix(h.endpointPath, "/")
	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource: endpointURL.String(),
		AuthorizationServers: []wellknown.AuthorizationServer{{
			Issuer:      issuer,
			MetadataURL: cfg.providerMetadataURL,
			Scopes:      cfg.scopes,
		}},
		ScopesSupported:        cfg.scopes,
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.serverName,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.endpointPath), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.endpointPath), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.endpointPath), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.prmPath), h.handleGetProtectedResourceMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", h.prmPath), h.handleOptionsWellKnown)
	mux.HandleFunc(fmt.Sprintf("GET %s", asWellKnownPath), h.handleGetAuthorizationServerMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", asWellKnownPath), h.handleOptionsWellKnown)
	h.mux = mux
	return h, nil
}

func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeRPCError emits a JSON-RPC error body with the given HTTP status. A
// nil id renders as null, which is the required shape for rejections that
// happen before any request id is known.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg))
}

func writeRPCResponse(w http.ResponseWriter, res *jsonrpc.Response) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(res)
}

// checkAuthentication authorizes the request and returns the verified
// claims, or writes the §401 challenge response and returns nil.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) *auth.VerifiedClaims {
	ctx := r.Context()
	metadataURL := h.resourceMetadataURL(r)

	writeChallenge := func(params map[string]string, msg string) {
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.issuer, metadataURL, params))
		// Browser-based callers cannot read WWW-Authenticate unless it is
		// explicitly exposed.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", wwwAuthenticateHeader)
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeUnauthorized, msg)
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		writeChallenge(nil, "authorization required")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		writeChallenge(map[string]string{"error": "invalid_token", "error_description": "malformed bearer authorization header"}, "malformed bearer authorization header")
		return nil
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])

	claims, err := h.authn.CheckAuthentication(ctx, token)
	if err != nil {
		if auth.IsVerificationError(err) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			writeChallenge(map[string]string{"error": "invalid_token", "error_description": err.Error()}, err.Error())
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "internal server error")
		return nil
	}
	h.log.InfoContext(ctx, "auth.check.ok")
	return claims
}

// handlePost accepts a JSON-RPC message and either starts a session or
// routes a continuation to its bound channel.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	claims := h.checkAuthentication(w, r)
	if claims == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "invalid JSON-RPC payload: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: msg.Method, ID: msg.ID.String()})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		// Session-start: only a recognized initialization request may
		// allocate a session.
		if !msg.IsInitialize() {
			writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeBadSession, "expected initialize request to start a session")
			h.log.InfoContext(ctx, "session.start.invalid")
			return
		}

		sess, err := h.registry.Open(ctx, claims, h.handler)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "failed to create session")
			h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: claims.Subject})

		res, err := sess.Handle(ctx, &msg)
		if err != nil {
			h.registry.Terminate(sess.ID())
			writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
			return
		}

		w.Header().Set(sessionIDHeader, sess.ID())
		if err := writeRPCResponse(w, res); err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	sess, ok := h.registry.Get(sessID)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeBadSession, "unknown session id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Claims().Subject})

	if msg.IsInitialize() {
		writeRPCError(w, http.StatusConflict, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	res, err := sess.Handle(ctx, &msg)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}
	if res == nil || msg.IsNotification() {
		// Notifications and forwarded client responses produce no reply.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.inbound.accepted", slog.Duration("dur", time.Since(start)))
		return
	}
	if err := writeRPCResponse(w, res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet binds a server-sent event stream to an existing session for
// asynchronous outbound delivery, resuming after Last-Event-ID on reconnect.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if h.checkAuthentication(w, r) == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, ok := h.registry.Get(sessID)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "unknown session id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Claims().Subject})

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{w: w, f: f}
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if err := sess.Subscribe(ctx, lastEventID, func(_ context.Context, eventID string, data []byte) error {
		return writeSSEEvent(wf, eventID, data)
	}); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete explicitly terminates a session. Teardown invalidates the id
// immediately; outcomes of in-flight calls on the session are discarded.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.checkAuthentication(w, r) == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	if !h.registry.Terminate(sessID) {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "unknown session id")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
