package clientauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// FlowState tracks where an authorization flow is. States only move
// forward; errors degrade rather than reset.
type FlowState int

const (
	StateIdle FlowState = iota
	StateDiscoveringMetadata
	StatePKCESupported
	StatePKCEUnsupported
	StateCredentialExchange
	StateTokenObtained
	StateConnected
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscoveringMetadata:
		return "discovering_metadata"
	case StatePKCESupported:
		return "pkce_supported"
	case StatePKCEUnsupported:
		return "pkce_unsupported"
	case StateCredentialExchange:
		return "credential_exchange"
	case StateTokenObtained:
		return "token_obtained"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrReauthorizationRequired means no stored credential can be made
	// usable without running the interactive flow again.
	ErrReauthorizationRequired = errors.New("clientauth: reauthorization required")

	// ErrRefreshFailed wraps transient refresh failures. Terminal provider
	// rejections (400/401) are not wrapped in it; they escalate to
	// reauthorization instead.
	ErrRefreshFailed = errors.New("clientauth: token refresh failed")
)

// ConsentFunc obtains an authorization code for the given authorization
// URL, typically by sending a user through a browser.
type ConsentFunc func(ctx context.Context, authorizationURL string) (code string, err error)

// Config carries the client registration and where to find the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// ResourceMetadataURL anchors discovery at the protected resource.
	ResourceMetadataURL string

	// Authority optionally names a Cognito user pool ("<region>_<pool>").
	// With EnableConventionFallback set, a failed discovery retries once
	// against the conventional discovery URL derived from it.
	Authority                string
	EnableConventionFallback bool

	// Explicit endpoints used when discovery degrades. Optional.
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowLogger sets the slog logger. Defaults to slog.Default.
func WithFlowLogger(log *slog.Logger) FlowOption {
	return func(f *Flow) { f.log = log }
}

// WithFlowHTTPClient sets the HTTP client used for discovery and token
// endpoint calls.
func WithFlowHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) { f.httpClient = c }
}

// WithTokenStore sets where obtained tokens are persisted. Defaults to an
// in-memory store.
func WithTokenStore(store TokenStore) FlowOption {
	return func(f *Flow) { f.tokens = store }
}

// WithConsentFunc sets the hook that drives a user through the
// authorization URL. Without it, flows that need interaction fail with
// ErrReauthorizationRequired.
func WithConsentFunc(fn ConsentFunc) FlowOption {
	return func(f *Flow) { f.consent = fn }
}

// Authorization is a started authorization awaiting its code.
type Authorization struct {
	// URL is where the user grants consent.
	URL string
	// State correlates the redirect back to this authorization.
	State string
}

// Flow runs the authorization-code flow against a discovered provider and
// keeps the resulting token fresh.
type Flow struct {
	cfg        Config
	discoverer *Discoverer
	httpClient *http.Client
	log        *slog.Logger
	tokens     TokenStore
	contexts   *pkceStore
	consent    ConsentFunc

	mu            sync.Mutex
	state         FlowState
	provider      *ProviderMetadata
	pkceSupported bool
}

// NewFlow validates the configuration and prepares an idle flow. No
// network traffic happens until the flow is used.
func NewFlow(cfg Config, opts ...FlowOption) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	if cfg.ResourceMetadataURL == "" && cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("either a resource metadata URL or an explicit token endpoint is required")
	}

	f := &Flow{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: discoveryTimeout},
		log:        slog.Default(),
		tokens:     NewMemoryTokenStore(),
		contexts:   newPKCEStore(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.discoverer = &Discoverer{HTTPClient: f.httpClient, Logger: f.log}
	if cfg.EnableConventionFallback {
		if u, ok := CognitoDiscoveryURL(cfg.Authority); ok {
			f.discoverer.FallbackDiscoveryURL = u
		}
	}
	return f, nil
}

// State reports the flow's current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// setState only moves forward.
func (f *Flow) setState(s FlowState) {
	if s > f.state {
		f.state = s
	}
}

// discoverLocked resolves provider metadata once. A discovery failure with
// explicit endpoints configured degrades to a plain exchange; without them
// it is fatal to the attempt.
func (f *Flow) discoverLocked(ctx context.Context) error {
	if f.provider != nil {
		return nil
	}
	f.setState(StateDiscoveringMetadata)

	if f.cfg.ResourceMetadataURL != "" {
		meta, err := f.discoverer.Discover(ctx, f.cfg.ResourceMetadataURL)
		if err == nil {
			f.provider = meta
			f.pkceSupported = meta.SupportsPKCE()
			if f.pkceSupported {
				f.setState(StatePKCESupported)
			} else {
				f.setState(StatePKCEUnsupported)
			}
			f.log.InfoContext(ctx, "flow.discovery.ok",
				slog.String("issuer", meta.Issuer),
				slog.Bool("pkce", f.pkceSupported))
			return nil
		}
		if f.cfg.TokenEndpoint == "" {
			return err
		}
		f.log.WarnContext(ctx, "flow.discovery.degraded", slog.String("err", err.Error()))
	}

	// Degraded: explicit endpoints, no PKCE advertisement to rely on.
	f.pkceSupported = false
	f.setState(StatePKCEUnsupported)
	return nil
}

func (f *Flow) oauth2ConfigLocked() *oauth2.Config {
	ep := oauth2.Endpoint{
		AuthURL:   f.cfg.AuthorizationEndpoint,
		TokenURL:  f.cfg.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if f.provider != nil {
		ep = f.provider.Endpoint()
	}
	return &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURI,
		Scopes:       f.cfg.Scopes,
		Endpoint:     ep,
	}
}

// httpClientContext routes the oauth2 package's own HTTP traffic through
// the flow's client.
func (f *Flow) httpClientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// BeginAuthorization starts one authorization: discovery (once), then a
// fresh PKCE context and the authorization URL to present. The context
// expires after PKCEContextTTL and is good for exactly one exchange.
func (f *Flow) BeginAuthorization(ctx context.Context) (*Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.discoverLocked(ctx); err != nil {
		return nil, err
	}

	authz, err := f.beginLocked()
	if err != nil {
		return nil, err
	}
	f.log.InfoContext(ctx, "flow.authorization.begin", slog.Bool("pkce", f.pkceSupported))
	return authz, nil
}

// beginLocked allocates a PKCE context and builds its authorization URL.
func (f *Flow) beginLocked() (*Authorization, error) {
	pkce, err := newPKCEContext(f.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}
	f.contexts.Put(pkce)

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if f.pkceSupported {
		opts = append(opts, oauth2.S256ChallengeOption(pkce.Verifier))
	}
	return &Authorization{
		URL:   f.oauth2ConfigLocked().AuthCodeURL(pkce.State, opts...),
		State: pkce.State,
	}, nil
}

// Exchange redeems the authorization code delivered for state. The pending
// PKCE context is consumed whether or not the exchange succeeds.
func (f *Flow) Exchange(ctx context.Context, state, code string) (*StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeLocked(ctx, state, code)
}

func (f *Flow) exchangeLocked(ctx context.Context, state, code string) (*StoredToken, error) {
	pkce, err := f.contexts.Take(state)
	if err != nil {
		return nil, err
	}
	f.setState(StateCredentialExchange)

	var opts []oauth2.AuthCodeOption
	if f.pkceSupported {
		opts = append(opts, oauth2.VerifierOption(pkce.Verifier))
	}
	tok, err := f.oauth2ConfigLocked().Exchange(f.httpClientContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	stored := newStoredToken(tok)
	if err := f.tokens.Save(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	f.setState(StateTokenObtained)
	f.log.InfoContext(ctx, "flow.exchange.ok", slog.Time("expires_at", stored.ExpiresAt()))
	return stored, nil
}

// Token returns a usable access token: the stored one while fresh, a
// refreshed one when expired, and, as a last resort, one obtained by
// running the interactive flow again (once) through the consent hook.
func (f *Flow) Token(ctx context.Context) (*StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.tokens.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoToken) {
		return nil, err
	}
	if stored.Valid() {
		f.setState(StateConnected)
		return stored, nil
	}

	if stored != nil && stored.RefreshToken != "" {
		refreshed, err := f.refreshLocked(ctx, stored)
		if err == nil {
			f.setState(StateConnected)
			return refreshed, nil
		}
		if !errors.Is(err, ErrReauthorizationRequired) {
			return nil, err
		}
		// Terminal refresh rejection falls through to one re-auth attempt.
	}
	return f.reauthorizeLocked(ctx)
}

// Refresh exchanges the stored refresh token for a new credential. A
// provider that rotates the refresh token replaces the stored one; a
// provider that omits it keeps the old one. A 400/401 from the token
// endpoint is terminal and reported as ErrReauthorizationRequired.
func (f *Flow) Refresh(ctx context.Context) (*StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.tokens.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return nil, ErrReauthorizationRequired
		}
		return nil, err
	}
	return f.refreshLocked(ctx, stored)
}

func (f *Flow) refreshLocked(ctx context.Context, stored *StoredToken) (*StoredToken, error) {
	if stored.RefreshToken == "" {
		return nil, ErrReauthorizationRequired
	}
	if err := f.discoverLocked(ctx); err != nil {
		return nil, err
	}

	src := f.oauth2ConfigLocked().TokenSource(f.httpClientContext(ctx), &oauth2.Token{RefreshToken: stored.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isTerminalTokenError(err) {
			f.log.WarnContext(ctx, "flow.refresh.terminal", slog.String("err", err.Error()))
			if cerr := f.tokens.Clear(ctx); cerr != nil {
				f.log.WarnContext(ctx, "flow.token.clear.fail", slog.String("err", cerr.Error()))
			}
			return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	refreshed := newStoredToken(tok)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = stored.RefreshToken
	}
	if err := f.tokens.Save(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	f.setState(StateTokenObtained)
	f.log.InfoContext(ctx, "flow.refresh.ok", slog.Time("expires_at", refreshed.ExpiresAt()))
	return refreshed, nil
}

// reauthorizeLocked runs the interactive flow once through the consent
// hook.
func (f *Flow) reauthorizeLocked(ctx context.Context) (*StoredToken, error) {
	if f.consent == nil {
		return nil, ErrReauthorizationRequired
	}
	if err := f.discoverLocked(ctx); err != nil {
		return nil, err
	}
	authz, err := f.beginLocked()
	if err != nil {
		return nil, err
	}

	code, err := f.consent(ctx, authz.URL)
	if err != nil {
		return nil, fmt.Errorf("consent failed: %w", err)
	}
	stored, err := f.exchangeLocked(ctx, authz.State, code)
	if err != nil {
		return nil, err
	}
	f.setState(StateConnected)
	return stored, nil
}

// isTerminalTokenError reports whether the token endpoint definitively
// rejected the credential, as opposed to failing transiently.
func isTerminalTokenError(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}
