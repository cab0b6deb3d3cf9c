package clientauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrDiscoveryFailed wraps every failure to obtain usable provider
// metadata. It is non-fatal to the flow: callers degrade to a plain code
// exchange without PKCE.
var ErrDiscoveryFailed = errors.New("clientauth: provider discovery failed")

const discoveryTimeout = 30 * time.Second

// maxMetadataSize caps discovery document reads.
const maxMetadataSize = 1 << 20

// ProviderMetadata is the subset of the authorization-server discovery
// document the flow needs. Issuer and TokenEndpoint are required; a
// document missing either is rejected rather than defaulted.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
}

// SupportsPKCE reports whether the provider advertises the S256 challenge
// method.
func (m *ProviderMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethods {
		if method == "S256" {
			return true
		}
	}
	return false
}

// Endpoint returns the provider's endpoints in oauth2 form. Client
// credentials go in the request body, which keeps token endpoint calls
// deterministic instead of relying on auth-style probing.
func (m *ProviderMetadata) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   m.AuthorizationEndpoint,
		TokenURL:  m.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (m *ProviderMetadata) validate() error {
	if m.Issuer == "" {
		return fmt.Errorf("discovery document missing issuer")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("discovery document missing token_endpoint")
	}
	return nil
}

// cognitoAuthorityPattern matches a Cognito user-pool authority of the form
// <region>_<pool-suffix>, e.g. "us-east-1_AbCdEf123".
var cognitoAuthorityPattern = regexp.MustCompile(`^([a-z]{2}(?:-[a-z]+)+-\d)_([A-Za-z0-9]+)$`)

// CognitoDiscoveryURL derives the conventional discovery URL for a Cognito
// user-pool authority. The second return is false when the authority does
// not match the naming convention.
func CognitoDiscoveryURL(authority string) (string, bool) {
	m := cognitoAuthorityPattern.FindStringSubmatch(authority)
	if m == nil {
		return "", false
	}
	region := m[1]
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/openid-configuration", region, authority), true
}

// Discoverer resolves provider metadata, starting from the protected
// resource and falling back to a conventional discovery URL when one is
// configured.
type Discoverer struct {
	// HTTPClient is used for all discovery fetches. Defaults to a client
	// with a bounded timeout.
	HTTPClient *http.Client

	// FallbackDiscoveryURL, when non-empty, is fetched exactly once if the
	// resource-anchored discovery fails. Best effort; its document is not
	// required to pass issuer matching.
	FallbackDiscoveryURL string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (d *Discoverer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: discoveryTimeout}
}

func (d *Discoverer) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// protectedResourceMetadata is the client-side view of the resource
// discovery document.
type protectedResourceMetadata struct {
	Resource             string `json:"resource"`
	AuthorizationServers []struct {
		Issuer      string `json:"issuer"`
		MetadataURL string `json:"metadata_url"`
	} `json:"authorization_servers"`
}

// Discover resolves the authorization server for the given protected
// resource metadata URL. The primary path fetches the resource document and
// then the referenced issuer's metadata through OIDC discovery. On any
// failure the fallback URL, when set, is tried exactly once.
func (d *Discoverer) Discover(ctx context.Context, resourceMetadataURL string) (*ProviderMetadata, error) {
	meta, err := d.discoverFromResource(ctx, resourceMetadataURL)
	if err == nil {
		return meta, nil
	}
	d.log().WarnContext(ctx, "discovery.primary.fail", slog.String("err", err.Error()))

	if d.FallbackDiscoveryURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	meta, fbErr := d.fetchDiscoveryDocument(ctx, d.FallbackDiscoveryURL)
	if fbErr != nil {
		d.log().WarnContext(ctx, "discovery.fallback.fail", slog.String("err", fbErr.Error()))
		return nil, fmt.Errorf("%w: %v (fallback: %v)", ErrDiscoveryFailed, err, fbErr)
	}
	d.log().InfoContext(ctx, "discovery.fallback.ok", slog.String("issuer", meta.Issuer))
	return meta, nil
}

func (d *Discoverer) discoverFromResource(ctx context.Context, resourceMetadataURL string) (*ProviderMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceMetadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid resource metadata URL: %w", err)
	}
	res, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resource metadata: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource metadata fetch returned status %d", res.StatusCode)
	}

	var prm protectedResourceMetadata
	if err := json.NewDecoder(io.LimitReader(res.Body, maxMetadataSize)).Decode(&prm); err != nil {
		return nil, fmt.Errorf("failed to decode resource metadata: %w", err)
	}
	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("resource metadata lists no authorization servers")
	}
	issuer := prm.AuthorizationServers[0].Issuer
	if issuer == "" {
		return nil, fmt.Errorf("resource metadata authorization server missing issuer")
	}

	// OIDC discovery validates that the document's issuer matches the URL
	// it was fetched from; the provider stays the source of truth.
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, d.httpClient()), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover issuer %q: %w", issuer, err)
	}
	var meta ProviderMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode issuer metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// fetchDiscoveryDocument fetches an authorization-server metadata document
// from an explicit URL without issuer matching.
func (d *Discoverer) fetchDiscoveryDocument(ctx context.Context, discoveryURL string) (*ProviderMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery URL: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery fetch returned status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("discovery fetch returned content-type %q", ct)
	}

	var meta ProviderMetadata
	if err := json.NewDecoder(io.LimitReader(res.Body, maxMetadataSize)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}
