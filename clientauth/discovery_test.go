package clientauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func discoveryDocument(issuer string, pkceMethods []string) map[string]any {
	return map[string]any{
		"issuer":                           issuer,
		"authorization_endpoint":           issuer + "/authorize",
		"token_endpoint":                   issuer + "/token",
		"jwks_uri":                         issuer + "/.well-known/jwks.json",
		"code_challenge_methods_supported": pkceMethods,
	}
}

// newProviderServer serves an OIDC discovery document whose issuer is the
// server's own URL, which is what issuer matching requires.
func newProviderServer(t *testing.T, pkceMethods []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(discoveryDocument(srv.URL, pkceMethods))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newResourceServer(t *testing.T, issuer string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource": "https://mcp.example.com/mcp",
			"authorization_servers": []map[string]any{{
				"issuer":       issuer,
				"metadata_url": issuer + "/.well-known/openid-configuration",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverer_ResolvesProviderThroughResource(t *testing.T) {
	provider := newProviderServer(t, []string{"S256"})
	resource := newResourceServer(t, provider.URL)

	d := &Discoverer{}
	meta, err := d.Discover(context.Background(), resource.URL+"/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if meta.Issuer != provider.URL {
		t.Fatalf("issuer = %q, want %q", meta.Issuer, provider.URL)
	}
	if meta.TokenEndpoint != provider.URL+"/token" {
		t.Fatalf("token endpoint = %q", meta.TokenEndpoint)
	}
	if !meta.SupportsPKCE() {
		t.Fatal("provider advertising S256 must report PKCE support")
	}
}

func TestDiscoverer_ProviderWithoutS256ReportsNoPKCE(t *testing.T) {
	provider := newProviderServer(t, []string{"plain"})
	resource := newResourceServer(t, provider.URL)

	d := &Discoverer{}
	meta, err := d.Discover(context.Background(), resource.URL+"/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if meta.SupportsPKCE() {
		t.Fatal("provider without S256 must not report PKCE support")
	}
}

func TestDiscoverer_FallbackTriedExactlyOnce(t *testing.T) {
	var fallbackHits atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fallback.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	d := &Discoverer{FallbackDiscoveryURL: fallback.URL + "/.well-known/openid-configuration"}
	_, err := d.Discover(context.Background(), broken.URL+"/.well-known/oauth-protected-resource/mcp")
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("want ErrDiscoveryFailed, got %v", err)
	}
	if n := fallbackHits.Load(); n != 1 {
		t.Fatalf("fallback fetched %d times, want exactly 1", n)
	}
}

func TestDiscoverer_FallbackSucceeds(t *testing.T) {
	var fallback *httptest.Server
	fallback = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(discoveryDocument(fallback.URL, []string{"S256"}))
	}))
	defer fallback.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	d := &Discoverer{FallbackDiscoveryURL: fallback.URL + "/.well-known/openid-configuration"}
	meta, err := d.Discover(context.Background(), broken.URL+"/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("discover via fallback: %v", err)
	}
	if meta.Issuer != fallback.URL {
		t.Fatalf("issuer = %q", meta.Issuer)
	}
}

func TestDiscoverer_NoFallbackConfiguredFailsDirectly(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	d := &Discoverer{}
	if _, err := d.Discover(context.Background(), broken.URL+"/prm"); !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("want ErrDiscoveryFailed, got %v", err)
	}
}

func TestCognitoDiscoveryURL(t *testing.T) {
	u, ok := CognitoDiscoveryURL("us-east-1_AbCdEf123")
	if !ok {
		t.Fatal("conventional authority must match")
	}
	want := "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_AbCdEf123/.well-known/openid-configuration"
	if u != want {
		t.Fatalf("url = %q, want %q", u, want)
	}

	for _, authority := range []string{"", "not-a-pool", "us-east-1", "useast1_ABC", "https://idp.example.com"} {
		if _, ok := CognitoDiscoveryURL(authority); ok {
			t.Fatalf("authority %q must not match the convention", authority)
		}
	}
}

func TestDiscoverer_RejectsDocumentMissingTokenEndpoint(t *testing.T) {
	var fallback *httptest.Server
	fallback = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"issuer": fallback.URL})
	}))
	defer fallback.Close()

	d := &Discoverer{FallbackDiscoveryURL: fallback.URL}
	if _, err := d.Discover(context.Background(), "http://127.0.0.1:0/unreachable"); !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("want ErrDiscoveryFailed, got %v", err)
	}
}
