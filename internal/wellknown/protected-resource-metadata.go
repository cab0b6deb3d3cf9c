// Package wellknown defines the discovery documents the gateway publishes.
package wellknown

// AuthorizationServer describes one authorization server trusted by the
// protected resource, pointing clients at its own discovery document.
type AuthorizationServer struct {
	Issuer      string   `json:"issuer"`
	MetadataURL string   `json:"metadata_url"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ProtectedResourceMetadata is the resource discovery document served at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource               string                `json:"resource"`
	AuthorizationServers   []AuthorizationServer `json:"authorization_servers,omitempty"`
	ScopesSupported        []string              `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string              `json:"bearer_methods_supported,omitempty"`
	ResourceName           string                `json:"resource_name,omitempty"`
	ResourceDocumentation  string                `json:"resource_documentation,omitempty"`
}
