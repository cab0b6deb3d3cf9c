package gatewayhttp

import (
	"fmt"
	"net/http"
	"strings"
)

// buildBearerChallenge renders a WWW-Authenticate value of the form:
//
//	Bearer realm="<issuer>", resource_metadata_uri="<url>", error="...", error_description="..."
//
// Parameter order is fixed so the header is stable for clients and tests.
func buildBearerChallenge(realm, resourceMetadataURI string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadataURI != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata_uri="%s"`, esc(resourceMetadataURI)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// resourceMetadataURL computes the absolute protected-resource metadata URL
// from the caller's perspective. Reverse proxies that re-root the gateway
// announce the external prefix via X-Forwarded-Prefix (and the external
// scheme/host via the usual forwarding headers); honoring them keeps the
// advertised URL resolvable for the client that sent the request.
func (h *Handler) resourceMetadataURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		scheme = v
	}
	host := r.Host
	if v := r.Header.Get("X-Forwarded-Host"); v != "" {
		host = v
	}
	prefix := strings.TrimSuffix(r.Header.Get("X-Forwarded-Prefix"), "/")
	return fmt.Sprintf("%s://%s%s%s", scheme, host, prefix, h.prmPath)
}
