package gatewayhttp

import (
	"encoding/json"
	"net/http"
)

// handleGetProtectedResourceMetadata serves the protected-resource metadata
// document that the 401 challenge points clients at. The document is static
// per handler, so it is cacheable; CORS is wide open because browser-based
// clients fetch it cross-origin during discovery.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", jsonMediaType.String())

	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		h.log.ErrorContext(r.Context(), "wellknown.prm.write.fail")
	}
}

// handleGetAuthorizationServerMetadata redirects to the identity provider's
// own discovery document rather than mirroring it; the provider remains the
// single source of truth for endpoint locations.
func (h *Handler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.Redirect(w, r, h.providerMetadataURL, http.StatusFound)
}

func (h *Handler) handleOptionsWellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}
