// Package clientauth implements the client side of the gateway's
// authorization model: discovering the provider's endpoints, running an
// authorization-code flow with PKCE when the provider supports it, and
// keeping the obtained tokens fresh across refreshes.
//
// Discovery failures degrade the flow rather than aborting it: a provider
// without usable metadata still gets a plain code exchange, and a provider
// matching the Cognito host convention gets one best-effort retry against
// the conventional discovery URL.
package clientauth
