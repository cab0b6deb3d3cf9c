// Package gatewayhttp is the HTTP surface of the authorization and
// session-binding layer. It authenticates every inbound call with a bearer
// token, classifies requests into session-start, continuation, or invalid,
// routes them to the per-session channel, and publishes the OAuth discovery
// documents clients need to obtain tokens.
//
// The handler never interprets JSON-RPC payloads beyond classification;
// business semantics live in the sessions.Handler bound at session start.
package gatewayhttp
