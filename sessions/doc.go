// Package sessions binds sequences of JSON-RPC calls to server-issued
// session ids over a stateless HTTP transport.
//
// The Registry owns every Session; a Session exclusively owns its outbound
// event Stream. Sessions are created only through Registry.Open, which
// publishes the id for lookup strictly after the session's stream is ready
// to accept events, so a continuation request can never observe a session
// that is not yet able to receive. Teardown is idempotent and ids are never
// reused within process uptime.
//
// State is process-local by design: there is no cross-process persistence or
// replication of sessions.
package sessions
