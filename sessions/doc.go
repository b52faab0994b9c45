// Package sessions implements the server-side representation of remote
// clients and their lifecycle.
//
// A Session spans many request/response calls and at most one live push
// stream. Sessions are created lazily on the first request carrying no known
// token and are destroyed only by the disconnect grace period: when a stream
// detaches, a timer is armed; if no stream reattaches before it elapses the
// session is torn down, its authorities released and its data store cleared.
// A session that never attaches a stream persists indefinitely.
//
// The Registry is the process-wide lifecycle manager. It is constructed
// explicitly and injected into the transport; there is no ambient global
// state.
package sessions
