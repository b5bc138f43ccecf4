// Package handoff hands provider tokens from a browser login back to the
// game client that started it.
//
// The client asks for a login URL carrying an encrypted state, the provider
// redirects the browser to the callback, and the callback stores the
// encrypted tokens behind a completion marker keyed by the client's request
// id. The client then polls for the marker and trades the pointer it holds
// for the tokens. Both stored objects can be read exactly once and only from
// the address that started the login.
package handoff
