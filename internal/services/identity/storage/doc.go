// Package storage defines persistence contracts for the identity service.
//
// Three collaborators sit behind these interfaces: the identity table, the
// object store holding handoff artifacts, and the secret store holding key
// sets. Mutations that must not race are expressed as explicit
// compare-and-swap operations instead of store-specific condition syntax.
package storage
