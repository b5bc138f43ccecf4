// Package keyset verifies externally issued identity tokens against a key set
// held in the secret store under two generations.
//
// The CURRENT generation is tried first and PREVIOUS second, which lets a key
// set be rotated without rejecting tokens signed just before the rotation.
// Refresher downloads a new key set and promotes it to CURRENT.
package keyset
