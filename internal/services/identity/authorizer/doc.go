// Package authorizer turns bearer tokens into access policy decisions.
//
// Tokens are verified against the CURRENT key set generation first and the
// PREVIOUS one second. The resolved player identifier becomes the policy
// principal and is handed to downstream handlers through the decision
// context.
package authorizer
