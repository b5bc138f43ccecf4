// Package continuation signs and validates the tokens that let a caller resume
// a paginated read.
//
// A token binds one caller identity to one cursor value until it expires. The
// expiry is part of the signed message, so a token cannot be extended or
// replayed for another cursor or another caller. Signing and validation are
// pure functions of their inputs and the injected clock.
package continuation
