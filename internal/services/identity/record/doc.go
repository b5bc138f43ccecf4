// Package record defines the Identity Record that binds an opaque player id to
// a salted hash and to the ids issued by a federated identity provider.
//
// The salted hash is the record's own tamper check: every mutation recomputes
// it from the stored hash key and compares it with what the caller presented
// before the record is touched.
package record
