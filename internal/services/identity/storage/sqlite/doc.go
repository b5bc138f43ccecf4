// Package sqlite implements the identity storage contracts over SQLite.
//
// One database file carries the identity table, the object buckets used by
// the login handoff, and the staged secrets holding key sets.
package sqlite
