// Package server wires the identity components into the HTTP API and its
// gRPC health endpoint.
package server
