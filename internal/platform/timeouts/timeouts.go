// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ProviderExchange caps a single call to the external identity provider.
const ProviderExchange = 10 * time.Second

// SecretFetch caps a key set read from the secret store.
const SecretFetch = 3 * time.Second

// KeyService caps a single data-key call to the key service.
const KeyService = 3 * time.Second

// JWKSDownload caps the download of a third-party key set document.
const JWKSDownload = 15 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
