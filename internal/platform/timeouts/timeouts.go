// Package timeouts defines shared timeout constants used across the
// federation service. Centralizing these values prevents drift between
// boundaries and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Delivery caps one outbound inbox POST to a remote follower.
const Delivery = 10 * time.Second

// KeyFetch caps one remote actor-document fetch during signature
// verification.
const KeyFetch = 5 * time.Second

// KeyCacheTTL bounds how long a fetched remote public key may be reused
// before it must be dereferenced again.
const KeyCacheTTL = 10 * time.Minute
