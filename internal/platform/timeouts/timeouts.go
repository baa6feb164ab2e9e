// Package timeouts defines shared timeout constants used across town.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// AnchorResolve caps one anchor registry lookup.
const AnchorResolve = 3 * time.Second

// ReceiptResolve caps one dispatch receipt lookup during postage checks.
const ReceiptResolve = 2 * time.Second

// RateLimit caps one round trip to a remote rate-limit backend.
const RateLimit = time.Second
