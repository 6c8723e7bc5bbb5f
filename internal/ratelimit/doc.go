// Package ratelimit is middleware that runs every request through the
// sliding-window limiter, keyed by client IP.
//
// The IP comes from httpmw.ClientIPFromContext, so ClientIP must run first
// and its trusted hop count decides whether X-Forwarded-For is believed.
// Identifiers are prefixed with "ip:" so the middleware can share an engine
// and store with the check API without colliding with caller identifiers.
//
// What this protects against:
//   - a single IP flooding the service
//   - noisy callers drowning out others sharing the same deployment
//
// What it does not:
//   - distributed floods spread over many IPs
//   - bandwidth costs, the request is already read by the time this runs
//
// Denials are logged through a shared token bucket so a flood produces a
// trickle of warn lines, not one per request; counters see every denial.
package ratelimit
