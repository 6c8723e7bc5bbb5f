// Package limithttp exposes the limiter over HTTP.
//
//	POST /api/ratelimit/check   {"identifier":"user123"}
//	GET  /api/ratelimit/check?identifier=user123
//	GET  /api/ratelimit/config
//
// An admitted check answers 200 with {allowed, remainingRequests, resetTime}.
// A denied one answers 429 with {error, resetTime} and Retry-After. Both carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset (unix
// seconds). A missing identifier is a 400 and never reaches the limiter.
//
// When the limiter's store fails the configured limiter.FailureMode decides
// the outcome: closed answers 503, open admits without quota headers.
package limithttp
