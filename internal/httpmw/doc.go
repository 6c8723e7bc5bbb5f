// Package httpmw holds the HTTP middleware shared by the API listener.
//
// httpserver.NewHandler composes them outermost first: request ID, recover,
// security headers, client IP, OTel, trace headers, metrics, request
// logger, access log, the per-IP limiter (optional) and finally the chi
// router. Each one is a plain func(http.Handler) http.Handler so tests can
// exercise them alone.
//
// Query strings, user agents and other caller supplied headers stay out of
// logs. Identifiers posted to the check API are treated the same way.
package httpmw
