// Package health holds liveness and readiness probes and their handlers.
//
// Probes compose with [All] and [Any]; [CheckFunc] adapts a function and
// [Fixed] is a constant. [StorePing] turns a limiter store that can be down
// (Redis) into a readiness probe, so an instance that cannot reach its store
// is pulled from the load balancer while fail-closed would reject anyway.
//
// [ShutdownGate] flips readiness off at the start of graceful shutdown so
// traffic drains before listeners close.
package health
