package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs when a handler panic on the ops listener is recovered.
	OnPanic func()
}
