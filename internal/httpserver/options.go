package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	// RateLimitMW, when set, limits every request on this listener by client IP.
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	// APIRoutes mounts the application routes, typically limithttp.API.RegisterRoutes.
	APIRoutes func(chi.Router)
}
