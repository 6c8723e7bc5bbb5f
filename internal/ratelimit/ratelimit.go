package ratelimit

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limithttp"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
)

// Checker is satisfied by *limiter.Engine.
type Checker interface {
	Allow(ctx context.Context, identifier string) (limiter.Decision, error)
}

// IPLimiter wraps handlers with a per client IP check.
type IPLimiter struct {
	checker     Checker
	failureMode limiter.FailureMode
	now         func() time.Time

	// logLimiter throttles denial and failure logs across all IPs
	logLimiter *rate.Limiter
	suppressed atomic.Int64

	// OnDenied is called on every denied request, used for the prometheus counter
	OnDenied func(ip string)
	// OnFailOpen is called when a request is admitted because the store failed
	OnFailOpen func()
}

type Option func(*IPLimiter)

// WithFailureMode sets what a store failure turns into. Default closed.
func WithFailureMode(m limiter.FailureMode) Option {
	return func(l *IPLimiter) { l.failureMode = m }
}

// WithLogRate caps denial and failure logs at perSecond with the given burst.
func WithLogRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) { l.logLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnFailOpen(fn func()) Option {
	return func(l *IPLimiter) { l.OnFailOpen = fn }
}

// WithClock sets the clock used for Retry-After, normally the limiter's.
func WithClock(now func() time.Time) Option {
	return func(l *IPLimiter) { l.now = now }
}

func New(c Checker, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		checker:     c,
		failureMode: limiter.FailClosed,
		now:         time.Now,
		logLimiter:  rate.NewLimiter(1, 5),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Middleware rejects requests over the per-IP limit with 429. Allowed
// requests get the X-RateLimit-* headers before reaching next.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := httpmw.ClientIPFromContext(ctx)
		if ip == "" {
			// ClientIP middleware missing; nothing safe to key on
			next.ServeHTTP(w, r)
			return
		}

		d, err := l.checker.Allow(ctx, limithttp.ReservedIPPrefix+ip)
		if err != nil {
			l.handleFailure(w, r, next, err)
			return
		}

		if !d.Allowed {
			if l.OnDenied != nil {
				l.OnDenied(ip)
			}
			l.logThrottled(ctx, func(L log.Logger, dropped int64) {
				L.Warn(ctx, "request rate limited",
					"client.address", ip,
					"ratelimit.limit", d.Limit,
					"ratelimit.reset", d.ResetTime.UTC(),
					"logs_suppressed", dropped,
				)
			})
			limithttp.WriteDenied(w, d, l.now())
			return
		}

		limithttp.SetHeaders(w, d)
		next.ServeHTTP(w, r)
	})
}

func (l *IPLimiter) handleFailure(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
	ctx := r.Context()
	if l.failureMode == limiter.FailOpen {
		l.logThrottled(ctx, func(L log.Logger, dropped int64) {
			L.Warn(ctx, "rate limiter store failed, admitting request", "err", err.Error(), "logs_suppressed", dropped)
		})
		if l.OnFailOpen != nil {
			l.OnFailOpen()
		}
		next.ServeHTTP(w, r)
		return
	}
	l.logThrottled(ctx, func(L log.Logger, dropped int64) {
		L.Error(ctx, err, "rate limiter store failed, rejecting request", "logs_suppressed", dropped)
	})
	limithttp.WriteUnavailable(w)
}

// logThrottled runs emit if the log budget allows, passing how many lines
// were dropped since the last one that went out.
func (l *IPLimiter) logThrottled(ctx context.Context, emit func(L log.Logger, dropped int64)) {
	if !l.logLimiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	emit(log.FromContext(ctx), l.suppressed.Swap(0))
}
