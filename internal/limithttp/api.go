package limithttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
)

// Checker is the slice of *limiter.Engine the API needs.
type Checker interface {
	Allow(ctx context.Context, identifier string) (limiter.Decision, error)
	Limit() int
	Window() time.Duration
}

type API struct {
	checker     Checker
	failureMode limiter.FailureMode
	now         func() time.Time
	maxBody     int64

	onDenied   func()
	onFailOpen func()
}

type Option func(*API)

// WithFailureMode picks what a store failure turns into. Default closed.
func WithFailureMode(m limiter.FailureMode) Option {
	return func(a *API) { a.failureMode = m }
}

// WithOnDenied runs on every 429, used for the rate limited counter.
func WithOnDenied(fn func()) Option {
	return func(a *API) { a.onDenied = fn }
}

// WithOnFailOpen runs whenever a request is admitted because the store failed.
func WithOnFailOpen(fn func()) Option {
	return func(a *API) { a.onFailOpen = fn }
}

// WithClock sets the clock used for Retry-After. It should match the limiter's.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

func WithMaxBody(n int64) Option {
	return func(a *API) { a.maxBody = n }
}

func New(c Checker, opts ...Option) *API {
	a := &API{
		checker:     c,
		failureMode: limiter.FailClosed,
		now:         time.Now,
		maxBody:     httpmw.DefaultMaxBody,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes mounts the API under /api/ratelimit.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/ratelimit", func(r chi.Router) {
		r.With(httpmw.Scope("ratelimit.check"), httpmw.MaxBody(a.maxBody)).Post("/check", a.HandleCheck)
		r.With(httpmw.Scope("ratelimit.check")).Get("/check", a.HandleCheck)
		r.With(httpmw.Scope("ratelimit.config")).Get("/config", a.HandleConfig)
	})
}

type checkRequest struct {
	Identifier string `json:"identifier"`
}

// HandleCheck runs one limiter check for the identifier in the body (POST)
// or the query string (GET).
func (a *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	id, status, msg := identifierFromRequest(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	d, err := a.checker.Allow(ctx, id)
	if err != nil {
		if a.failureMode == limiter.FailOpen {
			L.Warn(ctx, "rate limiter store failed, admitting request", "err", err.Error())
			if a.onFailOpen != nil {
				a.onFailOpen()
			}
			// the quota is unknown, so no headers and no remainingRequests
			writeJSON(w, http.StatusOK, failOpenResponse{
				Allowed:   true,
				ResetTime: a.now().Add(a.checker.Window()).UTC(),
			})
			return
		}
		L.Error(ctx, err, "rate limiter store failed, rejecting request")
		WriteUnavailable(w)
		return
	}

	if !d.Allowed && a.onDenied != nil {
		a.onDenied()
	}
	WriteDecision(w, d, a.now())
}

// HandleConfig reports the active limit.
func (a *API) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		RequestLimit:        a.checker.Limit(),
		WindowSizeInSeconds: a.checker.Window().Seconds(),
	})
}

// identifierFromRequest returns the identifier as sent, or a status and
// message to reject with.
func identifierFromRequest(r *http.Request) (string, int, string) {
	var id string
	switch r.Method {
	case http.MethodGet:
		id = r.URL.Query().Get("identifier")
	default:
		var req checkRequest
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			var mbe *http.MaxBytesError
			switch {
			case errors.As(err, &mbe):
				return "", http.StatusRequestEntityTooLarge, msgBodyTooLarge
			case errors.Is(err, io.EOF):
				return "", http.StatusBadRequest, msgIDRequired
			}
			return "", http.StatusBadRequest, msgInvalidBody
		}
		id = req.Identifier
	}
	// identifiers are opaque, trimming only decides emptiness
	if strings.TrimSpace(id) == "" {
		return "", http.StatusBadRequest, msgIDRequired
	}
	if strings.HasPrefix(id, ReservedIPPrefix) {
		return "", http.StatusBadRequest, msgReservedID
	}
	return id, 0, ""
}
