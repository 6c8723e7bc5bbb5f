// Package limiter decides whether a request tagged with an identifier may be
// admitted so that no identifier gets more than Limit admissions in any
// trailing Window.
//
// The window slides with now: every check purges records older than
// now-Window before counting, so there is no boundary at which a client can
// get a fresh allowance while the previous one is still in view.
package limiter

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/store"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/xerrors"
)

const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// ErrEmptyIdentifier is returned for a blank identifier. Adapters reject
// these before calling Check, so seeing it means an adapter skipped validation.
var ErrEmptyIdentifier = errors.New("identifier is required")

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetTime is oldest+Window when denied, now+Window when allowed. The
	// allowed value bounds when this admission ages out, not when the next
	// denial ends.
	ResetTime time.Time
	Limit     int
}

// Observer receives every decision and every store failure. Metrics hang off this.
type Observer interface {
	ObserveDecision(d Decision, elapsed time.Duration)
	ObserveStoreError(err error)
}

type Options struct {
	Limit  int
	Window time.Duration
	// Clock is used by Allow, defaults to time.Now.
	Clock    func() time.Time
	Observer Observer
}

// Engine is safe for concurrent use. All shared state lives in the Store.
type Engine struct {
	store  store.Store
	limit  int
	window time.Duration
	now    func() time.Time
	obs    Observer
	tracer trace.Tracer
}

func New(s store.Store, opts Options) (*Engine, error) {
	if s == nil {
		return nil, xerrors.New("limiter: store is required")
	}
	if opts.Limit <= 0 {
		return nil, xerrors.Newf("limiter: limit must be positive (got %d)", opts.Limit)
	}
	if opts.Window <= 0 {
		return nil, xerrors.Newf("limiter: window must be positive (got %s)", opts.Window)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:  s,
		limit:  opts.Limit,
		window: opts.Window,
		now:    opts.Clock,
		obs:    opts.Observer,
		tracer: otel.Tracer("linnemanlabs/limiter"),
	}, nil
}

func (e *Engine) Limit() int             { return e.limit }
func (e *Engine) Window() time.Duration { return e.window }

// Allow is Check at the engine's clock.
func (e *Engine) Allow(ctx context.Context, identifier string) (Decision, error) {
	return e.Check(ctx, identifier, e.now())
}

// Check purges, counts and conditionally records an admission for identifier
// at now, all inside one Store.Atomic call. A store failure is returned as an
// error and never turned into an allow or a deny.
func (e *Engine) Check(ctx context.Context, identifier string, now time.Time) (Decision, error) {
	if identifier == "" {
		return Decision{}, ErrEmptyIdentifier
	}

	ctx, span := e.tracer.Start(ctx, "limiter.Check")
	defer span.End()
	start := time.Now()

	cutoff := now.Add(-e.window)
	var d Decision
	err := e.store.Atomic(ctx, identifier, func(rec store.Records) error {
		if err := rec.Purge(ctx, cutoff); err != nil {
			return xerrors.Wrap(err, "purge")
		}
		snap, err := rec.Query(ctx)
		if err != nil {
			return xerrors.Wrap(err, "query")
		}

		if snap.Count >= e.limit {
			if !snap.HasOldest {
				return xerrors.Newf("store reported %d records without an oldest timestamp", snap.Count)
			}
			d = Decision{
				Allowed:   false,
				Remaining: 0,
				ResetTime: snap.Oldest.Add(e.window),
				Limit:     e.limit,
			}
			return nil
		}

		if err := rec.Append(ctx, now); err != nil {
			return xerrors.Wrap(err, "append")
		}
		d = Decision{
			Allowed:   true,
			Remaining: e.limit - snap.Count - 1,
			ResetTime: now.Add(e.window),
			Limit:     e.limit,
		}
		return nil
	})
	if err != nil {
		err = xerrors.Wrap(err, "rate limit check")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		if e.obs != nil {
			e.obs.ObserveStoreError(err)
		}
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.Int("ratelimit.remaining", d.Remaining),
	)
	if e.obs != nil {
		e.obs.ObserveDecision(d, time.Since(start))
	}
	return d, nil
}
