// Package store holds admission timestamps per identifier.
//
// A Store never decides anything. It exposes purge, query and append on one
// identifier's records, and guarantees that everything done inside a single
// Atomic call is exclusive with respect to other Atomic calls for the same
// identifier. Calls for different identifiers are not funnelled through one
// global critical section.
package store

import (
	"context"
	"time"
)

// Snapshot is the in-window view of one identifier, recomputed per query.
type Snapshot struct {
	Count int
	// Oldest is only meaningful when HasOldest is true.
	Oldest    time.Time
	HasOldest bool
}

// Records operates on a single identifier and is only valid inside the
// Atomic callback that handed it out.
type Records interface {
	// Purge removes records strictly earlier than cutoff. Unknown identifiers
	// are a no-op, and an identifier left with no records is dropped.
	Purge(ctx context.Context, cutoff time.Time) error
	// Query reports the count and earliest remaining record.
	Query(ctx context.Context) (Snapshot, error)
	// Append adds one record. Duplicate timestamps are valid.
	Append(ctx context.Context, ts time.Time) error
}

// Store holds every identifier's admission records. Checks on different
// identifiers may run in parallel; checks on one identifier never overlap.
type Store interface {
	// Atomic runs fn with exclusive access to identifier's records. An error
	// from fn is returned as-is.
	Atomic(ctx context.Context, identifier string, fn func(Records) error) error
}
