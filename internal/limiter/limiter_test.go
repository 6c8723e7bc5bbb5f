package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/store"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, limit int, window time.Duration) *Engine {
	t.Helper()
	e, err := New(store.NewMemory(8), Options{Limit: limit, Window: window})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustCheck(t *testing.T, e *Engine, id string, now time.Time) Decision {
	t.Helper()
	d, err := e.Check(context.Background(), id, now)
	if err != nil {
		t.Fatalf("Check(%q, %v): %v", id, now, err)
	}
	return d
}

// failingStore fails every Atomic call.
type failingStore struct{ err error }

func (f failingStore) Atomic(context.Context, string, func(store.Records) error) error {
	return f.err
}

// brokenStore reports a count with no oldest timestamp.
type brokenStore struct{}

type brokenRecords struct{}

func (brokenStore) Atomic(_ context.Context, _ string, fn func(store.Records) error) error {
	return fn(brokenRecords{})
}
func (brokenRecords) Purge(context.Context, time.Time) error { return nil }
func (brokenRecords) Query(context.Context) (store.Snapshot, error) {
	return store.Snapshot{Count: 10}, nil
}
func (brokenRecords) Append(context.Context, time.Time) error { return nil }

type recordingObserver struct {
	mu        sync.Mutex
	decisions []Decision
	errs      []error
}

func (o *recordingObserver) ObserveDecision(d Decision, _ time.Duration) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveStoreError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		store store.Store
		opts  Options
	}{
		{"nil store", nil, Options{Limit: 1, Window: time.Second}},
		{"zero limit", store.NewMemory(1), Options{Limit: 0, Window: time.Second}},
		{"negative limit", store.NewMemory(1), Options{Limit: -1, Window: time.Second}},
		{"zero window", store.NewMemory(1), Options{Limit: 1}},
		{"negative window", store.NewMemory(1), Options{Limit: 1, Window: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.store, tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngine_Getters(t *testing.T) {
	e := newEngine(t, 7, 3*time.Second)
	if e.Limit() != 7 {
		t.Fatalf("Limit = %d", e.Limit())
	}
	if e.Window() != 3*time.Second {
		t.Fatalf("Window = %s", e.Window())
	}
}

func TestCheck_FirstRequestAllowed(t *testing.T) {
	e := newEngine(t, 3, 60*time.Second)
	d := mustCheck(t, e, "user123", t0)

	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("decision = %+v, want allowed with 2 remaining", d)
	}
	if !d.ResetTime.Equal(t0.Add(60 * time.Second)) {
		t.Fatalf("ResetTime = %v, want %v", d.ResetTime, t0.Add(60*time.Second))
	}
	if d.Limit != 3 {
		t.Fatalf("Limit = %d, want 3", d.Limit)
	}
}

func TestCheck_CountsDownThenDenies(t *testing.T) {
	e := newEngine(t, 3, 60*time.Second)

	for i, want := range []int{2, 1, 0} {
		d := mustCheck(t, e, "user123", t0.Add(time.Duration(i)*time.Millisecond))
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("request %d: %+v, want allowed remaining=%d", i+1, d, want)
		}
	}

	d := mustCheck(t, e, "user123", t0.Add(3*time.Millisecond))
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("4th request: %+v, want denied", d)
	}
	// reset is derived from the oldest in-window admission
	if !d.ResetTime.Equal(t0.Add(60 * time.Second)) {
		t.Fatalf("ResetTime = %v, want %v", d.ResetTime, t0.Add(60*time.Second))
	}
}

func TestCheck_DeniedRequestNotRecorded(t *testing.T) {
	e := newEngine(t, 1, time.Second)
	mustCheck(t, e, "u", t0)
	for i := 0; i < 5; i++ {
		if d := mustCheck(t, e, "u", t0.Add(500*time.Millisecond)); d.Allowed {
			t.Fatalf("denial %d unexpectedly allowed", i)
		}
	}
	// only the admission at t0 was recorded, so it alone has to age out
	if d := mustCheck(t, e, "u", t0.Add(time.Second+time.Millisecond)); !d.Allowed {
		t.Fatalf("expected allowance once the admission aged out, got %+v", d)
	}
}

func TestCheck_IdentifiersAreIndependent(t *testing.T) {
	e := newEngine(t, 3, 60*time.Second)
	for i := 0; i < 3; i++ {
		mustCheck(t, e, "user123", t0)
	}
	if d := mustCheck(t, e, "user123", t0); d.Allowed {
		t.Fatal("user123 should be exhausted")
	}

	d := mustCheck(t, e, "user456", t0)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("user456 = %+v, want allowed with 2 remaining", d)
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	e := newEngine(t, 2, time.Second)

	mustCheck(t, e, "user789", t0)
	mustCheck(t, e, "user789", t0.Add(10*time.Millisecond))
	if d := mustCheck(t, e, "user789", t0.Add(20*time.Millisecond)); d.Allowed {
		t.Fatal("3rd request inside the window should be denied")
	}

	d := mustCheck(t, e, "user789", t0.Add(1100*time.Millisecond))
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("after window: %+v, want allowed with 1 remaining", d)
	}
}

func TestCheck_PartialExpiry(t *testing.T) {
	e := newEngine(t, 2, 10*time.Second)

	mustCheck(t, e, "u", t0)
	mustCheck(t, e, "u", t0.Add(6*time.Second))

	// t0 has aged out, t0+6s has not
	d := mustCheck(t, e, "u", t0.Add(11*time.Second))
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("decision = %+v, want allowed with 0 remaining", d)
	}

	d = mustCheck(t, e, "u", t0.Add(12*time.Second))
	if d.Allowed {
		t.Fatal("window should be full again")
	}
	if !d.ResetTime.Equal(t0.Add(16 * time.Second)) {
		t.Fatalf("ResetTime = %v, want %v", d.ResetTime, t0.Add(16*time.Second))
	}
}

func TestCheck_RecordAtExactCutoffStillCounts(t *testing.T) {
	e := newEngine(t, 1, time.Second)
	mustCheck(t, e, "u", t0)
	// cutoff == t0 and only records strictly before the cutoff are purged
	if d := mustCheck(t, e, "u", t0.Add(time.Second)); d.Allowed {
		t.Fatal("record at exactly now-window should still count")
	}
	if d := mustCheck(t, e, "u", t0.Add(time.Second+time.Nanosecond)); !d.Allowed {
		t.Fatal("record should have aged out")
	}
}

func TestCheck_EmptyIdentifier(t *testing.T) {
	e := newEngine(t, 1, time.Second)
	if _, err := e.Check(context.Background(), "", t0); !errors.Is(err, ErrEmptyIdentifier) {
		t.Fatalf("err = %v, want ErrEmptyIdentifier", err)
	}
}

func TestCheck_StoreFailurePropagates(t *testing.T) {
	cause := errors.New("backend down")
	obs := &recordingObserver{}
	e, err := New(failingStore{err: cause}, Options{Limit: 5, Window: time.Second, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, err := e.Check(context.Background(), "user123", t0)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapping %v", err, cause)
	}
	if d.Allowed {
		t.Fatal("store failure must not be reported as an allow")
	}
	if len(obs.errs) != 1 || len(obs.decisions) != 0 {
		t.Fatalf("observer saw %d errors, %d decisions", len(obs.errs), len(obs.decisions))
	}
}

func TestCheck_InconsistentSnapshotIsError(t *testing.T) {
	e, err := New(brokenStore{}, Options{Limit: 5, Window: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Check(context.Background(), "u", t0); err == nil {
		t.Fatal("expected error for a full window without an oldest record")
	}
}

func TestCheck_ObserverSeesDecisions(t *testing.T) {
	obs := &recordingObserver{}
	e, err := New(store.NewMemory(1), Options{Limit: 1, Window: time.Second, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustCheck(t, e, "u", t0)
	mustCheck(t, e, "u", t0)

	if len(obs.decisions) != 2 {
		t.Fatalf("observer saw %d decisions, want 2", len(obs.decisions))
	}
	if !obs.decisions[0].Allowed || obs.decisions[1].Allowed {
		t.Fatalf("decisions = %+v", obs.decisions)
	}
}

func TestAllow_UsesClock(t *testing.T) {
	var now atomic.Int64
	now.Store(t0.UnixNano())
	e, err := New(store.NewMemory(1), Options{
		Limit:  1,
		Window: time.Second,
		Clock:  func() time.Time { return time.Unix(0, now.Load()).UTC() },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if d, _ := e.Allow(context.Background(), "u"); !d.Allowed {
		t.Fatal("first Allow should pass")
	}
	if d, _ := e.Allow(context.Background(), "u"); d.Allowed {
		t.Fatal("second Allow in the same instant should be denied")
	}
	// a record exactly one window old still counts, step just past it
	now.Add(int64(time.Second) + 1)
	if d, _ := e.Allow(context.Background(), "u"); !d.Allowed {
		t.Fatal("Allow after the window should pass")
	}
}

func TestCheck_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit, callers = 10, 200
	e := newEngine(t, limit, time.Minute)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := e.Check(context.Background(), "hot", t0)
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want exactly %d", got, limit)
	}
}

func TestCheck_TrailingWindowNeverExceedsLimit(t *testing.T) {
	const limit = 5
	window := time.Second
	e := newEngine(t, limit, window)

	var admitted []time.Time
	// bursty arrivals every 37ms over several windows
	for i := 0; i < 200; i++ {
		now := t0.Add(time.Duration(i) * 37 * time.Millisecond)
		if mustCheck(t, e, "u", now).Allowed {
			admitted = append(admitted, now)
		}
	}

	for i, at := range admitted {
		n := 0
		for _, other := range admitted[:i+1] {
			if !other.Before(at.Add(-window)) {
				n++
			}
		}
		if n > limit {
			t.Fatalf("%d admissions in the window ending %v, limit %d", n, at, limit)
		}
	}
}

func TestParseFailureMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureMode
		wantErr bool
	}{
		{"", FailClosed, false},
		{"closed", FailClosed, false},
		{" Open ", FailOpen, false},
		{"OPEN", FailOpen, false},
		{"sideways", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailureMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFailureMode(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseFailureMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
