package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"
)

// DefaultShards is the shard count used when NewMemory is given n <= 0.
const DefaultShards = 64

// Memory is an in-process Store. Identifiers are spread over a fixed set of
// shards, each with its own mutex, and every identifier keeps its records in
// a deque ordered oldest first so purge pops from the front and the oldest
// record is a front peek.
type Memory struct {
	shards []memShard
	mask   uint64
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]*deque.Deque[time.Time]
}

// NewMemory returns a Memory store with n shards rounded up to a power of two.
func NewMemory(n int) *Memory {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	m := &Memory{
		shards: make([]memShard, size),
		mask:   uint64(size - 1),
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*deque.Deque[time.Time])
	}
	return m
}

func (m *Memory) shard(identifier string) *memShard {
	return &m.shards[xxhash.Sum64String(identifier)&m.mask]
}

// Atomic holds the identifier's shard lock for the duration of fn.
func (m *Memory) Atomic(_ context.Context, identifier string, fn func(Records) error) error {
	s := m.shard(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memRecords{s: s, id: identifier})
}

// Len reports how many identifiers currently hold at least one record.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep purges every identifier against cutoff and returns how many
// identifiers were dropped. Checks purge inline, so this only reclaims memory
// held by identifiers that stopped sending requests.
func (m *Memory) Sweep(cutoff time.Time) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for id, q := range s.entries {
			purgeFront(q, cutoff)
			if q.Len() == 0 {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval with cutoff = tick - window until ctx
// is cancelled. onSweep, if set, receives the number of dropped identifiers.
func (m *Memory) RunSweeper(ctx context.Context, window, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := m.Sweep(now.Add(-window))
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

func purgeFront(q *deque.Deque[time.Time], cutoff time.Time) {
	for q.Len() > 0 && q.Front().Before(cutoff) {
		q.PopFront()
	}
}

// memRecords is only used while the shard lock is held.
type memRecords struct {
	s  *memShard
	id string
}

func (r memRecords) Purge(_ context.Context, cutoff time.Time) error {
	q, ok := r.s.entries[r.id]
	if !ok {
		return nil
	}
	purgeFront(q, cutoff)
	if q.Len() == 0 {
		delete(r.s.entries, r.id)
	}
	return nil
}

func (r memRecords) Query(context.Context) (Snapshot, error) {
	q, ok := r.s.entries[r.id]
	if !ok || q.Len() == 0 {
		return Snapshot{}, nil
	}
	return Snapshot{Count: q.Len(), Oldest: q.Front(), HasOldest: true}, nil
}

func (r memRecords) Append(_ context.Context, ts time.Time) error {
	q, ok := r.s.entries[r.id]
	if !ok {
		q = new(deque.Deque[time.Time])
		r.s.entries[r.id] = q
	}
	if q.Len() == 0 || !ts.Before(q.Back()) {
		q.PushBack(ts)
		return nil
	}
	// clock went backwards: keep the deque sorted so Front stays the minimum
	i := q.Len() - 1
	for i >= 0 && ts.Before(q.At(i)) {
		i--
	}
	q.Insert(i+1, ts)
	return nil
}
