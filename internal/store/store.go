// Package store holds the normalized in-memory entity collections the
// whole client reads from: tasks, pending decisions, workflow runs, session
// metrics, and initiatives. Each store exposes reducer entry points wired to
// the dispatcher, snapshot-merge entry points used by reconciliation, and
// read selectors returning copies.
//
// Mutation is single-writer: only the apply loop calls reducers and merges.
// Every store still carries its own lock so off-loop readers get consistent
// values, and bumps a version counter the selectors memoize on.
package store

import (
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
)

const (
	DefaultTombstoneWindow = 10 * time.Minute
	DefaultTranscriptCap   = 200
)

type Options struct {
	// TombstoneWindow is how long deletions are remembered so a stale
	// snapshot cannot resurrect a deleted entity.
	TombstoneWindow time.Duration
	// TranscriptCap bounds the per-task transcript ring.
	TranscriptCap int
}

func (o Options) withDefaults() Options {
	if o.TombstoneWindow <= 0 {
		o.TombstoneWindow = DefaultTombstoneWindow
	}
	if o.TranscriptCap <= 0 {
		o.TranscriptCap = DefaultTranscriptCap
	}
	return o
}

// Store aggregates the five domain stores and fans change notification out
// to subscribers.
type Store struct {
	Tasks       *TaskStore
	Decisions   *DecisionStore
	Runs        *RunStore
	Metrics     *MetricsStore
	Initiatives *InitiativeStore

	mu        sync.Mutex
	listeners []*listener
}

type listener struct {
	fn func()
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		Tasks:       newTaskStore(opts),
		Decisions:   newDecisionStore(opts),
		Runs:        newRunStore(opts),
		Metrics:     newMetricsStore(),
		Initiatives: newInitiativeStore(opts),
	}
}

// RegisterAll wires every reducer into the dispatcher. Registration order
// fixes the task_deleted cascade: Task, then Run, then Decision handlers run
// within the same dispatch turn.
func (s *Store) RegisterAll(d *dispatch.Dispatcher) {
	s.Tasks.register(d)
	s.Runs.register(d)
	s.Decisions.register(d)
	s.Metrics.register(d)
	s.Initiatives.register(d)
}

// Version is the sum of the per-store versions; it changes whenever any
// store content changes.
func (s *Store) Version() uint64 {
	return s.Tasks.Version() +
		s.Decisions.Version() +
		s.Runs.Version() +
		s.Metrics.Version() +
		s.Initiatives.Version()
}

// Subscribe registers a change listener and returns its unsubscribe func.
// Listeners run on the apply loop goroutine, once per drain pass that
// changed anything, never concurrently.
func (s *Store) Subscribe(fn func()) func() {
	reg := &listener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, reg)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l == reg {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
	}
}

// NotifyIfChanged fires listeners when the version moved past since and
// returns the current version for the caller to carry forward.
func (s *Store) NotifyIfChanged(since uint64) uint64 {
	current := s.Version()
	if current == since {
		return current
	}
	s.mu.Lock()
	regs := make([]*listener, len(s.listeners))
	copy(regs, s.listeners)
	s.mu.Unlock()
	for _, l := range regs {
		l.fn()
	}
	return current
}

// Stats aggregates the per-store reducer counters.
type Stats struct {
	Applied uint64
	Dropped uint64
	Stale   uint64
	NoOps   uint64
}

func (s *Store) Stats() Stats {
	var out Stats
	for _, c := range []*counters{
		&s.Tasks.counters,
		&s.Decisions.counters,
		&s.Runs.counters,
		&s.Metrics.counters,
		&s.Initiatives.counters,
	} {
		applied, dropped, stale, noops := c.snapshot()
		out.Applied += applied
		out.Dropped += dropped
		out.Stale += stale
		out.NoOps += noops
	}
	return out
}

// counters tracks reducer outcomes. Guarded by the owning store's lock for
// writes; snapshot takes its own.
type counters struct {
	mu      sync.Mutex
	applied uint64
	dropped uint64
	stale   uint64
	noops   uint64
}

func (c *counters) noteApplied() { c.mu.Lock(); c.applied++; c.mu.Unlock() }
func (c *counters) noteDropped() { c.mu.Lock(); c.dropped++; c.mu.Unlock() }
func (c *counters) noteStale()   { c.mu.Lock(); c.stale++; c.mu.Unlock() }
func (c *counters) noteNoOp()    { c.mu.Lock(); c.noops++; c.mu.Unlock() }

func (c *counters) snapshot() (applied, dropped, stale, noops uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied, c.dropped, c.stale, c.noops
}

// tombstones remembers recent deletions by id so snapshot merges cannot
// resurrect them. Explicit creation events are not checked against it.
type tombstones struct {
	window time.Duration
	dead   map[string]time.Time
}

func newTombstones(window time.Duration) *tombstones {
	return &tombstones{window: window, dead: make(map[string]time.Time)}
}

func (t *tombstones) add(id string, at time.Time) {
	t.dead[id] = at
}

func (t *tombstones) contains(id string, now time.Time) bool {
	at, ok := t.dead[id]
	if !ok {
		return false
	}
	if now.Sub(at) > t.window {
		delete(t.dead, id)
		return false
	}
	return true
}

func (t *tombstones) prune(now time.Time) {
	for id, at := range t.dead {
		if now.Sub(at) > t.window {
			delete(t.dead, id)
		}
	}
}

func latestTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
