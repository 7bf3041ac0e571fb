package store

import (
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

// MetricsStore holds the session-wide aggregate. session_update events are
// server-computed and authoritative: they replace the numeric fields whole.
// Until the first one lands the store sums the latest per-task token totals
// as a fallback, then drops that bookkeeping for good.
type MetricsStore struct {
	mu      sync.RWMutex
	version uint64
	metrics model.SessionMetrics

	// Latest reported absolute total per task. Fallback only; cleared
	// once an authoritative update arrives.
	taskTokens map[string]int64

	counters counters
}

func newMetricsStore() *MetricsStore {
	return &MetricsStore{taskTokens: make(map[string]int64)}
}

func (s *MetricsStore) register(d *dispatch.Dispatcher) {
	d.Register(model.KindSessionUpdate, s.applySession)
	d.Register(model.KindTokens, s.applyTokens)
	d.Register(model.KindHeartbeat, s.applyHeartbeat)
	d.Register(model.KindFilesChanged, s.applyFilesChanged)
	d.Register(model.KindTaskDeleted, s.applyTaskDeleted)
}

func (s *MetricsStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *MetricsStore) applySession(env *model.Envelope) {
	var p model.SessionUpdate
	if err := env.DecodePayload(&p); err != nil {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	applied := s.replaceLocked(p, env.Time)
	s.mu.Unlock()

	if applied {
		s.counters.noteApplied()
	} else {
		s.counters.noteStale()
	}
}

func (s *MetricsStore) replaceLocked(p model.SessionUpdate, at time.Time) bool {
	if s.metrics.Authoritative && at.Before(s.metrics.UpdatedAt) {
		return false
	}
	s.metrics.DurationSeconds = p.DurationSeconds
	s.metrics.TotalTokens = p.TotalTokens
	s.metrics.InputTokens = p.InputTokens
	s.metrics.OutputTokens = p.OutputTokens
	s.metrics.EstimatedCostUSD = p.EstimatedCostUSD
	s.metrics.TasksRunning = p.TasksRunning
	s.metrics.IsPaused = p.IsPaused
	s.metrics.Authoritative = true
	s.metrics.UpdatedAt = at
	if s.taskTokens != nil {
		s.taskTokens = nil
	}
	s.version++
	return true
}

func (s *MetricsStore) applyTokens(env *model.Envelope) {
	s.mu.Lock()
	if s.taskTokens == nil {
		// Authoritative totals arrived already; per-task sums retired.
		s.mu.Unlock()
		return
	}
	var p model.TokenUpdate
	if err := env.DecodePayload(&p); err != nil {
		s.mu.Unlock()
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.mu.Unlock()
		return
	}
	if p.TotalTokens > s.taskTokens[id] {
		s.taskTokens[id] = p.TotalTokens
		var sum int64
		for _, n := range s.taskTokens {
			sum += n
		}
		s.metrics.TotalTokens = sum
		s.metrics.UpdatedAt = latestTime(s.metrics.UpdatedAt, env.Time)
		s.version++
		s.mu.Unlock()
		s.counters.noteApplied()
		return
	}
	s.mu.Unlock()
	s.counters.noteNoOp()
}

func (s *MetricsStore) applyHeartbeat(env *model.Envelope) {
	s.mu.Lock()
	s.metrics.LastHeartbeatAt = latestTime(s.metrics.LastHeartbeatAt, env.ReceivedAt)
	s.version++
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *MetricsStore) applyFilesChanged(env *model.Envelope) {
	if !env.Global() {
		return
	}
	var p model.FilesChanged
	if err := env.DecodePayload(&p); err != nil {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	changed := p.TotalAdditions != s.metrics.TotalAdditions || p.TotalDeletions != s.metrics.TotalDeletions
	if changed {
		s.metrics.TotalAdditions = p.TotalAdditions
		s.metrics.TotalDeletions = p.TotalDeletions
		s.metrics.UpdatedAt = latestTime(s.metrics.UpdatedAt, env.Time)
		s.version++
	}
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *MetricsStore) applyTaskDeleted(env *model.Envelope) {
	s.mu.Lock()
	if s.taskTokens != nil {
		delete(s.taskTokens, env.EntityID)
	}
	s.mu.Unlock()
}

// SnapshotMerge applies the session endpoint's aggregate, which carries the
// same authority as a session_update event.
func (s *MetricsStore) SnapshotMerge(p model.SessionUpdate, now time.Time) bool {
	s.mu.Lock()
	applied := s.replaceLocked(p, now)
	s.mu.Unlock()
	return applied
}

func (s *MetricsStore) Get() model.SessionMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// StaleAfter reports whether no heartbeat or update has been seen for d.
func (s *MetricsStore) StaleAfter(now time.Time, d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := latestTime(s.metrics.LastHeartbeatAt, s.metrics.UpdatedAt)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > d
}
