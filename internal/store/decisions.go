package store

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

// DecisionStore holds pending human gates. The (taskID, phase) pair is
// unique: a new decision_required for an occupied pair replaces the old
// entry inside one lock section, so readers never observe an empty gap.
// Resolved ids are remembered so replayed or late decision_required events
// cannot resurrect an answered gate.
type DecisionStore struct {
	mu          sync.RWMutex
	version     uint64
	byID        map[string]*model.PendingDecision
	byTaskPhase map[string]string
	resolved    *tombstones

	counters counters
}

func newDecisionStore(opts Options) *DecisionStore {
	return &DecisionStore{
		byID:        make(map[string]*model.PendingDecision),
		byTaskPhase: make(map[string]string),
		resolved:    newTombstones(opts.TombstoneWindow),
	}
}

func (s *DecisionStore) register(d *dispatch.Dispatcher) {
	d.Register(model.KindDecisionRequired, s.applyRequired)
	d.Register(model.KindDecisionResolved, s.applyResolved)
	d.Register(model.KindTaskDeleted, s.applyTaskDeleted)
}

func (s *DecisionStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func pairKey(taskID, phase string) string {
	return taskID + "|" + phase
}

func (s *DecisionStore) applyRequired(env *model.Envelope) {
	var p model.DecisionRequired
	if err := env.DecodePayload(&p); err != nil || p.DecisionID == "" {
		s.counters.noteDropped()
		return
	}
	taskID := env.EntityID
	if taskID == "" || taskID == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	if s.resolved.contains(p.DecisionID, env.ReceivedAt) {
		s.mu.Unlock()
		s.counters.noteStale()
		return
	}
	changed := s.upsertLocked(model.PendingDecision{
		ID:          p.DecisionID,
		TaskID:      taskID,
		TaskTitle:   p.TaskTitle,
		Phase:       p.Phase,
		GateType:    p.GateType,
		Question:    p.Question,
		Context:     p.Context,
		RequestedAt: env.Time,
	}, false)
	if changed {
		s.version++
	}
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

// upsertLocked inserts or replaces the pair's entry. With latestWins the
// incoming entry yields to an existing different entry that was requested
// later (snapshot rows racing a fresher stream event).
func (s *DecisionStore) upsertLocked(in model.PendingDecision, latestWins bool) bool {
	key := pairKey(in.TaskID, in.Phase)

	if cur, ok := s.byID[in.ID]; ok {
		// Replay of a known decision: refresh fields, keep the original
		// request time and the in-flight marker.
		oldKey := pairKey(cur.TaskID, cur.Phase)
		changed := cur.TaskTitle != in.TaskTitle ||
			cur.GateType != in.GateType ||
			cur.Question != in.Question ||
			cur.Context != in.Context ||
			oldKey != key
		cur.TaskID = in.TaskID
		cur.TaskTitle = in.TaskTitle
		cur.Phase = in.Phase
		cur.GateType = in.GateType
		cur.Question = in.Question
		cur.Context = in.Context
		if oldKey != key {
			if s.byTaskPhase[oldKey] == in.ID {
				delete(s.byTaskPhase, oldKey)
			}
		}
		s.byTaskPhase[key] = in.ID
		return changed
	}

	if oldID, ok := s.byTaskPhase[key]; ok && oldID != in.ID {
		old := s.byID[oldID]
		if latestWins && old != nil && old.RequestedAt.After(in.RequestedAt) {
			s.counters.noteStale()
			return false
		}
		delete(s.byID, oldID)
	}
	entry := in
	s.byID[entry.ID] = &entry
	s.byTaskPhase[key] = entry.ID
	return true
}

func (s *DecisionStore) applyResolved(env *model.Envelope) {
	var p model.DecisionResolved
	if err := env.DecodePayload(&p); err != nil || p.DecisionID == "" {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	removed := s.removeLocked(p.DecisionID, env.ReceivedAt)
	s.mu.Unlock()

	if removed {
		s.counters.noteApplied()
	} else {
		// No matching entry: the local resolution already removed it, or
		// the gate was never seen. Either way the resolution is remembered.
		s.counters.noteNoOp()
	}
}

func (s *DecisionStore) removeLocked(id string, now time.Time) bool {
	s.resolved.add(id, now)
	cur, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	key := pairKey(cur.TaskID, cur.Phase)
	if s.byTaskPhase[key] == id {
		delete(s.byTaskPhase, key)
	}
	s.version++
	return true
}

// ResolveLocal removes an entry after a successful resolve call. Same
// convergent end state as a decision_resolved event.
func (s *DecisionStore) ResolveLocal(id string, now time.Time) bool {
	s.mu.Lock()
	removed := s.removeLocked(id, now)
	s.mu.Unlock()
	if removed {
		s.counters.noteApplied()
	}
	return removed
}

// SetResolving flips the in-flight marker on a pending entry. Reports
// whether the entry exists.
func (s *DecisionStore) SetResolving(id string, resolving bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return false
	}
	if cur.Resolving != resolving {
		cur.Resolving = resolving
		s.version++
	}
	return true
}

func (s *DecisionStore) applyTaskDeleted(env *model.Envelope) {
	taskID := env.EntityID
	if taskID == "" || taskID == model.GlobalEntityID {
		return
	}

	s.mu.Lock()
	removed := 0
	for id, d := range s.byID {
		if d.TaskID != taskID {
			continue
		}
		delete(s.byID, id)
		key := pairKey(d.TaskID, d.Phase)
		if s.byTaskPhase[key] == id {
			delete(s.byTaskPhase, key)
		}
		s.resolved.add(id, env.ReceivedAt)
		removed++
	}
	if removed > 0 {
		s.version++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

// SnapshotMerge applies the authoritative pending-decision list. Recently
// resolved ids are skipped; for an occupied pair the later-requested gate
// wins. Entries absent from the snapshot stay: only explicit resolution
// removes a gate.
func (s *DecisionStore) SnapshotMerge(pending []model.PendingDecision, now time.Time) int {
	merged := 0
	s.mu.Lock()
	s.resolved.prune(now)
	for i := range pending {
		d := pending[i]
		if d.ID == "" || d.TaskID == "" {
			continue
		}
		if s.resolved.contains(d.ID, now) {
			s.counters.noteStale()
			continue
		}
		if d.RequestedAt.IsZero() {
			d.RequestedAt = now
		}
		d.Resolving = false
		if s.upsertLocked(d, true) {
			merged++
		}
	}
	if merged > 0 {
		s.version++
	}
	s.mu.Unlock()
	return merged
}

func (s *DecisionStore) Get(id string) (model.PendingDecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return model.PendingDecision{}, false
	}
	return *d, true
}

func (s *DecisionStore) HasForTask(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byID {
		if d.TaskID == taskID {
			return true
		}
	}
	return false
}

func (s *DecisionStore) ForTask(taskID string) []model.PendingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PendingDecision
	for _, d := range s.byID {
		if d.TaskID == taskID {
			out = append(out, *d)
		}
	}
	sortDecisions(out)
	return out
}

// All returns every pending decision oldest-first.
func (s *DecisionStore) All() []model.PendingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PendingDecision, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, *d)
	}
	sortDecisions(out)
	return out
}

func (s *DecisionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func sortDecisions(out []model.PendingDecision) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
}
