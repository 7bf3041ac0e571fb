package store

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

// InitiativeStore keys initiatives by id with the same guarded-merge rules
// as tasks: stale updates drop, deletion only via initiative_deleted, and
// snapshot merges respect the tombstone window.
type InitiativeStore struct {
	mu          sync.RWMutex
	version     uint64
	initiatives map[string]*model.Initiative
	tombs       *tombstones

	counters counters
}

func newInitiativeStore(opts Options) *InitiativeStore {
	return &InitiativeStore{
		initiatives: make(map[string]*model.Initiative),
		tombs:       newTombstones(opts.TombstoneWindow),
	}
}

func (s *InitiativeStore) register(d *dispatch.Dispatcher) {
	d.Register(model.KindInitiativeCreated, s.applyInitiative)
	d.Register(model.KindInitiativeUpdated, s.applyInitiative)
	d.Register(model.KindInitiativeDeleted, s.applyDeleted)
}

func (s *InitiativeStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *InitiativeStore) applyInitiative(env *model.Envelope) {
	var in model.Initiative
	if err := env.DecodePayload(&in); err != nil {
		s.counters.noteDropped()
		return
	}
	if in.ID == "" {
		in.ID = env.EntityID
	}
	if in.ID == "" || in.ID == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	applied := s.mergeLocked(&in, env.Time)
	s.mu.Unlock()

	if applied {
		s.counters.noteApplied()
	} else {
		s.counters.noteStale()
	}
}

func (s *InitiativeStore) mergeLocked(in *model.Initiative, at time.Time) bool {
	eff := in.UpdatedAt
	if eff.IsZero() {
		eff = at
	}
	cur, ok := s.initiatives[in.ID]
	if !ok {
		entry := *in
		entry.TaskIDs = append([]string(nil), in.TaskIDs...)
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = eff
		}
		entry.UpdatedAt = eff
		s.initiatives[in.ID] = &entry
		s.version++
		return true
	}
	if eff.Before(cur.UpdatedAt) {
		return false
	}
	if in.Title != "" {
		cur.Title = in.Title
	}
	if in.Status != "" {
		cur.Status = in.Status
	}
	if in.Vision != "" {
		cur.Vision = in.Vision
	}
	if in.TaskIDs != nil {
		cur.TaskIDs = append([]string(nil), in.TaskIDs...)
	}
	if !in.CreatedAt.IsZero() {
		cur.CreatedAt = in.CreatedAt
	}
	cur.UpdatedAt = eff
	s.version++
	return true
}

func (s *InitiativeStore) applyDeleted(env *model.Envelope) {
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		var in model.Initiative
		if err := env.DecodePayload(&in); err != nil || in.ID == "" {
			s.counters.noteDropped()
			return
		}
		id = in.ID
	}

	s.mu.Lock()
	_, ok := s.initiatives[id]
	if ok {
		delete(s.initiatives, id)
		s.version++
	}
	s.tombs.add(id, env.ReceivedAt)
	s.mu.Unlock()

	if ok {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

// SnapshotMerge folds the authoritative initiative list in. Entries absent
// from the snapshot stay; recently deleted ids are skipped.
func (s *InitiativeStore) SnapshotMerge(initiatives []model.Initiative, now time.Time) int {
	merged := 0
	s.mu.Lock()
	s.tombs.prune(now)
	for i := range initiatives {
		in := initiatives[i]
		if in.ID == "" || s.tombs.contains(in.ID, now) {
			continue
		}
		if s.mergeLocked(&in, now) {
			merged++
		}
	}
	s.mu.Unlock()
	return merged
}

func (s *InitiativeStore) Get(id string) (model.Initiative, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.initiatives[id]
	if !ok {
		return model.Initiative{}, false
	}
	return cloneInitiative(in), true
}

// List returns initiatives newest-created first.
func (s *InitiativeStore) List() []model.Initiative {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Initiative, 0, len(s.initiatives))
	for _, in := range s.initiatives {
		out = append(out, cloneInitiative(in))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InitiativeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.initiatives)
}

func cloneInitiative(in *model.Initiative) model.Initiative {
	out := *in
	out.TaskIDs = append([]string(nil), in.TaskIDs...)
	return out
}
