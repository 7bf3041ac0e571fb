package store

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

// TaskStore owns the Task collection and the per-task execution detail.
// Everything here merges create-or-update by id: the stream and the
// snapshot loader race, so an update for an unseen task creates it rather
// than being dropped.
type TaskStore struct {
	mu      sync.RWMutex
	version uint64
	tasks   map[string]*model.Task
	states  map[string]*model.TaskState
	tombs   *tombstones

	counters counters
}

func newTaskStore(opts Options) *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]*model.Task),
		states: make(map[string]*model.TaskState),
		tombs:  newTombstones(opts.TombstoneWindow),
	}
}

func (s *TaskStore) register(d *dispatch.Dispatcher) {
	d.Register(model.KindTaskCreated, s.applyTask)
	d.Register(model.KindTaskUpdated, s.applyTask)
	d.Register(model.KindTaskDeleted, s.applyTaskDeleted)
	d.Register(model.KindState, s.applyState)
	d.Register(model.KindPhase, s.applyPhase)
	d.Register(model.KindTokens, s.applyTokens)
	d.Register(model.KindActivity, s.applyActivity)
	d.Register(model.KindError, s.applyError)
	d.Register(model.KindWarning, s.applyWarning)
	d.Register(model.KindFilesChanged, s.applyFilesChanged)
	d.Register(model.KindFinalize, s.applyFinalize)
	d.Register(model.KindComplete, s.applyComplete)
}

func (s *TaskStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *TaskStore) bumpLocked() {
	s.version++
}

func (s *TaskStore) applyTask(env *model.Envelope) {
	var incoming model.Task
	if err := env.DecodePayload(&incoming); err != nil {
		s.counters.noteDropped()
		return
	}
	if incoming.ID == "" {
		incoming.ID = env.EntityID
	}
	if incoming.ID == "" || incoming.ID == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	changed := s.mergeTaskLocked(&incoming, env.Time)
	if changed {
		s.bumpLocked()
	}
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

// mergeTaskLocked shallow-merges incoming into the stored task, creating it
// if absent. Zero-value payload fields never clobber populated ones, status
// changes pass CanTransition, and updates older than the stored entity are
// dropped as stale.
func (s *TaskStore) mergeTaskLocked(in *model.Task, at time.Time) bool {
	eff := in.UpdatedAt
	if eff.IsZero() {
		eff = at
	}

	cur, ok := s.tasks[in.ID]
	if !ok {
		created := *in
		if created.Status == "" {
			created.Status = model.StatusCreated
		}
		if created.CreatedAt.IsZero() {
			created.CreatedAt = eff
		}
		created.UpdatedAt = eff
		s.tasks[created.ID] = &created
		return true
	}

	if eff.Before(cur.UpdatedAt) {
		s.counters.noteStale()
		return false
	}

	changed := false
	setString := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	setString(&cur.Title, in.Title)
	setString(&cur.Description, in.Description)
	setString(&cur.CurrentPhase, in.CurrentPhase)
	setString(&cur.Branch, in.Branch)
	setString(&cur.InitiativeID, in.InitiativeID)
	setString(&cur.CommitSHA, in.CommitSHA)
	setString(&cur.TargetBranch, in.TargetBranch)
	setString(&cur.RiskLevel, in.RiskLevel)
	setString(&cur.LastError, in.LastError)
	if in.Weight != "" && cur.Weight != in.Weight {
		cur.Weight = in.Weight
		changed = true
	}
	if in.Priority != "" && cur.Priority != in.Priority {
		cur.Priority = in.Priority
		changed = true
	}
	if in.Category != "" && cur.Category != in.Category {
		cur.Category = in.Category
		changed = true
	}
	if in.Queue != "" && cur.Queue != in.Queue {
		cur.Queue = in.Queue
		changed = true
	}
	if in.Status != "" && in.Status != cur.Status {
		if model.CanTransition(cur.Status, in.Status) {
			cur.Status = in.Status
			changed = true
		} else {
			s.counters.noteStale()
		}
	}
	if in.StartedAt != nil && (cur.StartedAt == nil || !cur.StartedAt.Equal(*in.StartedAt)) {
		v := *in.StartedAt
		cur.StartedAt = &v
		changed = true
	}
	if in.CompletedAt != nil && (cur.CompletedAt == nil || !cur.CompletedAt.Equal(*in.CompletedAt)) {
		v := *in.CompletedAt
		cur.CompletedAt = &v
		changed = true
	}
	if eff.After(cur.UpdatedAt) {
		cur.UpdatedAt = eff
		changed = true
	}
	return changed
}

func (s *TaskStore) applyTaskDeleted(env *model.Envelope) {
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	_, existed := s.tasks[id]
	delete(s.tasks, id)
	delete(s.states, id)
	s.tombs.add(id, env.ReceivedAt)
	if existed {
		s.bumpLocked()
	}
	s.mu.Unlock()

	if existed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *TaskStore) applyState(env *model.Envelope) {
	var in model.TaskState
	if err := env.DecodePayload(&in); err != nil {
		s.counters.noteDropped()
		return
	}
	id := in.TaskID
	if id == "" {
		id = env.EntityID
	}
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}
	eff := in.UpdatedAt
	if eff.IsZero() {
		eff = env.Time
	}

	s.mu.Lock()
	applied := s.mergeStateLocked(id, &in, eff)
	s.mu.Unlock()
	if applied {
		s.counters.noteApplied()
	} else {
		s.counters.noteStale()
	}
}

// MergeState folds a fetched execution state through the same guards the
// state reducer uses. Snapshot entry point: never deletes, and recently
// deleted ids stay deleted for the tombstone window.
func (s *TaskStore) MergeState(in model.TaskState, now time.Time) bool {
	id := in.TaskID
	if id == "" || id == model.GlobalEntityID {
		return false
	}
	eff := in.UpdatedAt
	if eff.IsZero() {
		eff = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tombs.contains(id, now) {
		s.counters.noteStale()
		return false
	}
	return s.mergeStateLocked(id, &in, eff)
}

func (s *TaskStore) mergeStateLocked(id string, in *model.TaskState, eff time.Time) bool {
	st, ok := s.states[id]
	if ok && eff.Before(st.UpdatedAt) {
		return false
	}
	if !ok {
		st = &model.TaskState{TaskID: id}
		s.states[id] = st
	}
	if in.CurrentPhase != "" {
		st.CurrentPhase = in.CurrentPhase
	}
	if in.CurrentIteration > 0 {
		st.CurrentIteration = in.CurrentIteration
	}
	if in.Status != "" {
		st.Status = in.Status
	}
	for name, ph := range in.Phases {
		s.mergePhaseLocked(st, name, ph, eff)
	}
	if in.Tokens.TotalTokens >= st.Tokens.TotalTokens {
		st.Tokens = in.Tokens
	}
	if in.Cost.TotalCostUSD >= st.Cost.TotalCostUSD {
		st.Cost = in.Cost
	}
	if in.Activity != "" {
		st.Activity = in.Activity
	}
	st.UpdatedAt = latestTime(st.UpdatedAt, eff)

	// Mirror the execution status onto the task through the same guard.
	s.mergeTaskLocked(&model.Task{
		ID:           id,
		Status:       in.Status,
		CurrentPhase: in.CurrentPhase,
	}, eff)
	s.bumpLocked()
	return true
}

func (s *TaskStore) mergePhaseLocked(st *model.TaskState, name string, in *model.PhaseState, at time.Time) {
	if in == nil || name == "" {
		return
	}
	if st.Phases == nil {
		st.Phases = make(map[string]*model.PhaseState)
	}
	cur, ok := st.Phases[name]
	if !ok {
		ph := *in
		if ph.Iterations == 0 {
			ph.Iterations = 1
		}
		st.Phases[name] = &ph
		return
	}
	if in.Status != "" && in.Status != cur.Status {
		if model.PhaseRegressed(cur.Status, in.Status) {
			s.counters.noteStale()
			return
		}
		if phaseTerminal(cur.Status) && !phaseTerminal(in.Status) {
			// Re-run of a finished phase: new iteration, old result cleared.
			cur.Iterations++
			cur.CompletedAt = nil
			cur.Error = ""
		}
		cur.Status = in.Status
		if phaseTerminal(in.Status) && cur.CompletedAt == nil {
			v := at
			cur.CompletedAt = &v
		}
	}
	if in.StartedAt != nil && cur.StartedAt == nil {
		v := *in.StartedAt
		cur.StartedAt = &v
	}
	if in.CommitSHA != "" {
		cur.CommitSHA = in.CommitSHA
	}
	if in.Error != "" {
		cur.Error = in.Error
	}
	if in.Iterations > cur.Iterations {
		cur.Iterations = in.Iterations
	}
	if in.Tokens.TotalTokens >= cur.Tokens.TotalTokens {
		cur.Tokens = in.Tokens
	}
	if in.CostUSD > cur.CostUSD {
		cur.CostUSD = in.CostUSD
	}
}

func phaseTerminal(st model.PhaseStatus) bool {
	return st == model.PhaseCompleted || st == model.PhaseFailed || st == model.PhaseSkipped
}

func (s *TaskStore) applyPhase(env *model.Envelope) {
	var p model.PhaseUpdate
	if err := env.DecodePayload(&p); err != nil || p.Phase == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(id)
	started := env.Time
	s.mergePhaseLocked(st, p.Phase, &model.PhaseState{
		Status:    p.Status,
		StartedAt: &started,
		CommitSHA: p.CommitSHA,
		Error:     p.Error,
	}, env.Time)
	st.CurrentPhase = p.Phase
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	s.mergeTaskLocked(&model.Task{ID: id, CurrentPhase: p.Phase}, env.Time)
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *TaskStore) applyTokens(env *model.Envelope) {
	var p model.TokenUpdate
	if err := env.DecodePayload(&p); err != nil {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(id)
	if p.TotalTokens < st.Tokens.TotalTokens {
		s.mu.Unlock()
		s.counters.noteStale()
		return
	}
	st.Tokens = model.TokenTotals{
		InputTokens:         p.InputTokens,
		OutputTokens:        p.OutputTokens,
		CacheCreationTokens: p.CacheCreationTokens,
		CacheReadTokens:     p.CacheReadTokens,
		TotalTokens:         p.TotalTokens,
	}
	if p.Phase != "" {
		if st.Phases == nil {
			st.Phases = make(map[string]*model.PhaseState)
		}
		ph, ok := st.Phases[p.Phase]
		if !ok {
			ph = &model.PhaseState{Status: model.PhasePending, Iterations: 1}
			st.Phases[p.Phase] = ph
		}
		if p.TotalTokens >= ph.Tokens.TotalTokens {
			ph.Tokens = st.Tokens
		}
	}
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *TaskStore) applyActivity(env *model.Envelope) {
	var p model.ActivityUpdate
	if err := env.DecodePayload(&p); err != nil || p.Activity == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(id)
	if st.Activity == p.Activity {
		s.mu.Unlock()
		s.counters.noteNoOp()
		return
	}
	st.Activity = p.Activity
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *TaskStore) applyError(env *model.Envelope) {
	var p model.ErrorData
	if err := env.DecodePayload(&p); err != nil || p.Message == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(id)
	st.LastError = &model.TaskError{Phase: p.Phase, Message: p.Message, Fatal: p.Fatal}
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	if p.Fatal {
		s.mergeTaskLocked(&model.Task{ID: id, Status: model.StatusFailed, LastError: p.Message}, env.Time)
	}
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *TaskStore) applyWarning(env *model.Envelope) {
	var p model.WarningData
	if err := env.DecodePayload(&p); err != nil || p.Message == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(id)
	// A replayed identical warning must not inflate the count.
	if st.LastWarning != nil && st.LastWarning.Phase == p.Phase && st.LastWarning.Message == p.Message {
		s.mu.Unlock()
		s.counters.noteNoOp()
		return
	}
	st.LastWarning = &model.TaskError{Phase: p.Phase, Message: p.Message}
	st.Warnings++
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *TaskStore) applyFilesChanged(env *model.Envelope) {
	if env.Global() {
		return
	}
	var p model.FilesChanged
	if err := env.DecodePayload(&p); err != nil {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	st := s.ensureStateLocked(env.EntityID)
	if st.Additions == p.TotalAdditions && st.Deletions == p.TotalDeletions {
		s.mu.Unlock()
		s.counters.noteNoOp()
		return
	}
	st.Additions = p.TotalAdditions
	st.Deletions = p.TotalDeletions
	st.UpdatedAt = latestTime(st.UpdatedAt, env.Time)
	s.bumpLocked()
	s.mu.Unlock()
	s.counters.noteApplied()
}

// applyFinalize drives the task status sub-state-machine. running enters
// finalizing, completed attaches the result, failed attaches the error but
// stays retryable. A finalize event for an unknown task is a benign no-op:
// reconciliation will deliver the task with its current status.
func (s *TaskStore) applyFinalize(env *model.Envelope) {
	var p model.FinalizeUpdate
	if err := env.DecodePayload(&p); err != nil {
		s.counters.noteDropped()
		return
	}
	id := p.TaskID
	if id == "" {
		id = env.EntityID
	}
	eff := p.UpdatedAt
	if eff.IsZero() {
		eff = env.Time
	}

	s.mu.Lock()
	cur, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		s.counters.noteNoOp()
		return
	}

	changed := false
	switch p.Status {
	case model.FinalizePending, model.FinalizeRunning:
		if cur.Status != model.StatusFinalizing && model.CanTransition(cur.Status, model.StatusFinalizing) {
			cur.Status = model.StatusFinalizing
			cur.LastError = ""
			changed = true
		}
	case model.FinalizeCompleted:
		if cur.Status != model.StatusCompleted && model.CanTransition(cur.Status, model.StatusCompleted) {
			cur.Status = model.StatusCompleted
			changed = true
		}
		if p.Result != nil {
			if p.Result.CommitSHA != "" && cur.CommitSHA != p.Result.CommitSHA {
				cur.CommitSHA = p.Result.CommitSHA
				changed = true
			}
			if p.Result.TargetBranch != "" && cur.TargetBranch != p.Result.TargetBranch {
				cur.TargetBranch = p.Result.TargetBranch
				changed = true
			}
			if p.Result.RiskLevel != "" && cur.RiskLevel != p.Result.RiskLevel {
				cur.RiskLevel = p.Result.RiskLevel
				changed = true
			}
		}
		if cur.CompletedAt == nil {
			v := eff
			cur.CompletedAt = &v
			changed = true
		}
	case model.FinalizeFailed:
		if cur.Status != model.StatusFailed && model.CanTransition(cur.Status, model.StatusFailed) {
			cur.Status = model.StatusFailed
			changed = true
		}
		if p.Error != "" && cur.LastError != p.Error {
			cur.LastError = p.Error
			changed = true
		}
	default:
		s.mu.Unlock()
		s.counters.noteDropped()
		return
	}
	if changed {
		cur.UpdatedAt = latestTime(cur.UpdatedAt, eff)
		s.bumpLocked()
	}
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *TaskStore) applyComplete(env *model.Envelope) {
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}
	s.mu.Lock()
	changed := s.mergeTaskLocked(&model.Task{ID: id, Status: model.StatusCompleted}, env.Time)
	if changed {
		s.bumpLocked()
	}
	s.mu.Unlock()
	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *TaskStore) ensureStateLocked(id string) *model.TaskState {
	st, ok := s.states[id]
	if !ok {
		st = &model.TaskState{TaskID: id}
		s.states[id] = st
	}
	return st
}

// SnapshotMerge applies an authoritative task collection with the same
// merge semantics as the live reducers. Absence never deletes; recently
// deleted ids stay deleted for the tombstone window.
func (s *TaskStore) SnapshotMerge(tasks []model.Task, now time.Time) int {
	merged := 0
	s.mu.Lock()
	s.tombs.prune(now)
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			continue
		}
		if s.tombs.contains(t.ID, now) {
			s.counters.noteStale()
			continue
		}
		at := t.UpdatedAt
		if at.IsZero() {
			at = now
		}
		if s.mergeTaskLocked(&t, at) {
			merged++
		}
	}
	if merged > 0 {
		s.bumpLocked()
	}
	s.mu.Unlock()
	return merged
}

func (s *TaskStore) Get(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

func (s *TaskStore) State(id string) (model.TaskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return model.TaskState{}, false
	}
	return cloneTaskState(st), true
}

func (s *TaskStore) List() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *TaskStore) ByInitiative(initiativeID string) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.InitiativeID == initiativeID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *TaskStore) CountByStatus() map[model.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func cloneTaskState(st *model.TaskState) model.TaskState {
	out := *st
	if st.Phases != nil {
		out.Phases = make(map[string]*model.PhaseState, len(st.Phases))
		for name, ph := range st.Phases {
			v := *ph
			out.Phases[name] = &v
		}
	}
	if st.LastError != nil {
		v := *st.LastError
		out.LastError = &v
	}
	if st.LastWarning != nil {
		v := *st.LastWarning
		out.LastWarning = &v
	}
	return out
}
