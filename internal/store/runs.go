package store

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/security"
)

// RunStore tracks the per-task workflow run: run status mirrored from task
// events, per-phase records with attempt tracking, the finalize sub-flow,
// and a bounded transcript ring. Transcript lines are append-only in arrival
// order, never coalesced, and stored already redacted.
type RunStore struct {
	mu            sync.RWMutex
	version       uint64
	runs          map[string]*model.WorkflowRun
	tombs         *tombstones
	transcriptCap int

	counters counters
}

func newRunStore(opts Options) *RunStore {
	return &RunStore{
		runs:          make(map[string]*model.WorkflowRun),
		tombs:         newTombstones(opts.TombstoneWindow),
		transcriptCap: opts.TranscriptCap,
	}
}

func (s *RunStore) register(d *dispatch.Dispatcher) {
	d.Register(model.KindTaskCreated, s.applyTask)
	d.Register(model.KindTaskUpdated, s.applyTask)
	d.Register(model.KindTaskDeleted, s.applyTaskDeleted)
	d.Register(model.KindState, s.applyState)
	d.Register(model.KindPhase, s.applyPhase)
	d.Register(model.KindTranscript, s.applyTranscript)
	d.Register(model.KindFinalize, s.applyFinalize)
	d.Register(model.KindComplete, s.applyComplete)
	d.Register(model.KindError, s.applyError)
}

func (s *RunStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

var runRank = map[model.RunStatus]int{
	model.RunPending:   1,
	model.RunRunning:   2,
	model.RunCompleted: 3,
	model.RunFailed:    3,
	model.RunCancelled: 3,
}

func runStatusFor(st model.TaskStatus) model.RunStatus {
	switch st {
	case model.StatusCreated, model.StatusClassifying, model.StatusPlanned:
		return model.RunPending
	case model.StatusRunning, model.StatusPaused, model.StatusBlocked, model.StatusFinalizing:
		return model.RunRunning
	case model.StatusCompleted, model.StatusResolved:
		return model.RunCompleted
	case model.StatusFailed:
		return model.RunFailed
	default:
		return ""
	}
}

var finalizeRank = map[model.FinalizeStatus]int{
	model.FinalizePending:   1,
	model.FinalizeRunning:   2,
	model.FinalizeCompleted: 3,
	model.FinalizeFailed:    3,
}

func (s *RunStore) ensureRunLocked(taskID string, at time.Time) *model.WorkflowRun {
	run, ok := s.runs[taskID]
	if !ok {
		run = &model.WorkflowRun{
			TaskID:    taskID,
			Status:    model.RunPending,
			Attempt:   1,
			Phases:    make(map[string]*model.PhaseState),
			StartedAt: at,
			UpdatedAt: at,
		}
		s.runs[taskID] = run
		s.version++
	}
	return run
}

// setStatusLocked mirrors a run status with the same guard shape as task
// statuses: equal is a no-op, forward always applies, and of the terminal
// statuses only failed and cancelled re-enter running. A replayed running
// update never reopens a completed run.
func (s *RunStore) setStatusLocked(run *model.WorkflowRun, next model.RunStatus, at time.Time) bool {
	if next == "" || next == run.Status {
		return false
	}
	fr, tr := runRank[run.Status], runRank[next]
	if tr < fr {
		retryable := run.Status == model.RunFailed || run.Status == model.RunCancelled
		if !retryable || next != model.RunRunning {
			return false
		}
		run.Attempt++
	}
	run.Status = next
	run.UpdatedAt = latestTime(run.UpdatedAt, at)
	s.version++
	return true
}

func (s *RunStore) applyTask(env *model.Envelope) {
	var t model.Task
	if err := env.DecodePayload(&t); err != nil {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}

	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	changed := s.setStatusLocked(run, runStatusFor(t.Status), env.Time)
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *RunStore) applyState(env *model.Envelope) {
	var st model.TaskState
	if err := env.DecodePayload(&st); err != nil {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID || st.Status == "" {
		return
	}

	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	changed := s.setStatusLocked(run, runStatusFor(st.Status), env.Time)
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *RunStore) applyPhase(env *model.Envelope) {
	var p model.PhaseUpdate
	if err := env.DecodePayload(&p); err != nil || p.Phase == "" || p.Status == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}
	at := env.Time

	s.mu.Lock()
	run := s.ensureRunLocked(id, at)
	cur, ok := run.Phases[p.Phase]
	switch {
	case !ok:
		ph := &model.PhaseState{Status: p.Status, Iterations: 1, CommitSHA: p.CommitSHA, Error: p.Error}
		started := at
		ph.StartedAt = &started
		if phaseTerminal(p.Status) {
			completed := at
			ph.CompletedAt = &completed
		}
		run.Phases[p.Phase] = ph
	case model.PhaseRegressed(cur.Status, p.Status):
		s.mu.Unlock()
		s.counters.noteStale()
		return
	case phaseTerminal(cur.Status) && !phaseTerminal(p.Status):
		// The phase re-entered after finishing: a retry iteration.
		cur.Status = p.Status
		cur.Iterations++
		run.Attempt++
		started := at
		cur.StartedAt = &started
		cur.CompletedAt = nil
		cur.CommitSHA = ""
		cur.Error = ""
	default:
		cur.Status = p.Status
		if phaseTerminal(p.Status) && cur.CompletedAt == nil {
			completed := at
			cur.CompletedAt = &completed
		}
		if p.CommitSHA != "" {
			cur.CommitSHA = p.CommitSHA
		}
		if p.Error != "" {
			cur.Error = p.Error
		}
	}
	if !phaseTerminal(p.Status) && p.Status != model.PhasePending {
		s.setStatusLocked(run, model.RunRunning, at)
	}
	run.UpdatedAt = latestTime(run.UpdatedAt, at)
	s.version++
	s.mu.Unlock()
	s.counters.noteApplied()
}

func (s *RunStore) applyTranscript(env *model.Envelope) {
	var line model.TranscriptLine
	if err := env.DecodePayload(&line); err != nil || line.Content == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		s.counters.noteDropped()
		return
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = env.Time
	}
	// Lines are stored pre-masked so no read path can leak a secret.
	line.Content = security.Redact(line.Content)

	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	run.Transcript = append(run.Transcript, line)
	if over := len(run.Transcript) - s.transcriptCap; over > 0 {
		run.Transcript = append(run.Transcript[:0], run.Transcript[over:]...)
	}
	run.UpdatedAt = latestTime(run.UpdatedAt, env.Time)
	s.version++
	s.mu.Unlock()
	s.counters.noteApplied()
}

// applyFinalize advances the finalize sub-flow. Within one attempt the
// status only moves forward; a duplicate terminal report never reopens it,
// and only an explicit running report re-enters after a terminal status.
func (s *RunStore) applyFinalize(env *model.Envelope) {
	var p model.FinalizeUpdate
	if err := env.DecodePayload(&p); err != nil || p.Status == "" {
		s.counters.noteDropped()
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		id = p.TaskID
	}
	if id == "" {
		s.counters.noteDropped()
		return
	}
	at := p.UpdatedAt
	if at.IsZero() {
		at = env.Time
	}

	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	cur := run.Finalize
	if cur == nil {
		run.Finalize = &model.FinalizeProgress{
			Status:      p.Status,
			Step:        p.Step,
			Progress:    p.Progress,
			StepPercent: p.StepPercent,
			Error:       p.Error,
			Result:      p.Result,
			UpdatedAt:   at,
		}
		run.UpdatedAt = latestTime(run.UpdatedAt, at)
		s.version++
		s.mu.Unlock()
		s.counters.noteApplied()
		return
	}
	if at.Before(cur.UpdatedAt) {
		s.mu.Unlock()
		s.counters.noteStale()
		return
	}

	fr, tr := finalizeRank[cur.Status], finalizeRank[p.Status]
	switch {
	case p.Status == cur.Status:
		changed := false
		if p.Step != "" && p.Step != cur.Step {
			cur.Step = p.Step
			cur.StepPercent = p.StepPercent
			changed = true
		} else if p.StepPercent > cur.StepPercent {
			cur.StepPercent = p.StepPercent
			changed = true
		}
		if p.Progress > cur.Progress {
			cur.Progress = p.Progress
			changed = true
		}
		if p.Error != "" && p.Error != cur.Error {
			cur.Error = p.Error
			changed = true
		}
		if p.Result != nil && cur.Result == nil {
			cur.Result = p.Result
			changed = true
		}
		if !changed {
			s.mu.Unlock()
			s.counters.noteNoOp()
			return
		}
		cur.UpdatedAt = at
	case tr > fr:
		cur.Status = p.Status
		cur.Step = p.Step
		cur.StepPercent = p.StepPercent
		if p.Progress > cur.Progress || phaseFinalizeTerminal(p.Status) {
			cur.Progress = p.Progress
		}
		cur.Error = p.Error
		if p.Result != nil {
			cur.Result = p.Result
		}
		cur.UpdatedAt = at
	case fr == 3 && p.Status == model.FinalizeRunning:
		// Explicit re-entry resets the attempt.
		cur.Status = model.FinalizeRunning
		cur.Step = p.Step
		cur.Progress = p.Progress
		cur.StepPercent = p.StepPercent
		cur.Error = ""
		cur.Result = nil
		cur.UpdatedAt = at
	default:
		s.mu.Unlock()
		s.counters.noteStale()
		return
	}
	run.UpdatedAt = latestTime(run.UpdatedAt, at)
	s.version++
	s.mu.Unlock()
	s.counters.noteApplied()
}

func phaseFinalizeTerminal(st model.FinalizeStatus) bool {
	return st == model.FinalizeCompleted || st == model.FinalizeFailed
}

func (s *RunStore) applyComplete(env *model.Envelope) {
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}
	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	changed := s.setStatusLocked(run, model.RunCompleted, env.Time)
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *RunStore) applyError(env *model.Envelope) {
	var p model.ErrorData
	if err := env.DecodePayload(&p); err != nil || !p.Fatal {
		return
	}
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}
	s.mu.Lock()
	run := s.ensureRunLocked(id, env.Time)
	changed := s.setStatusLocked(run, model.RunFailed, env.Time)
	s.mu.Unlock()

	if changed {
		s.counters.noteApplied()
	} else {
		s.counters.noteNoOp()
	}
}

func (s *RunStore) applyTaskDeleted(env *model.Envelope) {
	id := env.EntityID
	if id == "" || id == model.GlobalEntityID {
		return
	}
	s.mu.Lock()
	_, ok := s.runs[id]
	if ok {
		delete(s.runs, id)
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

// MarkCancelled records a cancellation confirmed by the control API. The
// stream's task_updated for the same transition then lands as a no-op.
func (s *RunStore) MarkCancelled(taskID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok || runRank[run.Status] == 3 {
		return false
	}
	run.Status = model.RunCancelled
	run.UpdatedAt = latestTime(run.UpdatedAt, now)
	s.version++
	s.counters.noteApplied()
	return true
}

// SnapshotMerge seeds runs from the authoritative task list. Existing runs
// keep their transcript, phases, and finalize progress; only the mirrored
// status is advanced through the usual guard. Deleted tasks inside the
// tombstone window are skipped.
func (s *RunStore) SnapshotMerge(tasks []model.Task, now time.Time) int {
	merged := 0
	s.mu.Lock()
	s.tombs.prune(now)
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" || s.tombs.contains(t.ID, now) {
			continue
		}
		run, ok := s.runs[t.ID]
		if !ok {
			run = s.ensureRunLocked(t.ID, now)
			if t.StartedAt != nil {
				run.StartedAt = *t.StartedAt
			} else if !t.CreatedAt.IsZero() {
				run.StartedAt = t.CreatedAt
			}
			merged++
		}
		if s.setStatusLocked(run, runStatusFor(t.Status), now) {
			merged++
		}
	}
	s.mu.Unlock()
	return merged
}

func (s *RunStore) Get(taskID string) (model.WorkflowRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return model.WorkflowRun{}, false
	}
	return cloneRun(run), true
}

// Transcript returns a copy of the task's transcript ring, oldest first.
func (s *RunStore) Transcript(taskID string) []model.TranscriptLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok || len(run.Transcript) == 0 {
		return nil
	}
	out := make([]model.TranscriptLine, len(run.Transcript))
	copy(out, run.Transcript)
	return out
}

// TranscriptTail returns the newest n transcript lines, oldest first.
func (s *RunStore) TranscriptTail(taskID string, n int) []model.TranscriptLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok || len(run.Transcript) == 0 || n <= 0 {
		return nil
	}
	lines := run.Transcript
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]model.TranscriptLine, len(lines))
	copy(out, lines)
	return out
}

// List returns runs newest-started first.
func (s *RunStore) List() []model.WorkflowRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WorkflowRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (s *RunStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, run := range s.runs {
		if run.Status == model.RunPending || run.Status == model.RunRunning {
			n++
		}
	}
	return n
}

func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// cloneRun deep-copies a run minus the transcript, which has its own
// selectors.
func cloneRun(run *model.WorkflowRun) model.WorkflowRun {
	out := *run
	out.Transcript = nil
	if run.Phases != nil {
		out.Phases = make(map[string]*model.PhaseState, len(run.Phases))
		for name, ph := range run.Phases {
			cp := *ph
			out.Phases[name] = &cp
		}
	}
	if run.Finalize != nil {
		fz := *run.Finalize
		if run.Finalize.Result != nil {
			res := *run.Finalize.Result
			fz.Result = &res
		}
		out.Finalize = &fz
	}
	return out
}
