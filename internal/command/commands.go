// Package command issues control operations against the orchestrator.
// Commands never mutate a store on submission or on failure; the decision
// resolving marker is the one documented exception. Convergence happens
// through the confirming stream event, or by applying the acknowledged fact
// on the apply loop when the response carries it.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/apiclient"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/store"
)

// ErrCommandInFlight reports a duplicate submission while the same command
// for the same entity is still outstanding.
var ErrCommandInFlight = errors.New("command already in flight")

const (
	actionResolve = "resolve"
	actionCancel  = "cancel"
	actionPause   = "pause"
	actionResume  = "resume"
)

type inflightKey struct {
	action string
	entity string
}

// Executor runs commands with at most one outstanding call per
// (action, entity). Session-wide operations use the global entity id.
type Executor struct {
	api   *apiclient.Client
	store *store.Store
	apply func(fn func()) error

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
}

func New(api *apiclient.Client, st *store.Store, apply func(fn func()) error) *Executor {
	if apply == nil {
		apply = func(fn func()) error {
			fn()
			return nil
		}
	}
	return &Executor{
		api:      api,
		store:    st,
		apply:    apply,
		inflight: make(map[inflightKey]struct{}),
	}
}

// ResolveDecision approves or rejects a pending gate. The local entry is
// marked resolving for the duration; on success the acknowledged resolution
// is applied directly and the later decision_resolved event lands as a
// no-op. On failure the entry stays pending and the error surfaces.
func (e *Executor) ResolveDecision(ctx context.Context, decisionID string, approved bool, reason string) error {
	id := strings.TrimSpace(decisionID)
	if id == "" {
		return fmt.Errorf("decision id is required")
	}
	if err := e.begin(actionResolve, id); err != nil {
		return err
	}
	defer e.end(actionResolve, id)

	if err := e.apply(func() { e.store.Decisions.SetResolving(id, true) }); err != nil {
		return err
	}
	if err := e.api.ResolveDecision(ctx, id, approved, reason); err != nil {
		_ = e.apply(func() { e.store.Decisions.SetResolving(id, false) })
		return err
	}
	return e.apply(func() { e.store.Decisions.ResolveLocal(id, time.Now()) })
}

// CancelRun requests cancellation of a task's run. The task's status moves
// only on the confirming event; the run facet records the acknowledged
// cancellation so the later task event lands as a no-op.
func (e *Executor) CancelRun(ctx context.Context, taskID string) error {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if err := e.begin(actionCancel, id); err != nil {
		return err
	}
	defer e.end(actionCancel, id)

	if err := e.api.CancelTask(ctx, id); err != nil {
		return err
	}
	return e.apply(func() { e.store.Runs.MarkCancelled(id, time.Now()) })
}

// PauseTask suspends one task. No local mutation: the confirming
// task_updated flips the status.
func (e *Executor) PauseTask(ctx context.Context, taskID string) error {
	return e.taskControl(ctx, taskID, actionPause, e.api.PauseTask)
}

// ResumeTask resumes one task.
func (e *Executor) ResumeTask(ctx context.Context, taskID string) error {
	return e.taskControl(ctx, taskID, actionResume, e.api.ResumeTask)
}

// PauseSession suspends the whole session. is_paused flips only via the
// confirming session_update.
func (e *Executor) PauseSession(ctx context.Context) error {
	if err := e.begin(actionPause, model.GlobalEntityID); err != nil {
		return err
	}
	defer e.end(actionPause, model.GlobalEntityID)
	return e.api.PauseSession(ctx)
}

// ResumeSession resumes the whole session.
func (e *Executor) ResumeSession(ctx context.Context) error {
	if err := e.begin(actionResume, model.GlobalEntityID); err != nil {
		return err
	}
	defer e.end(actionResume, model.GlobalEntityID)
	return e.api.ResumeSession(ctx)
}

func (e *Executor) taskControl(ctx context.Context, taskID, action string, call func(context.Context, string) error) error {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if err := e.begin(action, id); err != nil {
		return err
	}
	defer e.end(action, id)
	return call(ctx, id)
}

func (e *Executor) begin(action, entity string) error {
	key := inflightKey{action: action, entity: entity}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[key]; ok {
		return fmt.Errorf("%s %s: %w", action, entity, ErrCommandInFlight)
	}
	e.inflight[key] = struct{}{}
	return nil
}

func (e *Executor) end(action, entity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, inflightKey{action: action, entity: entity})
}
