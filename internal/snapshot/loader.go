// Package snapshot reconciles the stores against the orchestrator's REST
// state: a full fetch of tasks, decisions, initiatives, and session stats,
// merged through the same guarded entry points the live reducers use.
// Fetches run concurrently off the apply loop; only the merges are handed
// to it.
package snapshot

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/agtdeck/internal/apiclient"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/store"
)

// Applier schedules fn onto the goroutine that owns store mutation. It
// returns an error only when that goroutine is gone.
type Applier func(fn func()) error

type Loader struct {
	api   *apiclient.Client
	store *store.Store
	apply Applier

	mu          sync.Mutex
	lastAttempt time.Time
	lastSuccess time.Time
	loads       uint64
	failures    uint64
}

func New(api *apiclient.Client, st *store.Store, apply Applier) *Loader {
	if apply == nil {
		apply = func(fn func()) error {
			fn()
			return nil
		}
	}
	return &Loader{api: api, store: st, apply: apply}
}

// Load fetches all collections concurrently and merges each as it lands.
// A failed fetch fails the load, but merges from the collections that did
// arrive stand; the merge entry points are idempotent, so a re-run after a
// partial failure converges.
func (l *Loader) Load(ctx context.Context) error {
	now := time.Now()
	l.mu.Lock()
	l.lastAttempt = now
	l.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		tasks, err := l.api.ListTasks(ctx, apiclient.ListTasksOptions{})
		if err != nil {
			return err
		}
		return l.apply(func() {
			l.store.Tasks.SnapshotMerge(tasks, now)
			l.store.Runs.SnapshotMerge(tasks, now)
		})
	})
	g.Go(func() error {
		decisions, err := l.api.ListDecisions(ctx)
		if err != nil {
			return err
		}
		return l.apply(func() {
			l.store.Decisions.SnapshotMerge(decisions, now)
		})
	})
	g.Go(func() error {
		initiatives, err := l.api.ListInitiatives(ctx)
		if err != nil {
			return err
		}
		return l.apply(func() {
			l.store.Initiatives.SnapshotMerge(initiatives, now)
		})
	})
	g.Go(func() error {
		session, err := l.api.SessionStats(ctx)
		if err != nil {
			return err
		}
		return l.apply(func() {
			l.store.Metrics.SnapshotMerge(session, now)
		})
	})

	err := g.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if err != nil {
		l.failures++
		return err
	}
	l.lastSuccess = time.Now()
	return nil
}

// LoadTask refreshes one task's detail: the task row and its execution
// state. Used when a consumer drills into a task that only arrived via the
// collection snapshot.
func (l *Loader) LoadTask(ctx context.Context, taskID string) error {
	now := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		task, err := l.api.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return l.apply(func() {
			l.store.Tasks.SnapshotMerge([]model.Task{task}, now)
			l.store.Runs.SnapshotMerge([]model.Task{task}, now)
		})
	})
	g.Go(func() error {
		state, err := l.api.GetTaskState(ctx, taskID)
		if err != nil {
			// Queued tasks have no execution state yet.
			var re *apiclient.RequestError
			if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
				return nil
			}
			return err
		}
		return l.apply(func() {
			l.store.Tasks.MergeState(state, now)
		})
	})
	return g.Wait()
}

// Stats is a point-in-time report of reconciliation activity.
type Stats struct {
	LastAttempt time.Time
	LastSuccess time.Time
	Loads       uint64
	Failures    uint64
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		LastAttempt: l.lastAttempt,
		LastSuccess: l.lastSuccess,
		Loads:       l.loads,
		Failures:    l.failures,
	}
}
