package store

import (
	"testing"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

func newDecisionFixture() (*DecisionStore, *dispatch.Dispatcher) {
	st := New(Options{})
	d := dispatch.New()
	st.RegisterAll(d)
	return st.Decisions, d
}

func TestDecisionPairReplacedAtomically(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "approve plan?"}, t0))
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d2", Phase: "plan", Question: "approve revised plan?"}, t0.Add(time.Minute)))

	if n := ds.Count(); n != 1 {
		t.Fatalf("expected one pending decision per task and phase, got %d", n)
	}
	if _, ok := ds.Get("d1"); ok {
		t.Fatalf("expected superseded decision removed")
	}
	got, ok := ds.Get("d2")
	if !ok || got.Question != "approve revised plan?" {
		t.Fatalf("expected replacement decision, got %+v", got)
	}
}

func TestDecisionReplayRefreshesWithoutDuplicate(t *testing.T) {
	ds, d := newDecisionFixture()

	e := env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0)
	d.Dispatch(e)
	first, _ := ds.Get("d1")
	d.Dispatch(e)

	if n := ds.Count(); n != 1 {
		t.Fatalf("expected replay to keep one entry, got %d", n)
	}
	second, _ := ds.Get("d1")
	if !second.RequestedAt.Equal(first.RequestedAt) {
		t.Fatalf("expected original request time kept, got %v then %v", first.RequestedAt, second.RequestedAt)
	}
}

func TestDecisionResolvedRemovesAndBlocksReplay(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))
	d.Dispatch(env(t, model.KindDecisionResolved, "t1", model.DecisionResolved{DecisionID: "d1", Approved: true}, t0.Add(time.Second)))

	if n := ds.Count(); n != 0 {
		t.Fatalf("expected decision removed, got %d", n)
	}

	// The same decision_required replayed after resolution must not
	// resurrect the gate.
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0.Add(2*time.Second)))
	if n := ds.Count(); n != 0 {
		t.Fatalf("expected resolved gate to stay closed, got %d", n)
	}
}

func TestResolvedForUnknownDecisionIsSilent(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionResolved, "t1", model.DecisionResolved{DecisionID: "never-seen"}, t0))
	if n := ds.Count(); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}

	// The unseen resolution is still remembered: a late required event for
	// it does not open a stale gate.
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "never-seen", Phase: "plan", Question: "stale?"}, t0.Add(time.Second)))
	if n := ds.Count(); n != 0 {
		t.Fatalf("expected reordered required event dropped, got %d", n)
	}
}

func TestResolveLocalConvergesWithEvent(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))

	if !ds.ResolveLocal("d1", t0.Add(time.Second)) {
		t.Fatalf("expected local resolution to find the entry")
	}
	if n := ds.Count(); n != 0 {
		t.Fatalf("expected entry removed, got %d", n)
	}

	// The stream's confirmation lands afterwards as a no-op.
	d.Dispatch(env(t, model.KindDecisionResolved, "t1", model.DecisionResolved{DecisionID: "d1", Approved: true}, t0.Add(2*time.Second)))
	if n := ds.Count(); n != 0 {
		t.Fatalf("expected still empty after stream confirmation, got %d", n)
	}
}

func TestSetResolvingMarksEntry(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))

	if !ds.SetResolving("d1", true) {
		t.Fatalf("expected entry found")
	}
	got, _ := ds.Get("d1")
	if !got.Resolving {
		t.Fatalf("expected resolving marker set, got %+v", got)
	}
	if ds.SetResolving("ghost", true) {
		t.Fatalf("expected unknown id to report false")
	}
}

func TestDecisionSnapshotSkipsResolved(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))
	ds.ResolveLocal("d1", t0.Add(time.Second))

	// A snapshot fetched before the resolution still lists the gate.
	merged := ds.SnapshotMerge([]model.PendingDecision{
		{ID: "d1", TaskID: "t1", Phase: "plan", Question: "go?", RequestedAt: t0},
	}, t0.Add(2*time.Second))
	if merged != 0 || ds.Count() != 0 {
		t.Fatalf("expected resolved gate skipped, merged=%d count=%d", merged, ds.Count())
	}
}

func TestDecisionSnapshotYieldsToNewerGate(t *testing.T) {
	ds, d := newDecisionFixture()

	// The stream already delivered a fresher gate for the same pair.
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d2", Phase: "plan", Question: "revised?"}, t0.Add(time.Minute)))

	ds.SnapshotMerge([]model.PendingDecision{
		{ID: "d1", TaskID: "t1", Phase: "plan", Question: "original?", RequestedAt: t0},
	}, t0.Add(2*time.Minute))

	if n := ds.Count(); n != 1 {
		t.Fatalf("expected one gate for the pair, got %d", n)
	}
	if _, ok := ds.Get("d2"); !ok {
		t.Fatalf("expected newer gate kept")
	}
}

func TestDecisionsOrderedOldestFirst(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t2", model.DecisionRequired{DecisionID: "d2", Phase: "plan", Question: "b"}, t0.Add(time.Minute)))
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "a"}, t0))

	all := ds.All()
	if len(all) != 2 || all[0].ID != "d1" || all[1].ID != "d2" {
		t.Fatalf("expected oldest first, got %+v", all)
	}
}

func TestDecisionRemovedWithTask(t *testing.T) {
	ds, d := newDecisionFixture()

	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))
	d.Dispatch(env(t, model.KindDecisionRequired, "t2", model.DecisionRequired{DecisionID: "d2", Phase: "plan", Question: "go?"}, t0))
	d.Dispatch(env(t, model.KindTaskDeleted, "t1", nil, t0.Add(time.Second)))

	if ds.HasForTask("t1") {
		t.Fatalf("expected decisions for deleted task removed")
	}
	if !ds.HasForTask("t2") {
		t.Fatalf("expected other task's decision kept")
	}
}
