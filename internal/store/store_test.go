package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
)

var t0 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func env(t *testing.T, kind model.EventKind, entityID string, payload any, at time.Time) *model.Envelope {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	return &model.Envelope{Kind: kind, EntityID: entityID, Payload: raw, Time: at, ReceivedAt: at}
}

func TestTaskDeletedCascades(t *testing.T) {
	st := New(Options{})
	d := dispatch.New()
	st.RegisterAll(d)

	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1", Title: "build", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindTranscript, "t1", model.TranscriptLine{Content: "hello"}, t0.Add(time.Second)))
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0.Add(2*time.Second)))

	if st.Tasks.Len() != 1 || st.Runs.Len() != 1 || st.Decisions.Count() != 1 {
		t.Fatalf("expected task, run and decision before delete, got %d/%d/%d",
			st.Tasks.Len(), st.Runs.Len(), st.Decisions.Count())
	}

	d.Dispatch(env(t, model.KindTaskDeleted, "t1", nil, t0.Add(3*time.Second)))

	if st.Tasks.Len() != 0 {
		t.Fatalf("expected task removed, got %d", st.Tasks.Len())
	}
	if st.Runs.Len() != 0 {
		t.Fatalf("expected run removed, got %d", st.Runs.Len())
	}
	if st.Decisions.Count() != 0 {
		t.Fatalf("expected decisions removed, got %d", st.Decisions.Count())
	}
}

func TestVersionMovesOnAnyStoreChange(t *testing.T) {
	st := New(Options{})
	d := dispatch.New()
	st.RegisterAll(d)

	v0 := st.Version()
	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1"}, t0))
	v1 := st.Version()
	if v1 == v0 {
		t.Fatalf("expected version to move after task create")
	}
	d.Dispatch(env(t, model.KindSessionUpdate, "*", model.SessionUpdate{TotalTokens: 10}, t0))
	if st.Version() == v1 {
		t.Fatalf("expected version to move after session update")
	}
}

func TestNotifyIfChangedFiresOncePerChange(t *testing.T) {
	st := New(Options{})
	d := dispatch.New()
	st.RegisterAll(d)

	fired := 0
	unsub := st.Subscribe(func() { fired++ })
	defer unsub()

	seen := st.NotifyIfChanged(0)
	if fired != 1 {
		t.Fatalf("expected initial notify, fired=%d", fired)
	}
	seen = st.NotifyIfChanged(seen)
	if fired != 1 {
		t.Fatalf("expected no notify without change, fired=%d", fired)
	}

	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1"}, t0))
	seen = st.NotifyIfChanged(seen)
	if fired != 2 {
		t.Fatalf("expected notify after change, fired=%d", fired)
	}
	if got := st.NotifyIfChanged(seen); got != seen {
		t.Fatalf("expected stable version, got %d want %d", got, seen)
	}
}

func TestStatsAggregatesReducerOutcomes(t *testing.T) {
	st := New(Options{})
	d := dispatch.New()
	st.RegisterAll(d)

	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1", Status: model.StatusRunning}, t0))
	// Older update drops as stale in the task store.
	d.Dispatch(env(t, model.KindTaskUpdated, "t1", model.Task{ID: "t1", Title: "late", UpdatedAt: t0.Add(-time.Hour)}, t0))

	stats := st.Stats()
	if stats.Applied == 0 {
		t.Fatalf("expected applied > 0, got %+v", stats)
	}
	if stats.Stale == 0 {
		t.Fatalf("expected stale > 0, got %+v", stats)
	}
}

func TestTombstoneExpiresAfterWindow(t *testing.T) {
	tb := newTombstones(time.Minute)
	tb.add("t1", t0)
	if !tb.contains("t1", t0.Add(30*time.Second)) {
		t.Fatalf("expected tombstone inside window")
	}
	if tb.contains("t1", t0.Add(2*time.Minute)) {
		t.Fatalf("expected tombstone expired outside window")
	}
}
