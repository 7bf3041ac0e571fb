package view

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/store"
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

func fixture(t *testing.T) (*View, *dispatch.Dispatcher) {
	st := store.New(store.Options{})
	d := dispatch.New()
	st.RegisterAll(d)
	return New(st), d
}

func TestDashboardOrdersByAttention(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindTaskCreated, "done", model.Task{ID: "done", Title: "shipped", Status: model.StatusCompleted, UpdatedAt: t0}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "run", model.Task{ID: "run", Title: "active", Status: model.StatusRunning, UpdatedAt: t0}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "gate", model.Task{ID: "gate", Title: "needs answer", Status: model.StatusRunning, UpdatedAt: t0}, t0))
	d.Dispatch(env(t, model.KindDecisionRequired, "gate", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "approve?"}, t0.Add(time.Second)))

	dash := v.Dashboard()
	if len(dash.Tasks) != 3 {
		t.Fatalf("expected three rows, got %d", len(dash.Tasks))
	}
	if dash.Tasks[0].Task.ID != "gate" || dash.Tasks[0].Category != CategoryAttention {
		t.Fatalf("expected gated task first, got %+v", dash.Tasks[0])
	}
	if dash.Tasks[1].Task.ID != "run" || dash.Tasks[2].Task.ID != "done" {
		t.Fatalf("expected running before done, got %s then %s", dash.Tasks[1].Task.ID, dash.Tasks[2].Task.ID)
	}
	if dash.Summary.NeedsAttention != 1 || dash.Summary.PendingDecisions != 1 {
		t.Fatalf("expected attention summary, got %+v", dash.Summary)
	}
}

func TestDashboardMemoizedUntilChange(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1", Status: model.StatusRunning}, t0))

	first := v.Dashboard()
	second := v.Dashboard()
	if !first.GeneratedAt.Equal(second.GeneratedAt) || first.Version != second.Version {
		t.Fatalf("expected cached projection, got %v vs %v", first.GeneratedAt, second.GeneratedAt)
	}

	d.Dispatch(env(t, model.KindActivity, "t1", model.ActivityUpdate{Activity: model.ActivityStreaming}, t0.Add(time.Second)))
	third := v.Dashboard()
	if third.Version == first.Version {
		t.Fatalf("expected rebuild after store change")
	}
	if len(third.Tasks) != 1 || third.Tasks[0].Activity != model.ActivityStreaming {
		t.Fatalf("expected refreshed activity, got %+v", third.Tasks)
	}
}

func TestAttentionListsGatesOldestFirst(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindTaskCreated, "a", model.Task{ID: "a", Title: "alpha", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "b", model.Task{ID: "b", Title: "beta", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindDecisionRequired, "b", model.DecisionRequired{DecisionID: "d2", Phase: "plan", Question: "later"}, t0.Add(time.Minute)))
	d.Dispatch(env(t, model.KindDecisionRequired, "a", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "earlier"}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "c", model.Task{ID: "c", Title: "gamma", Status: model.StatusBlocked, UpdatedAt: t0.Add(2 * time.Minute)}, t0.Add(2*time.Minute)))

	dash := v.Dashboard()
	if len(dash.Attention) != 3 {
		t.Fatalf("expected three attention items, got %+v", dash.Attention)
	}
	if dash.Attention[0].TaskID != "a" || dash.Attention[1].TaskID != "b" {
		t.Fatalf("expected gates oldest first, got %+v", dash.Attention)
	}
	if dash.Attention[2].TaskID != "c" || dash.Attention[2].Decision != nil {
		t.Fatalf("expected blocked task after gates, got %+v", dash.Attention[2])
	}
}

func TestPointedSelectors(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1", InitiativeID: "init-1", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "t2", model.Task{ID: "t2", InitiativeID: "init-1", Status: model.StatusCompleted}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "t3", model.Task{ID: "t3", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindDecisionRequired, "t1", model.DecisionRequired{DecisionID: "d1", Phase: "plan", Question: "go?"}, t0))
	d.Dispatch(env(t, model.KindFinalize, "t1", model.FinalizeUpdate{Status: model.FinalizeRunning, Step: "sync", Progress: 30}, t0.Add(time.Second)))

	if !v.HasPendingDecision("t1") || v.HasPendingDecision("t2") {
		t.Fatalf("expected pending decision only on t1")
	}
	if got := v.ActiveRunningCount(); got != 2 {
		t.Fatalf("expected running and finalizing counted, got %d", got)
	}
	if !v.IsFinalizing("t1") {
		t.Fatalf("expected t1 finalizing")
	}
	fz, ok := v.FinalizeProgress("t1")
	if !ok || fz.Step != "sync" || fz.Progress != 30 {
		t.Fatalf("expected finalize progress, got %+v ok=%v", fz, ok)
	}

	p := v.InitiativeProgress("init-1")
	if p.Total != 2 || p.Completed != 1 || p.Running != 1 || p.Fraction != 0.5 {
		t.Fatalf("expected 2/1/1 at 0.5, got %+v", p)
	}
}

func TestBurnRateFromSessionMetrics(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindSessionUpdate, "*", model.SessionUpdate{
		DurationSeconds:  1800,
		TotalTokens:      90000,
		EstimatedCostUSD: 3,
	}, t0))

	br := v.BurnRate()
	if br.TokensPerMinute != 3000 {
		t.Fatalf("expected 3000 tokens/min, got %v", br.TokensPerMinute)
	}
	if br.CostPerHour != 6 {
		t.Fatalf("expected 6 USD/hour, got %v", br.CostPerHour)
	}
}

func TestStaleNeedsDisconnectAndSilence(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindHeartbeat, "*", nil, t0))

	connected := true
	v.BindConnected(func() bool { return connected })

	if v.Stale(t0.Add(10 * time.Minute)) {
		t.Fatalf("expected connected stream to never be stale")
	}
	connected = false
	if v.Stale(t0.Add(30 * time.Second)) {
		t.Fatalf("expected recent heartbeat to keep data fresh")
	}
	if !v.Stale(t0.Add(10 * time.Minute)) {
		t.Fatalf("expected stale after silence while disconnected")
	}
}

func TestInitiativeRollup(t *testing.T) {
	v, d := fixture(t)

	d.Dispatch(env(t, model.KindInitiativeCreated, "init-1", model.Initiative{ID: "init-1", Title: "auth"}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "t1", model.Task{ID: "t1", InitiativeID: "init-1", Status: model.StatusRunning}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "t2", model.Task{ID: "t2", InitiativeID: "init-1", Status: model.StatusCompleted}, t0))
	d.Dispatch(env(t, model.KindTaskCreated, "t3", model.Task{ID: "t3", Status: model.StatusRunning}, t0))

	dash := v.Dashboard()
	if len(dash.Initiatives) != 1 {
		t.Fatalf("expected one initiative row, got %+v", dash.Initiatives)
	}
	row := dash.Initiatives[0]
	if row.TaskCount != 2 || row.Running != 1 || row.Done != 1 {
		t.Fatalf("expected rollup 2/1/1, got %+v", row)
	}
}
