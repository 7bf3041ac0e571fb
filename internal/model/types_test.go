package model

import "testing"

func TestCanTransitionForward(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusRunning, StatusFinalizing, true},
		{StatusFinalizing, StatusCompleted, true},
		{StatusCreated, StatusCompleted, true},
		{StatusRunning, StatusCreated, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCreated, false},
		{StatusResolved, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionPauseResume(t *testing.T) {
	if !CanTransition(StatusRunning, StatusPaused) {
		t.Fatalf("expected running -> paused allowed")
	}
	if !CanTransition(StatusPaused, StatusRunning) {
		t.Fatalf("expected paused -> running allowed")
	}
	if !CanTransition(StatusRunning, StatusBlocked) {
		t.Fatalf("expected running -> blocked allowed")
	}
	if !CanTransition(StatusBlocked, StatusRunning) {
		t.Fatalf("expected blocked -> running allowed")
	}
}

func TestCanTransitionRetryPaths(t *testing.T) {
	if !CanTransition(StatusFailed, StatusRunning) {
		t.Fatalf("expected failed -> running retry allowed")
	}
	if !CanTransition(StatusFailed, StatusFinalizing) {
		t.Fatalf("expected failed -> finalizing retry allowed")
	}
	if !CanTransition(StatusCompleted, StatusFinalizing) {
		t.Fatalf("expected completed -> finalizing re-run allowed")
	}
	if CanTransition(StatusCompleted, StatusPlanned) {
		t.Fatalf("expected completed -> planned rejected")
	}
}

func TestCanTransitionUnknownStatusPasses(t *testing.T) {
	if !CanTransition(StatusRunning, TaskStatus("experimental")) {
		t.Fatalf("expected unknown target status to pass through")
	}
}

func TestPhaseRegressed(t *testing.T) {
	if PhaseRegressed(PhaseCompleted, PhaseRunning) {
		t.Fatalf("running after a terminal phase is a new iteration, not a regression")
	}
	if !PhaseRegressed(PhaseRunning, PhasePending) {
		t.Fatalf("expected running -> pending to regress")
	}
	if PhaseRegressed(PhasePending, PhaseRunning) {
		t.Fatalf("expected pending -> running forward")
	}
	if PhaseRegressed(PhaseStarted, PhaseRunning) {
		t.Fatalf("started and running share a rank")
	}
}

func TestNormalizeKind(t *testing.T) {
	kind, known := NormalizeKind(kindSessionMetrics)
	if !known || kind != KindSessionUpdate {
		t.Fatalf("expected session_metrics alias to normalize, got %s known=%v", kind, known)
	}
	if _, known := NormalizeKind(EventKind("mystery")); known {
		t.Fatalf("expected mystery kind unknown")
	}
	if _, known := NormalizeKind(KindFinalize); !known {
		t.Fatalf("expected finalize known")
	}
}
