package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestListTasksFiltersByInitiative(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		if r.URL.Query().Get("initiative") != "init-1" {
			t.Fatalf("expected initiative=init-1 query, got %q", r.URL.Query().Get("initiative"))
		}
		_, _ = io.WriteString(w, `[{"id":"t-1","title":"Fix sync","status":"running","initiative_id":"init-1","created_at":"2026-02-10T09:00:00Z","updated_at":"2026-02-10T09:05:00Z"},{"id":"t-2","title":"Add cache","status":"completed","initiative_id":"init-1","created_at":"2026-02-10T08:00:00Z","updated_at":"2026-02-10T08:30:00Z"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	tasks, err := client.ListTasks(context.Background(), ListTasksOptions{Initiative: "init-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "t-1" || tasks[0].Status != "running" {
		t.Fatalf("unexpected first task: %+v", tasks[0])
	}
	if tasks[1].InitiativeID != "init-1" {
		t.Fatalf("expected initiative_id init-1, got %q", tasks[1].InitiativeID)
	}
}

func TestRequestCarriesIdentityHeaders(t *testing.T) {
	seen := make([]string, 0, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sek-123" {
			t.Fatalf("expected bearer token header, got %q", got)
		}
		if got := r.Header.Get("X-Client-ID"); got != "client-abc" {
			t.Fatalf("expected X-Client-ID client-abc, got %q", got)
		}
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			t.Fatalf("expected X-Request-ID to be set")
		}
		seen = append(seen, rid)
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL,
		WithHTTPClient(srv.Client()),
		WithToken("sek-123"),
		WithClientID("client-abc"),
	)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Fatalf("expected distinct request ids per call, got %+v", seen)
	}
}

func TestResolveDecisionPostsApproval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/decisions/d-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected json content type, got %q", got)
		}
		var req struct {
			Approved bool   `json:"approved"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode resolve body: %v", err)
		}
		if !req.Approved || req.Reason != "looks good" {
			t.Fatalf("unexpected resolve body: %+v", req)
		}
		_, _ = io.WriteString(w, `{"status":"resolved","decision_id":"d-1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	if err := client.ResolveDecision(context.Background(), "d-1", true, "looks good"); err != nil {
		t.Fatalf("resolve decision: %v", err)
	}
	if err := client.ResolveDecision(context.Background(), "", true, ""); err == nil {
		t.Fatalf("expected error for empty decision id")
	}
}

func TestTaskCommandsHitControlRoutes(t *testing.T) {
	hits := make(map[string]int)
	mux := http.NewServeMux()
	for _, action := range []string{"pause", "resume", "cancel"} {
		action := action
		mux.HandleFunc("/api/tasks/t-1/"+action, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Fatalf("expected POST for %s, got %s", action, r.Method)
			}
			hits[action]++
			_, _ = io.WriteString(w, `{"status":"`+action+`d","task_id":"t-1"}`)
		})
	}
	mux.HandleFunc("/api/session/pause", func(w http.ResponseWriter, r *http.Request) {
		hits["session-pause"]++
		_, _ = io.WriteString(w, `{"status":"paused"}`)
	})
	mux.HandleFunc("/api/session/resume", func(w http.ResponseWriter, r *http.Request) {
		hits["session-resume"]++
		_, _ = io.WriteString(w, `{"status":"resumed"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	if err := client.PauseTask(ctx, "t-1"); err != nil {
		t.Fatalf("pause task: %v", err)
	}
	if err := client.ResumeTask(ctx, "t-1"); err != nil {
		t.Fatalf("resume task: %v", err)
	}
	if err := client.CancelTask(ctx, "t-1"); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if err := client.PauseSession(ctx); err != nil {
		t.Fatalf("pause session: %v", err)
	}
	if err := client.ResumeSession(ctx); err != nil {
		t.Fatalf("resume session: %v", err)
	}
	for _, key := range []string{"pause", "resume", "cancel", "session-pause", "session-resume"} {
		if hits[key] != 1 {
			t.Fatalf("expected one hit for %s, got %d", key, hits[key])
		}
	}
	if err := client.PauseTask(ctx, " "); err == nil {
		t.Fatalf("expected error for empty task id")
	}
}

func TestGetTaskStateBackfillsTaskID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/t-9/state", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"running","current_phase":"implement","tokens":{"total_tokens":1200},"updated_at":"2026-02-10T09:00:00Z"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	state, err := client.GetTaskState(context.Background(), "t-9")
	if err != nil {
		t.Fatalf("get task state: %v", err)
	}
	if state.TaskID != "t-9" {
		t.Fatalf("expected task id backfilled to t-9, got %q", state.TaskID)
	}
	if state.CurrentPhase != "implement" || state.Tokens.TotalTokens != 1200 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestSessionStatsDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"duration_seconds":1800,"total_tokens":90000,"input_tokens":60000,"output_tokens":30000,"estimated_cost_usd":3.5,"tasks_running":2,"is_paused":true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	stats, err := client.SessionStats(context.Background())
	if err != nil {
		t.Fatalf("session stats: %v", err)
	}
	if stats.TotalTokens != 90000 || stats.TasksRunning != 2 || !stats.IsPaused {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestErrorBodiesDecodeBothShapes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/flat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"task not found: flat"}`)
	})
	mux.HandleFunc("/api/tasks/coded", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"TASK_BLOCKED","what":"task is blocked","why":"waiting on t-2"}`)
	})
	mux.HandleFunc("/api/tasks/raw", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `upstream unavailable`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	_, err := client.GetTask(ctx, "flat")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Message != "task not found: flat" {
		t.Fatalf("unexpected flat error: %+v", reqErr)
	}
	if reqErr.Retryable() {
		t.Fatalf("404 should not be retryable")
	}

	_, err = client.GetTask(ctx, "coded")
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "TASK_BLOCKED" || reqErr.Message != "task is blocked: waiting on t-2" {
		t.Fatalf("unexpected coded error: %+v", reqErr)
	}

	_, err = client.GetTask(ctx, "raw")
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_503" || reqErr.Message != "upstream unavailable" {
		t.Fatalf("unexpected raw error: %+v", reqErr)
	}
	if !reqErr.Retryable() {
		t.Fatalf("503 should be retryable")
	}
}

func TestUnaryTimeoutBoundsSlowCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, WithHTTPClient(srv.Client()), WithUnaryTimeout(50*time.Millisecond))
	start := time.Now()
	err := client.Health(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("unary timeout did not bound the call")
	}
}
