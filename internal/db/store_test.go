package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := OpenOrRecreate(ctx, filepath.Join(t.TempDir(), "agtdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func TestJournalEventsRoundTrip(t *testing.T) {
	store, ctx := openStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	entries := []JournalEntry{
		{ID: "e-1", Kind: "task_updated", EntityID: "t-1", Payload: `{"status":"running"}`, At: base, ReceivedAt: base},
		{ID: "e-2", Kind: "tokens", EntityID: "t-1", Payload: `{"total_tokens":10}`, At: base.Add(time.Second), ReceivedAt: base.Add(time.Second)},
		{ID: "e-3", Kind: "task_updated", EntityID: "t-2", ReceivedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	if err := store.AppendEvent(ctx, JournalEntry{Kind: "task_updated"}); err == nil {
		t.Fatalf("expected append without id to be rejected")
	}

	recent, err := store.RecentEvents(ctx, 2, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "e-3" || recent[1].ID != "e-2" {
		t.Fatalf("expected newest-first [e-3 e-2], got %+v", recent)
	}
	if !recent[0].At.IsZero() {
		t.Fatalf("expected zero event time for notice-style entry, got %v", recent[0].At)
	}
	if !recent[1].At.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected event time: %v", recent[1].At)
	}

	byKind, err := store.RecentEvents(ctx, 10, "task_updated")
	if err != nil {
		t.Fatalf("recent by kind: %v", err)
	}
	if len(byKind) != 2 || byKind[0].ID != "e-3" || byKind[1].ID != "e-1" {
		t.Fatalf("unexpected kind filter result: %+v", byKind)
	}

	count, err := store.CountEvents(ctx)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 events, got %d", count)
	}

	pruned, err := store.PruneEvents(ctx, 1)
	if err != nil {
		t.Fatalf("prune events: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", pruned)
	}
	remaining, err := store.RecentEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "e-3" {
		t.Fatalf("expected only newest entry to survive, got %+v", remaining)
	}
}

func TestPruneKeepsTableWhenUnderBound(t *testing.T) {
	store, ctx := openStore(t)
	for i := 0; i < 3; i++ {
		if err := store.AppendEvent(ctx, JournalEntry{ID: fmt.Sprintf("e-%d", i), Kind: "activity", EntityID: "t-1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	pruned, err := store.PruneEvents(ctx, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("expected no rows pruned under bound, got %d", pruned)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	store, ctx := openStore(t)

	if _, err := store.LoadPref(ctx, "sidebar"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing pref, got %v", err)
	}

	if err := store.SavePref(ctx, "sidebar", "collapsed"); err != nil {
		t.Fatalf("save pref: %v", err)
	}
	if err := store.SavePref(ctx, "filter.status", "running"); err != nil {
		t.Fatalf("save second pref: %v", err)
	}
	got, err := store.LoadPref(ctx, "sidebar")
	if err != nil {
		t.Fatalf("load pref: %v", err)
	}
	if got != "collapsed" {
		t.Fatalf("expected collapsed, got %q", got)
	}

	if err := store.SavePref(ctx, "sidebar", "expanded"); err != nil {
		t.Fatalf("overwrite pref: %v", err)
	}
	got, err = store.LoadPref(ctx, "sidebar")
	if err != nil {
		t.Fatalf("reload pref: %v", err)
	}
	if got != "expanded" {
		t.Fatalf("expected overwrite to win, got %q", got)
	}

	prefs, err := store.ListPrefs(ctx)
	if err != nil {
		t.Fatalf("list prefs: %v", err)
	}
	if len(prefs) != 2 || prefs[0].Key != "filter.status" || prefs[1].Key != "sidebar" {
		t.Fatalf("expected sorted keys [filter.status sidebar], got %+v", prefs)
	}

	if err := store.SavePref(ctx, "  ", "x"); err == nil {
		t.Fatalf("expected blank key rejection")
	}
}

func TestOpenOrRecreateReplacesCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agtdeck.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	store, err := OpenOrRecreate(ctx, path)
	if err != nil {
		t.Fatalf("expected corrupt db to be recreated: %v", err)
	}
	defer store.Close() //nolint:errcheck

	if err := store.SavePref(ctx, "client_id", "abc"); err != nil {
		t.Fatalf("save pref on recreated db: %v", err)
	}
	got, err := store.LoadPref(ctx, "client_id")
	if err != nil || got != "abc" {
		t.Fatalf("expected recreated db to work, got %q err %v", got, err)
	}
}
