package db

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJournalWriterAppendsAndPrunes(t *testing.T) {
	store, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := NewJournal(store, JournalOptions{Keep: 5, Buffer: 64})
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx) //nolint:errcheck
	}()

	for i := 0; i < 10; i++ {
		j.Record(JournalEntry{Kind: "task_updated", EntityID: fmt.Sprintf("t-%d", i), Payload: fmt.Sprintf(`{"n":%d}`, i)})
	}

	waitFor(t, "all appends", func() bool { return j.Stats().Appended == 10 })
	waitFor(t, "prune to keep bound", func() bool {
		count, err := store.CountEvents(context.Background())
		return err == nil && count == 5
	})

	recent, err := store.RecentEvents(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("expected prune to keep 5 entries, got %d", len(recent))
	}
	if recent[0].EntityID != "t-9" || recent[4].EntityID != "t-5" {
		t.Fatalf("expected newest entries to survive prune, got %+v", recent)
	}
	for _, e := range recent {
		if e.ID == "" {
			t.Fatalf("expected writer to assign entry id, got %+v", e)
		}
	}

	stats := j.Stats()
	if stats.Pruned != 5 {
		t.Fatalf("expected 5 pruned rows, got %+v", stats)
	}
	if stats.Dropped != 0 || stats.WriteFailures != 0 || stats.Disabled {
		t.Fatalf("unexpected failure counters: %+v", stats)
	}

	cancel()
	<-done
}

func TestJournalRedactsPayloads(t *testing.T) {
	store, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := NewJournal(store, JournalOptions{
		Keep:   10,
		Redact: func(s string) string { return strings.ReplaceAll(s, "sk-secret", "[masked]") },
	})
	go j.Run(ctx) //nolint:errcheck

	j.Record(JournalEntry{Kind: "transcript", EntityID: "t-1", Payload: `{"text":"token sk-secret leaked"}`})
	waitFor(t, "append", func() bool { return j.Stats().Appended == 1 })

	recent, err := store.RecentEvents(context.Background(), 1, "")
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent events: %v %+v", err, recent)
	}
	if strings.Contains(recent[0].Payload, "sk-secret") {
		t.Fatalf("expected payload to be redacted, got %q", recent[0].Payload)
	}
	if !strings.Contains(recent[0].Payload, "[masked]") {
		t.Fatalf("expected mask marker in payload, got %q", recent[0].Payload)
	}
}

func TestJournalDisablesAfterRepeatedWriteFailures(t *testing.T) {
	store, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := NewJournal(store, JournalOptions{Keep: 10})
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx) //nolint:errcheck
	}()

	j.Record(JournalEntry{Kind: "activity", EntityID: "t-1"})
	waitFor(t, "first append", func() bool { return j.Stats().Appended == 1 })

	// Closing the store underneath the writer makes every append fail.
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	for i := 0; i < journalMaxWriteFailures; i++ {
		j.Record(JournalEntry{Kind: "activity", EntityID: "t-2"})
	}
	waitFor(t, "journal disabled", func() bool { return j.Stats().Disabled })

	j.Record(JournalEntry{Kind: "activity", EntityID: "t-3"})
	waitFor(t, "post-disable drop", func() bool { return j.Stats().Dropped >= 1 })

	stats := j.Stats()
	if stats.WriteFailures < journalMaxWriteFailures {
		t.Fatalf("expected write failures counted, got %+v", stats)
	}
	if stats.Appended != 1 {
		t.Fatalf("expected only the pre-failure append, got %+v", stats)
	}

	// The writer keeps running; disabling the journal never stops the core.
	select {
	case <-done:
		t.Fatalf("writer exited after persistence failure")
	default:
	}
	cancel()
	<-done
}
