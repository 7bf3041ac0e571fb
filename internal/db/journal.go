package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultJournalKeep bounds the events table; the prune pass trims back
	// down to this many rows.
	DefaultJournalKeep = 10000

	defaultJournalBuffer    = 512
	journalPruneEvery       = 256
	journalMaxWriteFailures = 3
)

// JournalEntry is one row of the events journal: a delivered envelope or a
// dropped-frame notice, with its payload already redacted.
type JournalEntry struct {
	ID         string
	Kind       string
	EntityID   string
	Payload    string
	At         time.Time
	ReceivedAt time.Time
}

type JournalStats struct {
	Appended      uint64
	Dropped       uint64
	Pruned        uint64
	WriteFailures uint64
	Disabled      bool
}

type JournalOptions struct {
	// Keep is the prune bound; zero means DefaultJournalKeep.
	Keep int
	// Buffer sizes the entry channel. When it fills, entries are dropped
	// and counted rather than blocking the caller.
	Buffer int
	// Redact, when set, is applied to every payload before it is written.
	Redact func(string) string
}

func (o JournalOptions) withDefaults() JournalOptions {
	if o.Keep <= 0 {
		o.Keep = DefaultJournalKeep
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultJournalBuffer
	}
	return o
}

// Journal appends entries to the events table on its own goroutine. The
// apply loop and stream pumps hand entries over via Record and never touch
// sqlite themselves. Repeated write failures disable the journal for the
// rest of the process; the sync core keeps running without it.
type Journal struct {
	store *Store
	opts  JournalOptions
	ch    chan JournalEntry

	mu         sync.Mutex
	stats      JournalStats
	failStreak int
	disabled   bool
}

func NewJournal(store *Store, opts JournalOptions) *Journal {
	opts = opts.withDefaults()
	return &Journal{
		store: store,
		opts:  opts,
		ch:    make(chan JournalEntry, opts.Buffer),
	}
}

// Record queues an entry for the writer. It never blocks: a full buffer or a
// disabled journal drops the entry and counts the drop.
func (j *Journal) Record(e JournalEntry) {
	j.mu.Lock()
	disabled := j.disabled
	j.mu.Unlock()
	if disabled {
		j.drop()
		return
	}
	select {
	case j.ch <- e:
	default:
		j.drop()
	}
}

// Run writes queued entries until ctx is done. It prunes once at start and
// then on a fixed append cadence so the table stays near the keep bound.
func (j *Journal) Run(ctx context.Context) error {
	j.prune(ctx)
	pruneEvery := journalPruneEvery
	if j.opts.Keep < pruneEvery {
		pruneEvery = j.opts.Keep
	}
	sincePrune := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-j.ch:
			if !j.append(ctx, e) {
				continue
			}
			sincePrune++
			if sincePrune >= pruneEvery {
				j.prune(ctx)
				sincePrune = 0
			}
		}
	}
}

func (j *Journal) Stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Journal) append(ctx context.Context, e JournalEntry) bool {
	j.mu.Lock()
	disabled := j.disabled
	j.mu.Unlock()
	if disabled {
		j.drop()
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if j.opts.Redact != nil {
		e.Payload = j.opts.Redact(e.Payload)
	}
	if err := j.store.AppendEvent(ctx, e); err != nil {
		j.noteFailure()
		return false
	}
	j.mu.Lock()
	j.failStreak = 0
	j.stats.Appended++
	j.mu.Unlock()
	return true
}

func (j *Journal) prune(ctx context.Context) {
	n, err := j.store.PruneEvents(ctx, j.opts.Keep)
	if err != nil {
		j.noteFailure()
		return
	}
	j.mu.Lock()
	j.stats.Pruned += uint64(n)
	j.mu.Unlock()
}

func (j *Journal) noteFailure() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.WriteFailures++
	j.failStreak++
	if j.failStreak >= journalMaxWriteFailures {
		j.disabled = true
		j.stats.Disabled = true
	}
}

func (j *Journal) drop() {
	j.mu.Lock()
	j.stats.Dropped++
	j.mu.Unlock()
}
