// Package client is the composition root: it wires the stores, dispatcher,
// push stream, snapshot loader, command executor, and journal together and
// runs the apply loop that joins them. Exactly one goroutine mutates stores;
// everything else hands work to it over channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/agtdeck/internal/apiclient"
	"github.com/g960059/agtdeck/internal/command"
	"github.com/g960059/agtdeck/internal/config"
	"github.com/g960059/agtdeck/internal/db"
	"github.com/g960059/agtdeck/internal/dispatch"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/runtime"
	"github.com/g960059/agtdeck/internal/security"
	"github.com/g960059/agtdeck/internal/snapshot"
	"github.com/g960059/agtdeck/internal/store"
	"github.com/g960059/agtdeck/internal/stream"
	"github.com/g960059/agtdeck/internal/view"
)

const (
	// maxApplyBatch caps one drain pass so a hot stream cannot starve the
	// work channel.
	maxApplyBatch = 256
	workBuffer    = 64
)

var (
	ErrAlreadyRunning = errors.New("client: already running")
	ErrStopped        = errors.New("client: apply loop stopped")
)

type Client struct {
	cfg      config.Config
	clientID string

	local    *db.Store
	journal  *db.Journal
	api      *apiclient.Client
	stores   *store.Store
	disp     *dispatch.Dispatcher
	stream   *stream.Manager
	loader   *snapshot.Loader
	commands *command.Executor
	views    *view.View

	persistErr error

	work chan func()
	kick chan struct{}
	done chan struct{}

	runMu   sync.Mutex
	running bool
}

// New wires the core from cfg. A server URL that cannot yield a stream
// endpoint is fatal; local persistence failing to open is not: the client
// runs with the journal and prefs disabled and reports the degradation
// through PersistenceError.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	streamURL, err := cfg.StreamURL()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		work: make(chan func(), workBuffer),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	local, err := db.OpenOrRecreate(ctx, cfg.DBPath)
	if err != nil {
		c.persistErr = fmt.Errorf("open local db: %w", err)
	} else {
		c.local = local
	}

	if c.local != nil {
		id, idErr := runtime.ClientID(ctx, c.local)
		c.clientID = id
		if idErr != nil {
			c.persistErr = fmt.Errorf("client id: %w", idErr)
		}
	} else {
		// Identity lasts for this run only.
		c.clientID = uuid.NewString()
	}

	c.api = apiclient.New(cfg.ServerURL,
		apiclient.WithToken(cfg.Token),
		apiclient.WithClientID(c.clientID),
	)
	c.stores = store.New(store.Options{TranscriptCap: cfg.TranscriptCap})
	c.disp = dispatch.New()
	c.stores.RegisterAll(c.disp)

	if c.local != nil {
		c.journal = db.NewJournal(c.local, db.JournalOptions{
			Keep:   cfg.JournalKeep,
			Redact: security.Redact,
		})
		// The wildcard subscriber sees every envelope, unknown kinds
		// included; Record never blocks the dispatch turn.
		c.disp.RegisterWildcard(func(env *model.Envelope) {
			c.journal.Record(db.JournalEntry{
				Kind:       string(env.Kind),
				EntityID:   env.EntityID,
				Payload:    string(env.Payload),
				At:         env.Time,
				ReceivedAt: env.ReceivedAt,
			})
		})
	}

	c.stream = stream.New(stream.Options{
		URL:        streamURL,
		Token:      cfg.Token,
		ClientID:   c.clientID,
		MinBackoff: cfg.MinBackoff(),
		MaxBackoff: cfg.MaxBackoff(),
		PongWait:   cfg.PongWait(),
	})
	c.stream.OnStatusChange(func(st stream.Status) {
		if st != stream.StatusConnected {
			return
		}
		select {
		case c.kick <- struct{}{}:
		default:
		}
	})

	c.loader = snapshot.New(c.api, c.stores, c.schedule)
	c.commands = command.New(c.api, c.stores, c.schedule)
	c.views = view.New(c.stores)
	c.views.BindConnected(func() bool { return c.stream.Status() == stream.StatusConnected })

	return c, nil
}

// Run starts the stream, the journal writer, the reconcile loop, and the
// apply loop, then blocks until ctx ends. Internal failures degrade through
// status, counters, and journal notices instead of stopping the run, so the
// returned error is ctx's.
func (c *Client) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runMu.Unlock()
	defer close(c.done)

	// Prime one reconcile so REST state lands even before the stream is up.
	select {
	case c.kick <- struct{}{}:
	default:
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.stream.Run(gctx) })
	if c.journal != nil {
		g.Go(func() error { return c.journal.Run(gctx) })
		g.Go(func() error { return c.forwardNotices(gctx) })
	}
	g.Go(func() error { return c.reconcileLoop(gctx) })
	g.Go(func() error { return c.applyLoop(gctx) })
	return g.Wait()
}

// Close releases local persistence. Call after Run has returned.
func (c *Client) Close() error {
	if c.local == nil {
		return nil
	}
	return c.local.Close()
}

func (c *Client) Stores() *store.Store        { return c.stores }
func (c *Client) View() *view.View            { return c.views }
func (c *Client) Commands() *command.Executor { return c.commands }
func (c *Client) ClientID() string            { return c.clientID }
func (c *Client) Status() stream.Status       { return c.stream.Status() }

// OnStatusChange registers cb with the stream manager; it fires immediately
// with the current status and on every transition.
func (c *Client) OnStatusChange(cb func(stream.Status)) {
	c.stream.OnStatusChange(cb)
}

// RefreshTask pulls one task's row and execution state from the server and
// merges them, for consumers drilling into a task the collection snapshot
// only skimmed.
func (c *Client) RefreshTask(ctx context.Context, taskID string) error {
	return c.loader.LoadTask(ctx, taskID)
}

// Local is the journal/prefs database, nil when persistence is down.
func (c *Client) Local() *db.Store { return c.local }

// PersistenceError reports the degradation hit while opening local state,
// nil when the journal and prefs are healthy.
func (c *Client) PersistenceError() error { return c.persistErr }

// Stats aggregates every component's counters for diagnostics.
type Stats struct {
	ClientID string
	Status   stream.Status
	Stream   stream.Counters
	Dispatch dispatch.Stats
	Store    store.Stats
	Snapshot snapshot.Stats
	Journal  db.JournalStats
}

func (c *Client) Stats() Stats {
	s := Stats{
		ClientID: c.clientID,
		Status:   c.stream.Status(),
		Stream:   c.stream.Stats(),
		Dispatch: c.disp.Stats(),
		Store:    c.stores.Stats(),
		Snapshot: c.loader.Stats(),
		Journal:  db.JournalStats{Disabled: true},
	}
	if c.journal != nil {
		s.Journal = c.journal.Stats()
	}
	return s
}

// schedule hands fn to the apply loop; it is the Applier the loader and the
// executor converge through. It fails only when the loop is gone; before Run
// starts, functions queue in the channel buffer.
func (c *Client) schedule(fn func()) error {
	select {
	case c.work <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// applyLoop is the one goroutine that mutates stores: one envelope batch or
// one work function per turn, subscribers notified once per turn that
// changed anything.
func (c *Client) applyLoop(ctx context.Context) error {
	version := c.stores.Version()
	envs := c.stream.Envelopes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				// Stream finished; work functions may still arrive until
				// ctx ends.
				envs = nil
				continue
			}
			c.disp.DispatchBatch(c.gather(ctx, envs, env), nil)
		case fn := <-c.work:
			fn()
		}
		version = c.stores.NotifyIfChanged(version)
	}
}

// gather collects the burst that began with first: everything already
// queued, then whatever else arrives within the coalesce window, capped at
// maxApplyBatch. The window holds the batch open just long enough for a
// storm of tokens and activity frames to collapse into one store pass.
func (c *Client) gather(ctx context.Context, envs <-chan *model.Envelope, first *model.Envelope) []*model.Envelope {
	batch := append(make([]*model.Envelope, 0, 16), first)
	for len(batch) < maxApplyBatch {
		select {
		case env, ok := <-envs:
			if !ok {
				return batch
			}
			batch = append(batch, env)
			continue
		default:
		}
		break
	}
	window := c.cfg.CoalesceWindow()
	if window <= 0 || len(batch) >= maxApplyBatch {
		return batch
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for len(batch) < maxApplyBatch {
		select {
		case <-ctx.Done():
			return batch
		case env, ok := <-envs:
			if !ok {
				return batch
			}
			batch = append(batch, env)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// reconcileLoop refreshes REST state on every connect transition and on the
// anti-drift tick. Interval zero disables the tick; kicks still land.
func (c *Client) reconcileLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := c.cfg.ReconcileInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-tick:
		}
		if err := c.loader.Load(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.journalNotice("reconcile_error", err.Error())
		}
	}
}

// forwardNotices journals non-event stream occurrences: server error frames,
// command results, malformed drops.
func (c *Client) forwardNotices(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-c.stream.Notices():
			c.journal.Record(db.JournalEntry{
				Kind:       n.Kind,
				EntityID:   model.GlobalEntityID,
				Payload:    n.Detail,
				At:         n.At,
				ReceivedAt: n.At,
			})
		}
	}
}

func (c *Client) journalNotice(kind, detail string) {
	if c.journal == nil {
		return
	}
	now := time.Now()
	c.journal.Record(db.JournalEntry{
		Kind:       kind,
		EntityID:   model.GlobalEntityID,
		Payload:    detail,
		At:         now,
		ReceivedAt: now,
	})
}
