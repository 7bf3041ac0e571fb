// Package dispatch routes parsed envelopes to the reducers registered for
// their kind. Dispatch is synchronous and single-goroutine: the apply loop
// calls Dispatch, handlers run in registration order, and every handler sees
// every matching envelope exactly once.
package dispatch

import (
	"sync"

	"github.com/g960059/agtdeck/internal/model"
)

// Handler consumes one envelope. Handlers must not block on I/O; anything
// slow belongs on a channel consumed off the apply loop.
type Handler func(*model.Envelope)

type registration struct {
	fn Handler
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Dispatched uint64
	Coalesced  uint64
	Unrouted   uint64
	Recovered  uint64
	ByKind     map[model.EventKind]uint64
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[model.EventKind][]*registration
	wildcard []*registration

	statsMu    sync.Mutex
	dispatched uint64
	coalesced  uint64
	unrouted   uint64
	recovered  uint64
	byKind     map[model.EventKind]uint64
}

func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[model.EventKind][]*registration),
		byKind:   make(map[model.EventKind]uint64),
	}
}

// Register adds a handler for one kind and returns its unregister func.
// Handlers for a kind run in the order they were registered.
func (d *Dispatcher) Register(kind model.EventKind, fn Handler) func() {
	reg := &registration{fn: fn}
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], reg)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.handlers[kind]
		for i, r := range regs {
			if r == reg {
				d.handlers[kind] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
}

// RegisterWildcard adds a handler that sees every envelope, including
// unknown kinds, after the kind handlers have run.
func (d *Dispatcher) RegisterWildcard(fn Handler) func() {
	reg := &registration{fn: fn}
	d.mu.Lock()
	d.wildcard = append(d.wildcard, reg)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, r := range d.wildcard {
			if r == reg {
				d.wildcard = append(d.wildcard[:i], d.wildcard[i+1:]...)
				break
			}
		}
	}
}

// Dispatch delivers one envelope synchronously. A panicking handler is
// recovered and counted; the remaining handlers still run.
func (d *Dispatcher) Dispatch(env *model.Envelope) {
	d.mu.RLock()
	kindRegs := d.handlers[env.Kind]
	regs := make([]*registration, 0, len(kindRegs)+len(d.wildcard))
	regs = append(regs, kindRegs...)
	regs = append(regs, d.wildcard...)
	d.mu.RUnlock()

	for _, reg := range regs {
		d.deliver(reg, env)
	}

	d.statsMu.Lock()
	d.dispatched++
	d.byKind[env.Kind]++
	if len(kindRegs) == 0 {
		d.unrouted++
	}
	d.statsMu.Unlock()
}

func (d *Dispatcher) deliver(reg *registration, env *model.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.statsMu.Lock()
			d.recovered++
			d.statsMu.Unlock()
		}
	}()
	reg.fn(env)
}

func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	byKind := make(map[model.EventKind]uint64, len(d.byKind))
	for k, v := range d.byKind {
		byKind[k] = v
	}
	return Stats{
		Dispatched: d.dispatched,
		Coalesced:  d.coalesced,
		Unrouted:   d.unrouted,
		Recovered:  d.recovered,
		ByKind:     byKind,
	}
}

func (d *Dispatcher) noteCoalesced(n int) {
	if n <= 0 {
		return
	}
	d.statsMu.Lock()
	d.coalesced += uint64(n)
	d.statsMu.Unlock()
}

// DefaultCoalescable is the set of high-frequency kinds collapsed
// latest-wins per entity within one drain pass. Transcript lines are
// deliberately absent: appends are batched, never dropped.
var DefaultCoalescable = map[model.EventKind]bool{
	model.KindTokens:        true,
	model.KindActivity:      true,
	model.KindSessionUpdate: true,
	model.KindFilesChanged:  true,
}

// DispatchBatch compacts one drain pass and dispatches what remains, in
// arrival order. For coalescable kinds only the newest envelope per
// (kind, entity) survives, positioned where its last representative
// arrived; everything else passes through untouched.
func (d *Dispatcher) DispatchBatch(envs []*model.Envelope, coalescable map[model.EventKind]bool) {
	if len(envs) == 0 {
		return
	}
	if coalescable == nil {
		coalescable = DefaultCoalescable
	}

	type slot struct{ kind, entity string }
	last := make(map[slot]int)
	for i, env := range envs {
		if !coalescable[env.Kind] {
			continue
		}
		last[slot{string(env.Kind), env.EntityID}] = i
	}

	dropped := 0
	for i, env := range envs {
		if coalescable[env.Kind] {
			if keep, ok := last[slot{string(env.Kind), env.EntityID}]; ok && keep != i {
				dropped++
				continue
			}
		}
		d.Dispatch(env)
	}
	d.noteCoalesced(dropped)
}
