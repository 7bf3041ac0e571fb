// Package view derives presentation-ready projections from the store:
// dashboard rows, attention queue, and session header. Projections are
// memoized on the store version, so repeated reads between changes reuse
// the same computed product.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/store"
)

// Category buckets a task row for display precedence.
const (
	CategoryAttention = "attention"
	CategoryRunning   = "running"
	CategoryWaiting   = "waiting"
	CategoryIdle      = "idle"
	CategoryDone      = "done"
)

type TaskRow struct {
	Task         model.Task
	Category     string
	Activity     model.ActivityState
	CurrentPhase string
	Iteration    int
	Tokens       int64
	CostUSD      float64
	Warnings     int
	Decision     *model.PendingDecision
	Finalize     *model.FinalizeProgress
	LastError    *model.TaskError
}

type AttentionItem struct {
	TaskID   string
	Title    string
	Reason   string
	Decision *model.PendingDecision
	Since    time.Time
}

type InitiativeRow struct {
	Initiative model.Initiative
	TaskCount  int
	Running    int
	Done       int
	Attention  int
}

type Summary struct {
	ByStatus         map[model.TaskStatus]int
	ByCategory       map[string]int
	Total            int
	Running          int
	NeedsAttention   int
	PendingDecisions int
	TotalTokens      int64
	EstimatedCost    float64
	TasksRunning     int
	IsPaused         bool
}

// Dashboard is one consistent projection of the store.
type Dashboard struct {
	GeneratedAt time.Time
	Version     uint64
	Summary     Summary
	Tasks       []TaskRow
	Attention   []AttentionItem
	Initiatives []InitiativeRow
}

// DefaultStaleBudget is how long the session may go without a heartbeat or
// update before Stale reports true while disconnected.
const DefaultStaleBudget = 90 * time.Second

type View struct {
	store       *store.Store
	now         func() time.Time
	staleBudget time.Duration
	connected   func() bool

	mu      sync.Mutex
	version uint64
	cached  *Dashboard
}

func New(st *store.Store) *View {
	return &View{store: st, now: time.Now, staleBudget: DefaultStaleBudget}
}

// BindConnected supplies the live connection check used by Stale. Without it
// the view treats the stream as down.
func (v *View) BindConnected(fn func() bool) {
	v.connected = fn
}

func (v *View) SetStaleBudget(d time.Duration) {
	if d > 0 {
		v.staleBudget = d
	}
}

// Dashboard returns the current projection, rebuilding only when any store
// changed since the last call.
func (v *View) Dashboard() Dashboard {
	version := v.store.Version()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached != nil && v.version == version {
		return *v.cached
	}
	d := v.build(version)
	v.cached = &d
	v.version = version
	return d
}

func (v *View) build(version uint64) Dashboard {
	now := v.now()
	tasks := v.store.Tasks.List()
	decisions := v.store.Decisions.All()
	metrics := v.store.Metrics.Get()

	decisionByTask := make(map[string]*model.PendingDecision, len(decisions))
	for i := range decisions {
		d := decisions[i]
		// Oldest gate represents the task in rows; decisions.All is
		// oldest-first so first write wins.
		if _, ok := decisionByTask[d.TaskID]; !ok {
			decisionByTask[d.TaskID] = &d
		}
	}

	summary := Summary{
		ByStatus:         make(map[model.TaskStatus]int),
		ByCategory:       make(map[string]int),
		Total:            len(tasks),
		PendingDecisions: len(decisions),
		TotalTokens:      metrics.TotalTokens,
		EstimatedCost:    metrics.EstimatedCostUSD,
		TasksRunning:     metrics.TasksRunning,
		IsPaused:         metrics.IsPaused,
	}

	rows := make([]TaskRow, 0, len(tasks))
	for _, t := range tasks {
		row := TaskRow{Task: t, CurrentPhase: t.CurrentPhase}
		if st, ok := v.store.Tasks.State(t.ID); ok {
			row.Activity = st.Activity
			row.Tokens = st.Tokens.TotalTokens
			row.CostUSD = st.Cost.TotalCostUSD
			row.Warnings = st.Warnings
			row.LastError = st.LastError
			if st.CurrentPhase != "" {
				row.CurrentPhase = st.CurrentPhase
			}
			row.Iteration = st.CurrentIteration
		}
		if run, ok := v.store.Runs.Get(t.ID); ok {
			row.Finalize = run.Finalize
		}
		row.Decision = decisionByTask[t.ID]
		row.Category = categorize(t.Status, row.Decision != nil)

		summary.ByStatus[t.Status]++
		summary.ByCategory[row.Category]++
		if t.Status == model.StatusRunning || t.Status == model.StatusFinalizing {
			summary.Running++
		}
		if row.Category == CategoryAttention {
			summary.NeedsAttention++
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		pi, pj := categoryPrecedence(rows[i].Category), categoryPrecedence(rows[j].Category)
		if pi != pj {
			return pi < pj
		}
		if !rows[i].Task.UpdatedAt.Equal(rows[j].Task.UpdatedAt) {
			return rows[i].Task.UpdatedAt.After(rows[j].Task.UpdatedAt)
		}
		return rows[i].Task.ID < rows[j].Task.ID
	})

	return Dashboard{
		GeneratedAt: now,
		Version:     version,
		Summary:     summary,
		Tasks:       rows,
		Attention:   v.attention(rows, decisions),
		Initiatives: v.initiatives(rows),
	}
}

// attention lists what needs a human: open gates oldest-first, then blocked
// and failed tasks by recency.
func (v *View) attention(rows []TaskRow, decisions []model.PendingDecision) []AttentionItem {
	out := make([]AttentionItem, 0, len(decisions))
	for i := range decisions {
		d := decisions[i]
		title := d.TaskTitle
		if title == "" {
			if t, ok := v.store.Tasks.Get(d.TaskID); ok {
				title = t.Title
			}
		}
		out = append(out, AttentionItem{
			TaskID:   d.TaskID,
			Title:    title,
			Reason:   "decision pending: " + d.Question,
			Decision: &decisions[i],
			Since:    d.RequestedAt,
		})
	}

	covered := make(map[string]bool, len(out))
	for _, item := range out {
		covered[item.TaskID] = true
	}
	var stalled []AttentionItem
	for _, row := range rows {
		if covered[row.Task.ID] || row.Category != CategoryAttention {
			continue
		}
		reason := "blocked"
		switch {
		case row.Task.Status == model.StatusFailed && row.LastError != nil:
			reason = "failed: " + row.LastError.Message
		case row.Task.Status == model.StatusFailed:
			reason = "failed"
		}
		stalled = append(stalled, AttentionItem{
			TaskID: row.Task.ID,
			Title:  row.Task.Title,
			Reason: reason,
			Since:  row.Task.UpdatedAt,
		})
	}
	sort.Slice(stalled, func(i, j int) bool {
		if !stalled[i].Since.Equal(stalled[j].Since) {
			return stalled[i].Since.After(stalled[j].Since)
		}
		return stalled[i].TaskID < stalled[j].TaskID
	})
	return append(out, stalled...)
}

func (v *View) initiatives(rows []TaskRow) []InitiativeRow {
	initiatives := v.store.Initiatives.List()
	if len(initiatives) == 0 {
		return nil
	}
	byID := make(map[string]*InitiativeRow, len(initiatives))
	out := make([]InitiativeRow, len(initiatives))
	for i, in := range initiatives {
		out[i] = InitiativeRow{Initiative: in}
		byID[in.ID] = &out[i]
	}
	for _, row := range rows {
		agg, ok := byID[row.Task.InitiativeID]
		if !ok {
			continue
		}
		agg.TaskCount++
		switch row.Category {
		case CategoryRunning:
			agg.Running++
		case CategoryDone:
			agg.Done++
		case CategoryAttention:
			agg.Attention++
		}
	}
	return out
}

// Pointed selectors for consumers that do not need the whole dashboard.

func (v *View) HasPendingDecision(taskID string) bool {
	return v.store.Decisions.HasForTask(taskID)
}

func (v *View) PendingFor(taskID string) []model.PendingDecision {
	return v.store.Decisions.ForTask(taskID)
}

func (v *View) ActiveRunningCount() int {
	counts := v.store.Tasks.CountByStatus()
	return counts[model.StatusRunning] + counts[model.StatusFinalizing]
}

func (v *View) CountsByStatus() map[model.TaskStatus]int {
	return v.store.Tasks.CountByStatus()
}

func (v *View) IsFinalizing(taskID string) bool {
	t, ok := v.store.Tasks.Get(taskID)
	return ok && t.Status == model.StatusFinalizing
}

func (v *View) FinalizeProgress(taskID string) (model.FinalizeProgress, bool) {
	run, ok := v.store.Runs.Get(taskID)
	if !ok || run.Finalize == nil {
		return model.FinalizeProgress{}, false
	}
	return *run.Finalize, true
}

// AttentionQueue returns the memoized attention list: open gates oldest
// first, then stalled tasks.
func (v *View) AttentionQueue() []AttentionItem {
	return v.Dashboard().Attention
}

type InitiativeProgress struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Fraction  float64
}

func (v *View) InitiativeProgress(initiativeID string) InitiativeProgress {
	var p InitiativeProgress
	for _, t := range v.store.Tasks.ByInitiative(initiativeID) {
		p.Total++
		switch t.Status {
		case model.StatusCompleted, model.StatusResolved:
			p.Completed++
		case model.StatusRunning, model.StatusFinalizing:
			p.Running++
		case model.StatusFailed:
			p.Failed++
		}
	}
	if p.Total > 0 {
		p.Fraction = float64(p.Completed) / float64(p.Total)
	}
	return p
}

type BurnRate struct {
	TokensPerMinute float64
	CostPerHour     float64
}

func (v *View) BurnRate() BurnRate {
	m := v.store.Metrics.Get()
	if m.DurationSeconds <= 0 {
		return BurnRate{}
	}
	return BurnRate{
		TokensPerMinute: float64(m.TotalTokens) / (m.DurationSeconds / 60),
		CostPerHour:     m.EstimatedCostUSD / (m.DurationSeconds / 3600),
	}
}

// Stale reports whether the data is likely out of date: the stream is down
// and nothing has been heard within the stale budget.
func (v *View) Stale(now time.Time) bool {
	if v.connected != nil && v.connected() {
		return false
	}
	return v.store.Metrics.StaleAfter(now, v.staleBudget)
}

func categorize(st model.TaskStatus, hasDecision bool) string {
	if hasDecision {
		return CategoryAttention
	}
	switch st {
	case model.StatusBlocked, model.StatusFailed:
		return CategoryAttention
	case model.StatusRunning, model.StatusClassifying, model.StatusFinalizing:
		return CategoryRunning
	case model.StatusPaused:
		return CategoryWaiting
	case model.StatusCompleted, model.StatusResolved:
		return CategoryDone
	default:
		return CategoryIdle
	}
}

func categoryPrecedence(category string) int {
	switch category {
	case CategoryAttention:
		return 1
	case CategoryRunning:
		return 2
	case CategoryWaiting:
		return 3
	case CategoryIdle:
		return 4
	case CategoryDone:
		return 5
	default:
		return 999
	}
}
