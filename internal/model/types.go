package model

import "time"

// GlobalEntityID marks broadcast events not scoped to one task.
const GlobalEntityID = "*"

// TaskStatus is the normalized task lifecycle status held in the store.
type TaskStatus string

const (
	StatusCreated     TaskStatus = "created"
	StatusClassifying TaskStatus = "classifying"
	StatusPlanned     TaskStatus = "planned"
	StatusRunning     TaskStatus = "running"
	StatusPaused      TaskStatus = "paused"
	StatusBlocked     TaskStatus = "blocked"
	StatusFinalizing  TaskStatus = "finalizing"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusResolved    TaskStatus = "resolved"
)

// StatusRank orders statuses along the task lifecycle. Higher ranks never
// yield to lower ones except through the transitions CanTransition allows.
var StatusRank = map[TaskStatus]int{
	StatusCreated:     1,
	StatusClassifying: 2,
	StatusPlanned:     3,
	StatusRunning:     4,
	StatusPaused:      4,
	StatusBlocked:     4,
	StatusFinalizing:  5,
	StatusCompleted:   6,
	StatusFailed:      6,
	StatusResolved:    7,
}

// CanTransition reports whether a status change is acceptable. Same-rank
// moves cover pause/resume and block/unblock. Backward moves are rejected
// except the explicit retry and re-finalize paths.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	fr, okFrom := StatusRank[from]
	tr, okTo := StatusRank[to]
	if !okFrom || !okTo {
		return true
	}
	if tr >= fr {
		return true
	}
	switch {
	case from == StatusFailed && (to == StatusRunning || to == StatusFinalizing):
		return true
	case from == StatusCompleted && to == StatusFinalizing:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusResolved
}

type TaskWeight string

const (
	WeightTrivial    TaskWeight = "trivial"
	WeightSmall      TaskWeight = "small"
	WeightMedium     TaskWeight = "medium"
	WeightLarge      TaskWeight = "large"
	WeightGreenfield TaskWeight = "greenfield"
)

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

type TaskCategory string

const (
	CategoryFeature  TaskCategory = "feature"
	CategoryBug      TaskCategory = "bug"
	CategoryRefactor TaskCategory = "refactor"
	CategoryChore    TaskCategory = "chore"
	CategoryDocs     TaskCategory = "docs"
	CategoryTest     TaskCategory = "test"
)

type TaskQueue string

const (
	QueueActive  TaskQueue = "active"
	QueueBacklog TaskQueue = "backlog"
)

// Task is the normalized task entity. JSON tags follow the orchestrator's
// wire names; task_created/task_updated payloads and the tasks snapshot both
// decode straight into it.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       TaskStatus   `json:"status"`
	CurrentPhase string       `json:"current_phase,omitempty"`
	Weight       TaskWeight   `json:"weight,omitempty"`
	Priority     TaskPriority `json:"priority,omitempty"`
	Category     TaskCategory `json:"category,omitempty"`
	Queue        TaskQueue    `json:"queue,omitempty"`
	Branch       string       `json:"branch,omitempty"`
	InitiativeID string       `json:"initiative_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`

	// Finalize outcome, attached when the finalize sub-flow reports it.
	CommitSHA    string `json:"commit_sha,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// PhaseStatus tracks one phase of a task's workflow.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseStarted   PhaseStatus = "started"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

var phaseRank = map[PhaseStatus]int{
	PhasePending:   1,
	PhaseStarted:   2,
	PhaseRunning:   2,
	PhaseCompleted: 3,
	PhaseFailed:    3,
	PhaseSkipped:   3,
}

// PhaseRegressed reports whether to would walk a phase backward within the
// same attempt. A fresh started/running after a terminal status is a new
// iteration, not a regression.
func PhaseRegressed(from, to PhaseStatus) bool {
	fr, okFrom := phaseRank[from]
	tr, okTo := phaseRank[to]
	if !okFrom || !okTo {
		return false
	}
	if fr == 3 && tr == 2 {
		return false
	}
	return tr < fr
}

type PhaseState struct {
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Iterations  int         `json:"iterations,omitempty"`
	CommitSHA   string      `json:"commit_sha,omitempty"`
	Error       string      `json:"error,omitempty"`
	Tokens      TokenTotals `json:"tokens"`
	CostUSD     float64     `json:"cost_usd,omitempty"`
}

type TokenTotals struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	TotalTokens         int64 `json:"total_tokens"`
}

type CostTotals struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	PhaseCosts   map[string]float64 `json:"phase_costs,omitempty"`
}

// ActivityState is the fine-grained live indicator for a running task.
type ActivityState string

const (
	ActivityIdle          ActivityState = "idle"
	ActivityWaitingAPI    ActivityState = "waiting_api"
	ActivityStreaming     ActivityState = "streaming"
	ActivityRunningTool   ActivityState = "running_tool"
	ActivityProcessing    ActivityState = "processing"
	ActivitySpecAnalyzing ActivityState = "spec_analyzing"
	ActivitySpecWriting   ActivityState = "spec_writing"
)

// TaskState is the per-task execution detail, one-to-one with Task by id.
// Created lazily on the first state-bearing event.
type TaskState struct {
	TaskID           string                 `json:"task_id"`
	Status           TaskStatus             `json:"status,omitempty"`
	CurrentPhase     string                 `json:"current_phase,omitempty"`
	CurrentIteration int                    `json:"current_iteration,omitempty"`
	Phases           map[string]*PhaseState `json:"phases,omitempty"`
	Tokens           TokenTotals            `json:"tokens"`
	Cost             CostTotals             `json:"cost"`
	Activity         ActivityState          `json:"activity,omitempty"`
	LastError        *TaskError             `json:"last_error,omitempty"`
	LastWarning      *TaskError             `json:"last_warning,omitempty"`
	Warnings         int                    `json:"warnings,omitempty"`
	Additions        int                    `json:"additions,omitempty"`
	Deletions        int                    `json:"deletions,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

type TaskError struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// PendingDecision is a gate awaiting a human approve/reject. At most one
// entry exists per (TaskID, Phase); a new decision_required for the pair
// replaces the old entry.
type PendingDecision struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	TaskTitle   string    `json:"task_title,omitempty"`
	Phase       string    `json:"phase"`
	GateType    string    `json:"gate_type,omitempty"`
	Question    string    `json:"question"`
	Context     string    `json:"context,omitempty"`
	RequestedAt time.Time `json:"requested_at"`

	// Resolving marks an in-flight resolution. Client-side only; the one
	// optimistic marker the command layer is allowed to set.
	Resolving bool `json:"-"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type FinalizeStatus string

const (
	FinalizePending   FinalizeStatus = "pending"
	FinalizeRunning   FinalizeStatus = "running"
	FinalizeCompleted FinalizeStatus = "completed"
	FinalizeFailed    FinalizeStatus = "failed"
)

// FinalizeResult is the outcome payload of a completed finalize sub-flow.
type FinalizeResult struct {
	Synced            bool   `json:"synced,omitempty"`
	CommitSHA         string `json:"commit_sha,omitempty"`
	TargetBranch      string `json:"target_branch,omitempty"`
	RiskLevel         string `json:"risk_level,omitempty"`
	FilesChanged      int    `json:"files_changed,omitempty"`
	LinesChanged      int    `json:"lines_changed,omitempty"`
	TestsPassed       bool   `json:"tests_passed,omitempty"`
	NeedsReview       bool   `json:"needs_review,omitempty"`
	ConflictsResolved int    `json:"conflicts_resolved,omitempty"`
	Merged            bool   `json:"merged,omitempty"`
	MergeCommit       string `json:"merge_commit,omitempty"`
	CIPassed          bool   `json:"ci_passed,omitempty"`
	MergeError        string `json:"merge_error,omitempty"`
}

type FinalizeProgress struct {
	Status      FinalizeStatus  `json:"status"`
	Step        string          `json:"step,omitempty"`
	Progress    int             `json:"progress,omitempty"`
	StepPercent int             `json:"step_percent,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      *FinalizeResult `json:"result,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowRun is the per-task run record: run status, per-phase records with
// monotonic status within one attempt, the finalize sub-flow, and a bounded
// transcript ring.
type WorkflowRun struct {
	TaskID     string                 `json:"task_id"`
	Status     RunStatus              `json:"status"`
	Attempt    int                    `json:"attempt"`
	Phases     map[string]*PhaseState `json:"phases,omitempty"`
	Finalize   *FinalizeProgress      `json:"finalize,omitempty"`
	Transcript []TranscriptLine       `json:"-"`
	StartedAt  time.Time              `json:"started_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// SessionMetrics is the process-wide aggregate. Authoritative once the first
// server-computed session_update lands; before that the store accumulates
// token counts from tokens events as a fallback.
type SessionMetrics struct {
	DurationSeconds  float64   `json:"duration_seconds"`
	TotalTokens      int64     `json:"total_tokens"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	TasksRunning     int       `json:"tasks_running"`
	IsPaused         bool      `json:"is_paused"`
	TotalAdditions   int       `json:"total_additions,omitempty"`
	TotalDeletions   int       `json:"total_deletions,omitempty"`
	Authoritative    bool      `json:"-"`
	LastHeartbeatAt  time.Time `json:"-"`
	UpdatedAt        time.Time `json:"-"`
}

type InitiativeStatus string

const (
	InitiativeActive    InitiativeStatus = "active"
	InitiativePaused    InitiativeStatus = "paused"
	InitiativeCompleted InitiativeStatus = "completed"
	InitiativeArchived  InitiativeStatus = "archived"
)

type Initiative struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Status    InitiativeStatus `json:"status,omitempty"`
	Vision    string           `json:"vision,omitempty"`
	TaskIDs   []string         `json:"task_ids,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
