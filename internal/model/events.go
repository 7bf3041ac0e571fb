package model

import (
	"encoding/json"
	"time"
)

// EventKind identifies a push-stream event. The set is closed: the dispatch
// routing table matches these constants exhaustively, and unknown strings
// reach only wildcard subscribers and the journal.
type EventKind string

const (
	KindTaskCreated       EventKind = "task_created"
	KindTaskUpdated       EventKind = "task_updated"
	KindTaskDeleted       EventKind = "task_deleted"
	KindState             EventKind = "state"
	KindPhase             EventKind = "phase"
	KindTokens            EventKind = "tokens"
	KindTranscript        EventKind = "transcript"
	KindActivity          EventKind = "activity"
	KindError             EventKind = "error"
	KindWarning           EventKind = "warning"
	KindHeartbeat         EventKind = "heartbeat"
	KindSessionUpdate     EventKind = "session_update"
	KindDecisionRequired  EventKind = "decision_required"
	KindDecisionResolved  EventKind = "decision_resolved"
	KindInitiativeCreated EventKind = "initiative_created"
	KindInitiativeUpdated EventKind = "initiative_updated"
	KindInitiativeDeleted EventKind = "initiative_deleted"
	KindFilesChanged      EventKind = "files_changed"
	KindFinalize          EventKind = "finalize"
	KindComplete          EventKind = "complete"
	KindLog               EventKind = "log"
	KindEvaluator         EventKind = "evaluator"
)

// kindSessionMetrics is an accepted alias for KindSessionUpdate; some
// producers name the aggregate event after its payload type.
const kindSessionMetrics EventKind = "session_metrics"

var knownKinds = map[EventKind]bool{
	KindTaskCreated:       true,
	KindTaskUpdated:       true,
	KindTaskDeleted:       true,
	KindState:             true,
	KindPhase:             true,
	KindTokens:            true,
	KindTranscript:        true,
	KindActivity:          true,
	KindError:             true,
	KindWarning:           true,
	KindHeartbeat:         true,
	KindSessionUpdate:     true,
	KindDecisionRequired:  true,
	KindDecisionResolved:  true,
	KindInitiativeCreated: true,
	KindInitiativeUpdated: true,
	KindInitiativeDeleted: true,
	KindFilesChanged:      true,
	KindFinalize:          true,
	KindComplete:          true,
	KindLog:               true,
	KindEvaluator:         true,
}

// NormalizeKind canonicalizes alias kinds and reports whether the kind is
// part of the recognized set.
func NormalizeKind(k EventKind) (EventKind, bool) {
	if k == kindSessionMetrics {
		return KindSessionUpdate, true
	}
	return k, knownKinds[k]
}

// Envelope is the normalized form of one push-stream event.
type Envelope struct {
	Kind       EventKind
	EntityID   string
	Payload    json.RawMessage
	Time       time.Time
	ReceivedAt time.Time
}

// Global reports whether the event is broadcast rather than entity-scoped.
func (e *Envelope) Global() bool {
	return e.EntityID == GlobalEntityID || e.EntityID == ""
}

// DecodePayload unmarshals the raw payload into v. A nil payload decodes as
// an empty object.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Payload shapes for the non-entity event kinds, wire names per the
// orchestrator. Entity kinds (task_*, state, initiative_*) decode straight
// into Task, TaskState, and Initiative.

type PhaseUpdate struct {
	Phase     string      `json:"phase"`
	Status    PhaseStatus `json:"status"`
	CommitSHA string      `json:"commit_sha,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type TokenUpdate struct {
	Phase               string `json:"phase,omitempty"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int64  `json:"cache_read_input_tokens,omitempty"`
	TotalTokens         int64  `json:"total_tokens"`
}

type TranscriptLine struct {
	Phase     string    `json:"phase,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ActivityUpdate struct {
	Phase    string        `json:"phase,omitempty"`
	Activity ActivityState `json:"activity"`
}

type ErrorData struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type WarningData struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

type SessionUpdate struct {
	DurationSeconds  float64 `json:"duration_seconds"`
	TotalTokens      int64   `json:"total_tokens"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	TasksRunning     int     `json:"tasks_running"`
	IsPaused         bool    `json:"is_paused"`
}

type DecisionRequired struct {
	DecisionID string `json:"decision_id"`
	TaskTitle  string `json:"task_title,omitempty"`
	Phase      string `json:"phase"`
	GateType   string `json:"gate_type,omitempty"`
	Question   string `json:"question"`
	Context    string `json:"context,omitempty"`
}

type DecisionResolved struct {
	DecisionID string    `json:"decision_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type FinalizeUpdate struct {
	TaskID      string          `json:"task_id"`
	Status      FinalizeStatus  `json:"status"`
	Step        string          `json:"step,omitempty"`
	Progress    int             `json:"progress,omitempty"`
	StepPercent int             `json:"step_percent,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      *FinalizeResult `json:"result,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type FilesChanged struct {
	TotalAdditions int `json:"total_additions"`
	TotalDeletions int `json:"total_deletions"`
}
