// Package wire implements the push-stream frame protocol: decoding and
// validating server frames, normalizing event frames into envelopes, and
// encoding the client-side frames.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/agtdeck/internal/model"
)

// Timing and size limits shared with the server. PongWait is the default
// heartbeat window; the stream manager accepts a configured override.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	MaxMessageSize = 512 * 1024
)

// DefaultSkewBudget bounds how far an event's own timestamp may diverge
// from receipt time before receipt time wins.
const DefaultSkewBudget = 30 * time.Second

const (
	// Server to client.
	TypeEvent         = "event"
	TypeSubscribed    = "subscribed"
	TypePong          = "pong"
	TypeError         = "error"
	TypeCommandResult = "command_result"

	// Client to server.
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeCommand     = "command"
)

const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

var (
	ErrInvalidFrame = errors.New("wire: invalid frame")
	ErrNotEvent     = errors.New("wire: frame is not an event")
)

// Frame is one WebSocket message in either direction. Unused fields stay
// empty; which fields are meaningful depends on Type.
type Frame struct {
	Type   string          `json:"type"`
	Event  string          `json:"event,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Time   json.RawMessage `json:"time,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DecodeFrame parses a raw message into a Frame. It fails only on JSON that
// does not decode or a missing type; everything else is left to the caller.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if strings.TrimSpace(f.Type) == "" {
		return Frame{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	return f, nil
}

// Envelope normalizes an event frame. The kind must be present and the data
// must be a JSON object (or absent); a bad or missing time falls back to
// receipt time. Unknown kinds still produce envelopes so wildcard consumers
// and the journal see them.
func (f Frame) Envelope(receivedAt time.Time, skewBudget time.Duration) (*model.Envelope, error) {
	if f.Type != TypeEvent {
		return nil, ErrNotEvent
	}
	kind, _ := model.NormalizeKind(model.EventKind(strings.TrimSpace(f.Event)))
	if kind == "" {
		return nil, fmt.Errorf("%w: event kind is required", ErrInvalidFrame)
	}
	if len(f.Data) > 0 && !isJSONObject(f.Data) {
		return nil, fmt.Errorf("%w: event data must be an object", ErrInvalidFrame)
	}
	if skewBudget <= 0 {
		skewBudget = DefaultSkewBudget
	}
	return &model.Envelope{
		Kind:       kind,
		EntityID:   f.TaskID,
		Payload:    f.Data,
		Time:       effectiveEventTime(f.eventTime(receivedAt), receivedAt, skewBudget),
		ReceivedAt: receivedAt,
	}, nil
}

// KnownKind reports whether the frame carries a recognized event kind.
func (f Frame) KnownKind() bool {
	_, ok := model.NormalizeKind(model.EventKind(strings.TrimSpace(f.Event)))
	return ok
}

func (f Frame) eventTime(fallback time.Time) time.Time {
	if len(f.Time) == 0 {
		return fallback
	}
	var t time.Time
	if err := json.Unmarshal(f.Time, &t); err != nil || t.IsZero() {
		return fallback
	}
	return t
}

func effectiveEventTime(eventTime, receivedAt time.Time, skewBudget time.Duration) time.Time {
	delta := eventTime.Sub(receivedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > skewBudget {
		return receivedAt
	}
	return eventTime
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || bytes.Equal(trimmed, []byte("null"))
}

// Subscribe builds the client frame subscribing to one task id, or to all
// events with model.GlobalEntityID.
func Subscribe(taskID string) Frame {
	return Frame{Type: TypeSubscribe, TaskID: taskID}
}

func Unsubscribe(taskID string) Frame {
	return Frame{Type: TypeUnsubscribe, TaskID: taskID}
}

func Ping() Frame {
	return Frame{Type: TypePing}
}

// Command builds a client command frame. The server answers with a
// command_result or error frame.
func Command(action, taskID string) Frame {
	return Frame{Type: TypeCommand, Action: action, TaskID: taskID}
}

// EventFrame builds a server-side event frame. Used by test fixtures that
// stand in for the orchestrator.
func EventFrame(kind model.EventKind, entityID string, payload any, at time.Time) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal event data: %w", err)
	}
	ts, err := json.Marshal(at)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal event time: %w", err)
	}
	return Frame{
		Type:   TypeEvent,
		Event:  string(kind),
		TaskID: entityID,
		Data:   data,
		Time:   ts,
	}, nil
}

// Encode marshals a frame for the socket.
func (f Frame) Encode() ([]byte, error) {
	if strings.TrimSpace(f.Type) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	return json.Marshal(f)
}
