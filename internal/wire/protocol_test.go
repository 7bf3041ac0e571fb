package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/g960059/agtdeck/internal/model"
)

func TestDecodeFrameEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	frame, err := EventFrame(model.KindPhase, "TASK-001", model.PhaseUpdate{
		Phase:  "implement",
		Status: model.PhaseRunning,
	}, at)
	if err != nil {
		t.Fatalf("event frame: %v", err)
	}
	raw, err := frame.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	env, err := decoded.Envelope(at.Add(time.Second), DefaultSkewBudget)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Kind != model.KindPhase {
		t.Fatalf("unexpected kind: %s", env.Kind)
	}
	if env.EntityID != "TASK-001" {
		t.Fatalf("unexpected entity id: %s", env.EntityID)
	}
	if !env.Time.Equal(at) {
		t.Fatalf("expected event time %v, got %v", at, env.Time)
	}
	var update model.PhaseUpdate
	if err := env.DecodePayload(&update); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if update.Phase != "implement" || update.Status != model.PhaseRunning {
		t.Fatalf("unexpected payload: %+v", update)
	}
}

func TestDecodeFrameRejectsMissingType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"event":"phase","task_id":"TASK-001"}`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestEnvelopeRejectsMissingKind(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"event","task_id":"TASK-001","data":{}}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if _, err := frame.Envelope(time.Now(), DefaultSkewBudget); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestEnvelopeRejectsNonObjectData(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"event","event":"phase","task_id":"TASK-001","data":[1,2]}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if _, err := frame.Envelope(time.Now(), DefaultSkewBudget); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestEnvelopeRejectsNonEventFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"pong"}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if _, err := frame.Envelope(time.Now(), DefaultSkewBudget); !errors.Is(err, ErrNotEvent) {
		t.Fatalf("expected ErrNotEvent, got %v", err)
	}
}

func TestEnvelopeTimeFallsBackOnBadTimestamp(t *testing.T) {
	received := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	frame, err := DecodeFrame([]byte(`{"type":"event","event":"heartbeat","task_id":"*","time":"not-a-time"}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	env, err := frame.Envelope(received, DefaultSkewBudget)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if !env.Time.Equal(received) {
		t.Fatalf("expected fallback to receipt time, got %v", env.Time)
	}
}

func TestEnvelopeClampsSkewedTimestamp(t *testing.T) {
	received := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	skewed := received.Add(10 * time.Minute)
	frame, err := EventFrame(model.KindHeartbeat, model.GlobalEntityID, map[string]any{}, skewed)
	if err != nil {
		t.Fatalf("event frame: %v", err)
	}
	env, err := frame.Envelope(received, DefaultSkewBudget)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if !env.Time.Equal(received) {
		t.Fatalf("expected clamp to receipt time, got %v", env.Time)
	}
}

func TestNormalizeKindAcceptsMetricsAlias(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"event","event":"session_metrics","task_id":"*","data":{"total_tokens":10}}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if !frame.KnownKind() {
		t.Fatalf("expected session_metrics to be a known kind")
	}
	env, err := frame.Envelope(time.Now(), DefaultSkewBudget)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Kind != model.KindSessionUpdate {
		t.Fatalf("expected canonical session_update, got %s", env.Kind)
	}
}

func TestUnknownKindStillProducesEnvelope(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"event","event":"mystery","task_id":"TASK-001","data":{}}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.KnownKind() {
		t.Fatalf("expected mystery to be unknown")
	}
	env, err := frame.Envelope(time.Now(), DefaultSkewBudget)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Kind != "mystery" {
		t.Fatalf("unexpected kind: %s", env.Kind)
	}
}

func TestClientFrames(t *testing.T) {
	sub := Subscribe(model.GlobalEntityID)
	if sub.Type != TypeSubscribe || sub.TaskID != model.GlobalEntityID {
		t.Fatalf("unexpected subscribe frame: %+v", sub)
	}
	cmd := Command(ActionPause, "TASK-001")
	raw, err := cmd.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeCommand || decoded["action"] != ActionPause || decoded["task_id"] != "TASK-001" {
		t.Fatalf("unexpected command frame: %v", decoded)
	}
}
