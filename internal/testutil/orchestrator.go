// Package testutil provides a scripted orchestrator double: the REST
// surface the snapshot loader and command layer call, plus the push-stream
// endpoint, driven from test code.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/wire"
)

// Orchestrator is a fake server. Fixture setters replace the snapshot
// collections; PushEvent broadcasts a stream event to every connected
// client. All methods are safe from the test goroutine while connections
// are live.
type Orchestrator struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	tasks       []model.Task
	states      map[string]model.TaskState
	transcripts map[string][]model.TranscriptLine
	decisions   []model.PendingDecision
	initiatives []model.Initiative
	session     model.SessionUpdate
	overrides   map[string]override
	requests    []string
	conns       map[*websocket.Conn]*connWriter
	dials       int

	subscribes chan string
	commands   chan wire.Frame
}

type override struct {
	status int
	body   string
}

type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *connWriter) writeRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func NewOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := &Orchestrator{
		t:           t,
		states:      make(map[string]model.TaskState),
		transcripts: make(map[string][]model.TranscriptLine),
		overrides:   make(map[string]override),
		conns:       make(map[*websocket.Conn]*connWriter),
		subscribes:  make(chan string, 16),
		commands:    make(chan wire.Frame, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.writeJSONResponse(w, map[string]string{"status": "ok"})
	}))
	mux.HandleFunc("GET /api/session", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		session := o.session
		o.mu.Unlock()
		o.writeJSONResponse(w, session)
	}))
	mux.HandleFunc("GET /api/tasks", o.handle(o.handleListTasks))
	mux.HandleFunc("GET /api/tasks/{id}", o.handle(o.handleGetTask))
	mux.HandleFunc("GET /api/tasks/{id}/state", o.handle(o.handleGetState))
	mux.HandleFunc("GET /api/tasks/{id}/transcripts", o.handle(o.handleGetTranscripts))
	mux.HandleFunc("GET /api/decisions", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		decisions := append([]model.PendingDecision(nil), o.decisions...)
		o.mu.Unlock()
		o.writeJSONResponse(w, decisions)
	}))
	mux.HandleFunc("GET /api/initiatives", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		initiatives := append([]model.Initiative(nil), o.initiatives...)
		o.mu.Unlock()
		o.writeJSONResponse(w, initiatives)
	}))
	mux.HandleFunc("POST /api/decisions/{id}", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.writeJSONResponse(w, map[string]string{"status": "resolved", "decision_id": r.PathValue("id")})
	}))
	for _, action := range []string{"pause", "resume", "cancel"} {
		action := action
		mux.HandleFunc("POST /api/tasks/{id}/"+action, o.handle(func(w http.ResponseWriter, r *http.Request) {
			o.writeJSONResponse(w, map[string]string{"status": action + "d", "task_id": r.PathValue("id")})
		}))
	}
	mux.HandleFunc("POST /api/session/pause", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.writeJSONResponse(w, map[string]string{"status": "paused"})
	}))
	mux.HandleFunc("POST /api/session/resume", o.handle(func(w http.ResponseWriter, r *http.Request) {
		o.writeJSONResponse(w, map[string]string{"status": "resumed"})
	}))
	mux.HandleFunc("/ws", o.handleWS)

	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

// URL is the REST base.
func (o *Orchestrator) URL() string {
	return o.srv.URL
}

// WSURL is the push-stream endpoint.
func (o *Orchestrator) WSURL() string {
	return "ws" + strings.TrimPrefix(o.srv.URL, "http") + "/ws"
}

func (o *Orchestrator) Close() {
	o.DropConnections()
	o.srv.Close()
}

func (o *Orchestrator) SetTasks(tasks ...model.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append([]model.Task(nil), tasks...)
}

func (o *Orchestrator) SetState(state model.TaskState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[state.TaskID] = state
}

func (o *Orchestrator) SetTranscript(taskID string, lines ...model.TranscriptLine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts[taskID] = append([]model.TranscriptLine(nil), lines...)
}

func (o *Orchestrator) SetDecisions(decisions ...model.PendingDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append([]model.PendingDecision(nil), decisions...)
}

func (o *Orchestrator) SetInitiatives(initiatives ...model.Initiative) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initiatives = append([]model.Initiative(nil), initiatives...)
}

func (o *Orchestrator) SetSession(session model.SessionUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = session
}

// SetOverride forces every request for path to answer with status and body
// until cleared with an empty body.
func (o *Orchestrator) SetOverride(path string, status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if body == "" && status == 0 {
		delete(o.overrides, path)
		return
	}
	o.overrides[path] = override{status: status, body: body}
}

// Requests returns "METHOD path" for every REST call seen so far.
func (o *Orchestrator) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

// Subscribes yields the task_id of each subscribe frame received.
func (o *Orchestrator) Subscribes() <-chan string {
	return o.subscribes
}

// Commands yields each command frame received.
func (o *Orchestrator) Commands() <-chan wire.Frame {
	return o.commands
}

// Dials reports how many websocket connections were accepted.
func (o *Orchestrator) Dials() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dials
}

// PushEvent broadcasts one event frame to all connected clients.
func (o *Orchestrator) PushEvent(kind model.EventKind, entityID string, payload any, at time.Time) {
	o.t.Helper()
	frame, err := wire.EventFrame(kind, entityID, payload, at)
	if err != nil {
		o.t.Fatalf("build event frame: %v", err)
	}
	data, err := frame.Encode()
	if err != nil {
		o.t.Fatalf("encode event frame: %v", err)
	}
	o.broadcast(data)
}

// PushRaw broadcasts a raw text frame, valid or not.
func (o *Orchestrator) PushRaw(data string) {
	o.broadcast([]byte(data))
}

// DropConnections closes every live websocket from the server side.
func (o *Orchestrator) DropConnections() {
	o.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(o.conns))
	for c := range o.conns {
		conns = append(conns, c)
	}
	o.conns = make(map[*websocket.Conn]*connWriter)
	o.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (o *Orchestrator) broadcast(data []byte) {
	o.mu.Lock()
	writers := make([]*connWriter, 0, len(o.conns))
	for _, w := range o.conns {
		writers = append(writers, w)
	}
	o.mu.Unlock()
	for _, w := range writers {
		_ = w.writeRaw(data)
	}
}

func (o *Orchestrator) handle(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.requests = append(o.requests, r.Method+" "+r.URL.Path)
		ov, forced := o.overrides[r.URL.Path]
		o.mu.Unlock()
		if forced {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ov.status)
			_, _ = w.Write([]byte(ov.body))
			return
		}
		fn(w, r)
	}
}

func (o *Orchestrator) handleListTasks(w http.ResponseWriter, r *http.Request) {
	initiative := r.URL.Query().Get("initiative")
	o.mu.Lock()
	tasks := make([]model.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		if initiative != "" && t.InitiativeID != initiative {
			continue
		}
		tasks = append(tasks, t)
	}
	o.mu.Unlock()
	o.writeJSONResponse(w, tasks)
}

func (o *Orchestrator) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		if t.ID == id {
			o.writeJSONResponse(w, t)
			return
		}
	}
	o.writeError(w, http.StatusNotFound, "task not found: "+id)
}

func (o *Orchestrator) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o.mu.Lock()
	state, ok := o.states[id]
	o.mu.Unlock()
	if !ok {
		o.writeError(w, http.StatusNotFound, "state not found: "+id)
		return
	}
	o.writeJSONResponse(w, state)
}

func (o *Orchestrator) handleGetTranscripts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o.mu.Lock()
	lines := append([]model.TranscriptLine(nil), o.transcripts[id]...)
	o.mu.Unlock()
	o.writeJSONResponse(w, lines)
}

func (o *Orchestrator) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writer := &connWriter{conn: conn}
	o.mu.Lock()
	o.conns[conn] = writer
	o.dials++
	o.mu.Unlock()
	go o.readLoop(conn, writer)
}

// readLoop mirrors the orchestrator's frame handling: subscribe is acked and
// followed by an initial session_update, ping gets a pong frame, commands
// get a command_result, anything else an error frame.
func (o *Orchestrator) readLoop(conn *websocket.Conn, writer *connWriter) {
	defer func() {
		o.mu.Lock()
		delete(o.conns, conn)
		o.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			_ = writer.writeJSON(map[string]string{"type": "error", "error": "invalid message format"})
			continue
		}
		switch frame.Type {
		case wire.TypeSubscribe:
			select {
			case o.subscribes <- frame.TaskID:
			default:
			}
			_ = writer.writeJSON(map[string]string{"type": "subscribed", "task_id": frame.TaskID})
			if frame.TaskID == model.GlobalEntityID {
				o.mu.Lock()
				session := o.session
				o.mu.Unlock()
				initial, err := wire.EventFrame(model.KindSessionUpdate, model.GlobalEntityID, session, time.Now())
				if err == nil {
					_ = writer.writeJSON(initial)
				}
			}
		case wire.TypeUnsubscribe:
			// Nothing to ack.
		case wire.TypePing:
			_ = writer.writeJSON(map[string]string{"type": "pong"})
		case wire.TypeCommand:
			select {
			case o.commands <- frame:
			default:
			}
			_ = writer.writeJSON(map[string]string{
				"type":    "command_result",
				"action":  frame.Action,
				"task_id": frame.TaskID,
				"status":  "ok",
			})
		default:
			_ = writer.writeJSON(map[string]string{"type": "error", "error": "unknown message type: " + frame.Type})
		}
	}
}

func (o *Orchestrator) writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (o *Orchestrator) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
