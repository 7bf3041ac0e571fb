// Package stream owns the push-stream connection: dialing, the read/write
// pumps, liveness, and the reconnect loop. It emits normalized envelopes on
// a channel and reports connection status transitions; it never touches the
// stores.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/wire"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

const (
	DefaultMinBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	defaultEnvelopeBuffer = 256
	defaultNoticeBuffer   = 64
	defaultDialTimeout    = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("stream: already running")

// Counters are cumulative connection diagnostics.
type Counters struct {
	FramesRead       uint64
	Envelopes        uint64
	Malformed        uint64
	Reconnects       uint64
	CommandResults   uint64
	ServerErrors     uint64
	NoticesDropped   uint64
	LastConnectAt    time.Time
	LastDisconnectAt time.Time
}

// Notice is a non-event occurrence worth journaling: server error frames,
// command results, malformed drops. Notices are advisory; when nobody drains
// the channel they are dropped and counted.
type Notice struct {
	At     time.Time
	Kind   string
	Detail string
}

const (
	NoticeMalformed     = "malformed_frame"
	NoticeServerError   = "server_error"
	NoticeCommandResult = "command_result"
)

type Options struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string

	// Token and ClientID ride the dial request headers, mirroring the REST
	// client's identity.
	Token    string
	ClientID string

	MinBackoff time.Duration
	MaxBackoff time.Duration
	SkewBudget time.Duration

	// PongWait is how long a connection may go without a server heartbeat
	// before the read deadline trips and the loop reconnects.
	PongWait time.Duration

	// EnvelopeBuffer caps the inbound channel. A full channel blocks the
	// read pump, which eventually trips the read deadline and forces a
	// reconnect; reconciliation covers whatever was missed.
	EnvelopeBuffer int

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.SkewBudget <= 0 {
		o.SkewBudget = wire.DefaultSkewBudget
	}
	if o.PongWait <= 0 {
		o.PongWait = wire.PongWait
	}
	if o.EnvelopeBuffer <= 0 {
		o.EnvelopeBuffer = defaultEnvelopeBuffer
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}
	return o
}

type Manager struct {
	opts Options

	envs    chan *model.Envelope
	notices chan Notice

	statusMu sync.Mutex
	status   Status
	subs     []func(Status)

	countersMu sync.Mutex
	counters   Counters

	runMu   sync.Mutex
	running bool

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		envs:    make(chan *model.Envelope, opts.EnvelopeBuffer),
		notices: make(chan Notice, defaultNoticeBuffer),
		status:  StatusDisconnected,
		closed:  make(chan struct{}),
	}
}

// Envelopes is the inbound event channel. It closes when Run returns.
func (m *Manager) Envelopes() <-chan *model.Envelope {
	return m.envs
}

// Notices is the journal-bound side channel for non-event frames.
func (m *Manager) Notices() <-chan Notice {
	return m.notices
}

// OnStatusChange registers cb and invokes it immediately with the current
// status. Callbacks run on the connection goroutine and must return quickly.
func (m *Manager) OnStatusChange(cb func(Status)) {
	if cb == nil {
		return
	}
	m.statusMu.Lock()
	m.subs = append(m.subs, cb)
	cur := m.status
	m.statusMu.Unlock()
	cb(cur)
}

func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Manager) Stats() Counters {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	return m.counters
}

// Close tears the connection down and ends Run. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Run owns the connection until ctx ends or Close is called. Connect
// failures are never fatal: the loop backs off and retries, reporting
// through the status signal, so consumers degrade to stale reads instead of
// crashing.
func (m *Manager) Run(ctx context.Context) error {
	if strings.TrimSpace(m.opts.URL) == "" {
		return fmt.Errorf("stream: url is required")
	}
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.closed:
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer close(m.envs)
	defer m.setStatus(StatusDisconnected)

	m.setStatus(StatusConnecting)
	backoff := m.opts.MinBackoff
	connected := false
	for {
		if err := runCtx.Err(); err != nil {
			return err
		}
		conn, err := m.dial(runCtx)
		if err != nil {
			m.setStatus(StatusReconnecting)
			if err := sleepWithContext(runCtx, jitterDelay(backoff)); err != nil {
				return err
			}
			backoff *= 2
			if backoff > m.opts.MaxBackoff {
				backoff = m.opts.MaxBackoff
			}
			continue
		}

		backoff = m.opts.MinBackoff
		m.countersMu.Lock()
		if connected {
			m.counters.Reconnects++
		}
		m.counters.LastConnectAt = time.Now()
		m.countersMu.Unlock()
		connected = true
		m.setStatus(StatusConnected)

		err = m.serve(runCtx, conn)
		m.countersMu.Lock()
		m.counters.LastDisconnectAt = time.Now()
		m.countersMu.Unlock()
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		_ = err
		m.setStatus(StatusReconnecting)
		if err := sleepWithContext(runCtx, jitterDelay(backoff)); err != nil {
			return err
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	if m.opts.ClientID != "" {
		header.Set("X-Client-ID", m.opts.ClientID)
	}
	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// serve runs one connection: subscribe to everything, then pump until the
// peer goes away or ctx ends.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(wire.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wire.WriteWait))
	})

	// Unblock ReadMessage when ctx ends.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	sub, err := wire.Subscribe(model.GlobalEntityID).Encode()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wire.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go m.writePump(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.countersMu.Lock()
		m.counters.FramesRead++
		m.countersMu.Unlock()
		m.handleFrame(connCtx, data, time.Now())
	}
}

// writePump keeps the connection alive with protocol pings. Only this
// goroutine writes data frames after the subscribe handshake.
func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wire.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wire.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, data []byte, receivedAt time.Time) {
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		m.noteMalformed(receivedAt, err.Error())
		return
	}
	switch frame.Type {
	case wire.TypeEvent:
		env, err := frame.Envelope(receivedAt, m.opts.SkewBudget)
		if err != nil {
			m.noteMalformed(receivedAt, err.Error())
			return
		}
		select {
		case m.envs <- env:
			m.countersMu.Lock()
			m.counters.Envelopes++
			m.countersMu.Unlock()
		case <-ctx.Done():
		}
	case wire.TypeSubscribed, wire.TypePong:
		// Handshake ack and app-level pong, consumed here.
	case wire.TypeCommandResult:
		m.countersMu.Lock()
		m.counters.CommandResults++
		m.countersMu.Unlock()
		m.notice(Notice{At: receivedAt, Kind: NoticeCommandResult, Detail: string(frame.Data)})
	case wire.TypeError:
		m.countersMu.Lock()
		m.counters.ServerErrors++
		m.countersMu.Unlock()
		m.notice(Notice{At: receivedAt, Kind: NoticeServerError, Detail: frame.Error})
	default:
		m.noteMalformed(receivedAt, "unknown frame type: "+frame.Type)
	}
}

func (m *Manager) noteMalformed(at time.Time, detail string) {
	m.countersMu.Lock()
	m.counters.Malformed++
	m.countersMu.Unlock()
	m.notice(Notice{At: at, Kind: NoticeMalformed, Detail: detail})
}

func (m *Manager) notice(n Notice) {
	select {
	case m.notices <- n:
	default:
		m.countersMu.Lock()
		m.counters.NoticesDropped++
		m.countersMu.Unlock()
	}
}

func (m *Manager) setStatus(next Status) {
	m.statusMu.Lock()
	if m.status == next {
		m.statusMu.Unlock()
		return
	}
	m.status = next
	subs := make([]func(Status), len(m.subs))
	copy(subs, m.subs)
	m.statusMu.Unlock()
	for _, cb := range subs {
		cb(next)
	}
}

// jitterDelay spreads d by up to twenty percent either way so reconnecting
// clients do not stampede the server in sync.
func jitterDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d / 5)
	if span <= 0 {
		return d
	}
	offset := time.Now().UTC().UnixNano()%(2*span) - span
	return d + time.Duration(offset)
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
