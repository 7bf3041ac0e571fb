// Package apiclient is the typed REST surface of the orchestrator. It covers
// the snapshot reads (tasks, state, decisions, initiatives, session stats)
// and the command writes (resolve, pause, resume, cancel); live updates
// arrive over the push stream, not here.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/agtdeck/internal/model"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
	token        string
	clientID     string
}

type Option func(*Client)

// WithHTTPClient replaces the underlying transport. Nil is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithClientID sets the persistent instance id sent as X-Client-ID.
func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = strings.TrimSpace(id)
	}
}

// WithUnaryTimeout caps the per-call deadline. Zero disables the cap and
// leaves only the caller's context in charge.
func WithUnaryTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.unaryTimeout = timeout
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		unaryTimeout: defaultUnaryTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestError is a non-2xx response decoded from the error body when the
// server sent one.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

// Retryable reports whether the failure is worth repeating as-is. Client
// errors other than timeout and rate limiting are not.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// SessionStats returns the session-wide aggregate, the same shape the
// session_update stream event carries.
func (c *Client) SessionStats(ctx context.Context) (model.SessionUpdate, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/session", nil, nil)
	if err != nil {
		return model.SessionUpdate{}, err
	}
	var stats model.SessionUpdate
	if err := json.Unmarshal(body, &stats); err != nil {
		return model.SessionUpdate{}, fmt.Errorf("decode session stats: %w", err)
	}
	return stats, nil
}

type ListTasksOptions struct {
	Initiative string
}

func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]model.Task, error) {
	query := url.Values{}
	if initiative := strings.TrimSpace(opts.Initiative); initiative != "" {
		query.Set("initiative", initiative)
	}
	body, err := c.request(ctx, http.MethodGet, "/api/tasks", query, nil)
	if err != nil {
		return nil, err
	}
	var tasks []model.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return model.Task{}, fmt.Errorf("task id is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return model.Task{}, err
	}
	var task model.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return model.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

func (c *Client) GetTaskState(ctx context.Context, taskID string) (model.TaskState, error) {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return model.TaskState{}, fmt.Errorf("task id is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/state", nil, nil)
	if err != nil {
		return model.TaskState{}, err
	}
	var state model.TaskState
	if err := json.Unmarshal(body, &state); err != nil {
		return model.TaskState{}, fmt.Errorf("decode task state: %w", err)
	}
	if state.TaskID == "" {
		state.TaskID = id
	}
	return state, nil
}

func (c *Client) Transcripts(ctx context.Context, taskID string) ([]model.TranscriptLine, error) {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/transcripts", nil, nil)
	if err != nil {
		return nil, err
	}
	var lines []model.TranscriptLine
	if err := json.Unmarshal(body, &lines); err != nil {
		return nil, fmt.Errorf("decode transcripts: %w", err)
	}
	return lines, nil
}

func (c *Client) ListDecisions(ctx context.Context) ([]model.PendingDecision, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/decisions", nil, nil)
	if err != nil {
		return nil, err
	}
	var decisions []model.PendingDecision
	if err := json.Unmarshal(body, &decisions); err != nil {
		return nil, fmt.Errorf("decode decision list: %w", err)
	}
	return decisions, nil
}

type resolveDecisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Client) ResolveDecision(ctx context.Context, decisionID string, approved bool, reason string) error {
	id := strings.TrimSpace(decisionID)
	if id == "" {
		return fmt.Errorf("decision id is required")
	}
	req := resolveDecisionRequest{Approved: approved, Reason: strings.TrimSpace(reason)}
	_, err := c.request(ctx, http.MethodPost, "/api/decisions/"+url.PathEscape(id), nil, req)
	return err
}

func (c *Client) ListInitiatives(ctx context.Context) ([]model.Initiative, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/initiatives", nil, nil)
	if err != nil {
		return nil, err
	}
	var initiatives []model.Initiative
	if err := json.Unmarshal(body, &initiatives); err != nil {
		return nil, fmt.Errorf("decode initiative list: %w", err)
	}
	return initiatives, nil
}

func (c *Client) PauseTask(ctx context.Context, taskID string) error {
	return c.taskCommand(ctx, taskID, "pause")
}

func (c *Client) ResumeTask(ctx context.Context, taskID string) error {
	return c.taskCommand(ctx, taskID, "resume")
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.taskCommand(ctx, taskID, "cancel")
}

func (c *Client) PauseSession(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "/api/session/pause", nil, nil)
	return err
}

func (c *Client) ResumeSession(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "/api/session/resume", nil, nil)
	return err
}

func (c *Client) taskCommand(ctx context.Context, taskID, action string) error {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := c.request(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+action, nil, nil)
	return err
}

// errorBody covers the two error shapes the orchestrator writes: a flat
// {"error": "..."} from plain handlers and {"code", "what", "why"} from
// structured ones.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why"`
	Message string `json:"message"`
}

func (b errorBody) message() string {
	if m := strings.TrimSpace(b.Message); m != "" {
		return m
	}
	what := strings.TrimSpace(b.What)
	why := strings.TrimSpace(b.Why)
	if what != "" && why != "" {
		return what + ": " + why
	}
	if what != "" {
		return what
	}
	return strings.TrimSpace(b.Error)
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(payload, &eb); err == nil {
			if msg := eb.message(); msg != "" || eb.Code != "" {
				return nil, &RequestError{
					StatusCode: resp.StatusCode,
					Code:       strings.TrimSpace(eb.Code),
					Message:    msg,
				}
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
