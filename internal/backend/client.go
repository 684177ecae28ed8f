package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/reliability"
	"github.com/unmodeled-tyler/eigent-sub000/internal/stream"
)

// TakeControlAction is the body action for PUT /task/{project_id}/take-control.
type TakeControlAction string

const (
	TakeControlPause  TakeControlAction = "pause"
	TakeControlResume TakeControlAction = "resume"
)

// StatusError is a non-2xx response from a non-streaming call.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Attach is a file reference sent along with a question.
type Attach struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
}

type StartRequest struct {
	ProjectID string   `json:"project_id"`
	TaskID    string   `json:"task_id"`
	Question  string   `json:"question"`
	Attaches  []Attach `json:"attaches,omitempty"`
}

func (r StartRequest) Prompt() string { return r.Question }

type ImproveRequest struct {
	Question string   `json:"question"`
	TaskID   string   `json:"task_id"`
	Attaches []Attach `json:"attaches,omitempty"`
}

type PlannedSubTask struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// API is the external chat backend consumed by the task runtime.
type API interface {
	StartChat(ctx context.Context, req StartRequest, h stream.Handlers) (*stream.Handle, error)
	Improve(ctx context.Context, projectID string, req ImproveRequest) error
	HumanReply(ctx context.Context, projectID, agent, reply string) error
	SkipTask(ctx context.Context, projectID string) error
	TakeControl(ctx context.Context, projectID string, action TakeControlAction) error
	StartExecution(ctx context.Context, projectID string, plan []PlannedSubTask) error
	RemoveTask(ctx context.Context, projectID, taskID string) error
	Playback(ctx context.Context, token string, delay time.Duration, share bool, h stream.Handlers) (*stream.Handle, error)
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCap       time.Duration
}

// Client talks to the chat backend over HTTP. Streaming calls go through the
// supplied stream adapter.
type Client struct {
	baseURL     string
	http        *http.Client
	streams     stream.Adapter
	logger      *slog.Logger
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

func NewClient(cfg Config, streams stream.Adapter, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		streams:     streams,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		retryCap:    cfg.RetryCap,
	}
}

func (c *Client) StartChat(ctx context.Context, req StartRequest, h stream.Handlers) (*stream.Handle, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	return c.streams.Open(ctx, stream.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/chat",
		Body:   req,
	}, h)
}

func (c *Client) Improve(ctx context.Context, projectID string, req ImproveRequest) error {
	return c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID), req)
}

func (c *Client) HumanReply(ctx context.Context, projectID, agent, reply string) error {
	return c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/human-reply", map[string]string{
		"agent": agent,
		"reply": reply,
	})
}

func (c *Client) SkipTask(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/skip-task", map[string]string{
		"project_id": projectID,
	})
}

func (c *Client) TakeControl(ctx context.Context, projectID string, action TakeControlAction) error {
	return c.do(ctx, http.MethodPut, "/task/"+url.PathEscape(projectID)+"/take-control", map[string]string{
		"action": string(action),
	})
}

// StartExecution submits the confirmed plan and asks the backend to run it.
func (c *Client) StartExecution(ctx context.Context, projectID string, plan []PlannedSubTask) error {
	path := "/task/" + url.PathEscape(projectID)
	if err := c.do(ctx, http.MethodPut, path, map[string]any{"task": plan}); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path+"/start", nil)
}

func (c *Client) RemoveTask(ctx context.Context, projectID, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/"+url.PathEscape(projectID)+"/remove-task/"+url.PathEscape(taskID), nil)
}

func (c *Client) Playback(ctx context.Context, token string, delay time.Duration, share bool, h stream.Handlers) (*stream.Handle, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("playback token is required")
	}
	return c.streams.Open(ctx, stream.Request{
		Method: http.MethodGet,
		URL:    c.PlaybackURL(token, delay, share),
	}, h)
}

// PlaybackURL builds the playback endpoint for a recorded task.
func (c *Client) PlaybackURL(token string, delay time.Duration, share bool) string {
	if share {
		return c.baseURL + "/api/chat/share/playback/" + url.PathEscape(token)
	}
	u := c.baseURL + "/api/chat/steps/playback/" + url.PathEscape(token)
	if delay > 0 {
		u += "?delay_time=" + strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.retryBase, c.retryCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = c.once(ctx, method, path, payload)
		if lastErr == nil || !reliability.IsRetryable(lastErr) {
			return lastErr
		}
		c.logger.Warn("backend call failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Method: method, Path: path, Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
