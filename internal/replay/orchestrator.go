package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/observability"
	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
	"github.com/unmodeled-tyler/eigent-sub000/internal/taskruntime"
)

const projectNamePrefix = "Replay Project "

// HomePath is where callers are sent once a replay reaches its end step.
const HomePath = "/"

var ErrNoHistory = errors.New("history id is required")

// Navigator moves the view of the replay project's watchers to path. It is
// called from a stream goroutine and must not block.
type Navigator func(projectID, path string)

type Request struct {
	// ProjectID is the id of the new project. Empty generates one.
	ProjectID string         `json:"project_id,omitempty"`
	Question  string         `json:"question"`
	HistoryID string         `json:"history_id"`
	Type      chat.TaskType  `json:"type,omitempty"`
	Delay     *time.Duration `json:"-"`
}

type Result struct {
	ProjectID   string `json:"project_id"`
	ContainerID string `json:"container_id"`
	TaskID      string `json:"task_id"`
}

type Orchestrator struct {
	runtime  *taskruntime.Service
	projects *project.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	delay    time.Duration
}

// New returns an orchestrator. delay is the default pause between replayed
// steps.
func New(runtime *taskruntime.Service, metrics *observability.Metrics, delay time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		runtime:  runtime,
		projects: runtime.Projects(),
		metrics:  metrics,
		logger:   logger,
		delay:    delay,
	}
}

// ReplayProject builds a new project holding one recorded task and plays the
// history into it.
func (o *Orchestrator) ReplayProject(ctx context.Context, req Request, navigate Navigator) (Result, error) {
	token := strings.TrimSpace(req.HistoryID)
	if token == "" {
		return Result{}, ErrNoHistory
	}
	taskType := req.Type
	switch taskType {
	case "":
		taskType = chat.TypeReplay
	case chat.TypeReplay, chat.TypeShare:
	default:
		return Result{}, fmt.Errorf("unsupported replay type %q", taskType)
	}
	question := req.Question
	if strings.TrimSpace(question) == "" {
		question = ""
	}

	projectID, c, err := o.projects.CreateRecordedProject(req.ProjectID, projectNamePrefix+question, taskType)
	if err != nil {
		return Result{}, err
	}
	taskID := c.ActiveTaskID()

	// Without a question the first message comes from the confirmed step.
	seed := []chat.Action{chat.SetHasMessages{Value: true}, chat.SetPending{Value: true}}
	if question != "" {
		seed = []chat.Action{chat.BeginRound{Message: chat.Message{Content: question}, CorrelationID: taskID}}
	}
	if _, err := c.Dispatch(taskID, seed...); err != nil {
		o.discard(projectID)
		return Result{}, err
	}

	delay := o.delay
	if req.Delay != nil {
		delay = *req.Delay
	}
	err = o.runtime.Playback(ctx, taskruntime.PlaybackRequest{
		ProjectID:   projectID,
		ContainerID: c.ID(),
		TaskID:      taskID,
		Token:       token,
		Share:       taskType == chat.TypeShare,
		Delay:       delay,
		OnEnd: func(task chat.Task) {
			o.logger.Info("replay finished", "project_id", projectID, "task_id", task.ID, "outcome", task.Outcome)
			if navigate != nil {
				navigate(projectID, HomePath)
			}
		},
	})
	if err != nil {
		o.discard(projectID)
		return Result{}, err
	}
	o.metrics.ObserveReplay(string(taskType))
	o.logger.Info("replay started", "project_id", projectID, "container_id", c.ID(), "task_id", taskID, "type", taskType)
	return Result{ProjectID: projectID, ContainerID: c.ID(), TaskID: taskID}, nil
}

// discard drops a replay project whose playback never started.
func (o *Orchestrator) discard(projectID string) {
	if err := o.projects.RemoveProject(projectID); err != nil {
		o.logger.Warn("remove failed replay project", "project_id", projectID, "error", err)
	}
}

// ReplayActiveTask replays the active task of c under the task's own id. The
// replay's first message is the task's first user message verbatim.
func (o *Orchestrator) ReplayActiveTask(ctx context.Context, c *chat.Store, navigate Navigator) (Result, error) {
	task, err := c.Active()
	if err != nil {
		return Result{}, err
	}
	question, _ := task.FirstUserMessage()
	return o.ReplayProject(ctx, Request{
		Question:  question,
		HistoryID: task.ID,
		Type:      chat.TypeReplay,
	}, navigate)
}
