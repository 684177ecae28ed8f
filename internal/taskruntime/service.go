package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unmodeled-tyler/eigent-sub000/internal/backend"
	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/logging"
	"github.com/unmodeled-tyler/eigent-sub000/internal/observability"
	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
	"github.com/unmodeled-tyler/eigent-sub000/internal/stream"
)

var ErrTaskBusy = errors.New("task in progress")

const skipReply = "skip"

type Config struct {
	// AskTimeout is how long a human ask waits before it is answered with "skip".
	AskTimeout time.Duration
}

type SendOutcome string

const (
	OutcomeStarted   SendOutcome = "started"
	OutcomeContinued SendOutcome = "continued"
	OutcomeQueued    SendOutcome = "queued"
)

type SendRequest struct {
	ProjectID string        `json:"project_id"`
	Content   string        `json:"content"`
	Attaches  []chat.Attach `json:"attaches,omitempty"`
	// Parallel starts a new container instead of failing when the active task
	// is busy. Only programmatic callers set it.
	Parallel bool `json:"parallel,omitempty"`
}

type SendResult struct {
	Outcome     SendOutcome            `json:"outcome"`
	ContainerID string                 `json:"container_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	Queued      *project.QueuedMessage `json:"queued,omitempty"`
}

type PlaybackRequest struct {
	ProjectID   string
	ContainerID string
	TaskID      string
	Token       string
	Share       bool
	Delay       time.Duration
	// OnEnd runs on the stream goroutine when the playback reaches its end
	// step. It must not block.
	OnEnd func(chat.Task)
}

// StreamInfo describes one open stream binding.
type StreamInfo struct {
	ProjectID   string `json:"project_id"`
	ContainerID string `json:"container_id"`
	TaskID      string `json:"task_id"`
	Replay      bool   `json:"replay"`
}

// binding ties one open stream to the task its events are reduced into.
// Fields are guarded by Service.mu.
type binding struct {
	projectID   string
	containerID string
	taskID      string
	replay      bool
	onEnd       func(chat.Task)

	handle        *stream.Handle
	attached      bool
	skipRequested bool
	roundStart    time.Time
	sawEvent      bool
	replyAt       time.Time
}

type askTimer struct {
	agent string
	gen   uint64
	timer *time.Timer
}

// Service binds task containers to backend streams and applies the busy,
// continuation and queue policy on top of the project manager.
type Service struct {
	projects   *project.Manager
	api        backend.API
	metrics    *observability.Metrics
	logger     *slog.Logger
	askTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	bindings    map[string]*binding
	asks        map[string]*askTimer
	askGen      uint64
	dispatching map[string]bool
	redispatch  map[string]bool
}

func New(cfg Config, projects *project.Manager, api backend.API, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		projects:    projects,
		api:         api,
		metrics:     metrics,
		logger:      logger,
		askTimeout:  cfg.AskTimeout,
		ctx:         ctx,
		cancel:      cancel,
		bindings:    make(map[string]*binding),
		asks:        make(map[string]*askTimer),
		dispatching: make(map[string]bool),
		redispatch:  make(map[string]bool),
	}
}

func (s *Service) Projects() *project.Manager {
	return s.projects
}

// Submit is the interactive send path: a busy active task queues the message.
func (s *Service) Submit(ctx context.Context, req SendRequest) (SendResult, error) {
	req.Parallel = false
	return s.send(ctx, req, true)
}

// StartTask is the programmatic send path. A busy active task fails with
// ErrTaskBusy unless req.Parallel is set.
func (s *Service) StartTask(ctx context.Context, req SendRequest) (SendResult, error) {
	return s.send(ctx, req, false)
}

func (s *Service) send(ctx context.Context, req SendRequest, queueIfBusy bool) (SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return SendResult{}, errors.New("content is required")
	}
	container, err := s.projects.ActiveChatStore(req.ProjectID)
	if err != nil {
		return SendResult{}, err
	}
	task, err := container.Active()
	if errors.Is(err, chat.ErrTaskNotFound) {
		task, err = container.Get(container.Create(chat.TypeNormal))
	}
	if err != nil {
		return SendResult{}, err
	}

	replaying := s.replayActive(container.ID())
	if replaying || task.Busy() {
		switch {
		case replaying || req.Parallel:
			return s.startInNewContainer(req.ProjectID, content, req.Attaches)
		case queueIfBusy:
			s.metrics.ObserveBusyRejection()
			return s.enqueue(req, container.ID(), task.ID, content)
		default:
			s.metrics.ObserveBusyRejection()
			return SendResult{}, fmt.Errorf("%w: %s", ErrTaskBusy, task.ID)
		}
	}
	if queueIfBusy {
		// Earlier queued input goes first.
		pending, err := s.projects.QueuedMessages(req.ProjectID)
		if err != nil {
			return SendResult{}, err
		}
		if len(pending) > 0 {
			res, err := s.enqueue(req, container.ID(), task.ID, content)
			if err == nil {
				go s.dispatchNext(req.ProjectID)
			}
			return res, err
		}
	}
	if task.IsContextExceeded {
		return SendResult{}, fmt.Errorf("%w: %s", chat.ErrContextExceeded, task.ID)
	}

	if task.CanContinue() {
		if b := s.bindingFor(container.ID(), task.ID); b != nil {
			return s.continueTask(ctx, req.ProjectID, container, b, task, content, req.Attaches)
		}
		return s.startFresh(req.ProjectID, container, container.Create(chat.TypeNormal), content, req.Attaches)
	}

	switch {
	case task.Type != chat.TypeNormal:
		// Recorded tasks never share a container with live ones.
		return s.startInNewContainer(req.ProjectID, content, req.Attaches)
	case len(task.Messages) == 0:
		return s.startFresh(req.ProjectID, container, task.ID, content, req.Attaches)
	default:
		return s.startFresh(req.ProjectID, container, container.Create(chat.TypeNormal), content, req.Attaches)
	}
}

func (s *Service) enqueue(req SendRequest, containerID, taskID, content string) (SendResult, error) {
	q, err := s.projects.AddQueuedMessage(req.ProjectID, content, req.Attaches)
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.AddQueued(1)
	s.logger.Info("message queued", "project_id", req.ProjectID, "task_id", taskID, "queued_id", q.TaskID, "preview", logging.Preview(content, 80))
	return SendResult{Outcome: OutcomeQueued, ContainerID: containerID, TaskID: taskID, Queued: &q}, nil
}

func (s *Service) startInNewContainer(projectID, content string, attaches []chat.Attach) (SendResult, error) {
	c, err := s.projects.AppendChatStore(projectID, chat.KindLive, chat.TypeNormal)
	if err != nil {
		return SendResult{}, err
	}
	return s.startFresh(projectID, c, c.ActiveTaskID(), content, attaches)
}

func (s *Service) startFresh(projectID string, c *chat.Store, taskID, content string, attaches []chat.Attach) (SendResult, error) {
	if _, err := c.Dispatch(taskID, chat.BeginRound{
		Message:       chat.Message{Content: content, Attaches: attaches},
		CorrelationID: taskID,
	}); err != nil {
		return SendResult{}, err
	}
	if c.ActiveTaskID() != taskID {
		if err := c.SetActiveTaskID(taskID); err != nil {
			return SendResult{}, err
		}
	}

	b := &binding{projectID: projectID, containerID: c.ID(), taskID: taskID, roundStart: time.Now()}
	s.attach(b)
	h, err := s.api.StartChat(s.ctx, backend.StartRequest{
		ProjectID: projectID,
		TaskID:    taskID,
		Question:  content,
		Attaches:  toBackendAttaches(attaches),
	}, s.handlers(b))
	if err != nil {
		s.detach(b)
		s.metrics.ObserveStreamError("open")
		s.logger.Warn("start task stream failed", "project_id", projectID, "task_id", taskID, "error", err)
		s.fail(c, taskID, "Failed to start task: "+err.Error())
		return SendResult{}, fmt.Errorf("start task: %w", err)
	}
	s.setHandle(b, h)
	s.logger.Info("task started", "project_id", projectID, "container_id", c.ID(), "task_id", taskID, "preview", logging.Preview(content, 80))
	return SendResult{Outcome: OutcomeStarted, ContainerID: c.ID(), TaskID: taskID}, nil
}

// continueTask sends a follow-up through the improve endpoint. The reply
// arrives on the container's open stream and is reduced into the same task.
func (s *Service) continueTask(ctx context.Context, projectID string, c *chat.Store, b *binding, task chat.Task, content string, attaches []chat.Attach) (SendResult, error) {
	correlationID := uuid.NewString()
	if _, err := c.Dispatch(task.ID, chat.BeginRound{
		Message:       chat.Message{Content: content, Attaches: attaches},
		CorrelationID: correlationID,
	}); err != nil {
		return SendResult{}, err
	}
	s.mu.Lock()
	b.roundStart = time.Now()
	b.sawEvent = false
	b.skipRequested = false
	s.mu.Unlock()

	err := s.api.Improve(ctx, projectID, backend.ImproveRequest{
		Question: content,
		TaskID:   correlationID,
		Attaches: toBackendAttaches(attaches),
	})
	if err != nil {
		s.metrics.ObserveBackendFailure("improve")
		s.logger.Warn("continue task failed", "project_id", projectID, "task_id", task.ID, "error", err)
		s.fail(c, task.ID, "Failed to continue task: "+err.Error())
		return SendResult{}, fmt.Errorf("continue task: %w", err)
	}
	return SendResult{Outcome: OutcomeContinued, ContainerID: c.ID(), TaskID: task.ID}, nil
}

// ConfirmPlan marks the pending plan confirmed and asks the backend to execute it.
func (s *Service) ConfirmPlan(ctx context.Context, projectID, taskID string) (chat.Task, error) {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return chat.Task{}, err
	}
	task, err := c.Dispatch(taskID, chat.ConfirmPlan{}, chat.SetPending{Value: true})
	if err != nil {
		return chat.Task{}, err
	}
	plan := make([]backend.PlannedSubTask, 0, len(task.TaskInfo))
	for _, st := range task.TaskInfo {
		plan = append(plan, backend.PlannedSubTask{ID: st.ID, Content: st.Content, Status: st.Status})
	}
	if err := s.api.StartExecution(ctx, projectID, plan); err != nil {
		s.metrics.ObserveBackendFailure("start_execution")
		s.fail(c, taskID, "Failed to start execution: "+err.Error())
		go s.dispatchNext(projectID)
		return chat.Task{}, fmt.Errorf("start execution: %w", err)
	}
	return task, nil
}

func (s *Service) Pause(ctx context.Context, projectID, taskID string) (chat.Task, error) {
	return s.control(ctx, projectID, taskID, backend.TakeControlPause, []chat.Action{chat.Pause{}}, []chat.Action{chat.Resume{}})
}

func (s *Service) Resume(ctx context.Context, projectID, taskID string) (chat.Task, error) {
	return s.control(ctx, projectID, taskID, backend.TakeControlResume,
		[]chat.Action{chat.Resume{}, chat.SetTakeControl{Value: false}},
		[]chat.Action{chat.Pause{}})
}

// TakeControl hands execution to the human (on) or back to the agents (off).
func (s *Service) TakeControl(ctx context.Context, projectID, taskID string, on bool) (chat.Task, error) {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return chat.Task{}, err
	}
	task, err := c.Get(taskID)
	if err != nil {
		return chat.Task{}, err
	}
	if on {
		apply := []chat.Action{chat.SetTakeControl{Value: true}}
		undo := []chat.Action{chat.SetTakeControl{Value: false}}
		if task.Status == chat.StatusRunning {
			apply = append(apply, chat.Pause{})
			undo = append(undo, chat.Resume{})
		}
		return s.control(ctx, projectID, taskID, backend.TakeControlPause, apply, undo)
	}
	apply := []chat.Action{chat.SetTakeControl{Value: false}}
	undo := []chat.Action{chat.SetTakeControl{Value: true}}
	if task.Status == chat.StatusPause {
		apply = append(apply, chat.Resume{})
		undo = append(undo, chat.Pause{})
	}
	return s.control(ctx, projectID, taskID, backend.TakeControlResume, apply, undo)
}

// control applies actions locally, calls take-control and undoes the local
// change when the backend rejects it.
func (s *Service) control(ctx context.Context, projectID, taskID string, action backend.TakeControlAction, apply, undo []chat.Action) (chat.Task, error) {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return chat.Task{}, err
	}
	task, err := c.Dispatch(taskID, apply...)
	if err != nil {
		return chat.Task{}, err
	}
	if err := s.api.TakeControl(ctx, projectID, action); err != nil {
		s.metrics.ObserveBackendFailure("take_control")
		if _, undoErr := c.Dispatch(taskID, undo...); undoErr != nil {
			s.logger.Warn("undo take-control failed", "project_id", projectID, "task_id", taskID, "error", undoErr)
		}
		return chat.Task{}, fmt.Errorf("take control %s: %w", action, err)
	}
	return task, nil
}

// Skip asks the backend to stop the task. The stream stays open so the
// server's end step finishes the task. Repeated calls are no-ops.
func (s *Service) Skip(ctx context.Context, projectID, taskID string) error {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return err
	}
	b := s.bindingFor(c.ID(), taskID)
	if b == nil {
		_, err := c.Dispatch(taskID, chat.SetPending{Value: false})
		return err
	}

	s.mu.Lock()
	already := b.skipRequested
	b.skipRequested = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if b.replay {
		s.stopLocally(c, b)
		return nil
	}
	if err := s.api.SkipTask(ctx, projectID); err != nil {
		s.metrics.ObserveBackendFailure("skip_task")
		s.logger.Warn("skip task failed, closing stream locally", "project_id", projectID, "task_id", taskID, "error", err)
		s.stopLocally(c, b)
	}
	return nil
}

func (s *Service) stopLocally(c *chat.Store, b *binding) {
	s.closeBinding(b)
	task, err := c.Get(b.taskID)
	if err != nil {
		return
	}
	actions := []chat.Action{chat.SetPending{Value: false}}
	if !task.RoundEnded {
		actions = append(actions, chat.Finish{Outcome: chat.OutcomeStopped})
	}
	if task, err = c.Dispatch(b.taskID, actions...); err == nil {
		s.syncAsk(b.projectID, c, task, false)
	}
	if !b.replay {
		go s.dispatchNext(b.projectID)
	}
}

// Reply answers the task's active ask.
func (s *Service) Reply(ctx context.Context, projectID, taskID, reply string) (chat.Task, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return chat.Task{}, errors.New("reply is required")
	}
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return chat.Task{}, err
	}
	return s.reply(ctx, projectID, c, taskID, reply, "")
}

func (s *Service) reply(ctx context.Context, projectID string, c *chat.Store, taskID, reply, expectAgent string) (chat.Task, error) {
	task, err := c.Get(taskID)
	if err != nil {
		return chat.Task{}, err
	}
	agent := task.ActiveAsk
	if agent == "" || (expectAgent != "" && agent != expectAgent) {
		return chat.Task{}, chat.ErrNoActiveAsk
	}
	task, err = c.Dispatch(taskID, chat.AnswerAsk{Reply: reply, Agent: agent})
	if err != nil {
		return chat.Task{}, err
	}
	s.syncAsk(projectID, c, task, true)
	if b := s.bindingFor(c.ID(), taskID); b != nil {
		s.mu.Lock()
		b.replyAt = time.Now()
		s.mu.Unlock()
	}
	if err := s.api.HumanReply(ctx, projectID, agent, reply); err != nil {
		s.metrics.ObserveBackendFailure("human_reply")
		s.logger.Warn("human reply failed", "project_id", projectID, "task_id", taskID, "agent", agent, "error", err)
		return task, fmt.Errorf("send human reply: %w", err)
	}
	return task, nil
}

// Typing restarts the ask timeout while the human is composing a reply.
func (s *Service) Typing(projectID, taskID string) error {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return err
	}
	task, err := c.Get(taskID)
	if err != nil {
		return err
	}
	if task.ActiveAsk == "" {
		return chat.ErrNoActiveAsk
	}
	s.syncAsk(projectID, c, task, true)
	return nil
}

// RemoveTask closes the task's stream, deletes it locally and tells the
// backend on a best-effort basis.
func (s *Service) RemoveTask(ctx context.Context, projectID, taskID string) error {
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		return err
	}
	if b := s.bindingFor(c.ID(), taskID); b != nil {
		s.closeBinding(b)
	}
	s.stopAsk(askKey(c.ID(), taskID))
	if err := c.RemoveTask(taskID); err != nil {
		return err
	}
	if err := s.api.RemoveTask(ctx, projectID, taskID); err != nil {
		s.metrics.ObserveBackendFailure("remove_task")
		s.logger.Warn("backend remove task failed", "project_id", projectID, "task_id", taskID, "error", err)
	}
	return nil
}

// CancelQueued removes a queued message. It is put back when the backend
// rejects the removal for any reason other than not knowing the task.
func (s *Service) CancelQueued(ctx context.Context, projectID, queuedID string) error {
	removed, err := s.projects.RemoveQueuedMessage(projectID, queuedID)
	if err != nil {
		return err
	}
	s.metrics.AddQueued(-1)
	err = s.api.RemoveTask(ctx, projectID, queuedID)
	var statusErr *backend.StatusError
	if err == nil || (errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound) {
		return nil
	}
	s.metrics.ObserveBackendFailure("remove_task")
	if restoreErr := s.projects.RestoreQueuedMessage(projectID, removed); restoreErr != nil {
		s.logger.Error("restore queued message failed", "project_id", projectID, "queued_id", queuedID, "error", restoreErr)
		return errors.Join(err, restoreErr)
	}
	s.metrics.AddQueued(1)
	return fmt.Errorf("cancel queued message: %w", err)
}

// ClearQueued drops every queued message of the project.
func (s *Service) ClearQueued(projectID string) ([]project.QueuedMessage, error) {
	cleared, err := s.projects.ClearQueuedMessages(projectID)
	if err != nil {
		return nil, err
	}
	s.metrics.AddQueued(-len(cleared))
	return cleared, nil
}

// Playback opens a recorded event stream into an existing replay task.
func (s *Service) Playback(ctx context.Context, req PlaybackRequest) error {
	c, err := s.projects.ChatStore(req.ProjectID, req.ContainerID)
	if err != nil {
		return err
	}
	if _, err := c.Get(req.TaskID); err != nil {
		return err
	}
	b := &binding{
		projectID:   req.ProjectID,
		containerID: c.ID(),
		taskID:      req.TaskID,
		replay:      true,
		onEnd:       req.OnEnd,
		roundStart:  time.Now(),
	}
	s.attach(b)
	h, err := s.api.Playback(s.ctx, req.Token, req.Delay, req.Share, s.handlers(b))
	if err != nil {
		s.detach(b)
		s.metrics.ObserveStreamError("open")
		s.fail(c, req.TaskID, "Failed to open playback: "+err.Error())
		return fmt.Errorf("open playback: %w", err)
	}
	s.setHandle(b, h)
	return nil
}

func (s *Service) ActiveStreams() []StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamInfo, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, StreamInfo{ProjectID: b.projectID, ContainerID: b.containerID, TaskID: b.taskID, Replay: b.replay})
	}
	return out
}

// Close aborts every stream and ask timer.
func (s *Service) Close() error {
	s.mu.Lock()
	open := make([]*binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		open = append(open, b)
	}
	for key, at := range s.asks {
		at.timer.Stop()
		delete(s.asks, key)
	}
	s.mu.Unlock()

	for _, b := range open {
		s.closeBinding(b)
	}
	s.cancel()
	return nil
}

func (s *Service) handlers(b *binding) stream.Handlers {
	return stream.Handlers{
		OnEvent: func(evt protocol.Event) { s.handleEvent(b, evt) },
		OnError: func(err error) { s.handleStreamEnd(b, err) },
		OnClose: func() { s.handleStreamEnd(b, nil) },
	}
}

func (s *Service) handleEvent(b *binding, evt protocol.Event) {
	s.mu.Lock()
	attached := b.attached
	first := !b.sawEvent
	b.sawEvent = true
	roundStart := b.roundStart
	replyAt := b.replyAt
	b.replyAt = time.Time{}
	s.mu.Unlock()
	if !attached {
		return
	}

	step := string(evt.StepName())
	s.metrics.ObserveStep(step)
	if u, ok := evt.(protocol.Unknown); ok {
		s.logger.Debug("ignoring unknown step", "project_id", b.projectID, "task_id", b.taskID, "step", u.Step)
		return
	}

	c, err := s.projects.ChatStore(b.projectID, b.containerID)
	if err != nil {
		go s.closeBinding(b)
		return
	}
	var wasEnded, wasBusy bool
	if before, err := c.Get(b.taskID); err == nil {
		wasEnded = before.RoundEnded
		wasBusy = before.Busy()
	}
	task, err := c.Dispatch(b.taskID, chat.ApplyStep{Event: evt})
	if errors.Is(err, chat.ErrTaskNotFound) {
		go s.closeBinding(b)
		return
	}
	if err != nil {
		s.logger.Warn("apply step failed", "project_id", b.projectID, "task_id", b.taskID, "step", step, "error", err)
		return
	}

	if first && !roundStart.IsZero() {
		s.metrics.ObserveRoundStage(observability.StageSendToFirstEvent, time.Since(roundStart))
	}
	if !replyAt.IsZero() {
		s.metrics.ObserveRoundStage(observability.StageReplyToResume, time.Since(replyAt))
	}

	switch evt.(type) {
	case protocol.SubTasks:
		s.metrics.ObserveRoundStage(observability.StageSendToPlan, time.Since(roundStart))
	case protocol.Ask:
		s.syncAsk(b.projectID, c, task, false)
	case protocol.End:
		if wasEnded {
			return
		}
		s.syncAsk(b.projectID, c, task, false)
		s.metrics.ObserveRoundStage(observability.StageSendToEnd, time.Since(roundStart))
		s.metrics.ObserveTaskElapsed(task.Elapsed)
		s.logger.Info("task round ended", "project_id", b.projectID, "task_id", b.taskID, "outcome", task.Outcome)
		if b.onEnd != nil {
			b.onEnd(task)
		}
		if !b.replay {
			go s.dispatchNext(b.projectID)
		}
	default:
		// A wait_confirm or failed step frees the task without ending the round.
		if wasBusy && !task.Busy() && !b.replay {
			go s.dispatchNext(b.projectID)
		}
	}
}

// handleStreamEnd runs when a stream ends without the caller closing it. A
// stream that dies mid-round can never deliver its end step, so the round is
// closed as stopped.
func (s *Service) handleStreamEnd(b *binding, streamErr error) {
	if !s.detach(b) {
		return
	}
	if streamErr != nil {
		s.metrics.ObserveStreamError("transport")
		s.logger.Warn("task stream failed", "project_id", b.projectID, "task_id", b.taskID, "error", streamErr)
	}
	c, err := s.projects.ChatStore(b.projectID, b.containerID)
	if err != nil {
		return
	}
	task, err := c.Get(b.taskID)
	if err != nil || task.RoundEnded {
		return
	}

	var actions []chat.Action
	if streamErr != nil {
		actions = append(actions, chat.AddMessage{Message: chat.Message{
			Role:    chat.RoleAssistant,
			Content: "Task stream failed: " + streamErr.Error(),
			IsError: true,
		}})
	}
	busy := task.Busy()
	if busy {
		actions = append(actions, chat.Finish{Outcome: chat.OutcomeStopped})
	}
	actions = append(actions, chat.SetPending{Value: false})
	task, err = c.Dispatch(b.taskID, actions...)
	if err != nil {
		s.logger.Warn("close round after stream end failed", "project_id", b.projectID, "task_id", b.taskID, "error", err)
		return
	}
	s.syncAsk(b.projectID, c, task, false)
	if busy && !b.replay {
		go s.dispatchNext(b.projectID)
	}
}

// dispatchNext sends the head of the project's queue once the active task is
// free. Only one dispatch per project runs at a time; a trigger that arrives
// during a dispatch runs another pass afterwards.
func (s *Service) dispatchNext(projectID string) {
	s.mu.Lock()
	if s.dispatching[projectID] {
		s.redispatch[projectID] = true
		s.mu.Unlock()
		return
	}
	s.dispatching[projectID] = true
	s.mu.Unlock()

	for {
		s.dispatchHead(projectID)

		s.mu.Lock()
		if !s.redispatch[projectID] {
			delete(s.dispatching, projectID)
			s.mu.Unlock()
			return
		}
		delete(s.redispatch, projectID)
		s.mu.Unlock()
	}
}

func (s *Service) dispatchHead(projectID string) {
	container, err := s.projects.ActiveChatStore(projectID)
	if err != nil {
		return
	}
	if task, err := container.Active(); err == nil && task.Busy() {
		return
	}
	if s.replayActive(container.ID()) {
		return
	}
	msg, ok, err := s.projects.PopQueuedMessage(projectID)
	if err != nil || !ok {
		return
	}
	s.metrics.AddQueued(-1)

	res, err := s.StartTask(s.ctx, SendRequest{ProjectID: projectID, Content: msg.Content, Attaches: msg.Attaches})
	if err != nil {
		if errors.Is(err, ErrTaskBusy) {
			if restoreErr := s.projects.RestoreQueuedMessage(projectID, msg); restoreErr == nil {
				s.metrics.AddQueued(1)
			}
			return
		}
		s.logger.Warn("dispatch queued message failed", "project_id", projectID, "queued_id", msg.TaskID, "error", err)
		return
	}
	s.logger.Info("queued message dispatched", "project_id", projectID, "queued_id", msg.TaskID, "task_id", res.TaskID, "outcome", res.Outcome)
}

func (s *Service) fail(c *chat.Store, taskID, message string) {
	_, err := c.Dispatch(taskID,
		chat.AddMessage{Message: chat.Message{Role: chat.RoleAssistant, Content: message, IsError: true}},
		chat.SetPending{Value: false},
	)
	if err != nil {
		s.logger.Warn("record task failure", "task_id", taskID, "error", err)
	}
}

// attach makes b the container's stream binding, closing any previous one.
func (s *Service) attach(b *binding) {
	s.mu.Lock()
	old := s.bindings[b.containerID]
	s.bindings[b.containerID] = b
	b.attached = true
	s.mu.Unlock()
	s.metrics.StreamOpened()
	if old != nil {
		s.closeBinding(old)
	}
}

// detach unbinds b and reports whether it was still attached.
func (s *Service) detach(b *binding) bool {
	s.mu.Lock()
	if s.bindings[b.containerID] == b {
		delete(s.bindings, b.containerID)
	}
	was := b.attached
	b.attached = false
	s.mu.Unlock()
	if was {
		s.metrics.StreamClosed()
	}
	return was
}

// closeBinding detaches b and aborts its stream. It must not run on b's own
// stream goroutine.
func (s *Service) closeBinding(b *binding) {
	s.detach(b)
	s.mu.Lock()
	h := b.handle
	s.mu.Unlock()
	h.Close()
}

func (s *Service) setHandle(b *binding, h *stream.Handle) {
	s.mu.Lock()
	b.handle = h
	attached := b.attached
	s.mu.Unlock()
	if !attached {
		h.Close()
	}
}

func (s *Service) bindingFor(containerID, taskID string) *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bindings[containerID]
	if b == nil || b.taskID != taskID || !b.attached {
		return nil
	}
	if b.handle != nil && b.handle.Closed() {
		return nil
	}
	return b
}

func (s *Service) replayActive(containerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bindings[containerID]
	return b != nil && b.replay && b.attached
}

func askKey(containerID, taskID string) string {
	return containerID + "/" + taskID
}

// syncAsk keeps one timer per task, keyed to the current active ask. restart
// forces a fresh timeout for the same agent.
func (s *Service) syncAsk(projectID string, c *chat.Store, task chat.Task, restart bool) {
	key := askKey(c.ID(), task.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.asks[key]
	if task.ActiveAsk == "" {
		if cur != nil {
			cur.timer.Stop()
			delete(s.asks, key)
		}
		return
	}
	if cur != nil && cur.agent == task.ActiveAsk && !restart {
		return
	}
	if cur != nil {
		cur.timer.Stop()
	}
	s.askGen++
	gen := s.askGen
	containerID, taskID := c.ID(), task.ID
	s.asks[key] = &askTimer{
		agent: task.ActiveAsk,
		gen:   gen,
		timer: time.AfterFunc(s.askTimeout, func() { s.askExpired(projectID, containerID, taskID, gen) }),
	}
}

func (s *Service) stopAsk(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at := s.asks[key]; at != nil {
		at.timer.Stop()
		delete(s.asks, key)
	}
}

func (s *Service) askExpired(projectID, containerID, taskID string, gen uint64) {
	key := askKey(containerID, taskID)
	s.mu.Lock()
	at := s.asks[key]
	if at == nil || at.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.asks, key)
	agent := at.agent
	s.mu.Unlock()

	c, err := s.projects.ChatStore(projectID, containerID)
	if err != nil {
		return
	}
	s.metrics.ObserveAskTimeout()
	s.logger.Info("human ask timed out", "project_id", projectID, "task_id", taskID, "agent", agent)
	if _, err := s.reply(s.ctx, projectID, c, taskID, skipReply, agent); err != nil && !errors.Is(err, chat.ErrNoActiveAsk) {
		s.logger.Warn("auto skip reply failed", "project_id", projectID, "task_id", taskID, "error", err)
	}
}

func toBackendAttaches(in []chat.Attach) []backend.Attach {
	if len(in) == 0 {
		return nil
	}
	out := make([]backend.Attach, 0, len(in))
	for _, a := range in {
		out = append(out, backend.Attach{FileName: a.FileName, FilePath: a.FilePath})
	}
	return out
}
