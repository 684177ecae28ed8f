package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

const stepToSubTasks = string(protocol.StepToSubTasks)

type env struct {
	now           time.Time
	activityLimit int
}

// Action is one reducer step applied to a Task record. Actions are applied to a
// private copy; the first error discards the whole batch.
type Action interface {
	apply(t *Task, e env) error
}

type AddMessage struct{ Message Message }

type SetStatus struct{ Status Status }

// Start moves a pending task to running.
type Start struct{}

type Pause struct{}

type Resume struct{}

type Finish struct{ Outcome Outcome }

type SetPlan struct {
	SummaryTask string
	SubTasks    []SubTask
	Data        []byte
}

type ConfirmPlan struct{}

type SetSubTaskStatus struct {
	ID           string
	Content      string
	Status       string
	Result       string
	FailureCount int
	AssigneeID   string
}

type SetHasMessages struct{ Value bool }

type SetWaitConfirm struct{ Value bool }

type SetPending struct{ Value bool }

type SetTakeControl struct{ Value bool }

type SetAttaches struct{ Attaches []Attach }

type AddTokens struct{ Tokens int }

type MarkContextExceeded struct{}

type PushAsk struct{ Ask Ask }

// AnswerAsk records the human reply to the active ask and rotates the ask list.
// A non-empty Agent must match the active ask.
type AnswerAsk struct {
	Reply string
	Agent string
}

type AppendActivity struct{ Activity Activity }

// BeginRound opens a new conversational round with the given user message.
type BeginRound struct {
	Message       Message
	CorrelationID string
}

// ApplyStep reduces one step-event into the task.
type ApplyStep struct{ Event protocol.Event }

func (a AddMessage) apply(t *Task, e env) error {
	t.Messages = append(t.Messages, stampMessage(a.Message, e.now))
	return nil
}

func (a SetStatus) apply(t *Task, e env) error {
	return transition(t, a.Status, e.now)
}

func (Start) apply(t *Task, e env) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: start requires pending, have %s", ErrInvalidTransition, t.Status)
	}
	return transition(t, StatusRunning, e.now)
}

func (Pause) apply(t *Task, e env) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: pause requires running, have %s", ErrInvalidTransition, t.Status)
	}
	return transition(t, StatusPause, e.now)
}

func (Resume) apply(t *Task, e env) error {
	if t.Status != StatusPause {
		return fmt.Errorf("%w: resume requires pause, have %s", ErrInvalidTransition, t.Status)
	}
	return transition(t, StatusRunning, e.now)
}

func (a Finish) apply(t *Task, e env) error {
	if t.RoundEnded {
		return nil
	}
	if err := transition(t, StatusFinished, e.now); err != nil {
		return err
	}
	t.RoundEnded = true
	t.Outcome = a.Outcome
	t.IsPending = false
	t.IsTakeControl = false
	t.ActiveAsk = ""
	t.AskList = nil
	return nil
}

func (a SetPlan) apply(t *Task, e env) error {
	t.SummaryTask = strings.TrimSpace(a.SummaryTask)
	t.TaskInfo = append([]SubTask(nil), a.SubTasks...)
	unconfirmed := false
	msg := Message{
		Role:      RoleAssistant,
		Step:      stepToSubTasks,
		Content:   t.SummaryTask,
		Data:      append([]byte(nil), a.Data...),
		IsConfirm: &unconfirmed,
	}
	// A re-plan replaces the plan still awaiting confirmation.
	if i := t.lastPlanIndex(); i >= 0 && t.UnconfirmedPlan() {
		msg.ID = t.Messages[i].ID
		t.Messages[i] = stampMessage(msg, e.now)
		return nil
	}
	t.Messages = append(t.Messages, stampMessage(msg, e.now))
	return nil
}

func (ConfirmPlan) apply(t *Task, _ env) error {
	if !t.UnconfirmedPlan() {
		return ErrNoPlan
	}
	confirmed := true
	t.Messages[t.lastPlanIndex()].IsConfirm = &confirmed
	return nil
}

func (a SetSubTaskStatus) apply(t *Task, _ env) error {
	id := strings.TrimSpace(a.ID)
	if id == "" {
		return nil
	}
	for i := range t.TaskInfo {
		if t.TaskInfo[i].ID != id {
			continue
		}
		t.TaskInfo[i].Status = a.Status
		if a.Result != "" {
			t.TaskInfo[i].Result = a.Result
		}
		if a.FailureCount > 0 {
			t.TaskInfo[i].FailureCount = a.FailureCount
		}
		if a.AssigneeID != "" {
			t.TaskInfo[i].AssigneeID = a.AssigneeID
		}
		if a.Content != "" && t.TaskInfo[i].Content == "" {
			t.TaskInfo[i].Content = a.Content
		}
		return nil
	}
	// Sub-tasks added at runtime arrive with their content.
	if a.Content != "" {
		t.TaskInfo = append(t.TaskInfo, SubTask{
			ID:           id,
			Content:      a.Content,
			Status:       a.Status,
			Result:       a.Result,
			FailureCount: a.FailureCount,
			AssigneeID:   a.AssigneeID,
		})
	}
	return nil
}

func (a SetHasMessages) apply(t *Task, _ env) error {
	t.HasMessages = a.Value
	return nil
}

func (a SetWaitConfirm) apply(t *Task, _ env) error {
	t.HasWaitConfirm = a.Value
	return nil
}

func (a SetPending) apply(t *Task, _ env) error {
	t.IsPending = a.Value
	return nil
}

func (a SetTakeControl) apply(t *Task, _ env) error {
	t.IsTakeControl = a.Value
	return nil
}

func (a SetAttaches) apply(t *Task, _ env) error {
	t.Attaches = append([]Attach(nil), a.Attaches...)
	return nil
}

func (a AddTokens) apply(t *Task, _ env) error {
	if a.Tokens > 0 {
		t.Tokens += a.Tokens
	}
	return nil
}

func (MarkContextExceeded) apply(t *Task, _ env) error {
	t.IsContextExceeded = true
	return nil
}

func (a PushAsk) apply(t *Task, _ env) error {
	agent := strings.TrimSpace(a.Ask.Agent)
	if agent == "" {
		return fmt.Errorf("ask agent is required")
	}
	if t.ActiveAsk == "" {
		t.ActiveAsk = agent
		return nil
	}
	t.AskList = append(t.AskList, Ask{Agent: agent, Question: a.Ask.Question})
	return nil
}

func (a AnswerAsk) apply(t *Task, e env) error {
	if t.ActiveAsk == "" || (a.Agent != "" && a.Agent != t.ActiveAsk) {
		return ErrNoActiveAsk
	}
	t.Messages = append(t.Messages, stampMessage(Message{Role: RoleUser, Content: a.Reply}, e.now))
	if len(t.AskList) == 0 {
		t.ActiveAsk = ""
		return nil
	}
	t.ActiveAsk = t.AskList[0].Agent
	t.AskList = append([]Ask(nil), t.AskList[1:]...)
	return nil
}

func (a AppendActivity) apply(t *Task, e env) error {
	entry := a.Activity
	if entry.At.IsZero() {
		entry.At = e.now
	}
	t.Activity = append(t.Activity, entry)
	if max := e.activityLimit; max > 0 && len(t.Activity) > max {
		trimFrom := len(t.Activity) - max
		t.Activity = append([]Activity(nil), t.Activity[trimFrom:]...)
	}
	return nil
}

func (a BeginRound) apply(t *Task, e env) error {
	if t.IsContextExceeded {
		return ErrContextExceeded
	}
	t.RoundStart = len(t.Messages)
	t.RoundEnded = false
	t.Outcome = OutcomeNone
	t.HasWaitConfirm = false
	t.HasMessages = true
	t.IsPending = true
	t.Attaches = nil
	if a.CorrelationID != "" {
		t.CorrelationID = a.CorrelationID
	}
	msg := a.Message
	msg.Role = RoleUser
	t.Messages = append(t.Messages, stampMessage(msg, e.now))
	return nil
}

func (a ApplyStep) apply(t *Task, e env) error {
	switch evt := a.Event.(type) {
	case protocol.Confirmed:
		// Recorded tasks seed their first message from the playback stream when
		// the caller had no question to start with.
		if t.Type != TypeNormal && len(t.Messages) == 0 && strings.TrimSpace(evt.Question) != "" {
			t.Messages = append(t.Messages, stampMessage(Message{Role: RoleUser, Content: evt.Question}, e.now))
			t.HasMessages = true
			t.RoundStart = 0
		}
		return logStep(t, e, string(evt.StepName()), "", nil, 0, evt.Question)

	case protocol.WaitConfirm:
		t.Messages = append(t.Messages, stampMessage(Message{
			Role:    RoleAssistant,
			Content: evt.Content,
			Step:    string(evt.StepName()),
		}, e.now))
		t.HasWaitConfirm = true
		t.IsPending = false
		return nil

	case protocol.SubTasks:
		data, _ := json.Marshal(evt)
		if err := (SetPlan{SummaryTask: evt.SummaryTask, SubTasks: convertSubTasks(evt.SubTasks), Data: data}).apply(t, e); err != nil {
			return err
		}
		t.IsPending = false
		return nil

	case protocol.DecomposeText:
		return logStep(t, e, string(evt.StepName()), "", nil, 0, evt.Content)

	case protocol.TaskState:
		beginExecution(t, e.now)
		return SetSubTaskStatus{
			ID:           evt.TaskID,
			Content:      evt.Content,
			Status:       evt.State,
			Result:       evt.Result,
			FailureCount: evt.FailureCount,
		}.apply(t, e)

	case protocol.AssignTask:
		beginExecution(t, e.now)
		if err := (SetSubTaskStatus{
			ID:           evt.TaskID,
			Content:      evt.Content,
			Status:       evt.State,
			FailureCount: evt.FailureCount,
			AssigneeID:   evt.AssigneeID,
		}).apply(t, e); err != nil {
			return err
		}
		return logStep(t, e, string(evt.StepName()), evt.AssigneeID, nil, 0, evt.Content)

	case protocol.Telemetry:
		t.Tokens += max(evt.Tokens, 0)
		return logStep(t, e, string(evt.StepName()), evt.Agent, evt.Raw, evt.Tokens, "")

	case protocol.Ask:
		t.Messages = append(t.Messages, stampMessage(Message{
			Role:    RoleAgent,
			Content: evt.Question,
			Step:    string(evt.StepName()),
		}, e.now))
		return PushAsk{Ask: Ask{Agent: evt.Agent, Question: evt.Question}}.apply(t, e)

	case protocol.ContextTooLong:
		t.IsContextExceeded = true
		t.IsPending = false
		t.Messages = append(t.Messages, stampMessage(Message{
			Role:    RoleAssistant,
			Content: evt.Message,
			Step:    string(evt.StepName()),
			IsError: true,
		}, e.now))
		return nil

	case protocol.BudgetNotEnough:
		return failStep(t, e, string(evt.StepName()), evt.Message)

	case protocol.Error:
		return failStep(t, e, string(evt.StepName()), evt.Message)

	case protocol.End:
		if t.RoundEnded {
			return nil
		}
		outcome := OutcomeCompleted
		if evt.Stopped() {
			outcome = OutcomeStopped
		}
		if err := (Finish{Outcome: outcome}).apply(t, e); err != nil {
			return err
		}
		t.Messages = append(t.Messages, stampMessage(Message{
			Role:    RoleAssistant,
			Content: evt.Summary,
			Step:    string(evt.StepName()),
		}, e.now))
		return nil

	default:
		return nil
	}
}

// beginExecution moves a task to running on its first execution step. The
// backend only executes confirmed plans, so a pending plan is confirmed too.
func beginExecution(t *Task, now time.Time) {
	switch {
	case t.Status == StatusPending:
		_ = transition(t, StatusRunning, now)
	case t.Status == StatusFinished && !t.RoundEnded:
		// A continuation round executing a new plan runs again.
		t.Status = StatusRunning
		t.TaskTime = now
	default:
		return
	}
	if t.UnconfirmedPlan() {
		confirmed := true
		t.Messages[t.lastPlanIndex()].IsConfirm = &confirmed
	}
	t.IsPending = true
}

func failStep(t *Task, e env, step, message string) error {
	t.IsPending = false
	t.Messages = append(t.Messages, stampMessage(Message{
		Role:    RoleAssistant,
		Content: message,
		Step:    step,
		IsError: true,
	}, e.now))
	return nil
}

func logStep(t *Task, e env, step, agent string, data []byte, tokens int, summary string) error {
	return AppendActivity{Activity: Activity{
		Step:    step,
		Agent:   agent,
		Data:    append([]byte(nil), data...),
		Tokens:  tokens,
		Summary: summary,
	}}.apply(t, e)
}

// transition moves t to next, keeping elapsed-time bookkeeping consistent.
func transition(t *Task, next Status, now time.Time) error {
	if t.Status == next {
		return nil
	}
	if !allowedTransition(t.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	switch next {
	case StatusRunning:
		t.TaskTime = now
	case StatusPause, StatusFinished:
		if !t.TaskTime.IsZero() {
			t.Elapsed += now.Sub(t.TaskTime)
			t.TaskTime = time.Time{}
		}
	}
	t.Status = next
	return nil
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFinished
	case StatusRunning:
		return to == StatusPause || to == StatusFinished
	case StatusPause:
		return to == StatusRunning || to == StatusFinished
	default:
		return false
	}
}

func stampMessage(m Message, now time.Time) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m.clone()
}

func convertSubTasks(in []protocol.SubTask) []SubTask {
	out := make([]SubTask, 0, len(in))
	for _, st := range in {
		out = append(out, SubTask{
			ID:           st.ID,
			Content:      st.Content,
			Status:       st.Status,
			Result:       st.Result,
			FailureCount: st.FailureCount,
		})
	}
	return out
}
