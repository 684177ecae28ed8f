package chat

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPause    Status = "pause"
	StatusFinished Status = "finished"
)

type TaskType string

const (
	TypeNormal TaskType = "normal"
	TypeShare  TaskType = "share"
	TypeReplay TaskType = "replay"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
)

// Outcome records how the latest round of a finished task ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
)

// Kind tags a container as the project's default placeholder or a live thread.
type Kind string

const (
	KindPlaceholder Kind = "placeholder"
	KindLive        Kind = "live"
)

type Attach struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Step      string          `json:"step,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Attaches  []Attach        `json:"attaches,omitempty"`
	IsConfirm *bool           `json:"is_confirm,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type SubTask struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`
	AssigneeID   string `json:"assignee_id,omitempty"`
}

type Ask struct {
	Agent    string `json:"agent"`
	Question string `json:"question"`
}

// Activity is one telemetry entry (agent lifecycle, toolkit calls, notices).
type Activity struct {
	Step    string          `json:"step"`
	Agent   string          `json:"agent,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Tokens  int             `json:"tokens,omitempty"`
	At      time.Time       `json:"at"`
	Summary string          `json:"summary,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	Type        TaskType  `json:"type"`
	Status      Status    `json:"status"`
	Messages    []Message `json:"messages"`
	TaskInfo    []SubTask `json:"task_info"`
	SummaryTask string    `json:"summary_task,omitempty"`

	HasMessages       bool `json:"has_messages"`
	HasWaitConfirm    bool `json:"has_wait_confirm"`
	IsPending         bool `json:"is_pending"`
	IsTakeControl     bool `json:"is_take_control"`
	IsContextExceeded bool `json:"is_context_exceeded"`

	ActiveAsk string `json:"active_ask,omitempty"`
	AskList   []Ask  `json:"ask_list,omitempty"`

	Attaches []Attach `json:"attaches,omitempty"`

	Elapsed  time.Duration `json:"elapsed"`
	TaskTime time.Time     `json:"task_time"`
	Tokens   int           `json:"tokens"`

	// CorrelationID is the id sent with the latest improve round.
	CorrelationID string `json:"correlation_id,omitempty"`
	// RoundStart indexes the user message that opened the current round.
	RoundStart int     `json:"round_start"`
	RoundEnded bool    `json:"round_ended"`
	Outcome    Outcome `json:"outcome,omitempty"`

	Activity []Activity `json:"activity,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	if t.Messages != nil {
		out.Messages = make([]Message, len(t.Messages))
		for i, m := range t.Messages {
			out.Messages[i] = m.clone()
		}
	}
	if t.TaskInfo != nil {
		out.TaskInfo = make([]SubTask, len(t.TaskInfo))
		copy(out.TaskInfo, t.TaskInfo)
	}
	if t.AskList != nil {
		out.AskList = make([]Ask, len(t.AskList))
		copy(out.AskList, t.AskList)
	}
	if t.Attaches != nil {
		out.Attaches = make([]Attach, len(t.Attaches))
		copy(out.Attaches, t.Attaches)
	}
	if t.Activity != nil {
		out.Activity = make([]Activity, len(t.Activity))
		copy(out.Activity, t.Activity)
	}
	return out
}

func (m Message) clone() Message {
	out := m
	if m.Data != nil {
		out.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Attaches != nil {
		out.Attaches = make([]Attach, len(m.Attaches))
		copy(out.Attaches, m.Attaches)
	}
	if m.IsConfirm != nil {
		v := *m.IsConfirm
		out.IsConfirm = &v
	}
	return out
}

// ElapsedAt returns the accumulated running time as of now.
func (t Task) ElapsedAt(now time.Time) time.Duration {
	if t.TaskTime.IsZero() {
		return t.Elapsed
	}
	return t.Elapsed + now.Sub(t.TaskTime)
}

// FirstUserMessage returns the content of the earliest user message.
func (t Task) FirstUserMessage() (string, bool) {
	for _, m := range t.Messages {
		if m.Role == RoleUser {
			return m.Content, true
		}
	}
	return "", false
}

// UnconfirmedPlan reports whether the latest to_sub_tasks message awaits confirmation.
func (t Task) UnconfirmedPlan() bool {
	i := t.lastPlanIndex()
	if i < 0 {
		return false
	}
	c := t.Messages[i].IsConfirm
	return c == nil || !*c
}

// AwaitingExecution reports whether the current round's plan was confirmed
// but execution has not produced a status change or an end yet.
func (t Task) AwaitingExecution() bool {
	if t.RoundEnded || t.IsContextExceeded {
		return false
	}
	if t.Status != StatusPending && t.Status != StatusFinished {
		return false
	}
	i := t.lastPlanIndex()
	if i < 0 {
		return false
	}
	if c := t.Messages[i].IsConfirm; c == nil || !*c {
		return false
	}
	for _, m := range t.Messages[i+1:] {
		if m.IsError {
			return false
		}
	}
	return true
}

// Skeleton reports whether the current round has started but produced neither a
// plan, a simple answer, nor an end.
func (t Task) Skeleton() bool {
	if !t.HasMessages || t.RoundEnded || t.HasWaitConfirm {
		return false
	}
	if t.RoundStart >= len(t.Messages) {
		return false
	}
	for _, m := range t.Messages[t.RoundStart:] {
		if m.Step == stepToSubTasks {
			return false
		}
		if m.IsError {
			return false
		}
	}
	return true
}

// Busy reports whether new top-level input must be queued instead of sent.
func (t Task) Busy() bool {
	switch {
	case t.Status == StatusRunning || t.Status == StatusPause:
		return true
	case t.UnconfirmedPlan() || t.AwaitingExecution():
		return true
	case t.Skeleton():
		return true
	case t.IsTakeControl:
		return true
	default:
		return false
	}
}

// LastAssistantFailed reports whether the newest assistant message is an error.
func (t Task) LastAssistantFailed() bool {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return t.Messages[i].IsError
		}
	}
	return false
}

// CanContinue reports whether a new send may go through the improve endpoint.
func (t Task) CanContinue() bool {
	if t.Type == TypeReplay {
		return false
	}
	if t.Status != StatusFinished && !t.HasWaitConfirm {
		return false
	}
	return !t.UnconfirmedPlan() && !t.Skeleton() && !t.LastAssistantFailed()
}

func (t Task) lastPlanIndex() int {
	for i := len(t.Messages) - 1; i >= t.RoundStart && i >= 0; i-- {
		if t.Messages[i].Step == stepToSubTasks {
			return i
		}
	}
	return -1
}

// Update is published after every successful dispatch.
type Update struct {
	ContainerID string `json:"container_id"`
	Task        *Task  `json:"task,omitempty"`
	RemovedID   string `json:"removed_id,omitempty"`
	ActiveID    string `json:"active_task_id"`
}

// ContainerSnapshot is the serializable state of one container.
type ContainerSnapshot struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	ActiveTaskID string    `json:"active_task_id"`
	Order        []string  `json:"order"`
	Tasks        []Task    `json:"tasks"`
	CreatedAt    time.Time `json:"created_at"`
}
