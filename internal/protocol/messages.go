package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Step identifies a step-event variant on the backend stream.
type Step string

const (
	StepConfirmed         Step = "confirmed"
	StepWaitConfirm       Step = "wait_confirm"
	StepToSubTasks        Step = "to_sub_tasks"
	StepDecomposeText     Step = "decompose_text"
	StepTaskState         Step = "task_state"
	StepNewTaskState      Step = "new_task_state"
	StepAssignTask        Step = "assign_task"
	StepCreateAgent       Step = "create_agent"
	StepActivateAgent     Step = "activate_agent"
	StepDeactivateAgent   Step = "deactivate_agent"
	StepActivateToolkit   Step = "activate_toolkit"
	StepDeactivateToolkit Step = "deactivate_toolkit"
	StepWriteFile         Step = "write_file"
	StepNotice            Step = "notice"
	StepTerminal          Step = "terminal"
	StepSearchMCP         Step = "search_mcp"
	StepAddTask           Step = "add_task"
	StepRemoveTask        Step = "remove_task"
	StepAsk               Step = "ask"
	StepContextTooLong    Step = "context_too_long"
	StepBudgetNotEnough   Step = "budget_not_enough"
	StepError             Step = "error"
	StepEnd               Step = "end"
)

var (
	ErrEmptyFrame     = errors.New("empty step frame")
	ErrMalformedFrame = errors.New("malformed step frame")
)

// Frame is the wire envelope of one stream frame.
type Frame struct {
	Step Step            `json:"step"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one decoded step-event. The set of implementations is closed.
type Event interface {
	StepName() Step
	isEvent()
}

type Confirmed struct {
	Question string `json:"question"`
}

type WaitConfirm struct {
	Content  string `json:"content"`
	Question string `json:"question"`
}

type SubTask struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Status       string    `json:"status,omitempty"`
	State        string    `json:"state,omitempty"`
	Result       string    `json:"result,omitempty"`
	FailureCount int       `json:"failure_count,omitempty"`
	SubTasks     []SubTask `json:"subtasks,omitempty"`
}

// SubTasks is the plan produced by the backend. It may be emitted more than once.
type SubTasks struct {
	SummaryTask string    `json:"summary_task"`
	SubTasks    []SubTask `json:"sub_tasks"`
}

// Title returns the part of summary_task before the first '|'.
func (s SubTasks) Title() string {
	title, _, _ := strings.Cut(s.SummaryTask, "|")
	return strings.TrimSpace(title)
}

type DecomposeText struct {
	Content string `json:"content"`
}

// TaskState reports progress of one sub-task. Used by task_state and new_task_state.
type TaskState struct {
	Step         Step   `json:"-"`
	TaskID       string `json:"task_id"`
	Content      string `json:"content,omitempty"`
	State        string `json:"state"`
	Result       string `json:"result,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`
}

type AssignTask struct {
	AssigneeID   string `json:"assignee_id"`
	TaskID       string `json:"task_id"`
	Content      string `json:"content,omitempty"`
	State        string `json:"state,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`
}

// Telemetry covers agent and toolkit lifecycle steps. It never alters task status.
type Telemetry struct {
	Step   Step            `json:"-"`
	Raw    json.RawMessage `json:"-"`
	Agent  string          `json:"agent_name,omitempty"`
	Tokens int             `json:"tokens,omitempty"`
}

type Ask struct {
	Agent    string `json:"agent"`
	Question string `json:"question"`
}

type ContextTooLong struct {
	Message       string `json:"message"`
	CurrentLength int    `json:"current_length"`
	MaxLength     int    `json:"max_length"`
}

type BudgetNotEnough struct {
	Message string `json:"message"`
}

type Error struct {
	Message string `json:"message"`
}

// End terminates one round of the stream. An empty summary means the task was stopped.
type End struct {
	Summary string `json:"-"`
}

// Stopped reports whether the round ended without a natural completion summary.
func (e End) Stopped() bool {
	return strings.TrimSpace(e.Summary) == ""
}

// Unknown is any step outside the enumerated set.
type Unknown struct {
	Step Step            `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (Confirmed) StepName() Step       { return StepConfirmed }
func (WaitConfirm) StepName() Step     { return StepWaitConfirm }
func (SubTasks) StepName() Step        { return StepToSubTasks }
func (DecomposeText) StepName() Step   { return StepDecomposeText }
func (e TaskState) StepName() Step     { return orStep(e.Step, StepTaskState) }
func (AssignTask) StepName() Step      { return StepAssignTask }
func (e Telemetry) StepName() Step     { return e.Step }
func (Ask) StepName() Step             { return StepAsk }
func (ContextTooLong) StepName() Step  { return StepContextTooLong }
func (BudgetNotEnough) StepName() Step { return StepBudgetNotEnough }
func (Error) StepName() Step           { return StepError }
func (End) StepName() Step             { return StepEnd }
func (e Unknown) StepName() Step       { return e.Step }

func (Confirmed) isEvent()       {}
func (WaitConfirm) isEvent()     {}
func (SubTasks) isEvent()        {}
func (DecomposeText) isEvent()   {}
func (TaskState) isEvent()       {}
func (AssignTask) isEvent()      {}
func (Telemetry) isEvent()       {}
func (Ask) isEvent()             {}
func (ContextTooLong) isEvent()  {}
func (BudgetNotEnough) isEvent() {}
func (Error) isEvent()           {}
func (End) isEvent()             {}
func (Unknown) isEvent()         {}

// IsTelemetry reports whether step is an informational lifecycle step.
func IsTelemetry(step Step) bool {
	switch step {
	case StepCreateAgent, StepActivateAgent, StepDeactivateAgent,
		StepActivateToolkit, StepDeactivateToolkit, StepWriteFile,
		StepNotice, StepTerminal, StepSearchMCP, StepAddTask, StepRemoveTask:
		return true
	default:
		return false
	}
}

// ParseFrame strips SSE framing from a line and returns the JSON payload.
// It returns nil for lines that carry no payload (comments, event names, blanks).
func ParseFrame(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		return bytes.TrimSpace(line[len("data:"):])
	}
	if bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte("id:")) || bytes.HasPrefix(line, []byte("retry:")) {
		return nil
	}
	return line
}

// Decode parses one frame into its typed event.
func Decode(raw []byte) (Event, error) {
	raw = ParseFrame(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame.Step = Step(strings.TrimSpace(string(frame.Step)))
	if frame.Step == "" {
		return nil, fmt.Errorf("%w: missing step", ErrMalformedFrame)
	}

	switch frame.Step {
	case StepConfirmed:
		return decodeAs[Confirmed](frame)
	case StepWaitConfirm:
		return decodeAs[WaitConfirm](frame)
	case StepToSubTasks:
		var out SubTasks
		if err := decodeData(frame, &out); err != nil {
			return nil, err
		}
		normalizeSubTasks(out.SubTasks)
		return out, nil
	case StepDecomposeText:
		return decodeAs[DecomposeText](frame)
	case StepTaskState, StepNewTaskState:
		var out TaskState
		if err := decodeData(frame, &out); err != nil {
			return nil, err
		}
		out.Step = frame.Step
		return out, nil
	case StepAssignTask:
		return decodeAs[AssignTask](frame)
	case StepAsk:
		return decodeAs[Ask](frame)
	case StepContextTooLong:
		return decodeAs[ContextTooLong](frame)
	case StepBudgetNotEnough:
		return decodeAs[BudgetNotEnough](frame)
	case StepError:
		return decodeAs[Error](frame)
	case StepEnd:
		return End{Summary: decodeEndSummary(frame.Data)}, nil
	}

	if IsTelemetry(frame.Step) {
		out := Telemetry{Step: frame.Step, Raw: cloneRaw(frame.Data)}
		// Telemetry payloads are free-form; a non-object payload is kept raw.
		_ = json.Unmarshal(frame.Data, &out)
		return out, nil
	}
	return Unknown{Step: frame.Step, Raw: cloneRaw(frame.Data)}, nil
}

// Encode renders an event as a wire frame.
func Encode(evt Event) ([]byte, error) {
	var data any = evt
	switch e := evt.(type) {
	case End:
		data = e.Summary
	case Telemetry:
		if len(e.Raw) > 0 {
			data = e.Raw
		}
	case Unknown:
		data = e.Raw
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", evt.StepName(), err)
	}
	return json.Marshal(Frame{Step: evt.StepName(), Data: payload})
}

func decodeAs[T Event](frame Frame) (Event, error) {
	var out T
	if err := decodeData(frame, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeData(frame Frame, out any) error {
	if len(frame.Data) == 0 || bytes.Equal(frame.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(frame.Data, out); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, frame.Step, err)
	}
	return nil
}

func decodeEndSummary(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Summary string `json:"summary"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Summary != "" {
			return obj.Summary
		}
		return obj.Message
	}
	return string(data)
}

func normalizeSubTasks(items []SubTask) {
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = items[i].State
		}
		normalizeSubTasks(items[i].SubTasks)
	}
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

func orStep(step, fallback Step) Step {
	if step == "" {
		return fallback
	}
	return step
}
