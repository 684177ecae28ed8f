package stream

import (
	"fmt"
	"strings"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

// Prompter is implemented by request bodies that carry a user question.
type Prompter interface {
	Prompt() string
}

// MockScript produces a deterministic conversation for local runs without a backend.
func MockScript(req Request) []protocol.Event {
	question := ""
	if p, ok := req.Body.(Prompter); ok {
		question = strings.TrimSpace(p.Prompt())
	}
	if question == "" {
		question = "Replay of a recorded task"
	}

	title := question
	if len(title) > 48 {
		title = strings.TrimSpace(title[:48])
	}

	return []protocol.Event{
		protocol.Confirmed{Question: question},
		protocol.SubTasks{
			SummaryTask: fmt.Sprintf("%s|%s", title, question),
			SubTasks: []protocol.SubTask{
				{ID: "1", Content: "Research: " + question},
				{ID: "2", Content: "Deliver: " + question},
			},
		},
		protocol.Telemetry{Step: protocol.StepCreateAgent, Agent: "developer_agent"},
		protocol.TaskState{Step: protocol.StepTaskState, TaskID: "1", State: "DONE", Result: "ok"},
		protocol.Telemetry{Step: protocol.StepDeactivateAgent, Agent: "developer_agent", Tokens: 128},
		protocol.TaskState{Step: protocol.StepTaskState, TaskID: "2", State: "DONE", Result: "ok"},
		protocol.End{Summary: "Mock run finished: " + question},
	}
}
