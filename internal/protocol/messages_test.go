package protocol

import (
	"errors"
	"testing"
)

func TestDecodeSubTasks(t *testing.T) {
	raw := []byte(`data: {"step":"to_sub_tasks","data":{"summary_task":"Calculator App|Build a simple calculator","sub_tasks":[{"id":"1","content":"ui","state":"OPEN"},{"id":"2","content":"logic","status":""}]}}`)
	evt, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	plan, ok := evt.(SubTasks)
	if !ok {
		t.Fatalf("event type = %T, want SubTasks", evt)
	}
	if plan.SummaryTask != "Calculator App|Build a simple calculator" {
		t.Fatalf("SummaryTask = %q", plan.SummaryTask)
	}
	if len(plan.SubTasks) != 2 {
		t.Fatalf("len(SubTasks) = %d, want 2", len(plan.SubTasks))
	}
	if plan.SubTasks[0].Status != "OPEN" {
		t.Fatalf("SubTasks[0].Status = %q, want state fallback %q", plan.SubTasks[0].Status, "OPEN")
	}
	if plan.Title() != "Calculator App" {
		t.Fatalf("Title() = %q, want %q", plan.Title(), "Calculator App")
	}
}

func TestDecodeEndVariants(t *testing.T) {
	cases := []struct {
		raw     string
		summary string
		stopped bool
	}{
		{`{"step":"end","data":"All done"}`, "All done", false},
		{`{"step":"end","data":"   "}`, "   ", true},
		{`{"step":"end"}`, "", true},
		{`{"step":"end","data":null}`, "", true},
		{`{"step":"end","data":{"summary":"wrapped"}}`, "wrapped", false},
	}
	for _, tc := range cases {
		evt, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tc.raw, err)
		}
		end, ok := evt.(End)
		if !ok {
			t.Fatalf("event type = %T, want End", evt)
		}
		if end.Summary != tc.summary || end.Stopped() != tc.stopped {
			t.Fatalf("Decode(%s) = %+v stopped=%v, want %q stopped=%v", tc.raw, end, end.Stopped(), tc.summary, tc.stopped)
		}
	}
}

func TestDecodeTaskStateKeepsStepName(t *testing.T) {
	evt, err := Decode([]byte(`{"step":"new_task_state","data":{"task_id":"1","state":"DONE","result":"ok"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	state, ok := evt.(TaskState)
	if !ok {
		t.Fatalf("event type = %T, want TaskState", evt)
	}
	if state.StepName() != StepNewTaskState {
		t.Fatalf("StepName() = %q, want %q", state.StepName(), StepNewTaskState)
	}
	if state.TaskID != "1" || state.State != "DONE" {
		t.Fatalf("unexpected task state: %+v", state)
	}
}

func TestDecodeTelemetryKeepsRawPayload(t *testing.T) {
	evt, err := Decode([]byte(`{"step":"deactivate_agent","data":{"agent_name":"developer_agent","tokens":42,"message":"done"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tel, ok := evt.(Telemetry)
	if !ok {
		t.Fatalf("event type = %T, want Telemetry", evt)
	}
	if tel.Tokens != 42 || tel.Agent != "developer_agent" {
		t.Fatalf("unexpected telemetry: %+v", tel)
	}
	if len(tel.Raw) == 0 {
		t.Fatalf("Raw is empty")
	}
}

func TestDecodeUnknownStepIsNotAnError(t *testing.T) {
	evt, err := Decode([]byte(`{"step":"wat","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	unknown, ok := evt.(Unknown)
	if !ok {
		t.Fatalf("event type = %T, want Unknown", evt)
	}
	if unknown.StepName() != "wat" {
		t.Fatalf("StepName() = %q, want %q", unknown.StepName(), "wat")
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	if _, err := Decode([]byte(`data: {not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame", err)
	}
	if _, err := Decode([]byte(`{"data":{}}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame for missing step", err)
	}
	if _, err := Decode([]byte(`{"step":"ask","data":"oops"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame for bad data", err)
	}
	if _, err := Decode([]byte(`: keep-alive`)); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("error = %v, want ErrEmptyFrame", err)
	}
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	events := []Event{
		Confirmed{Question: "Build a calculator app"},
		Ask{Agent: "decision-agent", Question: "Which framework?"},
		End{Summary: "finished"},
		TaskState{Step: StepNewTaskState, TaskID: "1", State: "DONE"},
	}
	for _, in := range events {
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(%T) error = %v", in, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", raw, err)
		}
		if out != in {
			t.Fatalf("round trip = %+v, want %+v", out, in)
		}
	}
}
