package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

func newTestStore(t *testing.T) (*Store, string, *time.Time) {
	t.Helper()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newStore("c1", KindLive, now)
	s.now = func() time.Time { return now }
	id := s.Create(TypeNormal)
	return s, id, &now
}

func TestStoreCreateActivatesTask(t *testing.T) {
	s := NewStore(KindPlaceholder, TypeNormal)
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	first, err := s.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if first.Status != StatusPending || first.HasMessages {
		t.Fatalf("default task = %+v, want empty pending", first)
	}

	second := s.Create(TypeNormal)
	if got := s.ActiveTaskID(); got != second {
		t.Fatalf("ActiveTaskID() = %q, want %q", got, second)
	}
	list := s.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second {
		t.Fatalf("List() order = %+v", list)
	}
}

func TestStoreUnknownTaskIsRejected(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.AddMessages("missing", Message{Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("AddMessages() error = %v, want ErrTaskNotFound", err)
	}
	if err := s.SetStatus("missing", StatusRunning); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("SetStatus() error = %v, want ErrTaskNotFound", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (no phantom task)", s.Len())
	}
}

func TestStoreDispatchIsAtomic(t *testing.T) {
	s, id, _ := newTestStore(t)
	before, _ := s.Get(id)

	_, err := s.Dispatch(id, AddMessage{Message: Message{Role: RoleUser, Content: "hi"}}, Pause{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Dispatch() error = %v, want ErrInvalidTransition", err)
	}
	after, _ := s.Get(id)
	if len(after.Messages) != 0 || after.Version != before.Version {
		t.Fatalf("task mutated by failed dispatch: %+v", after)
	}
}

func TestStoreRemoveActiveTask(t *testing.T) {
	s, id, _ := newTestStore(t)
	if err := s.RemoveTask(id); err != nil {
		t.Fatalf("RemoveTask() error = %v", err)
	}
	if _, err := s.Active(); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Active() error = %v, want ErrTaskNotFound", err)
	}
	if err := s.RemoveTask(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second RemoveTask() error = %v, want ErrTaskNotFound", err)
	}
	if err := s.SetActiveTaskID(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("SetActiveTaskID() error = %v, want ErrTaskNotFound", err)
	}
}

func TestStoreUpdateHookSeesEveryVersion(t *testing.T) {
	s, id, _ := newTestStore(t)
	var (
		mu       sync.Mutex
		versions []uint64
	)
	s.SetUpdateHook(func(u Update) {
		if u.Task == nil {
			return
		}
		mu.Lock()
		versions = append(versions, u.Task.Version)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		if err := s.AddMessages(id, Message{Role: RoleUser, Content: "x"}); err != nil {
			t.Fatalf("AddMessages() error = %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 3 || versions[0] != 1 || versions[2] != 3 {
		t.Fatalf("versions = %v, want [1 2 3]", versions)
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s, id, _ := newTestStore(t)
	if _, err := s.Dispatch(id, BeginRound{Message: Message{Content: "hello"}}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	other := s.Create(TypeReplay)
	if err := s.SetActiveTaskID(id); err != nil {
		t.Fatalf("SetActiveTaskID() error = %v", err)
	}

	restored, err := RestoreStore(s.Snapshot())
	if err != nil {
		t.Fatalf("RestoreStore() error = %v", err)
	}
	if restored.ID() != "c1" || restored.Kind() != KindLive {
		t.Fatalf("restored identity = %s/%s", restored.ID(), restored.Kind())
	}
	if restored.ActiveTaskID() != id {
		t.Fatalf("restored active = %q, want %q", restored.ActiveTaskID(), id)
	}
	list := restored.List()
	if len(list) != 2 || list[1].ID != other || list[1].Type != TypeReplay {
		t.Fatalf("restored tasks = %+v", list)
	}
	if list[0].Messages[0].Content != "hello" {
		t.Fatalf("restored first message = %q", list[0].Messages[0].Content)
	}

	bad := s.Snapshot()
	bad.ActiveTaskID = "ghost"
	if _, err := RestoreStore(bad); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("RestoreStore(bad active) error = %v, want ErrTaskNotFound", err)
	}
}

func TestCalculatorScenario(t *testing.T) {
	s, id, _ := newTestStore(t)
	steps := []Action{
		BeginRound{Message: Message{Content: "Build a calculator app"}},
		ApplyStep{Event: protocol.Confirmed{Question: "Build a calculator app"}},
		ApplyStep{Event: protocol.SubTasks{
			SummaryTask: "Calculator App|Build a simple calculator",
			SubTasks: []protocol.SubTask{
				{ID: "1", Content: "Design UI"},
				{ID: "2", Content: "Implement logic"},
			},
		}},
		ApplyStep{Event: protocol.End{Summary: "Calculator built."}},
	}
	for _, a := range steps {
		if _, err := s.Dispatch(id, a); err != nil {
			t.Fatalf("Dispatch(%T) error = %v", a, err)
		}
	}

	got, _ := s.Get(id)
	if got.Status != StatusFinished {
		t.Fatalf("Status = %q, want finished", got.Status)
	}
	if len(got.TaskInfo) != 2 {
		t.Fatalf("len(TaskInfo) = %d, want 2", len(got.TaskInfo))
	}
	if got.SummaryTask != "Calculator App|Build a simple calculator" {
		t.Fatalf("SummaryTask = %q", got.SummaryTask)
	}
	if got.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %q, want completed", got.Outcome)
	}
}
