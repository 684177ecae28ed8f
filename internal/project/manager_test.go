package project

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
)

type memoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snaps: make(map[string]Snapshot)}
}

func (s *memoryStore) SaveProject(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	s.saves++
	return nil
}

func (s *memoryStore) LoadProject(_ context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return Snapshot{}, ErrStoreNotFound
	}
	return snap, nil
}

func (s *memoryStore) ListProjects(context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

func (s *memoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[id]; !ok {
		return ErrStoreNotFound
	}
	delete(s.snaps, id)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func TestCreateProjectHasOnePlaceholder(t *testing.T) {
	m := NewManager(nil)
	id := m.CreateProject("", "desc")

	stores, err := m.AllChatStores(id)
	if err != nil {
		t.Fatalf("AllChatStores() error = %v", err)
	}
	if len(stores) != 1 || stores[0].Kind() != chat.KindPlaceholder {
		t.Fatalf("containers = %d, want one placeholder", len(stores))
	}
	active, err := m.ActiveChatStore(id)
	if err != nil {
		t.Fatalf("ActiveChatStore() error = %v", err)
	}
	if active != stores[0] {
		t.Fatalf("active container is not the placeholder")
	}
	p, _ := m.Project(id)
	if p.Name != defaultProjectName {
		t.Fatalf("Name = %q, want %q", p.Name, defaultProjectName)
	}

	if err := m.CreateProjectWithID(id, "dup", ""); !errors.Is(err, ErrProjectExists) {
		t.Fatalf("CreateProjectWithID(dup) error = %v, want ErrProjectExists", err)
	}
}

func TestCreateRecordedProject(t *testing.T) {
	m := NewManager(nil)
	id, c, err := m.CreateRecordedProject("", "Replay Project x", chat.TypeShare)
	if err != nil || id == "" {
		t.Fatalf("CreateRecordedProject() error = %v", err)
	}
	if c.Kind() != chat.KindLive || c.Len() != 1 {
		t.Fatalf("container kind=%s tasks=%d, want one live task", c.Kind(), c.Len())
	}
	task, err := c.Active()
	if err != nil || task.Type != chat.TypeShare {
		t.Fatalf("Active() = %+v, %v", task, err)
	}
	list := m.List()
	if len(list) != 1 || list[0].Name != "Replay Project x" {
		t.Fatalf("projects = %+v", list)
	}
	stores, err := m.AllChatStores(id)
	if err != nil || len(stores) != 2 {
		t.Fatalf("AllChatStores() = %d stores, %v; want placeholder and live", len(stores), err)
	}
	if stores[0].Kind() != chat.KindPlaceholder || stores[1].Kind() != chat.KindLive {
		t.Fatalf("container kinds = [%s %s], want [placeholder live]", stores[0].Kind(), stores[1].Kind())
	}
	if stores[1].ID() != c.ID() || list[0].ActiveContainerID != c.ID() {
		t.Fatalf("live container %s is not active (active=%s)", c.ID(), list[0].ActiveContainerID)
	}
}

func TestAppendChatStoreActivatesInOrder(t *testing.T) {
	m := NewManager(nil)
	id := m.CreateProject("p", "")
	first, _ := m.ActiveChatStore(id)

	second, err := m.AppendChatStore(id, chat.KindLive, chat.TypeReplay)
	if err != nil {
		t.Fatalf("AppendChatStore() error = %v", err)
	}
	active, _ := m.ActiveChatStore(id)
	if active != second {
		t.Fatalf("appended container is not active")
	}
	task, _ := second.Active()
	if task.Type != chat.TypeReplay {
		t.Fatalf("task type = %q, want replay", task.Type)
	}

	if err := m.SetActiveChatStore(id, first.ID()); err != nil {
		t.Fatalf("SetActiveChatStore() error = %v", err)
	}
	if err := m.SetActiveChatStore(id, "nope"); !errors.Is(err, ErrContainerNotFound) {
		t.Fatalf("SetActiveChatStore(nope) error = %v, want ErrContainerNotFound", err)
	}
	stores, _ := m.AllChatStores(id)
	if len(stores) != 2 || stores[0] != first || stores[1] != second {
		t.Fatalf("AllChatStores() order wrong")
	}

	if _, err := m.AppendChatStore("missing", chat.KindLive, chat.TypeNormal); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("AppendChatStore(missing) error = %v, want ErrProjectNotFound", err)
	}
}

func TestQueueFIFOAndRollback(t *testing.T) {
	m := NewManager(nil)
	id := m.CreateProject("p", "")

	a, err := m.AddQueuedMessage(id, "first", nil)
	if err != nil {
		t.Fatalf("AddQueuedMessage() error = %v", err)
	}
	b, _ := m.AddQueuedMessage(id, "second", []chat.Attach{{FileName: "a.txt", FilePath: "/tmp/a.txt"}})
	c, _ := m.AddQueuedMessage(id, "third", nil)

	removed, err := m.RemoveQueuedMessage(id, b.TaskID)
	if err != nil {
		t.Fatalf("RemoveQueuedMessage() error = %v", err)
	}
	if _, err := m.RemoveQueuedMessage(id, b.TaskID); !errors.Is(err, ErrQueuedMessageNotFound) {
		t.Fatalf("second RemoveQueuedMessage() error = %v, want ErrQueuedMessageNotFound", err)
	}

	if err := m.RestoreQueuedMessage(id, removed); err != nil {
		t.Fatalf("RestoreQueuedMessage() error = %v", err)
	}
	if err := m.RestoreQueuedMessage(id, removed); err != nil {
		t.Fatalf("RestoreQueuedMessage() again error = %v", err)
	}
	q, _ := m.QueuedMessages(id)
	if len(q) != 3 || q[0].TaskID != a.TaskID || q[1].TaskID != b.TaskID || q[2].TaskID != c.TaskID {
		t.Fatalf("queue after restore = %+v", q)
	}
	if len(q[1].Attaches) != 1 {
		t.Fatalf("restored attaches lost")
	}

	head, ok, err := m.PopQueuedMessage(id)
	if err != nil || !ok || head.TaskID != a.TaskID {
		t.Fatalf("PopQueuedMessage() = %+v %v %v", head, ok, err)
	}
	cleared, _ := m.ClearQueuedMessages(id)
	if len(cleared) != 2 {
		t.Fatalf("ClearQueuedMessages() = %d, want 2", len(cleared))
	}
	if _, ok, _ := m.PopQueuedMessage(id); ok {
		t.Fatalf("PopQueuedMessage() on empty queue ok = true")
	}
}

func TestQueueSnapshotsAreIndependent(t *testing.T) {
	m := NewManager(nil)
	id := m.CreateProject("p", "")
	_, _ = m.AddQueuedMessage(id, "x", nil)

	q, _ := m.QueuedMessages(id)
	q[0].Content = "mutated"
	again, _ := m.QueuedMessages(id)
	if again[0].Content != "x" {
		t.Fatalf("queue aliased caller slice")
	}
}

func TestSubscribeReceivesTaskUpdates(t *testing.T) {
	m := NewManager(nil)
	id := m.CreateProject("p", "")
	events, unsubscribe := m.Subscribe(id)
	defer unsubscribe()

	c, _ := m.ActiveChatStore(id)
	taskID := c.ActiveTaskID()
	if err := c.AddMessages(taskID, chat.Message{Role: chat.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AddMessages() error = %v", err)
	}
	_, _ = m.AddQueuedMessage(id, "later", nil)

	want := []EventType{EventTaskUpdated, EventQueueChanged}
	for _, typ := range want {
		select {
		case evt := <-events:
			if evt.Type != typ {
				t.Fatalf("event type = %q, want %q", evt.Type, typ)
			}
			if typ == EventTaskUpdated && (evt.Update == nil || evt.Update.Task.ID != taskID) {
				t.Fatalf("task update = %+v", evt.Update)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func TestSnapshotRestoreAndLoadAll(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(nil)
	m.SetStore(store, time.Second)

	id := m.CreateProject("Replay Project hi", "")
	live, _ := m.AppendChatStore(id, chat.KindLive, chat.TypeNormal)
	_ = live.AddMessages(live.ActiveTaskID(), chat.Message{Role: chat.RoleUser, Content: "hi"})
	queued, _ := m.AddQueuedMessage(id, "next", nil)

	want, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.LoadProject(context.Background(), id)
		if err == nil && len(got.QueuedMessages) == 1 && len(got.Containers) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("project was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	other := NewManager(nil)
	other.SetStore(store, time.Second)
	n, err := other.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("LoadAll() = %d, want 1", n)
	}
	stores, _ := other.AllChatStores(id)
	if len(stores) != 2 || stores[0].Kind() != chat.KindPlaceholder || stores[1].ID() != live.ID() {
		t.Fatalf("restored containers wrong")
	}
	active, _ := other.ActiveChatStore(id)
	if active.ID() != want.ActiveContainerID {
		t.Fatalf("restored active = %q, want %q", active.ID(), want.ActiveContainerID)
	}
	q, _ := other.QueuedMessages(id)
	if len(q) != 1 || q[0].TaskID != queued.TaskID {
		t.Fatalf("restored queue = %+v", q)
	}

	bad := want
	bad.ActiveContainerID = "ghost"
	if err := other.Restore(bad); !errors.Is(err, ErrContainerNotFound) {
		t.Fatalf("Restore(bad) error = %v, want ErrContainerNotFound", err)
	}
}

func TestRemoveProject(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(nil)
	m.SetStore(store, time.Second)
	id := m.CreateProject("p", "")

	if err := m.RemoveProject(id); err != nil {
		t.Fatalf("RemoveProject() error = %v", err)
	}
	if _, err := m.Project(id); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("Project() error = %v, want ErrProjectNotFound", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("List() not empty")
	}
}
