package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoActiveAsk       = errors.New("no active ask")
	ErrNoPlan            = errors.New("no plan awaiting confirmation")
	ErrContextExceeded   = errors.New("context window exceeded")
)

const defaultActivityLimit = 512

// Store is one task container: a set of tasks keyed by id with one active task.
// Every mutation goes through Dispatch.
type Store struct {
	id        string
	kind      Kind
	createdAt time.Time

	mu            sync.RWMutex
	tasks         map[string]*Task
	order         []string
	activeID      string
	activityLimit int
	onUpdate      func(Update)
	now           func() time.Time
}

// NewStore returns a container holding one empty pending task of taskType.
func NewStore(kind Kind, taskType TaskType) *Store {
	s := newStore(uuid.NewString(), kind, time.Now().UTC())
	s.Create(taskType)
	return s
}

func newStore(id string, kind Kind, createdAt time.Time) *Store {
	if kind == "" {
		kind = KindLive
	}
	return &Store{
		id:            id,
		kind:          kind,
		createdAt:     createdAt,
		tasks:         make(map[string]*Task),
		activityLimit: defaultActivityLimit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) ID() string { return s.id }

func (s *Store) Kind() Kind { return s.kind }

func (s *Store) CreatedAt() time.Time { return s.createdAt }

// SetUpdateHook installs fn, called after every successful mutation. fn runs
// outside the store lock.
func (s *Store) SetUpdateHook(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

func (s *Store) SetActivityLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityLimit = n
}

// Create adds a fresh pending task and makes it active.
func (s *Store) Create(taskType TaskType) string {
	id, _ := s.CreateWithID(uuid.NewString(), taskType)
	return id
}

func (s *Store) CreateWithID(taskID string, taskType TaskType) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", errors.New("task_id is required")
	}
	if taskType == "" {
		taskType = TypeNormal
	}

	s.mu.Lock()
	if _, exists := s.tasks[taskID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("task %s already exists", taskID)
	}
	now := s.now()
	t := &Task{
		ID:        taskID,
		Type:      taskType,
		Status:    StatusPending,
		Messages:  []Message{},
		TaskInfo:  []SubTask{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[taskID] = t
	s.order = append(s.order, taskID)
	s.activeID = taskID
	update := s.updateLocked(t)
	hook := s.onUpdate
	s.mu.Unlock()

	notify(hook, update)
	return taskID, nil
}

// Dispatch applies actions to taskID as one unit. On error the task is left
// unchanged.
func (s *Store) Dispatch(taskID string, actions ...Action) (Task, error) {
	s.mu.Lock()
	cur, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	e := env{now: s.now(), activityLimit: s.activityLimit}
	next := cur.Clone()
	for _, a := range actions {
		if err := a.apply(&next, e); err != nil {
			s.mu.Unlock()
			return Task{}, err
		}
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = e.now
	s.tasks[taskID] = &next
	update := s.updateLocked(&next)
	hook := s.onUpdate
	out := next.Clone()
	s.mu.Unlock()

	notify(hook, update)
	return out, nil
}

func (s *Store) AddMessages(taskID string, msgs ...Message) error {
	actions := make([]Action, 0, len(msgs))
	for _, m := range msgs {
		actions = append(actions, AddMessage{Message: m})
	}
	_, err := s.Dispatch(taskID, actions...)
	return err
}

func (s *Store) SetStatus(taskID string, status Status) error {
	_, err := s.Dispatch(taskID, SetStatus{Status: status})
	return err
}

func (s *Store) SetHasMessages(taskID string, v bool) error {
	_, err := s.Dispatch(taskID, SetHasMessages{Value: v})
	return err
}

func (s *Store) SetIsPending(taskID string, v bool) error {
	_, err := s.Dispatch(taskID, SetPending{Value: v})
	return err
}

func (s *Store) SetHasWaitConfirm(taskID string, v bool) error {
	_, err := s.Dispatch(taskID, SetWaitConfirm{Value: v})
	return err
}

func (s *Store) SetTakeControl(taskID string, v bool) error {
	_, err := s.Dispatch(taskID, SetTakeControl{Value: v})
	return err
}

func (s *Store) SetAttaches(taskID string, attaches []Attach) error {
	_, err := s.Dispatch(taskID, SetAttaches{Attaches: attaches})
	return err
}

// RemoveTask deletes taskID. Removing the active task leaves no active task.
func (s *Store) RemoveTask(taskID string) error {
	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(s.tasks, taskID)
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if id != taskID {
			out = append(out, id)
		}
	}
	s.order = out
	if s.activeID == taskID {
		s.activeID = ""
	}
	update := Update{ContainerID: s.id, RemovedID: taskID, ActiveID: s.activeID}
	hook := s.onUpdate
	s.mu.Unlock()

	notify(hook, update)
	return nil
}

func (s *Store) SetActiveTaskID(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	s.activeID = taskID
	update := s.updateLocked(t)
	hook := s.onUpdate
	s.mu.Unlock()

	notify(hook, update)
	return nil
}

func (s *Store) ActiveTaskID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

func (s *Store) Get(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// Active returns the active task, or ErrTaskNotFound when none is selected.
func (s *Store) Active() (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[s.activeID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns every task in creation order.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) Snapshot() ContainerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ContainerSnapshot{
		ID:           s.id,
		Kind:         s.kind,
		ActiveTaskID: s.activeID,
		Order:        append([]string(nil), s.order...),
		Tasks:        make([]Task, 0, len(s.order)),
		CreatedAt:    s.createdAt,
	}
	for _, id := range s.order {
		snap.Tasks = append(snap.Tasks, s.tasks[id].Clone())
	}
	return snap
}

// RestoreStore rebuilds a container from a snapshot.
func RestoreStore(snap ContainerSnapshot) (*Store, error) {
	id := strings.TrimSpace(snap.ID)
	if id == "" {
		return nil, errors.New("container id is required")
	}
	s := newStore(id, snap.Kind, snap.CreatedAt)
	for _, t := range snap.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("container %s: task without id", id)
		}
		if _, dup := s.tasks[t.ID]; dup {
			return nil, fmt.Errorf("container %s: duplicate task %s", id, t.ID)
		}
		cloned := t.Clone()
		if cloned.Messages == nil {
			cloned.Messages = []Message{}
		}
		s.tasks[t.ID] = &cloned
		s.order = append(s.order, t.ID)
	}
	if snap.ActiveTaskID != "" {
		if _, ok := s.tasks[snap.ActiveTaskID]; !ok {
			return nil, fmt.Errorf("container %s: active task %s: %w", id, snap.ActiveTaskID, ErrTaskNotFound)
		}
	}
	s.activeID = snap.ActiveTaskID
	return s, nil
}

func (s *Store) updateLocked(t *Task) Update {
	cloned := t.Clone()
	return Update{ContainerID: s.id, Task: &cloned, ActiveID: s.activeID}
}

func notify(hook func(Update), u Update) {
	if hook != nil {
		hook(u)
	}
}
