package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
)

const defaultProjectName = "New Project"

type projectState struct {
	id          string
	name        string
	description string
	containers  []*chat.Store
	activeID    string
	queue       []QueuedMessage
	createdAt   time.Time
	updatedAt   time.Time

	saveSeq  atomic.Uint64
	removed  atomic.Bool
	saveMu   sync.Mutex
	savedSeq uint64
}

// Manager owns every project, its ordered containers and its queued messages.
type Manager struct {
	mu sync.RWMutex

	projects      map[string]*projectState
	order         []string
	activityLimit int

	store       Store
	saveTimeout time.Duration
	logger      *slog.Logger

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		projects:    make(map[string]*projectState),
		saveTimeout: 2 * time.Second,
		logger:      logger,
		subscribers: make(map[string]map[int]chan Event),
	}
}

// SetStore enables persistence. Every change is saved asynchronously.
func (m *Manager) SetStore(store Store, saveTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	if saveTimeout > 0 {
		m.saveTimeout = saveTimeout
	}
}

// SetActivityLimit bounds the activity log of tasks in containers created afterwards.
func (m *Manager) SetActivityLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityLimit = n
}

// CreateProject creates a project holding exactly one placeholder container.
func (m *Manager) CreateProject(name, description string) string {
	id := uuid.NewString()
	_ = m.CreateProjectWithID(id, name, description)
	return id
}

func (m *Manager) CreateProjectWithID(projectID, name, description string) error {
	return m.createProject(projectID, name, description, chat.NewStore(chat.KindPlaceholder, chat.TypeNormal))
}

// CreateRecordedProject creates a project with its default placeholder
// container plus an active live container holding a single task of taskType.
// Replays and shares start this way.
func (m *Manager) CreateRecordedProject(projectID, name string, taskType chat.TaskType) (string, *chat.Store, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		projectID = uuid.NewString()
	}
	live := chat.NewStore(chat.KindLive, taskType)
	if err := m.createProject(projectID, name, "", chat.NewStore(chat.KindPlaceholder, chat.TypeNormal), live); err != nil {
		return "", nil, err
	}
	return projectID, live, nil
}

// createProject registers a project holding containers in order. The last one
// becomes active.
func (m *Manager) createProject(projectID, name, description string, containers ...*chat.Store) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("project_id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultProjectName
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[projectID]; exists {
		return fmt.Errorf("%w: %s", ErrProjectExists, projectID)
	}
	p := &projectState{
		id:          projectID,
		name:        name,
		description: strings.TrimSpace(description),
		queue:       []QueuedMessage{},
		createdAt:   now,
		updatedAt:   now,
	}
	m.projects[projectID] = p
	m.order = append(m.order, projectID)
	for _, c := range containers {
		m.appendContainerLocked(p, c)
	}

	m.publishLocked(projectID, Event{Type: EventProjectCreated, ProjectID: projectID, ContainerID: p.activeID, At: now})
	m.persistLocked(p)
	return nil
}

func (m *Manager) Project(projectID string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[strings.TrimSpace(projectID)]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return p.view(), nil
}

// List returns every project in creation order.
func (m *Manager) List() []Project {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Project, 0, len(m.order))
	for _, id := range m.order {
		if p, ok := m.projects[id]; ok {
			out = append(out, p.view())
		}
	}
	return out
}

// RemoveProject deletes a project and its persisted snapshot.
func (m *Manager) RemoveProject(projectID string) error {
	projectID = strings.TrimSpace(projectID)
	m.mu.Lock()
	p, ok := m.projects[projectID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	p.removed.Store(true)
	delete(m.projects, projectID)
	out := m.order[:0]
	for _, id := range m.order {
		if id != projectID {
			out = append(out, id)
		}
	}
	m.order = append([]string(nil), out...)
	for _, c := range p.containers {
		c.SetUpdateHook(nil)
	}
	m.publishLocked(projectID, Event{Type: EventProjectRemoved, ProjectID: projectID, At: time.Now().UTC()})
	store, timeout := m.store, m.saveTimeout
	m.mu.Unlock()

	if store == nil {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := store.DeleteProject(ctx, projectID); err != nil && !errors.Is(err, ErrStoreNotFound) {
		return fmt.Errorf("delete persisted project: %w", err)
	}
	return nil
}

func (m *Manager) ActiveChatStore(projectID string) (*chat.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	c := p.container(p.activeID)
	if c == nil {
		return nil, fmt.Errorf("%w: project %s has no active container", ErrContainerNotFound, projectID)
	}
	return c, nil
}

// AllChatStores returns every container of the project in creation order.
func (m *Manager) AllChatStores(projectID string) ([]*chat.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	return append([]*chat.Store(nil), p.containers...), nil
}

func (m *Manager) ChatStore(projectID, containerID string) (*chat.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	c := p.container(containerID)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	return c, nil
}

// FindTask returns the container holding taskID.
func (m *Manager) FindTask(projectID, taskID string) (*chat.Store, error) {
	stores, err := m.AllChatStores(projectID)
	if err != nil {
		return nil, err
	}
	for i := len(stores) - 1; i >= 0; i-- {
		if _, err := stores[i].Get(taskID); err == nil {
			return stores[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", chat.ErrTaskNotFound, taskID)
}

// AppendChatStore creates an additional container holding one empty task of
// taskType and makes it active.
func (m *Manager) AppendChatStore(projectID string, kind chat.Kind, taskType chat.TaskType) (*chat.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	c := chat.NewStore(kind, taskType)
	m.appendContainerLocked(p, c)
	p.updatedAt = time.Now().UTC()
	m.publishLocked(p.id, Event{Type: EventContainerAppended, ProjectID: p.id, ContainerID: c.ID(), At: p.updatedAt})
	m.persistLocked(p)
	return c, nil
}

func (m *Manager) SetActiveChatStore(projectID, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return err
	}
	if p.container(containerID) == nil {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	p.activeID = containerID
	p.updatedAt = time.Now().UTC()
	m.publishLocked(p.id, Event{Type: EventContainerActivated, ProjectID: p.id, ContainerID: containerID, At: p.updatedAt})
	m.persistLocked(p)
	return nil
}

// AddQueuedMessage appends a message to the project's FIFO and returns it.
func (m *Manager) AddQueuedMessage(projectID, content string, attaches []chat.Attach) (QueuedMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return QueuedMessage{}, errors.New("content is required")
	}
	msg := QueuedMessage{
		TaskID:    uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		Attaches:  append([]chat.Attach(nil), attaches...),
	}
	err := m.updateQueue(projectID, func(q []QueuedMessage) ([]QueuedMessage, error) {
		return append(q, msg), nil
	})
	if err != nil {
		return QueuedMessage{}, err
	}
	return msg.Clone(), nil
}

// RemoveQueuedMessage removes one message by task id and returns it so a
// failed backend acknowledgement can restore it.
func (m *Manager) RemoveQueuedMessage(projectID, taskID string) (QueuedMessage, error) {
	var removed QueuedMessage
	err := m.updateQueue(projectID, func(q []QueuedMessage) ([]QueuedMessage, error) {
		out := make([]QueuedMessage, 0, len(q))
		found := false
		for _, item := range q {
			if item.TaskID == taskID && !found {
				removed = item
				found = true
				continue
			}
			out = append(out, item)
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrQueuedMessageNotFound, taskID)
		}
		return out, nil
	})
	if err != nil {
		return QueuedMessage{}, err
	}
	return removed.Clone(), nil
}

// RestoreQueuedMessage puts a removed message back in timestamp order. Restoring
// a message that is still queued is a no-op.
func (m *Manager) RestoreQueuedMessage(projectID string, msg QueuedMessage) error {
	if strings.TrimSpace(msg.TaskID) == "" {
		return errors.New("task_id is required")
	}
	return m.updateQueue(projectID, func(q []QueuedMessage) ([]QueuedMessage, error) {
		for _, item := range q {
			if item.TaskID == msg.TaskID {
				return q, nil
			}
		}
		out := append(append([]QueuedMessage(nil), q...), msg.Clone())
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp.Before(out[j].Timestamp)
		})
		return out, nil
	})
}

func (m *Manager) ClearQueuedMessages(projectID string) ([]QueuedMessage, error) {
	var cleared []QueuedMessage
	err := m.updateQueue(projectID, func(q []QueuedMessage) ([]QueuedMessage, error) {
		cleared = q
		return []QueuedMessage{}, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneQueue(cleared), nil
}

// PopQueuedMessage removes and returns the head of the queue.
func (m *Manager) PopQueuedMessage(projectID string) (QueuedMessage, bool, error) {
	var (
		head QueuedMessage
		ok   bool
	)
	err := m.updateQueue(projectID, func(q []QueuedMessage) ([]QueuedMessage, error) {
		if len(q) == 0 {
			return q, nil
		}
		head, ok = q[0], true
		return append([]QueuedMessage(nil), q[1:]...), nil
	})
	if err != nil {
		return QueuedMessage{}, false, err
	}
	return head.Clone(), ok, nil
}

func (m *Manager) QueuedMessages(projectID string) ([]QueuedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	return cloneQueue(p.queue), nil
}

// updateQueue replaces the queue as a whole value. fn must not mutate its input.
func (m *Manager) updateQueue(projectID string, fn func([]QueuedMessage) ([]QueuedMessage, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return err
	}
	next, err := fn(p.queue)
	if err != nil {
		return err
	}
	p.queue = next
	p.updatedAt = time.Now().UTC()
	m.publishLocked(p.id, Event{Type: EventQueueChanged, ProjectID: p.id, Queue: cloneQueue(next), At: p.updatedAt})
	m.persistLocked(p)
	return nil
}

func (m *Manager) Subscribe(projectID string) (<-chan Event, func()) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[projectID]; !ok {
		m.subscribers[projectID] = make(map[int]chan Event)
	}
	m.subscribers[projectID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[projectID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, projectID)
		}
	}
}

// Navigate tells the project's subscribers to move their view to path.
func (m *Manager) Navigate(projectID, path string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.publishLocked(projectID, Event{Type: EventNavigate, ProjectID: projectID, Path: path, At: time.Now().UTC()})
}

func (m *Manager) Snapshot(projectID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.projectLocked(projectID)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(), nil
}

// Restore installs a project from a snapshot, replacing any project with the
// same id.
func (m *Manager) Restore(snap Snapshot) error {
	p, err := m.restoreState(snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.projects[p.id]; ok {
		for _, c := range old.containers {
			c.SetUpdateHook(nil)
		}
	} else {
		m.order = append(m.order, p.id)
	}
	containers := p.containers
	p.containers = nil
	for _, c := range containers {
		m.appendContainerLocked(p, c)
	}
	p.activeID = snap.ActiveContainerID
	m.projects[p.id] = p
	return nil
}

func (m *Manager) restoreState(snap Snapshot) (*projectState, error) {
	id := strings.TrimSpace(snap.ID)
	if id == "" {
		return nil, errors.New("project id is required")
	}
	if len(snap.Containers) == 0 {
		return nil, fmt.Errorf("project %s: at least one container is required", id)
	}
	p := &projectState{
		id:          id,
		name:        snap.Name,
		description: snap.Description,
		queue:       cloneQueue(snap.QueuedMessages),
		createdAt:   snap.CreatedAt,
		updatedAt:   snap.UpdatedAt,
	}
	seen := make(map[string]bool, len(snap.Containers))
	for _, cs := range snap.Containers {
		c, err := chat.RestoreStore(cs)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}
		if seen[c.ID()] {
			return nil, fmt.Errorf("project %s: duplicate container %s", id, c.ID())
		}
		seen[c.ID()] = true
		p.containers = append(p.containers, c)
	}
	if !seen[snap.ActiveContainerID] {
		return nil, fmt.Errorf("%w: project %s active container %q", ErrContainerNotFound, id, snap.ActiveContainerID)
	}
	queued := make(map[string]bool, len(p.queue))
	for _, q := range p.queue {
		if queued[q.TaskID] {
			return nil, fmt.Errorf("project %s: duplicate queued message %s", id, q.TaskID)
		}
		queued[q.TaskID] = true
	}
	return p, nil
}

// LoadAll restores every persisted project. Invalid snapshots are skipped.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return 0, nil
	}
	snaps, err := store.ListProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted projects: %w", err)
	}
	loaded := 0
	for _, snap := range snaps {
		if err := m.Restore(snap); err != nil {
			m.logger.Warn("skipping persisted project", "project_id", snap.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (m *Manager) projectLocked(projectID string) (*projectState, error) {
	p, ok := m.projects[strings.TrimSpace(projectID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return p, nil
}

func (m *Manager) appendContainerLocked(p *projectState, c *chat.Store) {
	if m.activityLimit > 0 {
		c.SetActivityLimit(m.activityLimit)
	}
	projectID := p.id
	c.SetUpdateHook(func(u chat.Update) { m.onContainerUpdate(projectID, u) })
	p.containers = append(p.containers, c)
	p.activeID = c.ID()
}

func (m *Manager) onContainerUpdate(projectID string, u chat.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return
	}
	p.updatedAt = time.Now().UTC()
	evtType := EventTaskUpdated
	if u.RemovedID != "" {
		evtType = EventTaskRemoved
	}
	m.publishLocked(projectID, Event{Type: evtType, ProjectID: projectID, ContainerID: u.ContainerID, Update: &u, At: p.updatedAt})
	m.persistLocked(p)
}

func (m *Manager) persistLocked(p *projectState) {
	store := m.store
	if store == nil {
		return
	}
	seq := p.saveSeq.Add(1)
	snap := p.snapshot()
	timeout := m.saveTimeout
	logger := m.logger

	go func() {
		p.saveMu.Lock()
		defer p.saveMu.Unlock()
		if seq < p.savedSeq || p.removed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.SaveProject(ctx, snap); err != nil {
			logger.Warn("persist project failed", "project_id", snap.ID, "error", err)
			return
		}
		p.savedSeq = seq
	}()
}

func (m *Manager) publishLocked(projectID string, evt Event) {
	subs := m.subscribers[projectID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (p *projectState) container(id string) *chat.Store {
	for _, c := range p.containers {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (p *projectState) view() Project {
	ids := make([]string, 0, len(p.containers))
	for _, c := range p.containers {
		ids = append(ids, c.ID())
	}
	return Project{
		ID:                p.id,
		Name:              p.name,
		Description:       p.description,
		ActiveContainerID: p.activeID,
		ContainerIDs:      ids,
		QueuedMessages:    cloneQueue(p.queue),
		CreatedAt:         p.createdAt,
		UpdatedAt:         p.updatedAt,
	}
}

func (p *projectState) snapshot() Snapshot {
	snap := Snapshot{
		ID:                p.id,
		Name:              p.name,
		Description:       p.description,
		ActiveContainerID: p.activeID,
		Containers:        make([]chat.ContainerSnapshot, 0, len(p.containers)),
		QueuedMessages:    cloneQueue(p.queue),
		CreatedAt:         p.createdAt,
		UpdatedAt:         p.updatedAt,
	}
	for _, c := range p.containers {
		snap.Containers = append(snap.Containers, c.Snapshot())
	}
	return snap
}

func cloneQueue(q []QueuedMessage) []QueuedMessage {
	out := make([]QueuedMessage, 0, len(q))
	for _, item := range q {
		out = append(out, item.Clone())
	}
	return out
}
