package project

import (
	"context"
	"errors"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
)

var (
	ErrProjectNotFound       = errors.New("project not found")
	ErrProjectExists         = errors.New("project already exists")
	ErrContainerNotFound     = errors.New("container not found")
	ErrQueuedMessageNotFound = errors.New("queued message not found")
	ErrStoreNotFound         = errors.New("project not found in store")
)

// QueuedMessage is a user message submitted while the active task was busy.
type QueuedMessage struct {
	TaskID    string        `json:"task_id"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Attaches  []chat.Attach `json:"attaches,omitempty"`
}

func (q QueuedMessage) Clone() QueuedMessage {
	out := q
	if q.Attaches != nil {
		out.Attaches = append([]chat.Attach(nil), q.Attaches...)
	}
	return out
}

// Project is a read-only view of one project.
type Project struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	ActiveContainerID string          `json:"active_container_id"`
	ContainerIDs      []string        `json:"container_ids"`
	QueuedMessages    []QueuedMessage `json:"queued_messages"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Snapshot is the persisted form of a project.
type Snapshot struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	Description       string                   `json:"description,omitempty"`
	ActiveContainerID string                   `json:"active_container_id"`
	Containers        []chat.ContainerSnapshot `json:"containers"`
	QueuedMessages    []QueuedMessage          `json:"queued_messages"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

type EventType string

const (
	EventProjectCreated     EventType = "project.created"
	EventProjectRemoved     EventType = "project.removed"
	EventContainerAppended  EventType = "container.appended"
	EventContainerActivated EventType = "container.activated"
	EventTaskUpdated        EventType = "task.updated"
	EventTaskRemoved        EventType = "task.removed"
	EventQueueChanged       EventType = "queue.changed"
	EventNavigate           EventType = "navigate"
)

// Event is published to project subscribers.
type Event struct {
	Type        EventType       `json:"type"`
	ProjectID   string          `json:"project_id"`
	ContainerID string          `json:"container_id,omitempty"`
	Update      *chat.Update    `json:"update,omitempty"`
	Queue       []QueuedMessage `json:"queue,omitempty"`
	Path        string          `json:"path,omitempty"`
	At          time.Time       `json:"at"`
}

// Store persists project snapshots.
type Store interface {
	SaveProject(ctx context.Context, snap Snapshot) error
	LoadProject(ctx context.Context, projectID string) (Snapshot, error)
	ListProjects(ctx context.Context) ([]Snapshot, error)
	DeleteProject(ctx context.Context, projectID string) error
	Close() error
}
