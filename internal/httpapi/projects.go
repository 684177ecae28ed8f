package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/taskruntime"
)

type createProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type appendContainerRequest struct {
	Type chat.TaskType `json:"type"`
}

type sendMessageRequest struct {
	Content  string        `json:"content"`
	Attaches []chat.Attach `json:"attaches"`
	// Parallel starts the message in a new container when the active task is busy.
	Parallel bool `json:"parallel"`
	// NoQueue rejects the message with 409 instead of queueing it.
	NoQueue bool `json:"no_queue"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"projects": s.projects.List()})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.projects.CreateProject(req.Name, req.Description)
	} else if err := s.projects.CreateProjectWithID(id, req.Name, req.Description); err != nil {
		respondDomainError(w, err)
		return
	}
	p, err := s.projects.Project(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	snap, err := s.projects.Snapshot(urlParam(r, "projectID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectID")
	stores, err := s.projects.AllChatStores(projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// Close every stream of the project before dropping its containers.
	for _, c := range stores {
		for _, task := range c.List() {
			if err := s.runtime.RemoveTask(r.Context(), projectID, task.ID); err != nil && !errors.Is(err, chat.ErrTaskNotFound) {
				s.logger.Warn("remove task during project removal failed", "project_id", projectID, "task_id", task.ID, "error", err)
			}
		}
	}
	if _, err := s.runtime.ClearQueued(projectID); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := s.projects.RemoveProject(projectID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.projects.Snapshot(urlParam(r, "projectID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_container_id": snap.ActiveContainerID,
		"containers":          snap.Containers,
	})
}

func (s *Server) handleAppendContainer(w http.ResponseWriter, r *http.Request) {
	var req appendContainerRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Type == "" {
		req.Type = chat.TypeNormal
	}
	c, err := s.projects.AppendChatStore(urlParam(r, "projectID"), chat.KindLive, req.Type)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c.Snapshot())
}

func (s *Server) handleActivateContainer(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectID")
	if err := s.projects.SetActiveChatStore(projectID, urlParam(r, "containerID")); err != nil {
		respondDomainError(w, err)
		return
	}
	p, err := s.projects.Project(projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	send := taskruntime.SendRequest{
		ProjectID: urlParam(r, "projectID"),
		Content:   req.Content,
		Attaches:  req.Attaches,
		Parallel:  req.Parallel,
	}
	var (
		res taskruntime.SendResult
		err error
	)
	if req.Parallel || req.NoQueue {
		res, err = s.runtime.StartTask(r.Context(), send)
	} else {
		res, err = s.runtime.Submit(r.Context(), send)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == taskruntime.OutcomeQueued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.projects.QueuedMessages(urlParam(r, "projectID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queued_messages": q})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.runtime.ClearQueued(urlParam(r, "projectID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.CancelQueued(r.Context(), urlParam(r, "projectID"), urlParam(r, "queuedID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
