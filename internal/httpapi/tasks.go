package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

type takeControlRequest struct {
	On *bool `json:"on"`
}

type replyRequest struct {
	Reply string `json:"reply"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	projectID, taskID := urlParam(r, "projectID"), urlParam(r, "taskID")
	c, err := s.projects.FindTask(projectID, taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	task, err := c.Get(taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"container_id": c.ID(),
		"active":       c.ActiveTaskID() == taskID,
		"busy":         task.Busy(),
		"task":         task,
	})
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.RemoveTask(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmPlan(w http.ResponseWriter, r *http.Request) {
	task, err := s.runtime.ConfirmPlan(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.runtime.Pause(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.runtime.Resume(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTakeControl(w http.ResponseWriter, r *http.Request) {
	var req takeControlRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	on := true
	if req.On != nil {
		on = *req.On
	}
	task, err := s.runtime.TakeControl(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID"), on)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleSkipTask(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Skip(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reply) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "reply is required")
		return
	}
	task, err := s.runtime.Reply(r.Context(), urlParam(r, "projectID"), urlParam(r, "taskID"), req.Reply)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Typing(urlParam(r, "projectID"), urlParam(r, "taskID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
