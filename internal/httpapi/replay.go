package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/replay"
)

type replayRequest struct {
	ProjectID string        `json:"project_id"`
	Question  string        `json:"question"`
	HistoryID string        `json:"history_id"`
	Type      chat.TaskType `json:"type"`
	// DelayMS overrides the configured pause between replayed steps.
	DelayMS *int64 `json:"delay_ms"`
}

func (s *Server) handleReplayProject(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in := replay.Request{
		ProjectID: req.ProjectID,
		Question:  req.Question,
		HistoryID: req.HistoryID,
		Type:      req.Type,
	}
	if req.DelayMS != nil {
		if *req.DelayMS < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "delay_ms must be >= 0")
			return
		}
		d := time.Duration(*req.DelayMS) * time.Millisecond
		in.Delay = &d
	}

	// The replay outlives this request; its stream is owned by the runtime.
	res, err := s.replays.ReplayProject(r.Context(), in, s.projects.Navigate)
	if err != nil {
		s.respondReplayError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleReplayActiveTask(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectID")
	c, err := s.projects.ChatStore(projectID, urlParam(r, "containerID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	res, err := s.replays.ReplayActiveTask(r.Context(), c, func(replayID, path string) {
		// Watchers of the source project follow the replay home as well.
		s.projects.Navigate(projectID, path)
		s.projects.Navigate(replayID, path)
	})
	if err != nil {
		s.respondReplayError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) respondReplayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrNoHistory):
		respondError(w, http.StatusBadRequest, "missing_history_id", err.Error())
	default:
		respondDomainError(w, err)
	}
}
