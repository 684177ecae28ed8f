package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/unmodeled-tyler/eigent-sub000/internal/backend"
	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/config"
	"github.com/unmodeled-tyler/eigent-sub000/internal/observability"
	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
	"github.com/unmodeled-tyler/eigent-sub000/internal/replay"
	"github.com/unmodeled-tyler/eigent-sub000/internal/taskruntime"
)

type Server struct {
	cfg       config.Config
	runtime   *taskruntime.Service
	projects  *project.Manager
	replays   *replay.Orchestrator
	metrics   *observability.Metrics
	logger    *slog.Logger
	storeMode string
	upgrader  websocket.Upgrader
}

// New wires the HTTP surface. storeMode names the persistence backend for
// health reporting ("memory" when state is not persisted).
func New(cfg config.Config, runtime *taskruntime.Service, replays *replay.Orchestrator, metrics *observability.Metrics, logger *slog.Logger, storeMode string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(storeMode) == "" {
		storeMode = "memory"
	}
	return &Server{
		cfg:       cfg,
		runtime:   runtime,
		projects:  runtime.Projects(),
		replays:   replays,
		metrics:   metrics,
		logger:    logger,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch projects unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/rounds", s.handlePerfRounds)
	r.Get("/v1/streams", s.handleListStreams)

	r.Get("/v1/projects", s.handleListProjects)
	r.Post("/v1/projects", s.handleCreateProject)
	r.Post("/v1/replays", s.handleReplayProject)

	r.Route("/v1/projects/{projectID}", func(r chi.Router) {
		r.Get("/", s.handleGetProject)
		r.Delete("/", s.handleRemoveProject)
		r.Get("/watch", s.handleWatchProject)

		r.Get("/containers", s.handleListContainers)
		r.Post("/containers", s.handleAppendContainer)
		r.Post("/containers/{containerID}/activate", s.handleActivateContainer)
		r.Post("/containers/{containerID}/replay", s.handleReplayActiveTask)

		r.Post("/messages", s.handleSendMessage)

		r.Get("/queue", s.handleListQueue)
		r.Delete("/queue", s.handleClearQueue)
		r.Delete("/queue/{queuedID}", s.handleCancelQueued)

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleRemoveTask)
			r.Post("/confirm", s.handleConfirmPlan)
			r.Post("/pause", s.handlePauseTask)
			r.Post("/resume", s.handleResumeTask)
			r.Post("/take-control", s.handleTakeControl)
			r.Post("/skip", s.handleSkipTask)
			r.Post("/reply", s.handleReply)
			r.Post("/typing", s.handleTyping)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"stream_mode": s.cfg.StreamMode,
		"state_store": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"projects":     len(s.projects.List()),
		"open_streams": len(s.runtime.ActiveStreams()),
		"state_store":  s.storeMode,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"streams": s.runtime.ActiveStreams()})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps runtime errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, project.ErrProjectNotFound):
		respondError(w, http.StatusNotFound, "project_not_found", err.Error())
	case errors.Is(err, project.ErrContainerNotFound):
		respondError(w, http.StatusNotFound, "container_not_found", err.Error())
	case errors.Is(err, project.ErrQueuedMessageNotFound):
		respondError(w, http.StatusNotFound, "queued_message_not_found", err.Error())
	case errors.Is(err, chat.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, project.ErrProjectExists):
		respondError(w, http.StatusConflict, "project_exists", err.Error())
	case errors.Is(err, taskruntime.ErrTaskBusy):
		respondError(w, http.StatusConflict, "task_busy", err.Error())
	case errors.Is(err, chat.ErrContextExceeded):
		respondError(w, http.StatusConflict, "context_exceeded", err.Error())
	case errors.Is(err, chat.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, chat.ErrNoActiveAsk):
		respondError(w, http.StatusConflict, "no_active_ask", err.Error())
	case errors.Is(err, chat.ErrNoPlan):
		respondError(w, http.StatusConflict, "no_plan", err.Error())
	case errors.As(err, &statusErr):
		respondError(w, http.StatusBadGateway, "backend_error", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func urlParam(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}
