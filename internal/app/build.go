package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/backend"
	"github.com/unmodeled-tyler/eigent-sub000/internal/config"
	"github.com/unmodeled-tyler/eigent-sub000/internal/httpapi"
	"github.com/unmodeled-tyler/eigent-sub000/internal/logging"
	"github.com/unmodeled-tyler/eigent-sub000/internal/observability"
	"github.com/unmodeled-tyler/eigent-sub000/internal/persist"
	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
	"github.com/unmodeled-tyler/eigent-sub000/internal/replay"
	"github.com/unmodeled-tyler/eigent-sub000/internal/stream"
	"github.com/unmodeled-tyler/eigent-sub000/internal/taskruntime"
)

// mockStepDelay paces scripted streams so watchers see each step arrive.
const mockStepDelay = 150 * time.Millisecond

type BuildResult struct {
	Config   config.Config
	Logger   *slog.Logger
	API      *httpapi.Server
	Projects *project.Manager
	Runtime  *taskruntime.Service
	Replays  *replay.Orchestrator
	Metrics  *observability.Metrics
	// StoreMode names the persistence backend ("memory" when disabled).
	StoreMode string

	// Cleanup should be called on shutdown to close streams and release the state store.
	Cleanup func() error
}

type Option func(*buildOptions)

type buildOptions struct {
	metrics *observability.Metrics
	streams stream.Adapter
}

// WithMetrics reuses an existing metrics set instead of registering a new one.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *buildOptions) { o.metrics = m }
}

// WithStreams overrides the stream adapter chosen from StreamMode.
func WithStreams(a stream.Adapter) Option {
	return func(o *buildOptions) { o.streams = a }
}

func Build(ctx context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "eigentd"})
	metrics := o.metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := persist.NewStore(ctx, cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}
	storeMode := persist.Mode(cfg.StateDSN)

	projects := project.NewManager(logger.With("component", "projects"))
	projects.SetActivityLimit(cfg.ActivityHistoryLimit)
	if store != nil {
		projects.SetStore(store, cfg.StateSaveTimeout)
		n, err := projects.LoadAll(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load persisted projects: %w", err)
		}
		logger.Info("restored projects", "count", n, "state_store", storeMode)
	}

	streams := o.streams
	if streams == nil {
		switch cfg.StreamMode {
		case "mock":
			streams = stream.NewScriptedAdapter(stream.MockScript, mockStepDelay)
		default:
			streams = stream.NewHTTPAdapter(nil, logger.With("component", "stream"))
		}
	}

	api := backend.NewClient(backend.Config{
		BaseURL:        cfg.BackendBaseURL,
		RequestTimeout: cfg.BackendRequestTimeout,
		MaxAttempts:    cfg.BackendMaxAttempts,
	}, streams, logger.With("component", "backend"))

	runtime := taskruntime.New(taskruntime.Config{AskTimeout: cfg.HumanAskTimeout}, projects, api, metrics, logger.With("component", "runtime"))
	replays := replay.New(runtime, metrics, cfg.PlaybackDelay, logger.With("component", "replay"))
	server := httpapi.New(cfg, runtime, replays, metrics, logger.With("component", "http"), storeMode)

	cleanup := func() error {
		var errs []string
		if err := runtime.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       server,
		Projects:  projects,
		Runtime:   runtime,
		Replays:   replays,
		Metrics:   metrics,
		StoreMode: storeMode,
		Cleanup:   cleanup,
	}, nil
}
