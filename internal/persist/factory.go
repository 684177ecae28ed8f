package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

// NewStore picks a backend from the DSN scheme. An empty DSN disables
// persistence and returns a nil store.
func NewStore(ctx context.Context, dsn string) (project.Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return NewRedisStore(ctx, dsn)
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return NewMongoStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported state dsn scheme: %q", redactDSN(dsn))
	}
}

// Mode names the backend NewStore would pick for dsn.
func Mode(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return "mongodb"
	case strings.HasPrefix(dsn, "sqlite:"), strings.HasPrefix(dsn, "file:"):
		return "sqlite"
	default:
		return "unknown"
	}
}

func encodeSnapshot(snap project.Snapshot) ([]byte, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode project %s: %w", snap.ID, err)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (project.Snapshot, error) {
	var snap project.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return project.Snapshot{}, fmt.Errorf("decode project: %w", err)
	}
	return snap, nil
}

// redactDSN keeps only the scheme so credentials never reach logs.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if i := strings.Index(dsn, ":"); i >= 0 {
		return dsn[:i+1] + "..."
	}
	return "..."
}

func sortByCreated(snaps []project.Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}
