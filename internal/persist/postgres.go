package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

// PostgresStore keeps one JSONB document per project.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_created ON projects (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveProject(ctx context.Context, snap project.Snapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, document=EXCLUDED.document, updated_at=EXCLUDED.updated_at`,
		snap.ID,
		snap.Name,
		doc,
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save project %s: %w", snap.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadProject(ctx context.Context, projectID string) (project.Snapshot, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM projects WHERE id=$1`, projectID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return project.Snapshot{}, fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	if err != nil {
		return project.Snapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return decodeSnapshot(doc)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]project.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []project.Snapshot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		snap, err := decodeSnapshot(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
