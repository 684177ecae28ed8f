package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

type projectRow struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Document  []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (projectRow) TableName() string { return "projects" }

// SQLiteStore keeps projects in a local sqlite file through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens path, creating its directory. ":memory:" and "file:"
// URIs are passed through untouched.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{`PRAGMA busy_timeout=5000;`}
	if !inMemory {
		pragmas = append(pragmas, `PRAGMA journal_mode=WAL;`)
	}
	for _, stmt := range pragmas {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("sqlite %q: %w", stmt, err)
		}
	}
	if err := db.AutoMigrate(&projectRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveProject(ctx context.Context, snap project.Snapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	row := projectRow{ID: snap.ID, Name: snap.Name, Document: doc, CreatedAt: snap.CreatedAt, UpdatedAt: snap.UpdatedAt}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "document", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save project %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadProject(ctx context.Context, projectID string) (project.Snapshot, error) {
	var row projectRow
	err := s.db.WithContext(ctx).Where("id = ?", projectID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return project.Snapshot{}, fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	if err != nil {
		return project.Snapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return decodeSnapshot(row.Document)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]project.Snapshot, error) {
	var rows []projectRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	out := make([]project.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := decodeSnapshot(row.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", projectID).Delete(&projectRow{})
	if res.Error != nil {
		return fmt.Errorf("delete project %s: %w", projectID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
