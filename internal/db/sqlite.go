package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/taskmail/taskmail/internal/models"
	_ "modernc.org/sqlite"
)

// sqliteMigration is a schema step applied once, in version order.
type sqliteMigration struct {
	version int
	sql     string
}

var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	is_completed INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// SQLiteStore persists tasks in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
	// now is replaceable in tests.
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// ListTasks returns all tasks ordered by id.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]models.Task, error) {
	tasks := make([]models.Task, 0)
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT id, title, description, is_completed, created_at, updated_at
		FROM tasks
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return tasks, nil
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, `
		SELECT id, title, description, is_completed, created_at, updated_at
		FROM tasks
		WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task %d: %w", id, err)
	}
	return &task, nil
}

// CreateTask inserts task and fills in its id and timestamps.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	now := s.now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, description, is_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		task.Title, task.Description, task.IsCompleted, now, now,
	)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading task id: %w", err)
	}

	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// UpdateTask overwrites the mutable fields of an existing task and fills in
// its stored timestamps.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task) error {
	now := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update of task %d: %w", task.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, is_completed = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, task.IsCompleted, now, task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", task.ID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}

	var createdAt time.Time
	if err := tx.GetContext(ctx, &createdAt, "SELECT created_at FROM tasks WHERE id = ?", task.ID); err != nil {
		return fmt.Errorf("reading task %d: %w", task.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing update of task %d: %w", task.ID, err)
	}

	task.CreatedAt = createdAt
	task.UpdatedAt = now
	return nil
}

// DeleteTask removes the task with the given id.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}
