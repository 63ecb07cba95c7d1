package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskmail/taskmail/internal/models"
)

// PostgresStore persists tasks in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store backed by pool. The schema must already be migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListTasks returns all tasks ordered by id.
func (s *PostgresStore) ListTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, is_completed, created_at, updated_at
		FROM tasks
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(
			&task.ID,
			&task.Title,
			&task.Description,
			&task.IsCompleted,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task

	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, is_completed, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`, id).Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.IsCompleted,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}

	return &task, nil
}

// CreateTask inserts task and fills in its id and timestamps.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, description, is_completed)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, task.Title, task.Description, task.IsCompleted).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// UpdateTask overwrites the mutable fields of an existing task.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *models.Task) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, is_completed = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, task.ID, task.Title, task.Description, task.IsCompleted).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}

	return nil
}

// DeleteTask removes the task with the given id.
func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}
