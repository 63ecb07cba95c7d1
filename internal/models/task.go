package models

import "time"

// Task is a single to-do item owned by the task store.
type Task struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	IsCompleted bool      `json:"isCompleted" db:"is_completed"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// TaskRequest is the payload accepted by the create and update endpoints.
type TaskRequest struct {
	ID          int64  `json:"id"`
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=4000"`
	IsCompleted bool   `json:"isCompleted"`
}

// ToTask converts the request into a Task with the given ID.
func (r *TaskRequest) ToTask(id int64) *Task {
	return &Task{
		ID:          id,
		Title:       r.Title,
		Description: r.Description,
		IsCompleted: r.IsCompleted,
	}
}

// TaskEventType names a change broadcast on the task event stream.
type TaskEventType string

const (
	TaskCreated TaskEventType = "task.created"
	TaskUpdated TaskEventType = "task.updated"
	TaskDeleted TaskEventType = "task.deleted"
)

// TaskEvent is one message on the task event stream. Task is omitted for deletions.
type TaskEvent struct {
	Type   TaskEventType `json:"type"`
	TaskID int64         `json:"taskId"`
	Task   *Task         `json:"task,omitempty"`
}
