package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/db"
	"github.com/taskmail/taskmail/internal/models"
)

// TaskStore persists tasks. Lookups of unknown ids return db.ErrTaskNotFound.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	CreateTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id int64) error
}

// Notifier delivers a single task notification.
type Notifier interface {
	Notify(ctx context.Context, req models.NotificationRequest) error
}

// TasksHandler handles task CRUD and the manual notification endpoint.
type TasksHandler struct {
	store    TaskStore
	notifier Notifier
	events   EventPublisher
	validate *validator.Validate
	redact   bool
}

// NewTasksHandler creates a new TasksHandler instance. events may be nil.
func NewTasksHandler(store TaskStore, notifier Notifier, events EventPublisher, redactErrors bool) *TasksHandler {
	return &TasksHandler{
		store:    store,
		notifier: notifier,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		redact:   redactErrors,
	}
}

// ListTasks returns every task.
func (h *TasksHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context())
	if err != nil {
		log.WithError(err).Error("TasksHandler: failed to list tasks")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, http.StatusOK, tasks)
}

// GetTask returns a single task by id.
func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, db.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("task_id", id).Error("TasksHandler: failed to get task")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, http.StatusOK, task)
}

// CreateTask stores a new task and, when recipientEmail is given, notifies it.
func (h *TasksHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task := req.ToTask(0)
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		log.WithError(err).Error("TasksHandler: failed to create task")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.publish(models.TaskEvent{Type: models.TaskCreated, TaskID: task.ID, Task: task})
	h.notifyBestEffort(r.Context(), task, r.URL.Query().Get("recipientEmail"), models.ReasonCreated)

	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%d", task.ID))
	WriteJSONResponse(w, http.StatusCreated, task)
}

// UpdateTask replaces an existing task and, when recipientEmail is given, notifies it.
// A body id of zero means the path id.
func (h *TasksHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if req.ID != 0 && req.ID != id {
		http.Error(w, "Task id in body does not match path", http.StatusBadRequest)
		return
	}

	task := req.ToTask(id)
	err := h.store.UpdateTask(r.Context(), task)
	if errors.Is(err, db.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("task_id", id).Error("TasksHandler: failed to update task")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.publish(models.TaskEvent{Type: models.TaskUpdated, TaskID: task.ID, Task: task})
	h.notifyBestEffort(r.Context(), task, r.URL.Query().Get("recipientEmail"), models.ReasonUpdated)

	w.WriteHeader(http.StatusNoContent)
}

// DeleteTask removes a task.
func (h *TasksHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	err := h.store.DeleteTask(r.Context(), id)
	if errors.Is(err, db.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("task_id", id).Error("TasksHandler: failed to delete task")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.publish(models.TaskEvent{Type: models.TaskDeleted, TaskID: id})
	w.WriteHeader(http.StatusNoContent)
}

// SendEmail sends a reminder for an existing task. Unlike the mutation
// endpoints, a notification failure is the response.
func (h *TasksHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	id, ok := parseTaskID(query.Get("taskId"))
	if !ok {
		http.Error(w, "Missing or invalid taskId", http.StatusBadRequest)
		return
	}
	recipient := strings.TrimSpace(query.Get("recipientEmail"))
	if recipient == "" {
		http.Error(w, "Missing recipientEmail", http.StatusBadRequest)
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, db.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("task_id", id).Error("TasksHandler: failed to get task")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	err = h.notifier.Notify(r.Context(), models.NotificationRequest{
		TaskTitle:        task.Title,
		RecipientAddress: recipient,
		Reason:           models.ReasonReminder,
	})
	if err != nil {
		writeMailError(w, err, h.redact)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "Email sent to %s", recipient); err != nil {
		log.WithError(err).Warn("TasksHandler: failed to write response")
	}
}

func (h *TasksHandler) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (*models.TaskRequest, bool) {
	var req models.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.WithError(err).Debug("TasksHandler: failed to decode request")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}

	req.Title = strings.TrimSpace(req.Title)
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return nil, false
	}

	return &req, true
}

// notifyBestEffort sends a notification for a mutation. An empty recipient
// skips it silently and a failure is only logged; the mutation has already
// been committed either way.
func (h *TasksHandler) notifyBestEffort(ctx context.Context, task *models.Task, recipient string, reason models.Reason) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return
	}

	err := h.notifier.Notify(ctx, models.NotificationRequest{
		TaskTitle:        task.Title,
		RecipientAddress: recipient,
		Reason:           reason,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"task_id": task.ID,
			"reason":  reason,
		}).Warn("TasksHandler: notification failed, task change kept")
	}
}

func (h *TasksHandler) publish(event models.TaskEvent) {
	if h.events != nil {
		h.events.Publish(event)
	}
}
