package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	"task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/interpreter"
	"task-automation-service/internal/automation/services"
)

// TaskHandler exposes the task lifecycle: create from draft, read, generic
// update, approve, reject, delete, and the execution history.
type TaskHandler struct {
	Store     *db.TaskStore
	Approvals *services.ApprovalService
}

func NewTaskHandler(store *db.TaskStore, approvals *services.ApprovalService) *TaskHandler {
	return &TaskHandler{Store: store, Approvals: approvals}
}

// ownerFromRequest reads the owner identity the (external) auth layer put on
// the request. Writes a 400 and returns "" when it is missing.
func ownerFromRequest(c *app.RequestContext) string {
	ownerID := string(c.GetHeader("X-Owner-ID"))
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Missing X-Owner-ID header"})
	}
	return ownerID
}

func taskIDFromPath(c *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid task id"})
		return 0, false
	}
	return uint(id), true
}

// writeServiceError maps the service-layer error taxonomy onto HTTP codes.
func writeServiceError(c *app.RequestContext, err error) {
	var validationErr *interpreter.ValidationError
	var registrationErr *services.RegistrationError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, utils.H{"error": validationErr.Error(), "validation": validationErr.Result})
	case errors.As(err, &registrationErr):
		c.JSON(http.StatusUnprocessableEntity, utils.H{"error": registrationErr.Error()})
	default:
		log.Printf("TaskHandler: internal error: %v", err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}

// CreateTask persists a validated draft as a pending-approval task.
func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	var draft interpreter.Draft
	if err := c.BindAndValidate(&draft); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid draft payload: " + err.Error()})
		return
	}
	draft.OwnerID = ownerID
	task, err := h.Approvals.CreateFromDraft(&draft)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	tasks, err := h.Store.ListTasks(ownerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	task, err := h.Store.GetOwnedTask(ownerID, taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// UpdateTask is the generic edit path; schedulability changes drive the
// scheduler registry through the approval service.
func (h *TaskHandler) UpdateTask(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	var update services.TaskUpdate
	if err := c.BindAndValidate(&update); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid update payload: " + err.Error()})
		return
	}
	task, err := h.Approvals.Update(ownerID, taskID, update)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) ApproveTask(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	task, err := h.Approvals.Approve(ownerID, taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) RejectTask(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	task, err := h.Approvals.Reject(ownerID, taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) DeleteTask(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	if err := h.Approvals.Delete(ownerID, taskID); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Task deleted"})
}

func (h *TaskHandler) GetTaskExecutions(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	taskID, ok := taskIDFromPath(c)
	if !ok {
		return
	}
	if _, err := h.Store.GetOwnedTask(ownerID, taskID); err != nil {
		writeServiceError(c, err)
		return
	}
	records, err := h.Store.ListExecutions(taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
