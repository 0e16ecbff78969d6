package services

import (
	"context"
	"fmt"
	"log"

	"task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/dispatch"
	"task-automation-service/internal/automation/interpreter"
)

// TaskRegistrar is the slice of the scheduler the approval gate needs.
type TaskRegistrar interface {
	RegisterTask(taskID uint) error
	UnregisterTask(taskID uint)
}

// TaskUpdate carries the mutable fields of a generic task edit. Nil fields
// are left untouched.
type TaskUpdate struct {
	Name            *string                 `json:"name,omitempty"`
	Description     *string                 `json:"description,omitempty"`
	Schedule        *interpreter.Schedule   `json:"schedule,omitempty"`
	Actions         []dispatch.ActionSpec   `json:"actions,omitempty"`
	Personalization *map[string]interface{} `json:"personalization,omitempty"`
	Status          *string                 `json:"status,omitempty"`
	Enabled         *bool                   `json:"enabled,omitempty"`
}

// ApprovalService is the state machine governing a task's lifecycle and the
// single authority on whether a task should be scheduled. Every path that can
// change schedulability drives the registrar to the matching registry state.
type ApprovalService struct {
	Store     *db.TaskStore
	Registrar TaskRegistrar
	Interp    interpreter.Interpreter
	Validator *interpreter.DraftValidator
}

func NewApprovalService(store *db.TaskStore, registrar TaskRegistrar, interp interpreter.Interpreter) *ApprovalService {
	return &ApprovalService{
		Store:     store,
		Registrar: registrar,
		Interp:    interp,
		Validator: interpreter.NewDraftValidator(),
	}
}

// CreateFromPrompt interprets a free-text prompt into a draft and persists it
// through the same validation gate as CreateFromDraft.
func (s *ApprovalService) CreateFromPrompt(ctx context.Context, prompt, ownerID string) (*db.TaskDefinition, error) {
	if s.Interp == nil {
		return nil, ErrInterpreterUnavailable
	}
	draft, err := s.Interp.Interpret(ctx, prompt, ownerID)
	if err != nil {
		return nil, err
	}
	draft.OwnerID = ownerID
	return s.CreateFromDraft(draft)
}

// CreateFromDraft validates the draft and persists it as PENDING_APPROVAL
// with enabled=false. An invalid draft is rejected before anything reaches
// the store, so no approvable state is ever persisted while invalid.
func (s *ApprovalService) CreateFromDraft(draft *interpreter.Draft) (*db.TaskDefinition, error) {
	result := s.Validator.Validate(draft)
	if !result.Valid {
		return nil, &interpreter.ValidationError{Result: result}
	}
	for _, warning := range result.Warnings {
		log.Printf("ApprovalService: draft warning for owner %s: %s", draft.OwnerID, warning)
	}

	task := &db.TaskDefinition{
		OwnerID:        draft.OwnerID,
		Name:           draft.Name,
		Description:    draft.Description,
		CronExpression: draft.Schedule.CronExpression,
		Timezone:       draft.Schedule.Timezone,
		Enabled:        false,
		Status:         db.TaskStatusPendingApproval,
	}
	if err := task.SetActionSpecs(draft.Actions); err != nil {
		return nil, err
	}
	if err := task.SetPersonalizationMap(draft.Personalization); err != nil {
		return nil, err
	}
	if err := s.Store.CreateTask(task); err != nil {
		return nil, err
	}
	log.Printf("ApprovalService: created task ID %d (%s) for owner %s, pending approval", task.ID, task.Name, task.OwnerID)
	return task, nil
}

// Approve moves PENDING_APPROVAL → APPROVED (enabled) and registers the
// task's timer. A registration failure leaves the task approved but
// unregistered, with the cause mirrored onto the row.
func (s *ApprovalService) Approve(ownerID string, taskID uint) (*db.TaskDefinition, error) {
	task, err := s.Store.GetOwnedTask(ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != db.TaskStatusPendingApproval {
		return nil, fmt.Errorf("%w: cannot approve task ID %d in status %s", ErrInvalidTransition, taskID, task.Status)
	}
	task.Status = db.TaskStatusApproved
	task.Enabled = true
	task.ScheduleError = ""
	if err := s.Store.UpdateTask(task); err != nil {
		return nil, err
	}
	if err := s.Registrar.RegisterTask(task.ID); err != nil {
		if storeErr := s.Store.SetScheduleError(task.ID, err.Error()); storeErr != nil {
			log.Printf("ApprovalService: could not record schedule error on task ID %d: %v", task.ID, storeErr)
		}
		return task, err
	}
	log.Printf("ApprovalService: approved and registered task ID %d for owner %s", task.ID, ownerID)
	return task, nil
}

// Reject moves PENDING_APPROVAL → DISABLED. Terminal unless the task is
// explicitly re-approved through Update.
func (s *ApprovalService) Reject(ownerID string, taskID uint) (*db.TaskDefinition, error) {
	task, err := s.Store.GetOwnedTask(ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != db.TaskStatusPendingApproval {
		return nil, fmt.Errorf("%w: cannot reject task ID %d in status %s", ErrInvalidTransition, taskID, task.Status)
	}
	task.Status = db.TaskStatusDisabled
	task.Enabled = false
	if err := s.Store.UpdateTask(task); err != nil {
		return nil, err
	}
	s.Registrar.UnregisterTask(task.ID)
	log.Printf("ApprovalService: rejected task ID %d for owner %s", task.ID, ownerID)
	return task, nil
}

// Update is the generic edit path. Whatever combination of fields changes,
// the registry ends in the same state approve/reject would have produced:
// registered iff the resulting task is APPROVED and enabled.
func (s *ApprovalService) Update(ownerID string, taskID uint, update TaskUpdate) (*db.TaskDefinition, error) {
	task, err := s.Store.GetOwnedTask(ownerID, taskID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		switch *update.Status {
		case db.TaskStatusPendingApproval, db.TaskStatusApproved, db.TaskStatusDisabled:
			task.Status = *update.Status
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *update.Status)
		}
	}
	if update.Enabled != nil {
		task.Enabled = *update.Enabled
	}
	if update.Name != nil {
		task.Name = *update.Name
	}
	if update.Description != nil {
		task.Description = *update.Description
	}
	if update.Schedule != nil {
		task.CronExpression = update.Schedule.CronExpression
		task.Timezone = update.Schedule.Timezone
	}
	if len(update.Actions) > 0 {
		if err := task.SetActionSpecs(update.Actions); err != nil {
			return nil, err
		}
	}
	if update.Personalization != nil {
		if err := task.SetPersonalizationMap(*update.Personalization); err != nil {
			return nil, err
		}
	}

	// An edited task must still pass the same gate CreateFromDraft enforces,
	// so nothing invalid can stay (or become) APPROVED through this path.
	if update.Schedule != nil || len(update.Actions) > 0 {
		if err := s.validateTask(task); err != nil {
			return nil, err
		}
	}

	// Status and enabled must stay consistent: only APPROVED tasks run.
	if task.Status != db.TaskStatusApproved {
		task.Enabled = false
	}

	if err := s.Store.UpdateTask(task); err != nil {
		return nil, err
	}

	if task.Schedulable() {
		if err := s.Registrar.RegisterTask(task.ID); err != nil {
			if storeErr := s.Store.SetScheduleError(task.ID, err.Error()); storeErr != nil {
				log.Printf("ApprovalService: could not record schedule error on task ID %d: %v", task.ID, storeErr)
			}
			return task, err
		}
		if task.ScheduleError != "" {
			task.ScheduleError = ""
			if err := s.Store.SetScheduleError(task.ID, ""); err != nil {
				log.Printf("ApprovalService: could not clear schedule error on task ID %d: %v", task.ID, err)
			}
		}
	} else {
		s.Registrar.UnregisterTask(task.ID)
	}
	return task, nil
}

// Delete unregisters the timer before the row goes away so a fire can never
// land on a deleted task, then removes the task and its execution history.
func (s *ApprovalService) Delete(ownerID string, taskID uint) error {
	task, err := s.Store.GetOwnedTask(ownerID, taskID)
	if err != nil {
		return err
	}
	s.Registrar.UnregisterTask(task.ID)
	if err := s.Store.DeleteTask(task.ID); err != nil {
		return err
	}
	log.Printf("ApprovalService: deleted task ID %d and its execution history", task.ID)
	return nil
}

// validateTask replays a task's persisted content through the draft
// validator. Edits go through here before the store sees them.
func (s *ApprovalService) validateTask(task *db.TaskDefinition) error {
	actions, err := task.ActionSpecs()
	if err != nil {
		return err
	}
	draft := &interpreter.Draft{
		OwnerID: task.OwnerID,
		Name:    task.Name,
		Schedule: interpreter.Schedule{
			CronExpression: task.CronExpression,
			Timezone:       task.Timezone,
		},
		Actions: actions,
	}
	result := s.Validator.Validate(draft)
	if !result.Valid {
		return &interpreter.ValidationError{Result: result}
	}
	return nil
}
