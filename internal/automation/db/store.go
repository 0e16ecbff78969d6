package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrRecordFinalized is returned when a finalize touches a record whose
// CompletedAt is already set.
var ErrRecordFinalized = errors.New("execution record already finalized")

// TaskStore is the durable persistence layer shared by the approval gate,
// the scheduler and the execution engine. It stays thin: row-level reads and
// writes relying on the database's own row atomicity.
type TaskStore struct {
	DB *gorm.DB
}

func NewTaskStore(gormDB *gorm.DB) *TaskStore {
	return &TaskStore{DB: gormDB}
}

func (s *TaskStore) CreateTask(task *TaskDefinition) error {
	if err := s.DB.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *TaskStore) GetTask(id uint) (*TaskDefinition, error) {
	var task TaskDefinition
	if err := s.DB.First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetOwnedTask scopes the lookup to an owner; a task belonging to somebody
// else is indistinguishable from a missing one.
func (s *TaskStore) GetOwnedTask(ownerID string, id uint) (*TaskDefinition, error) {
	var task TaskDefinition
	if err := s.DB.Where("owner_id = ?", ownerID).First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *TaskStore) ListTasks(ownerID string) ([]TaskDefinition, error) {
	var tasks []TaskDefinition
	if err := s.DB.Where("owner_id = ?", ownerID).Order("id").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks for owner %s: %w", ownerID, err)
	}
	return tasks, nil
}

// ListSchedulable returns every task the scheduler should hold a timer for.
func (s *TaskStore) ListSchedulable() ([]TaskDefinition, error) {
	var tasks []TaskDefinition
	if err := s.DB.Where("status = ? AND enabled = ?", TaskStatusApproved, true).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedulable tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) UpdateTask(task *TaskDefinition) error {
	if err := s.DB.Save(task).Error; err != nil {
		return fmt.Errorf("failed to update task ID %d: %w", task.ID, err)
	}
	return nil
}

// SetScheduleError records (or clears, with an empty message) the last
// registration failure on the task row so operators can see and fix it.
func (s *TaskStore) SetScheduleError(id uint, message string) error {
	updates := map[string]interface{}{"schedule_error": message, "updated_at": time.Now()}
	if err := s.DB.Model(&TaskDefinition{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to set schedule error on task ID %d: %w", id, err)
	}
	return nil
}

// DeleteTask removes the task and all of its execution records in one
// transaction. Callers must unregister the task's timer first.
func (s *TaskStore) DeleteTask(id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&ExecutionRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete execution records for task ID %d: %w", id, err)
		}
		if err := tx.Unscoped().Delete(&TaskDefinition{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete task ID %d: %w", id, err)
		}
		return nil
	})
}

// HasRunningExecution reports whether the task has an unfinished execution.
func (s *TaskStore) HasRunningExecution(taskID uint) (bool, error) {
	var count int64
	err := s.DB.Model(&ExecutionRecord{}).
		Where("task_id = ? AND status = ?", taskID, ExecutionStatusRunning).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count running executions for task ID %d: %w", taskID, err)
	}
	return count > 0, nil
}

func (s *TaskStore) CreateExecution(record *ExecutionRecord) error {
	if err := s.DB.Create(record).Error; err != nil {
		return fmt.Errorf("failed to create execution record for task ID %d: %w", record.TaskID, err)
	}
	return nil
}

// FinalizeExecution writes the terminal state of a record exactly once. The
// completed_at IS NULL guard keeps history append-only even if two writers
// race.
func (s *TaskStore) FinalizeExecution(record *ExecutionRecord) error {
	if record.CompletedAt == nil {
		return fmt.Errorf("execution record ID %d has no completion time", record.ID)
	}
	res := s.DB.Model(&ExecutionRecord{}).
		Where("id = ? AND completed_at IS NULL", record.ID).
		Updates(map[string]interface{}{
			"status":            record.Status,
			"result":            record.Result,
			"error_message":     record.ErrorMessage,
			"completed_at":      record.CompletedAt,
			"execution_time_ms": record.ExecutionTimeMs,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finalize execution record ID %d: %w", record.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("execution record ID %d: %w", record.ID, ErrRecordFinalized)
	}
	return nil
}

func (s *TaskStore) ListExecutions(taskID uint) ([]ExecutionRecord, error) {
	var records []ExecutionRecord
	if err := s.DB.Where("task_id = ?", taskID).Order("started_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions for task ID %d: %w", taskID, err)
	}
	return records, nil
}

// ReconcileOrphans fails every RUNNING record started before the cutoff.
// Called during scheduler startup; with a single active instance, anything
// still RUNNING at that point belongs to a process that is gone.
func (s *TaskStore) ReconcileOrphans(startedBefore time.Time, cause string) (int, error) {
	var orphans []ExecutionRecord
	err := s.DB.Where("status = ? AND started_at < ?", ExecutionStatusRunning, startedBefore).Find(&orphans).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query orphaned executions: %w", err)
	}
	reconciled := 0
	for i := range orphans {
		record := &orphans[i]
		now := time.Now().UTC()
		record.Status = ExecutionStatusFailed
		record.ErrorMessage = cause
		record.CompletedAt = &now
		record.ExecutionTimeMs = now.Sub(record.StartedAt).Milliseconds()
		if err := s.FinalizeExecution(record); err != nil {
			return reconciled, fmt.Errorf("failed to reconcile execution record ID %d: %w", record.ID, err)
		}
		reconciled++
	}
	return reconciled, nil
}
