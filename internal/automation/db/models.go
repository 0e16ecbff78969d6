package db

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"task-automation-service/internal/automation/dispatch"
)

// Task lifecycle statuses.
const (
	TaskStatusPendingApproval = "PENDING_APPROVAL"
	TaskStatusApproved        = "APPROVED"
	TaskStatusDisabled        = "DISABLED"
)

// Execution record statuses.
const (
	ExecutionStatusRunning   = "RUNNING"
	ExecutionStatusCompleted = "COMPLETED"
	ExecutionStatusFailed    = "FAILED"
)

// TaskDefinition is a user's recurring job. Actions and Personalization are
// stored as JSON strings, decoded on demand.
type TaskDefinition struct {
	gorm.Model             // ID, CreatedAt, UpdatedAt, DeletedAt
	OwnerID         string `json:"owner_id" gorm:"index"`
	Name            string `json:"name" gorm:"index"`
	Description     string `json:"description"`
	CronExpression  string `json:"cron_expression"`
	Timezone        string `json:"timezone"` // IANA zone name, e.g. "Europe/Berlin"
	Actions         string `json:"actions" gorm:"type:json"`
	Personalization string `json:"personalization" gorm:"type:json"`
	Enabled         bool   `json:"enabled" gorm:"index"`
	Status          string `json:"status" gorm:"index"` // PENDING_APPROVAL, APPROVED, DISABLED
	ScheduleError   string `json:"schedule_error,omitempty"`
}

// Schedulable reports whether the scheduler should hold a timer for the task.
func (t *TaskDefinition) Schedulable() bool {
	return t.Status == TaskStatusApproved && t.Enabled
}

// ActionSpecs decodes the stored action list. Order is execution order.
func (t *TaskDefinition) ActionSpecs() ([]dispatch.ActionSpec, error) {
	if t.Actions == "" {
		return nil, fmt.Errorf("task ID %d has no actions", t.ID)
	}
	var actions []dispatch.ActionSpec
	if err := json.Unmarshal([]byte(t.Actions), &actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions for task ID %d: %w", t.ID, err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("task ID %d has an empty action list", t.ID)
	}
	return actions, nil
}

// SetActionSpecs encodes and stores the ordered action list.
func (t *TaskDefinition) SetActionSpecs(actions []dispatch.ActionSpec) error {
	raw, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	t.Actions = string(raw)
	return nil
}

// PersonalizationMap decodes the stored personalization map; an empty column
// decodes to nil.
func (t *TaskDefinition) PersonalizationMap() (map[string]interface{}, error) {
	if t.Personalization == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(t.Personalization), &m); err != nil {
		return nil, fmt.Errorf("failed to decode personalization for task ID %d: %w", t.ID, err)
	}
	return m, nil
}

// SetPersonalizationMap encodes and stores the personalization map.
func (t *TaskDefinition) SetPersonalizationMap(m map[string]interface{}) error {
	if m == nil {
		t.Personalization = ""
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode personalization: %w", err)
	}
	t.Personalization = string(raw)
	return nil
}

// ExecutionRecord is one attempt to run a TaskDefinition. Records are
// append-only: once CompletedAt is set the row is never touched again.
type ExecutionRecord struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	TaskID          uint       `json:"task_id" gorm:"index;not null"`
	StartedAt       time.Time  `json:"started_at" gorm:"not null"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status" gorm:"index"` // RUNNING, COMPLETED, FAILED
	Result          string     `json:"result,omitempty" gorm:"type:json"`
	ErrorMessage    string     `json:"error_message,omitempty" gorm:"type:text"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

func (ExecutionRecord) TableName() string {
	return "execution_records"
}
