package events

import "context"

// Execution event kinds.
const (
	ExecutionStarted   = "EXECUTION_STARTED"
	ExecutionCompleted = "EXECUTION_COMPLETED"
	ExecutionFailed    = "EXECUTION_FAILED"
)

// ExecutionEventPayload is published for every execution state change so the
// wider backoffice (notifications, dashboards) can follow along without
// polling the store.
type ExecutionEventPayload struct {
	TaskID      uint   `json:"task_id"`
	ExecutionID uint   `json:"execution_id"`
	Event       string `json:"event"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
}

// Publisher emits execution lifecycle events. Publishing is best effort from
// the engine's point of view: a failed publish is logged, never fatal.
type Publisher interface {
	PublishExecutionEvent(ctx context.Context, payload ExecutionEventPayload) error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishExecutionEvent(ctx context.Context, payload ExecutionEventPayload) error {
	return nil
}
