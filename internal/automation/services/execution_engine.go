package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/dispatch"
	"task-automation-service/internal/automation/events"
)

const DefaultMaxExecutionSeconds = 300

// ExecutionEngine runs a task's ordered action list when its timer fires.
// Every path through Execute terminates in a finalized ExecutionRecord; the
// engine never lets an error escape to the scheduler. The only operational
// incident it can surface is a record it cannot persist, which is logged.
type ExecutionEngine struct {
	Store            *db.TaskStore
	Dispatcher       dispatch.Dispatcher
	Events           events.Publisher
	MaxExecutionTime time.Duration
}

// NewExecutionEngine builds an engine. MAX_EXECUTION_SECONDS overrides the
// task-level runtime ceiling, which applies across the whole action list
// independent of any single action's timeout.
func NewExecutionEngine(store *db.TaskStore, dispatcher dispatch.Dispatcher, publisher events.Publisher) *ExecutionEngine {
	maxExecution := time.Duration(DefaultMaxExecutionSeconds) * time.Second
	if v := os.Getenv("MAX_EXECUTION_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			maxExecution = time.Duration(secs) * time.Second
		} else {
			log.Printf("ExecutionEngine: ignoring invalid MAX_EXECUTION_SECONDS %q", v)
		}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ExecutionEngine{
		Store:            store,
		Dispatcher:       dispatcher,
		Events:           publisher,
		MaxExecutionTime: maxExecution,
	}
}

// Execute runs one scheduled attempt of the task. If the task already has a
// RUNNING record the fire is skipped outright: not queued, not retried. This
// is what holds the at-most-one-concurrent-execution rule, since action
// latency is unbounded relative to cron granularity.
func (e *ExecutionEngine) Execute(ctx context.Context, taskID uint) {
	task, err := e.Store.GetTask(taskID)
	if err != nil {
		log.Printf("ExecutionEngine: task ID %d not found at fire time, skipping: %v", taskID, err)
		return
	}

	running, err := e.Store.HasRunningExecution(taskID)
	if err != nil {
		log.Printf("ExecutionEngine: could not check running executions for task ID %d, skipping fire: %v", taskID, err)
		return
	}
	if running {
		log.Printf("ExecutionEngine: task ID %d (%s) still has a running execution, skipping this fire", taskID, task.Name)
		return
	}

	record := &db.ExecutionRecord{
		TaskID:    task.ID,
		StartedAt: time.Now().UTC(),
		Status:    db.ExecutionStatusRunning,
	}
	if err := e.Store.CreateExecution(record); err != nil {
		// Without a persisted record the concurrency guard is blind, so
		// this is the one failure surfaced as an operational incident.
		log.Printf("ExecutionEngine: OPERATIONAL INCIDENT: could not persist execution record for task ID %d: %v", taskID, err)
		return
	}
	e.publishEvent(ctx, events.ExecutionEventPayload{
		TaskID:      task.ID,
		ExecutionID: record.ID,
		Event:       events.ExecutionStarted,
		Status:      db.ExecutionStatusRunning,
	})

	outputs, failMsg := e.runActions(ctx, task)

	now := time.Now().UTC()
	record.CompletedAt = &now
	record.ExecutionTimeMs = now.Sub(record.StartedAt).Milliseconds()
	record.Result = encodeOutputs(outputs)
	if failMsg == "" {
		record.Status = db.ExecutionStatusCompleted
	} else {
		record.Status = db.ExecutionStatusFailed
		record.ErrorMessage = failMsg
	}

	if err := e.Store.FinalizeExecution(record); err != nil {
		log.Printf("ExecutionEngine: OPERATIONAL INCIDENT: could not finalize execution record ID %d for task ID %d: %v", record.ID, taskID, err)
		return
	}
	log.Printf("ExecutionEngine: task ID %d (%s) finished with status %s in %dms", taskID, task.Name, record.Status, record.ExecutionTimeMs)

	event := events.ExecutionCompleted
	if record.Status == db.ExecutionStatusFailed {
		event = events.ExecutionFailed
	}
	e.publishEvent(ctx, events.ExecutionEventPayload{
		TaskID:      task.ID,
		ExecutionID: record.ID,
		Event:       event,
		Status:      record.Status,
		Result:      record.Result,
		Error:       record.ErrorMessage,
		ElapsedMs:   record.ExecutionTimeMs,
	})
}

// runActions dispatches the task's actions strictly in declared order under
// the task-level deadline. It stops at the first failure but keeps the
// outputs collected so far, so a Failed record still carries the partial
// result. Panics from a dispatcher resolve into a failure message.
func (e *ExecutionEngine) runActions(ctx context.Context, task *db.TaskDefinition) (outputs []map[string]interface{}, failMsg string) {
	actions, err := task.ActionSpecs()
	if err != nil {
		return nil, fmt.Sprintf("invalid action list: %v", err)
	}
	personalization, err := task.PersonalizationMap()
	if err != nil {
		log.Printf("ExecutionEngine: task ID %d has undecodable personalization, executing without it: %v", task.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.MaxExecutionTime)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			failMsg = fmt.Sprintf("panic during action dispatch for task ID %d: %v", task.ID, r)
		}
	}()

	for i, action := range actions {
		if err := runCtx.Err(); err != nil {
			failMsg = fmt.Sprintf("task exceeded maximum runtime of %s before action %d (%s.%s)", e.MaxExecutionTime, i, action.Service, action.Operation)
			return outputs, failMsg
		}
		result := e.Dispatcher.Dispatch(runCtx, action, personalization)
		if !result.Success {
			failMsg = fmt.Sprintf("action %d (%s.%s) failed: %s", i, action.Service, action.Operation, result.Error)
			return outputs, failMsg
		}
		outputs = append(outputs, result.Data)
	}
	if err := runCtx.Err(); err != nil {
		return outputs, fmt.Sprintf("task exceeded maximum runtime of %s", e.MaxExecutionTime)
	}
	return outputs, ""
}

func (e *ExecutionEngine) publishEvent(ctx context.Context, payload events.ExecutionEventPayload) {
	if err := e.Events.PublishExecutionEvent(ctx, payload); err != nil {
		log.Printf("ExecutionEngine: failed to publish %s event for task ID %d: %v", payload.Event, payload.TaskID, err)
	}
}

func encodeOutputs(outputs []map[string]interface{}) string {
	if outputs == nil {
		outputs = []map[string]interface{}{}
	}
	raw, err := json.Marshal(map[string]interface{}{"outputs": outputs})
	if err != nil {
		log.Printf("ExecutionEngine: failed to encode action outputs: %v", err)
		return `{"outputs":[]}`
	}
	return string(raw)
}
