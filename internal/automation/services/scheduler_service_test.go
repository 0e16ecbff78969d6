package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/dispatch"
)

func newTestScheduler(t *testing.T, store *db.TaskStore, engine ExecutionRunner, opts ...gocron.SchedulerOption) *SchedulerService {
	t.Helper()
	svc, err := NewSchedulerService(context.Background(), store, engine, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc
}

func createSchedulableTask(t *testing.T, store *db.TaskStore, cronExpr string) *db.TaskDefinition {
	t.Helper()
	task := &db.TaskDefinition{
		OwnerID:        "owner-1",
		Name:           "scheduled job",
		CronExpression: cronExpr,
		Timezone:       "UTC",
		Status:         db.TaskStatusApproved,
		Enabled:        true,
	}
	err := task.SetActionSpecs([]dispatch.ActionSpec{
		{Service: dispatch.ServiceEcho, Operation: "echo", Parameters: map[string]interface{}{"text": "hi"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateTask(task))
	return task
}

func TestRegisterTaskIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "0 9 * * 1")
	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))

	require.NoError(t, svc.RegisterTask(task.ID))
	require.NoError(t, svc.RegisterTask(task.ID))

	// Exactly one active timer for the id, never two.
	assert.Len(t, svc.jobs, 1)
	assert.Len(t, svc.scheduler.Jobs(), 1)
}

func TestRegisterTaskRefusesUnschedulableState(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "0 9 * * 1")
	task.Status = db.TaskStatusPendingApproval
	task.Enabled = false
	require.NoError(t, store.UpdateTask(task))

	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	err := svc.RegisterTask(task.ID)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Contains(t, regErr.Reason, "not schedulable")
	assert.Empty(t, svc.jobs)
}

func TestRegisterTaskRejectsInvalidCron(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "61 24 * * 1")

	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	err := svc.RegisterTask(task.ID)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Contains(t, regErr.Reason, "invalid cron expression")
	assert.Empty(t, svc.jobs)
}

func TestUnregisterAbsentTaskIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	assert.NotPanics(t, func() { svc.UnregisterTask(12345) })
}

func TestInitializeLoadsSchedulableAndSurvivesBadCron(t *testing.T) {
	store := setupTestStore(t)
	good := createSchedulableTask(t, store, "0 9 * * 1")
	bad := createSchedulableTask(t, store, "nope nope")
	createApprovedTask(t, store) // different helper task, also schedulable
	pending := createSchedulableTask(t, store, "0 9 * * 1")
	pending.Status = db.TaskStatusPendingApproval
	pending.Enabled = false
	require.NoError(t, store.UpdateTask(pending))

	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	require.NoError(t, svc.Initialize())

	// The malformed task is logged and recorded, the rest still load.
	assert.Len(t, svc.jobs, 2)
	assert.Contains(t, svc.jobs, good.ID)
	assert.NotContains(t, svc.jobs, bad.ID)
	assert.NotContains(t, svc.jobs, pending.ID)

	stored, err := store.GetTask(bad.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ScheduleError, "invalid cron expression")
}

func TestInitializeReconcilesOrphanedExecutions(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "0 9 * * 1")
	orphan := &db.ExecutionRecord{
		TaskID:    task.ID,
		StartedAt: time.Now().UTC().Add(-time.Hour),
		Status:    db.ExecutionStatusRunning,
	}
	require.NoError(t, store.CreateExecution(orphan))

	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	require.NoError(t, svc.Initialize())

	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, db.ExecutionStatusFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "process restarted")

	// With the orphan failed, the next fire is no longer blocked.
	running, err := store.HasRunningExecution(task.ID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStatusListsExactlyRegisteredTasks(t *testing.T) {
	store := setupTestStore(t)
	approved := createSchedulableTask(t, store, "0 9 * * 1")
	pending := createSchedulableTask(t, store, "0 9 * * 1")
	pending.Status = db.TaskStatusPendingApproval
	pending.Enabled = false
	require.NoError(t, store.UpdateTask(pending))

	svc := newTestScheduler(t, store, NewExecutionEngine(store, newScriptedDispatcher(), nil))
	require.NoError(t, svc.Initialize())

	status := svc.Status()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1, status.RegisteredTaskCount)
	assert.Contains(t, status.NextFireTimes, strconv.FormatUint(uint64(approved.ID), 10))
	assert.NotContains(t, status.NextFireTimes, strconv.FormatUint(uint64(pending.ID), 10))
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))

	// Unregistering drops the task from the surface.
	svc.UnregisterTask(approved.ID)
	status = svc.Status()
	assert.Equal(t, 0, status.RegisteredTaskCount)
	assert.Empty(t, status.NextFireTimes)
}

func TestScheduledFireProducesOneCompletedExecution(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "0 9 * * 1")

	// Friday 2026-08-28 12:00 UTC; the next Monday 09:00 is 69h away.
	start := time.Date(2026, time.August, 28, 12, 0, 0, 0, time.UTC)
	fakeClock := clockwork.NewFakeClockAt(start)

	dispatcher := newScriptedDispatcher()
	engine := NewExecutionEngine(store, dispatcher, nil)
	svc := newTestScheduler(t, store, engine, gocron.WithClock(fakeClock))
	require.NoError(t, svc.Initialize())

	// Wait for the timer to be armed before moving time.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(69*time.Hour + time.Minute)

	assert.Eventually(t, func() bool {
		records, err := store.ListExecutions(task.ID)
		if err != nil || len(records) != 1 {
			return false
		}
		return records[0].Status == db.ExecutionStatusCompleted
	}, 3*time.Second, 10*time.Millisecond, "expected exactly one completed execution after the Monday 09:00 fire")

	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].CompletedAt)
}

func TestShutdownWaitsForInFlightExecution(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "* * * * *")

	start := time.Date(2026, time.August, 28, 12, 0, 30, 0, time.UTC)
	fakeClock := clockwork.NewFakeClockAt(start)

	dispatcher := newScriptedDispatcher()
	dispatcher.block = make(chan struct{})
	engine := NewExecutionEngine(store, dispatcher, nil)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	svc, err := NewSchedulerService(appCtx, store, engine, gocron.WithClock(fakeClock))
	require.NoError(t, err)
	require.NoError(t, svc.Initialize())

	// Fire at 12:01:00 and leave the action blocked in flight.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		running, err := store.HasRunningExecution(task.ID)
		return err == nil && running
	}, 3*time.Second, 10*time.Millisecond, "fire should leave a running record")

	// Release the action after shutdown has begun, well inside the grace.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(dispatcher.block)
	}()

	// Shutdown blocks until the in-flight execution finishes. The app
	// context is cancelled only after that, so the execution was never
	// aborted mid-run.
	svc.Shutdown()
	appCancel()

	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, db.ExecutionStatusCompleted, records[0].Status)
	assert.NotNil(t, records[0].CompletedAt)
}

func TestOverlappingFireIsSkippedNotQueued(t *testing.T) {
	store := setupTestStore(t)
	task := createSchedulableTask(t, store, "* * * * *")

	start := time.Date(2026, time.August, 28, 12, 0, 30, 0, time.UTC)
	fakeClock := clockwork.NewFakeClockAt(start)

	dispatcher := newScriptedDispatcher()
	dispatcher.block = make(chan struct{})
	engine := NewExecutionEngine(store, dispatcher, nil)
	svc := newTestScheduler(t, store, engine, gocron.WithClock(fakeClock))
	require.NoError(t, svc.Initialize())

	// First fire at 12:01:00; the action blocks, leaving a RUNNING record.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		running, err := store.HasRunningExecution(task.ID)
		return err == nil && running
	}, 3*time.Second, 10*time.Millisecond, "first fire should leave a running record")

	// Second fire at 12:02:00 while the first is still in flight.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(time.Minute)

	// The overlapping fire is skipped outright: no second record appears.
	time.Sleep(200 * time.Millisecond)
	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, dispatcher.callCount())

	// Let the slow execution finish; still exactly one record, completed.
	close(dispatcher.block)
	assert.Eventually(t, func() bool {
		records, err := store.ListExecutions(task.ID)
		if err != nil || len(records) != 1 {
			return false
		}
		return records[0].Status == db.ExecutionStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}
