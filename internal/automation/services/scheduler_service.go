package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"task-automation-service/internal/automation/db"
)

const (
	DefaultShutdownGraceSeconds = 30

	schedulerTag = "automation_task"
)

// ExecutionRunner is what the scheduler invokes on every timer fire. The
// runner owns all failure handling; fires never return errors.
type ExecutionRunner interface {
	Execute(ctx context.Context, taskID uint)
}

// SchedulerStatus is the health surface exposed to operators.
type SchedulerStatus struct {
	Status              string               `json:"status"` // "healthy" or "error"
	RegisteredTaskCount int                  `json:"registered_task_count"`
	NextFireTimes       map[string]time.Time `json:"next_fire_times"`
	UptimeSeconds       int64                `json:"uptime_seconds"`
}

// SchedulerService owns the process-wide timer registry: one gocron job per
// schedulable task, tracked in an explicit taskID → job handle map so
// register/unregister stay idempotent and shutdown can be clean. Nothing else
// touches the registry.
type SchedulerService struct {
	Store  *db.TaskStore
	Engine ExecutionRunner

	scheduler  gocron.Scheduler
	appContext context.Context

	mu        sync.Mutex
	jobs      map[uint]uuid.UUID
	startedAt time.Time
}

// NewSchedulerService builds the scheduler. SHUTDOWN_GRACE_SECONDS bounds how
// long Shutdown waits for in-flight executions. Extra gocron options (a fake
// clock, for one) are appended after the defaults.
func NewSchedulerService(ctx context.Context, store *db.TaskStore, engine ExecutionRunner, opts ...gocron.SchedulerOption) (*SchedulerService, error) {
	grace := time.Duration(DefaultShutdownGraceSeconds) * time.Second
	if v := os.Getenv("SHUTDOWN_GRACE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			grace = time.Duration(secs) * time.Second
		} else {
			log.Printf("SchedulerService: ignoring invalid SHUTDOWN_GRACE_SECONDS %q", v)
		}
	}
	options := append([]gocron.SchedulerOption{gocron.WithStopTimeout(grace)}, opts...)
	s, err := gocron.NewScheduler(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &SchedulerService{
		Store:      store,
		Engine:     engine,
		scheduler:  s,
		appContext: ctx,
		jobs:       make(map[uint]uuid.UUID),
	}, nil
}

// Initialize starts the scheduler, reconciles executions orphaned by a
// previous process, and registers every schedulable task. A task that fails
// to register is logged and recorded on its row; it never aborts the loading
// of the others.
func (s *SchedulerService) Initialize() error {
	log.Println("SchedulerService: initializing...")
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	// Single active instance: anything still RUNNING at startup was left
	// behind by a process that is gone.
	reconciled, err := s.Store.ReconcileOrphans(time.Now().UTC(), "process restarted before execution completed")
	if err != nil {
		return fmt.Errorf("failed to reconcile orphaned executions: %w", err)
	}
	if reconciled > 0 {
		log.Printf("SchedulerService: reconciled %d orphaned execution(s) as FAILED", reconciled)
	}

	s.scheduler.Start()

	tasks, err := s.Store.ListSchedulable()
	if err != nil {
		return fmt.Errorf("failed to load schedulable tasks: %w", err)
	}
	registered := 0
	for i := range tasks {
		task := tasks[i]
		if err := s.RegisterTask(task.ID); err != nil {
			log.Printf("SchedulerService: could not register task ID %d (%s): %v", task.ID, task.Name, err)
			if storeErr := s.Store.SetScheduleError(task.ID, err.Error()); storeErr != nil {
				log.Printf("SchedulerService: could not record schedule error on task ID %d: %v", task.ID, storeErr)
			}
			continue
		}
		registered++
	}
	log.Printf("SchedulerService: initialized, %d of %d schedulable task(s) registered.", registered, len(tasks))
	return nil
}

// RegisterTask creates (or replaces) the timer for a task. Idempotent: an
// existing timer for the same ID is cancelled before the new one is created,
// so a task never holds two timers.
func (s *SchedulerService) RegisterTask(taskID uint) error {
	task, err := s.Store.GetTask(taskID)
	if err != nil {
		return &RegistrationError{TaskID: taskID, Reason: "task not found", Err: err}
	}
	if !task.Schedulable() {
		return &RegistrationError{TaskID: taskID, Reason: fmt.Sprintf("task is not schedulable (status=%s, enabled=%t)", task.Status, task.Enabled)}
	}
	if task.Timezone == "" {
		return &RegistrationError{TaskID: taskID, Reason: "task has no timezone"}
	}
	if _, err := time.LoadLocation(task.Timezone); err != nil {
		return &RegistrationError{TaskID: taskID, Reason: fmt.Sprintf("unknown timezone %q", task.Timezone), Err: err}
	}

	// gocron hands the expression to the robfig parser, which applies the
	// CRON_TZ prefix when computing occurrences. DST shifts follow the
	// zone's rules instead of a fixed UTC offset.
	cronSpec := fmt.Sprintf("CRON_TZ=%s %s", task.Timezone, task.CronExpression)

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID, ok := s.jobs[taskID]; ok {
		if err := s.scheduler.RemoveJob(oldID); err != nil {
			log.Printf("SchedulerService: could not remove stale job for task ID %d: %v", taskID, err)
		}
		delete(s.jobs, taskID)
	}

	job, err := s.scheduler.NewJob(
		gocron.CronJob(cronSpec, false),
		gocron.NewTask(s.runTask, taskID),
		gocron.WithName(fmt.Sprintf("task_%d", taskID)),
		gocron.WithTags(schedulerTag, fmt.Sprintf("task_id:%d", taskID)),
	)
	if err != nil {
		return &RegistrationError{TaskID: taskID, Reason: fmt.Sprintf("invalid cron expression %q", task.CronExpression), Err: err}
	}
	s.jobs[taskID] = job.ID()

	if nextRun, err := job.NextRun(); err != nil {
		log.Printf("SchedulerService: registered task ID %d (%s), next run unknown: %v", taskID, task.Name, err)
	} else {
		log.Printf("SchedulerService: registered task ID %d (%s) with cron %q, next run %s", taskID, task.Name, cronSpec, nextRun.Format(time.RFC3339))
	}
	return nil
}

// UnregisterTask cancels the task's timer. Absent registrations are a no-op,
// not an error. An in-flight execution is never interrupted; only future
// fires are cancelled.
func (s *SchedulerService) UnregisterTask(taskID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.jobs[taskID]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(jobID); err != nil {
		log.Printf("SchedulerService: could not remove job for task ID %d: %v", taskID, err)
	}
	delete(s.jobs, taskID)
	log.Printf("SchedulerService: unregistered task ID %d", taskID)
}

// Shutdown cancels all timers and waits, bounded by the configured grace
// period, for in-flight executions. Anything still running past the grace is
// abandoned in place and reconciled on next Initialize.
func (s *SchedulerService) Shutdown() {
	log.Println("SchedulerService: shutting down...")
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("SchedulerService: error during scheduler shutdown: %v", err)
	} else {
		log.Println("SchedulerService: scheduler shut down.")
	}
}

// Status reports the registry for health checks. Read-only.
func (s *SchedulerService) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobsByID := make(map[uuid.UUID]gocron.Job)
	for _, job := range s.scheduler.Jobs() {
		jobsByID[job.ID()] = job
	}

	status := SchedulerStatus{
		Status:              "healthy",
		RegisteredTaskCount: len(s.jobs),
		NextFireTimes:       make(map[string]time.Time, len(s.jobs)),
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
	}
	for taskID, jobID := range s.jobs {
		job, ok := jobsByID[jobID]
		if !ok {
			status.Status = "error"
			continue
		}
		nextRun, err := job.NextRun()
		if err != nil {
			status.Status = "error"
			continue
		}
		status.NextFireTimes[strconv.FormatUint(uint64(taskID), 10)] = nextRun
	}
	return status
}

// runTask is the timer callback. The engine guarantees it never panics or
// returns an error, so a slow or failing task cannot disturb the scheduler.
func (s *SchedulerService) runTask(taskID uint) {
	s.Engine.Execute(s.appContext, taskID)
}
