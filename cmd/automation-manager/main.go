package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"task-automation-service/internal/automation/api"
	taskDB "task-automation-service/internal/automation/db"
	"task-automation-service/internal/automation/dispatch"
	"task-automation-service/internal/automation/events"
	tmKafka "task-automation-service/internal/automation/kafka"
	"task-automation-service/internal/automation/services"
	gorm_db "task-automation-service/pkg/db"
)

func main() {
	stdlog.Println("Task Automation Service starting...")

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	stdlog.Println("Database initialized successfully.")

	stdlog.Println("Running database migrations...")
	if err := gorm_db.AutoMigrate(gormDB, &taskDB.TaskDefinition{}, &taskDB.ExecutionRecord{}); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	stdlog.Println("Database migration successful.")

	store := taskDB.NewTaskStore(gormDB)

	var publisher events.Publisher = events.NopPublisher{}
	var eventProducer *tmKafka.EventProducer
	if os.Getenv("KAFKA_BROKERS") != "" {
		eventProducer = tmKafka.NewEventProducer()
		publisher = eventProducer
	} else {
		stdlog.Println("KAFKA_BROKERS not set; execution events will not be published.")
	}

	registry := dispatch.NewRegistry()
	engine := services.NewExecutionEngine(store, registry, publisher)

	schedulerService, err := services.NewSchedulerService(appCtx, store, engine)
	if err != nil {
		stdlog.Fatalf("Failed to create scheduler service: %v", err)
	}
	if err := schedulerService.Initialize(); err != nil {
		stdlog.Fatalf("Failed to initialize scheduler: %v", err)
	}

	// The interpreter is an external capability; no model client is wired
	// into this binary. Prompt-based creation returns 503 until one is.
	approvalService := services.NewApprovalService(store, schedulerService, nil)

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))

	draftHandler := api.NewDraftHandler(approvalService)
	taskHandler := api.NewTaskHandler(store, approvalService)
	statusHandler := api.NewStatusHandler(schedulerService)

	draftGroup := h.Group("/drafts")
	{
		draftGroup.POST("/interpret", draftHandler.InterpretDraft)
		draftGroup.POST("/validate", draftHandler.ValidateDraft)
		draftGroup.POST("/preview", draftHandler.PreviewDraft)
	}
	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.CreateTask)
		taskGroup.GET("", taskHandler.GetTasks)
		taskGroup.GET("/:id", taskHandler.GetTaskByID)
		taskGroup.PUT("/:id", taskHandler.UpdateTask)
		taskGroup.DELETE("/:id", taskHandler.DeleteTask)
		taskGroup.POST("/:id/approve", taskHandler.ApproveTask)
		taskGroup.POST("/:id/reject", taskHandler.RejectTask)
		taskGroup.GET("/:id/executions", taskHandler.GetTaskExecutions)
	}
	h.GET("/scheduler/status", statusHandler.GetSchedulerStatus)

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		// Stop the scheduler before cancelling the app context: in-flight
		// executions run on that context, and the scheduler's stop timeout is
		// their grace period. Anything still running past it gets cancelled.
		schedulerService.Shutdown()
		appCancel()

		if eventProducer != nil {
			if err := eventProducer.Close(); err != nil {
				hlog.Errorf("Kafka producer close error: %v", err)
			} else {
				hlog.Info("Kafka producer closed.")
			}
		}
		hlog.Info("Task Automation Service gracefully shut down.")
	}()

	hlog.Infof("Task Automation Service fully initialized, starting Hertz server on %s...", serverAddr)
	h.Spin()

	stdlog.Println("Task Automation Service has been shut down.")
}
