package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"task-automation-service/internal/automation/services"
)

// StatusHandler exposes the scheduler's health surface.
type StatusHandler struct {
	Scheduler *services.SchedulerService
}

func NewStatusHandler(scheduler *services.SchedulerService) *StatusHandler {
	return &StatusHandler{Scheduler: scheduler}
}

func (h *StatusHandler) GetSchedulerStatus(ctx context.Context, c *app.RequestContext) {
	status := h.Scheduler.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
