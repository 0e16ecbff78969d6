package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActionSpec is one step of a task's plan: the target service, the operation
// on it, and the operation parameters.
type ActionSpec struct {
	Service    string                 `json:"service"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ActionResult is the uniform outcome shape every executor returns.
type ActionResult struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Dispatcher routes an action to whatever fronts its target service.
// Personalization is owner-level context (signature, locale, ...) that only
// executors interpret.
type Dispatcher interface {
	Dispatch(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult
}

// ServiceExecutor is implemented once per external service.
type ServiceExecutor interface {
	Execute(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult
}

// Known service names.
const (
	ServiceMail        = "mail"
	ServiceDocument    = "document"
	ServiceSpreadsheet = "spreadsheet"
	ServiceSearch      = "search"
	ServiceEcho        = "echo"
)

const (
	DefaultActionTimeoutSeconds = 60

	// Outbound services throttle us anyway; limiting here keeps one
	// misconfigured task from burning the whole quota.
	defaultRateLimit = rate.Limit(5)
	defaultBurst     = 5
)

// Registry maps service names to executors and applies a per-service rate
// limit plus a per-call timeout around every dispatch.
type Registry struct {
	mu            sync.RWMutex
	executors     map[string]ServiceExecutor
	limiters      map[string]*rate.Limiter
	actionTimeout time.Duration
}

// NewRegistry returns a registry pre-loaded with the built-in executors.
// ACTION_TIMEOUT_SECONDS overrides the per-call timeout.
func NewRegistry() *Registry {
	timeout := time.Duration(DefaultActionTimeoutSeconds) * time.Second
	if v := os.Getenv("ACTION_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		} else {
			log.Printf("Registry: ignoring invalid ACTION_TIMEOUT_SECONDS %q", v)
		}
	}
	r := &Registry{
		executors:     make(map[string]ServiceExecutor),
		limiters:      make(map[string]*rate.Limiter),
		actionTimeout: timeout,
	}
	r.Register(ServiceMail, &MailExecutor{}, rate.Limit(1), 3)
	r.Register(ServiceDocument, &DocumentExecutor{}, defaultRateLimit, defaultBurst)
	r.Register(ServiceSpreadsheet, &DocumentExecutor{Spreadsheet: true}, defaultRateLimit, defaultBurst)
	r.Register(ServiceSearch, &SearchExecutor{}, defaultRateLimit, defaultBurst)
	r.Register(ServiceEcho, &EchoExecutor{}, rate.Inf, 0)
	return r
}

// Register installs (or replaces) the executor for a service.
func (r *Registry) Register(service string, executor ServiceExecutor, limit rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("Registry: registering executor for service %q", service)
	r.executors[service] = executor
	r.limiters[service] = rate.NewLimiter(limit, burst)
}

// Dispatch implements Dispatcher. An unknown service is an action failure,
// never a panic, so tasks carrying forward-compatible action kinds degrade
// into a Failed record instead of taking the engine down.
func (r *Registry) Dispatch(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult {
	r.mu.RLock()
	executor, ok := r.executors[action.Service]
	limiter := r.limiters[action.Service]
	r.mu.RUnlock()
	if !ok {
		return ActionResult{Success: false, Error: fmt.Sprintf("no executor registered for service %q", action.Service)}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.actionTimeout)
	defer cancel()

	if err := limiter.Wait(callCtx); err != nil {
		return ActionResult{Success: false, Error: fmt.Sprintf("rate limit wait for service %q aborted: %v", action.Service, err)}
	}
	return executor.Execute(callCtx, action, personalization)
}
