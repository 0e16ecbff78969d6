package interpreter

import (
	"context"
	"fmt"
	"strings"

	"task-automation-service/internal/automation/dispatch"
)

// Schedule is the recurring part of a draft: a standard 5-field cron
// expression evaluated in an IANA timezone.
type Schedule struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
}

// Draft is an unpersisted, unapproved task definition produced by
// interpretation of a free-text prompt.
type Draft struct {
	OwnerID         string                 `json:"owner_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Schedule        Schedule               `json:"schedule"`
	Actions         []dispatch.ActionSpec  `json:"actions"`
	Personalization map[string]interface{} `json:"personalization,omitempty"`
}

// Interpreter converts a free-text prompt into a draft. Which model or
// prompt format produces the draft is deliberately opaque to this module.
type Interpreter interface {
	Interpret(ctx context.Context, prompt, ownerID string) (*Draft, error)
}

// ParseError means a prompt could not be decomposed into at least one action
// and a schedule.
type ParseError struct {
	Prompt string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to interpret prompt: %s", e.Reason)
}

// ValidationResult is the outcome of validating a draft. Warnings never block
// approval; errors do.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationError carries a failed ValidationResult across the create path.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("draft validation failed: %s", strings.Join(e.Result.Errors, "; "))
}
