package interpreter

import (
	"encoding/json"
	"fmt"
	"log"
	"net/mail"
	"time"

	"github.com/robfig/cron/v3"

	"task-automation-service/internal/automation/dispatch"
	"task-automation-service/pkg/validation"
)

// Parameter schemas per known service. Unknown services get only the minimal
// checks so forward-compatible action kinds can pass through and execute
// opaquely.
var actionParamSchemas = map[string]string{
	dispatch.ServiceMail: `{
		"type": "object",
		"required": ["recipients", "subject"],
		"properties": {
			"recipients": {"type": "array", "minItems": 1, "items": {"type": "string"}},
			"subject": {"type": "string", "minLength": 1}
		}
	}`,
	dispatch.ServiceDocument: `{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string", "minLength": 1}}
	}`,
	dispatch.ServiceSpreadsheet: `{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string", "minLength": 1}}
	}`,
	dispatch.ServiceSearch: `{
		"type": "object",
		"required": ["query"],
		"properties": {"query": {"type": "string", "minLength": 1}}
	}`,
}

// DraftValidator checks drafts before they can be persisted as approvable.
// It uses the same cron grammar the scheduler parses with, so a draft that
// validates here will also register.
type DraftValidator struct {
	cronParser cron.Parser
}

func NewDraftValidator() *DraftValidator {
	return &DraftValidator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Validate checks the draft's schedule, action list and per-action
// parameters. The draft is never mutated.
func (v *DraftValidator) Validate(draft *Draft) ValidationResult {
	result := ValidationResult{}
	if draft == nil {
		result.Errors = append(result.Errors, "draft is missing")
		return result
	}

	if draft.OwnerID == "" {
		result.Errors = append(result.Errors, "draft has no owner")
	}
	if draft.Name == "" {
		result.Warnings = append(result.Warnings, "draft has no name")
	}

	if draft.Schedule.CronExpression == "" {
		result.Errors = append(result.Errors, "schedule is missing a cron expression")
	} else if _, err := v.cronParser.Parse(draft.Schedule.CronExpression); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid cron expression %q: %v", draft.Schedule.CronExpression, err))
	}
	if draft.Schedule.Timezone == "" {
		result.Errors = append(result.Errors, "schedule is missing a timezone")
	} else if _, err := time.LoadLocation(draft.Schedule.Timezone); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("unknown timezone %q", draft.Schedule.Timezone))
	}

	if len(draft.Actions) == 0 {
		result.Errors = append(result.Errors, "draft has no actions")
	}
	for i, action := range draft.Actions {
		result.Errors = append(result.Errors, validateAction(i, action)...)
		if _, known := actionParamSchemas[action.Service]; !known && action.Service != "" && action.Service != dispatch.ServiceEcho {
			result.Warnings = append(result.Warnings, fmt.Sprintf("action %d targets unrecognized service %q; it will be executed opaquely", i, action.Service))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func validateAction(index int, action dispatch.ActionSpec) []string {
	var errs []string
	if action.Service == "" {
		errs = append(errs, fmt.Sprintf("action %d has no service", index))
	}
	if action.Operation == "" {
		errs = append(errs, fmt.Sprintf("action %d has no operation", index))
	}

	schema, ok := actionParamSchemas[action.Service]
	if ok {
		paramsJSON, err := json.Marshal(action.Parameters)
		if err != nil {
			errs = append(errs, fmt.Sprintf("action %d parameters are not serializable: %v", index, err))
			return errs
		}
		if err := validation.ValidateJSONWithSchema(schema, string(paramsJSON)); err != nil {
			log.Printf("DraftValidator: action %d (%s.%s) failed schema validation: %v", index, action.Service, action.Operation, err)
			errs = append(errs, fmt.Sprintf("action %d (%s.%s) has invalid parameters", index, action.Service, action.Operation))
		}
	}

	if action.Service == dispatch.ServiceMail {
		errs = append(errs, validateRecipients(index, action.Parameters["recipients"])...)
	}
	return errs
}

func validateRecipients(index int, raw interface{}) []string {
	var errs []string
	recipients, ok := toStringSlice(raw)
	if !ok {
		return errs // the schema check already reported the shape problem
	}
	for _, recipient := range recipients {
		if _, err := mail.ParseAddress(recipient); err != nil {
			errs = append(errs, fmt.Sprintf("action %d has an invalid recipient address %q", index, recipient))
		}
	}
	return errs
}

func toStringSlice(v interface{}) ([]string, bool) {
	switch vals := v.(type) {
	case []string:
		return vals, true
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
