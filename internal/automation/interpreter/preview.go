package interpreter

import (
	"fmt"
	"sort"
	"strings"

	"task-automation-service/internal/automation/dispatch"
)

// Preview renders a deterministic human summary of a draft. It reflects
// exactly what will execute: the schedule and the actions in their declared
// order. No side effects.
func Preview(draft *Draft) string {
	if draft == nil {
		return "(empty draft)"
	}
	var b strings.Builder
	name := draft.Name
	if name == "" {
		name = "(unnamed task)"
	}
	fmt.Fprintf(&b, "%s\n", name)
	if draft.Description != "" {
		fmt.Fprintf(&b, "%s\n", draft.Description)
	}
	fmt.Fprintf(&b, "Schedule: %s (%s)\n", draft.Schedule.CronExpression, draft.Schedule.Timezone)
	b.WriteString("Actions, in order:\n")
	for i, action := range draft.Actions {
		fmt.Fprintf(&b, "  %d. %s.%s%s\n", i+1, action.Service, action.Operation, summarizeParams(action))
	}
	return b.String()
}

// summarizeParams renders parameters with sorted keys so the preview is
// stable for identical drafts.
func summarizeParams(action dispatch.ActionSpec) string {
	if len(action.Parameters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(action.Parameters))
	for k := range action.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, action.Parameters[k]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
