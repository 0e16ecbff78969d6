package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"
)

// The built-in executors front external services. In this repository the
// outbound calls themselves are stubbed; the contract (parameters in, uniform
// ActionResult out, context honored) is the real one.

// MailExecutor fronts the mail delivery service.
type MailExecutor struct{}

func (e *MailExecutor) Execute(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult {
	recipients, ok := stringSlice(action.Parameters["recipients"])
	if !ok || len(recipients) == 0 {
		return ActionResult{Success: false, Error: "mail action requires a non-empty recipients list"}
	}
	subject, _ := action.Parameters["subject"].(string)
	if err := ctx.Err(); err != nil {
		return ActionResult{Success: false, Error: fmt.Sprintf("mail dispatch aborted: %v", err)}
	}
	if sig, ok := personalization["signature"].(string); ok && sig != "" {
		log.Printf("MailExecutor: applying sender signature (%d chars)", len(sig))
	}
	log.Printf("MailExecutor: %s to %d recipient(s), subject %q", action.Operation, len(recipients), subject)
	return ActionResult{
		Success: true,
		Data: map[string]interface{}{
			"message_id": fmt.Sprintf("mail-%d", time.Now().UnixNano()),
			"recipients": len(recipients),
		},
	}
}

// DocumentExecutor fronts the document/spreadsheet creation service.
type DocumentExecutor struct {
	Spreadsheet bool
}

func (e *DocumentExecutor) Execute(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult {
	title, _ := action.Parameters["title"].(string)
	if title == "" {
		return ActionResult{Success: false, Error: "document action requires a title"}
	}
	if err := ctx.Err(); err != nil {
		return ActionResult{Success: false, Error: fmt.Sprintf("document dispatch aborted: %v", err)}
	}
	kind := "document"
	if e.Spreadsheet {
		kind = "spreadsheet"
	}
	log.Printf("DocumentExecutor: %s %s %q", action.Operation, kind, title)
	return ActionResult{
		Success: true,
		Data: map[string]interface{}{
			"document_id": fmt.Sprintf("%s-%d", kind, time.Now().UnixNano()),
			"title":       title,
		},
	}
}

// SearchExecutor fronts the web search service.
type SearchExecutor struct{}

func (e *SearchExecutor) Execute(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult {
	query, _ := action.Parameters["query"].(string)
	if query == "" {
		return ActionResult{Success: false, Error: "search action requires a query"}
	}
	if err := ctx.Err(); err != nil {
		return ActionResult{Success: false, Error: fmt.Sprintf("search dispatch aborted: %v", err)}
	}
	log.Printf("SearchExecutor: %s %q", action.Operation, query)
	return ActionResult{
		Success: true,
		Data: map[string]interface{}{
			"query":   query,
			"results": []interface{}{},
		},
	}
}

// EchoExecutor reflects its parameters back. Kept for smoke tests.
type EchoExecutor struct{}

func (e *EchoExecutor) Execute(ctx context.Context, action ActionSpec, personalization map[string]interface{}) ActionResult {
	log.Printf("EchoExecutor: %s with %d parameter(s)", action.Operation, len(action.Parameters))
	data := make(map[string]interface{}, len(action.Parameters))
	for k, v := range action.Parameters {
		data[k] = v
	}
	return ActionResult{Success: true, Data: data}
}

// stringSlice coerces JSON-decoded parameter values ([]interface{} or
// []string) into a []string.
func stringSlice(v interface{}) ([]string, bool) {
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
