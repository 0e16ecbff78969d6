package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"task-automation-service/internal/automation/interpreter"
	"task-automation-service/internal/automation/services"
)

// DraftHandler exposes the interpretation boundary: prompt → draft,
// draft validation and draft preview. None of these persist anything.
type DraftHandler struct {
	Approvals *services.ApprovalService
	Validator *interpreter.DraftValidator
}

func NewDraftHandler(approvals *services.ApprovalService) *DraftHandler {
	return &DraftHandler{Approvals: approvals, Validator: interpreter.NewDraftValidator()}
}

type InterpretRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

// InterpretDraft turns a free-text prompt into an unpersisted draft.
func (h *DraftHandler) InterpretDraft(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	var req InterpretRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	if h.Approvals.Interp == nil {
		c.JSON(http.StatusServiceUnavailable, utils.H{"error": services.ErrInterpreterUnavailable.Error()})
		return
	}
	draft, err := h.Approvals.Interp.Interpret(ctx, req.Prompt, ownerID)
	if err != nil {
		var parseErr *interpreter.ParseError
		if errors.As(err, &parseErr) {
			c.JSON(http.StatusUnprocessableEntity, utils.H{"error": parseErr.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, utils.H{"error": "Interpretation failed: " + err.Error()})
		return
	}
	draft.OwnerID = ownerID
	c.JSON(http.StatusOK, utils.H{
		"draft":      draft,
		"validation": h.Validator.Validate(draft),
		"preview":    interpreter.Preview(draft),
	})
}

// ValidateDraft checks a draft without persisting it. The owner comes from
// the header, same as task creation, so both endpoints judge the same draft
// the same way.
func (h *DraftHandler) ValidateDraft(ctx context.Context, c *app.RequestContext) {
	ownerID := ownerFromRequest(c)
	if ownerID == "" {
		return
	}
	var draft interpreter.Draft
	if err := c.BindAndValidate(&draft); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid draft payload: " + err.Error()})
		return
	}
	draft.OwnerID = ownerID
	c.JSON(http.StatusOK, h.Validator.Validate(&draft))
}

// PreviewDraft renders the human summary of a draft.
func (h *DraftHandler) PreviewDraft(ctx context.Context, c *app.RequestContext) {
	var draft interpreter.Draft
	if err := c.BindAndValidate(&draft); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid draft payload: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"preview": interpreter.Preview(&draft)})
}
