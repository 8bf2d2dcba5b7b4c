package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/tools"
)

// ResumeApproved executes a mutating call that an operator has approved.
// The approval must already be in the approved state; the call runs under
// the standard tool deadline and its conversation placeholder is replaced
// with the real outcome so the next turn sees what actually happened.
func (a *Agent) ResumeApproved(ctx context.Context, approvalID string) (*tools.Result, error) {
	pa, err := a.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("approval lookup: %w", err)
	}
	if pa.Status != approval.StatusApproved {
		return nil, fmt.Errorf("approval %s is not approved (status: %s)", approvalID, pa.Status)
	}

	tool := a.registry.Get(pa.ToolName)
	if tool == nil {
		return nil, fmt.Errorf("tool %s is no longer available", pa.ToolName)
	}

	a.logger.InfoContext(ctx, "executing approved tool call",
		slog.String("approval_id", approvalID),
		slog.String("tool", pa.ToolName),
		slog.String("approved_by", pa.ResolvedBy),
		slog.String("conversation_id", pa.ConversationID),
	)

	ectx := a.newExecContext(pa.ConversationID)
	callCtx, cancel := context.WithTimeout(ctx, ectx.CallTimeout())
	defer cancel()

	res, err := runApproved(callCtx, ectx, tool, pa.Params)
	if err != nil {
		a.replaceApprovalResult(ctx, pa, fmt.Sprintf("error: %v", err), true)
		return nil, fmt.Errorf("executing %s: %w", pa.ToolName, err)
	}
	if res == nil {
		res = &tools.Result{Output: "tool returned no result"}
	}
	a.replaceApprovalResult(ctx, pa, res.Output, !res.Success)
	return res, nil
}

// runApproved executes the tool with the same panic containment the
// dispatcher applies during a turn.
func runApproved(ctx context.Context, ectx *execctx.Context, tool tools.Tool, params map[string]any) (res *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, ectx, params)
}

// replaceApprovalResult swaps the "approval pending" placeholder in the
// stored conversation for the real outcome. Non-fatal: the operator
// already has the result in hand.
func (a *Agent) replaceApprovalResult(ctx context.Context, pa *approval.Pending, content string, isError bool) {
	if a.store == nil || pa.ConversationID == "" || pa.ToolCallID == "" {
		return
	}
	if err := a.store.ReplaceToolResult(ctx, pa.ConversationID, pa.ToolCallID, content, isError); err != nil {
		a.logger.ErrorContext(ctx, "updating approval result in conversation failed",
			slog.String("conversation_id", pa.ConversationID),
			slog.String("tool_call_id", pa.ToolCallID),
			slog.String("error", err.Error()),
		)
	}
}
