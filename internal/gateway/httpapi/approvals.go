package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/storage"
)

// ApprovalSummary is one pending approval in the GET /v1/approvals list.
type ApprovalSummary struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ToolName       string         `json:"tool_name"`
	Params         map[string]any `json:"params"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// DecisionRequest is the JSON body for approve/deny. Operator is the
// human identity recorded in the audit trail.
type DecisionRequest struct {
	Operator string `json:"operator,omitempty"` // Default: "api".
}

// DecisionResponse reports the resolution, including the executed tool's
// outcome on approval.
type DecisionResponse struct {
	ApprovalID string         `json:"approval_id"`
	Status     string         `json:"status"`
	Output     string         `json:"output,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	pending := g.approvals.ListPending(c.Context())
	out := make([]ApprovalSummary, 0, len(pending))
	for _, p := range pending {
		out = append(out, ApprovalSummary{
			ID:             p.ID,
			ConversationID: p.ConversationID,
			ToolName:       p.ToolName,
			Params:         p.Params,
			CreatedAt:      p.CreatedAt,
			ExpiresAt:      p.ExpiresAt,
		})
	}
	return c.OK(out)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	id := c.Param("id")
	operator := g.decisionOperator(c)

	// Snapshot before resolving; the audit row wants the original call.
	pending, err := g.approvals.Get(c.Context(), id)
	if err != nil {
		return approvalError(c, err)
	}

	g.logger.Info("approval decision",
		slog.String("approval_id", id),
		slog.String("decision", "approve"),
		slog.String("operator", operator),
		slog.String("tool", pending.ToolName),
	)

	if err := g.approvals.Approve(c.Context(), id, operator); err != nil {
		return approvalError(c, err)
	}
	g.recordDecision(c, pending, approval.StatusApproved, operator)

	result, err := g.agent.ResumeApproved(c.Context(), id)
	if err != nil {
		g.logger.Error("execution after approval failed",
			slog.String("approval_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution after approval failed")
	}

	return c.OK(DecisionResponse{
		ApprovalID: id,
		Status:     "approved",
		Output:     result.Output,
		Success:    &result.Success,
		Metadata:   result.Metadata,
	})
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	id := c.Param("id")
	operator := g.decisionOperator(c)

	pending, err := g.approvals.Get(c.Context(), id)
	if err != nil {
		return approvalError(c, err)
	}

	g.logger.Info("approval decision",
		slog.String("approval_id", id),
		slog.String("decision", "deny"),
		slog.String("operator", operator),
		slog.String("tool", pending.ToolName),
	)

	if err := g.approvals.Deny(c.Context(), id, operator); err != nil {
		return approvalError(c, err)
	}
	g.recordDecision(c, pending, approval.StatusDenied, operator)

	return c.OK(DecisionResponse{
		ApprovalID: id,
		Status:     "denied",
	})
}

// decisionOperator reads the operator name from the request body,
// tolerating an empty body.
func (g *Gateway) decisionOperator(c *okapi.Context) string {
	var req DecisionRequest
	if err := c.Bind(&req); err == nil && req.Operator != "" {
		return req.Operator
	}
	return "api"
}

// recordDecision writes the audit row. Failures are logged, never
// surfaced: the decision itself already took effect.
func (g *Gateway) recordDecision(c *okapi.Context, p *approval.Pending, status approval.Status, operator string) {
	if g.store == nil {
		return
	}
	if g.config.Metrics != nil {
		g.config.Metrics.ApprovalDecisionsTotal.WithLabelValues(status.String()).Inc()
	}
	err := g.store.Decisions().Record(c.Context(), storage.Decision{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		ToolCallID:     p.ToolCallID,
		ToolName:       p.ToolName,
		Params:         p.Params,
		Status:         status.String(),
		ResolvedBy:     operator,
		CreatedAt:      p.CreatedAt,
		ResolvedAt:     time.Now().UTC(),
	})
	if err != nil {
		g.logger.Warn("recording approval decision",
			slog.String("approval_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}
