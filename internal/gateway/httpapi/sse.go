package httpapi

import (
	"log/slog"
	"sync"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/dispatch"
)

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"` // Empty = new conversation.
}

// ChatResult is the payload of the terminal "done" event: the full
// outcome of the turn after the token stream.
type ChatResult struct {
	ConversationID   string          `json:"conversation_id"`
	Message          string          `json:"message"`
	PendingApprovals []string        `json:"pending_approvals,omitempty"`
	ToolsUsed        []agent.ToolUse `json:"tools_used,omitempty"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
}

// handleChat runs one agent turn for POST /v1/chat, streaming events as
// they happen: token, tool_start, tool_end, progress, approval_required,
// then a terminal done event carrying the turn's full result (or an
// error event when the turn fails).
func (g *Gateway) handleChat(c *okapi.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	g.logger.Info("chat request",
		slog.String("conversation_id", req.ConversationID),
		slog.String("client", clientIP(c.Request())),
	)

	// Events can arrive concurrently from parallel dispatch; SSE frames
	// must not interleave.
	var mu sync.Mutex
	emit := func(ev dispatch.Event) {
		if g.publish != nil {
			g.publish(ev)
		}
		if g.config.Metrics != nil {
			g.config.Metrics.ProgressEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
		if ev.Kind == dispatch.KindDone {
			// The handler sends the terminal frame itself, with the
			// full result attached.
			return
		}
		mu.Lock()
		c.SSEvent(string(ev.Kind), ev)
		mu.Unlock()
	}

	resp, err := g.agent.Process(c.Context(), &agent.Input{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	}, emit)
	if err != nil {
		g.logger.Error("chat turn failed",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()),
		)
		c.SSEvent("error", dispatch.Event{Kind: dispatch.KindError, Error: "processing failed"})
		return nil
	}

	c.SSEvent("done", ChatResult{
		ConversationID:   resp.ConversationID,
		Message:          resp.Message,
		PendingApprovals: resp.PendingApprovals,
		ToolsUsed:        resp.ToolsUsed,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
	})
	return nil
}
