// Package agent runs the conversation loop: stream one model turn,
// surface tokens as they arrive, dispatch the tool calls the model
// buffered, feed the results back, and iterate until the model answers
// in plain text or the iteration ceiling is hit. Mutating calls park for
// operator approval and end the loop; ResumeApproved picks them up.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/dispatch"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/llm"
	"github.com/jkaninda/nyumba/internal/tools"
)

// Input is one user request entering the loop.
type Input struct {
	// ConversationID selects the history to continue. Empty starts a
	// fresh conversation under a generated id.
	ConversationID string
	Message        string
}

// ToolUse summarizes one tool call made during a turn.
type ToolUse struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
}

// Response is the outcome of one full turn.
type Response struct {
	ConversationID string `json:"conversation_id"`
	// Message is the model's final text, or the last text it produced
	// before the turn ended on pending approvals.
	Message string `json:"message"`
	// PendingApprovals holds approval ids created this turn. Non-empty
	// means the turn stopped early and the conversation is waiting for
	// an operator decision.
	PendingApprovals []string  `json:"pending_approvals,omitempty"`
	ToolsUsed        []ToolUse `json:"tools_used,omitempty"`
	Usage            llm.Usage `json:"usage"`
}

const (
	// defaultSystemPrompt is used when the config does not override it.
	defaultSystemPrompt = `You are nyumba, an agent that observes and controls a smart home through the tools provided.

Guidelines:
- Inspect before acting: use list_entities and get_entity_state to learn the current state of the home.
- Actions that change the home require operator approval. When a tool reports that approval is pending, say so plainly and stop; do not retry the call.
- Use run_analysis for computation over data. Scripts read their input from the file named by NYUMBA_DATA_PATH and write files for the user into the directory named by NYUMBA_OUTPUT_DIR.
- Be concise. Report states and results directly.`

	// maxIterationsMessage closes a turn that never produced a final
	// text answer.
	maxIterationsMessage = "Maximum tool use iterations reached. Please refine your request."

	fragmentBuffer = 16
)

// Agent owns the turn loop. Construct with New, then attach optional
// collaborators with the With methods before first use.
type Agent struct {
	provider    llm.StreamingProvider
	registry    *tools.Registry
	dispatcher  *dispatch.Dispatcher
	approvals   *approval.Manager
	cfg         *config.ProviderConfig
	dispatchCfg *config.DispatchConfig
	store       ConversationStore
	sessions    execctx.SessionFunc
	maxHistory  int
	logger      *slog.Logger
}

// New creates an agent backed by the given provider. Non-streaming
// providers are adapted; history is kept in memory until a persistent
// store is attached.
func New(provider llm.Provider, registry *tools.Registry, dispatcher *dispatch.Dispatcher, approvals *approval.Manager, cfg *config.ProviderConfig, logger *slog.Logger) *Agent {
	return &Agent{
		provider:   llm.AsStreaming(provider),
		registry:   registry,
		dispatcher: dispatcher,
		approvals:  approvals,
		cfg:        cfg,
		store:      NewMemoryConversationStore(),
		logger:     logger,
	}
}

// WithConversationStore replaces the in-memory history with a
// persistent store.
func (a *Agent) WithConversationStore(store ConversationStore) *Agent {
	a.store = store
	return a
}

// WithSessions supplies the database session callback carried into tool
// executions.
func (a *Agent) WithSessions(fn execctx.SessionFunc) *Agent {
	a.sessions = fn
	return a
}

// WithDispatchConfig sets the timeout and parallelism knobs applied to
// each request's execution context.
func (a *Agent) WithDispatchConfig(cfg *config.DispatchConfig) *Agent {
	a.dispatchCfg = cfg
	return a
}

// WithMaxHistory caps the number of messages loaded per conversation.
func (a *Agent) WithMaxHistory(n int) *Agent {
	a.maxHistory = n
	return a
}

// Process runs one turn. Every live event of the turn, tokens included,
// goes through emit; the returned Response is the buffered summary. A
// nil emit discards the live feed.
func (a *Agent) Process(ctx context.Context, input *Input, emit dispatch.Emitter) (*Response, error) {
	if input == nil || input.Message == "" {
		return nil, fmt.Errorf("empty input message")
	}
	if emit == nil {
		emit = func(dispatch.Event) {}
	}

	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	history := a.loadHistory(ctx, conversationID)
	userMsg := llm.UserText(input.Message)
	messages := append(history, userMsg)
	unsaved := []llm.Message{userMsg}

	ectx := a.newExecContext(conversationID)
	parallel := a.dispatchCfg != nil && a.dispatchCfg.Parallel

	resp := &Response{ConversationID: conversationID}
	maxIter := a.cfg.Iterations()

	for iter := 0; iter < maxIter; iter++ {
		acc, usage, err := a.streamTurn(ctx, messages, emit)
		if err != nil {
			a.persist(ctx, conversationID, unsaved)
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		if usage != nil {
			resp.Usage.InputTokens += usage.InputTokens
			resp.Usage.OutputTokens += usage.OutputTokens
		}

		calls := dispatch.ParseCalls(acc.Calls, a.logger)
		assistant := assistantMessage(acc.Text, calls)
		messages = append(messages, assistant)
		unsaved = append(unsaved, assistant)
		resp.Message = acc.Text

		if len(calls) == 0 {
			a.persist(ctx, conversationID, unsaved)
			emit(dispatch.Event{Kind: dispatch.KindDone})
			return resp, nil
		}

		a.logger.InfoContext(ctx, "dispatching tool calls",
			slog.String("conversation_id", conversationID),
			slog.Int("iteration", iter+1),
			slog.Int("calls", len(calls)),
		)

		var outcome *dispatch.Outcome
		if parallel {
			outcome = a.dispatcher.DispatchParallel(ctx, ectx, calls, emit)
		} else {
			outcome = a.dispatcher.Dispatch(ctx, ectx, calls, emit)
		}
		resp.ToolsUsed = append(resp.ToolsUsed, summarize(outcome)...)

		results := toolResultsMessage(calls, outcome.Results)
		messages = append(messages, results)
		unsaved = append(unsaved, results)

		if pending := outcome.PendingApprovals(); len(pending) > 0 {
			resp.PendingApprovals = append(resp.PendingApprovals, pending...)
			a.persist(ctx, conversationID, unsaved)
			emit(dispatch.Event{Kind: dispatch.KindDone})
			return resp, nil
		}
	}

	a.logger.WarnContext(ctx, "max tool-use iterations reached",
		slog.String("conversation_id", conversationID),
		slog.Int("max_iterations", maxIter),
	)
	final := llm.AssistantText(maxIterationsMessage)
	unsaved = append(unsaved, final)
	a.persist(ctx, conversationID, unsaved)
	resp.Message = maxIterationsMessage
	emit(dispatch.Event{Kind: dispatch.KindDone})
	return resp, nil
}

// streamTurn sends one model request and consumes the fragment stream,
// emitting each token as it arrives. Returns the accumulated turn.
func (a *Agent) streamTurn(ctx context.Context, messages []llm.Message, emit dispatch.Emitter) (*llm.Accumulated, *llm.Usage, error) {
	req := &llm.Request{
		SystemPrompt: a.systemPrompt(),
		Messages:     messages,
		Tools:        a.registry.Definitions(),
	}

	fragments := make(chan llm.Fragment, fragmentBuffer)
	var usage *llm.Usage
	var streamErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		usage, streamErr = a.provider.StreamMessage(ctx, req, fragments)
	}()

	acc, consumeErr := llm.NewConsumer(a.logger).Consume(ctx, fragments, func(token string) {
		emit(dispatch.Event{Kind: dispatch.KindToken, Token: token})
	})
	// The provider closes the channel on every exit path; draining here
	// unblocks it if consumption stopped early on cancellation.
	for range fragments {
	}
	<-done

	if streamErr != nil {
		return nil, nil, streamErr
	}
	if consumeErr != nil {
		return nil, nil, consumeErr
	}
	return acc, usage, nil
}

func (a *Agent) systemPrompt() string {
	if a.cfg != nil && a.cfg.SystemPrompt != "" {
		return a.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

// newExecContext builds the per-request execution bundle handed to every
// tool call of this turn.
func (a *Agent) newExecContext(conversationID string) *execctx.Context {
	ectx := execctx.New(conversationID, "chat")
	ectx.AcquireSession = a.sessions
	if a.dispatchCfg != nil {
		ectx.ToolTimeout = a.dispatchCfg.ToolTimeout()
		ectx.AnalysisTimeout = a.dispatchCfg.AnalysisTimeout()
	}
	return ectx
}

// loadHistory returns prior messages for the conversation. Load failures
// degrade to an empty history rather than failing the turn.
func (a *Agent) loadHistory(ctx context.Context, conversationID string) []llm.Message {
	if a.store == nil {
		return nil
	}
	limit := a.maxHistory
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	history, err := a.store.History(ctx, conversationID, limit)
	if err != nil {
		a.logger.WarnContext(ctx, "loading conversation history failed, continuing without",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	// Truncation can leave an assistant message first, which the chat
	// protocol rejects.
	for len(history) > 0 && history[0].Role == llm.RoleAssistant {
		history = history[1:]
	}
	return history
}

// persist appends this turn's new messages to the store. Non-fatal: the
// model already answered, losing history must not fail the request.
func (a *Agent) persist(ctx context.Context, conversationID string, msgs []llm.Message) {
	if a.store == nil || len(msgs) == 0 {
		return
	}
	if err := a.store.Append(ctx, conversationID, msgs...); err != nil {
		a.logger.ErrorContext(ctx, "persisting conversation messages failed",
			slog.String("conversation_id", conversationID),
			slog.Int("messages", len(msgs)),
			slog.String("error", err.Error()),
		)
	}
}

// assistantMessage rebuilds the assistant turn from the accumulated text
// and the calls that survived parsing, so history matches what will
// actually be answered.
func assistantMessage(text string, calls []dispatch.ParsedCall) llm.Message {
	var blocks []llm.ContentBlock
	if text != "" {
		blocks = append(blocks, llm.TextBlock(text))
	}
	for _, c := range calls {
		blocks = append(blocks, llm.ToolUseBlock(c.ID, c.Name, c.Params))
	}
	return llm.Message{Role: llm.RoleAssistant, Blocks: blocks}
}

// toolResultsMessage packs dispatch results into the user-role message
// the chat protocol expects tool results to arrive in.
func toolResultsMessage(calls []dispatch.ParsedCall, results map[string]*tools.Result) llm.Message {
	blocks := make([]llm.ContentBlock, 0, len(calls))
	for _, c := range calls {
		res := results[c.ID]
		if res == nil {
			continue
		}
		blocks = append(blocks, llm.ToolResultBlock(c.ID, res.Output, !res.Success))
	}
	return llm.Message{Role: llm.RoleUser, Blocks: blocks}
}

func summarize(outcome *dispatch.Outcome) []ToolUse {
	uses := make([]ToolUse, 0, len(outcome.Calls))
	for _, c := range outcome.Calls {
		uses = append(uses, ToolUse{
			Tool:    c.Call.Name,
			Success: c.Result != nil && c.Result.Success,
		})
	}
	return uses
}
