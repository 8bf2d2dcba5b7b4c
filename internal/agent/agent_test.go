package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/dispatch"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/llm"
	"github.com/jkaninda/nyumba/internal/tools"
)

type scriptedTurn struct {
	fragments []llm.Fragment
	usage     llm.Usage
	err       error
}

// scriptedProvider plays back canned turns and records every request it
// receives.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	reqs  []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("scripted provider streams only")
}

func (p *scriptedProvider) StreamMessage(ctx context.Context, req *llm.Request, fragments chan<- llm.Fragment) (*llm.Usage, error) {
	defer close(fragments)

	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, errors.New("scripted provider exhausted")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	for _, f := range turn.fragments {
		select {
		case fragments <- f:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	u := turn.usage
	return &u, nil
}

func (p *scriptedProvider) requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.reqs...)
}

func textFragments(tokens ...string) []llm.Fragment {
	frags := make([]llm.Fragment, len(tokens))
	for i, tok := range tokens {
		frags[i] = llm.Fragment{Content: tok}
	}
	return frags
}

func callFragment(index int, id, name, args string) llm.Fragment {
	return llm.Fragment{ToolCallChunks: []llm.ToolCallChunk{{Index: index, ID: id, Name: name, ArgsDelta: args}}}
}

type fakeTool struct {
	name  string
	class tools.Class
	run   func(ctx context.Context, ectx *execctx.Context, params map[string]any) (*tools.Result, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake " + f.name }
func (f *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Class() tools.Class          { return f.class }

func (f *fakeTool) Execute(ctx context.Context, ectx *execctx.Context, params map[string]any) (*tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, ectx, params)
	}
	return &tools.Result{Output: f.name + " ok", Success: true}, nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type eventSink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (s *eventSink) emit(e dispatch.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) byKind(kind dispatch.EventKind) []dispatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispatch.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestAgent(t *testing.T, provider llm.Provider, cfg *config.ProviderConfig, fakes ...tools.Tool) (*Agent, *approval.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry()
	for _, f := range fakes {
		registry.Register(f)
	}
	approvals := approval.NewManager(time.Minute, logger)
	dispatcher := dispatch.New(registry, approvals, &config.DispatchConfig{PollIntervalMS: 5}, logger)
	if cfg == nil {
		cfg = &config.ProviderConfig{}
	}
	return New(provider, registry, dispatcher, approvals, cfg, logger), approvals
}

func TestProcess_PlainAnswer(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: textFragments("Good ", "evening."), usage: llm.Usage{InputTokens: 10, OutputTokens: 4}},
	}}
	agent, _ := newTestAgent(t, provider, nil)
	sink := &eventSink{}

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "hello"}, sink.emit)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Message != "Good evening." {
		t.Errorf("Message = %q, want %q", resp.Message, "Good evening.")
	}
	if resp.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", resp.ConversationID)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v, want 10 in / 4 out", resp.Usage)
	}

	toks := sink.byKind(dispatch.KindToken)
	if len(toks) != 2 || toks[0].Token != "Good " || toks[1].Token != "evening." {
		t.Errorf("token events = %+v, want the two streamed tokens in order", toks)
	}
	if got := len(sink.byKind(dispatch.KindDone)); got != 1 {
		t.Errorf("done events = %d, want 1", got)
	}

	// Both sides of the exchange are persisted.
	history, err := agent.store.History(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != llm.RoleUser || history[0].Text() != "hello" {
		t.Errorf("history[0] = %+v, want the user message", history[0])
	}
	if history[1].Role != llm.RoleAssistant || history[1].Text() != "Good evening." {
		t.Errorf("history[1] = %+v, want the assistant answer", history[1])
	}
}

func TestProcess_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: []llm.Fragment{callFragment(0, "call_1", "get_entity_state", `{"entity":"light.kitchen"}`)}},
		{fragments: textFragments("The kitchen light is on.")},
	}}
	reader := &fakeTool{name: "get_entity_state", class: tools.ClassReadOnly, run: func(context.Context, *execctx.Context, map[string]any) (*tools.Result, error) {
		return &tools.Result{Output: "state: on", Success: true}, nil
	}}
	agent, _ := newTestAgent(t, provider, nil, reader)
	sink := &eventSink{}

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "is the kitchen light on?"}, sink.emit)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Message != "The kitchen light is on." {
		t.Errorf("Message = %q, want the final answer", resp.Message)
	}
	if reader.callCount() != 1 {
		t.Errorf("tool executed %d times, want 1", reader.callCount())
	}
	if got := reader.calls[0]["entity"]; got != "light.kitchen" {
		t.Errorf("tool params entity = %v, want light.kitchen", got)
	}
	if len(resp.ToolsUsed) != 1 || resp.ToolsUsed[0] != (ToolUse{Tool: "get_entity_state", Success: true}) {
		t.Errorf("ToolsUsed = %+v, want one successful get_entity_state", resp.ToolsUsed)
	}

	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("model called %d times, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "get_entity_state" {
		t.Errorf("first request tools = %+v, want the registered tool", reqs[0].Tools)
	}

	// The second request must carry the assistant tool_use turn and the
	// tool_result feeding the output back.
	msgs := reqs[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || len(last.Blocks) != 1 {
		t.Fatalf("last message = %+v, want a single-block user message", last)
	}
	block := last.Blocks[0]
	if block.Type != "tool_result" || block.ToolUseID != "call_1" || block.Text != "state: on" || block.IsError {
		t.Errorf("tool_result block = %+v, want the successful output for call_1", block)
	}
	assistant := msgs[len(msgs)-2]
	if assistant.Role != llm.RoleAssistant || len(assistant.Blocks) != 1 || assistant.Blocks[0].Type != "tool_use" {
		t.Errorf("assistant message = %+v, want a tool_use block", assistant)
	}
}

func TestProcess_ApprovalEndsTurn(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: append(textFragments("Unlocking the door."),
			callFragment(0, "call_1", "control_entity", `{"entity":"lock.front_door","state":"unlocked"}`))},
	}}
	control := &fakeTool{name: "control_entity", class: tools.ClassMutating}
	agent, approvals := newTestAgent(t, provider, nil, control)
	sink := &eventSink{}

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "unlock the front door"}, sink.emit)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if control.callCount() != 0 {
		t.Fatalf("mutating tool executed %d times during dispatch, want 0", control.callCount())
	}
	if len(resp.PendingApprovals) != 1 {
		t.Fatalf("PendingApprovals = %v, want exactly one id", resp.PendingApprovals)
	}
	if len(provider.requests()) != 1 {
		t.Errorf("model called %d times, want 1: pending approval must end the turn", len(provider.requests()))
	}
	if got := len(sink.byKind(dispatch.KindApprovalRequired)); got != 1 {
		t.Errorf("approval_required events = %d, want 1", got)
	}
	if got := len(sink.byKind(dispatch.KindDone)); got != 1 {
		t.Errorf("done events = %d, want 1", got)
	}

	pa, err := approvals.Get(context.Background(), resp.PendingApprovals[0])
	if err != nil {
		t.Fatalf("Get(approval) error = %v", err)
	}
	if pa.Status != approval.StatusPending || pa.ToolName != "control_entity" {
		t.Errorf("approval = %+v, want pending control_entity", pa)
	}
	if pa.ConversationID != "conv-1" || pa.ToolCallID != "call_1" {
		t.Errorf("approval resume context = (%q, %q), want (conv-1, call_1)", pa.ConversationID, pa.ToolCallID)
	}

	// The placeholder is in history so the next turn can explain itself.
	history, _ := agent.store.History(context.Background(), "conv-1", 0)
	last := history[len(history)-1]
	if last.Role != llm.RoleUser || len(last.Blocks) != 1 {
		t.Fatalf("last history message = %+v, want the tool_result placeholder", last)
	}
	if !last.Blocks[0].IsError || !strings.Contains(last.Blocks[0].Text, "approval") {
		t.Errorf("placeholder block = %+v, want an is_error approval notice", last.Blocks[0])
	}
}

func TestProcess_MaxIterations(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: []llm.Fragment{callFragment(0, "call_1", "get_entity_state", `{}`)}},
		{fragments: []llm.Fragment{callFragment(0, "call_2", "get_entity_state", `{}`)}},
	}}
	reader := &fakeTool{name: "get_entity_state", class: tools.ClassReadOnly}
	agent, _ := newTestAgent(t, provider, &config.ProviderConfig{MaxIterations: 2}, reader)

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "loop forever"}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Message != maxIterationsMessage {
		t.Errorf("Message = %q, want the iteration-ceiling fallback", resp.Message)
	}
	if got := len(provider.requests()); got != 2 {
		t.Errorf("model called %d times, want 2", got)
	}
	if reader.callCount() != 2 {
		t.Errorf("tool executed %d times, want 2", reader.callCount())
	}
}

func TestProcess_ProviderError(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{err: errors.New("backend unreachable")}}}
	agent, _ := newTestAgent(t, provider, nil)

	_, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "hello"}, nil)
	if err == nil || !strings.Contains(err.Error(), "backend unreachable") {
		t.Fatalf("Process() error = %v, want the provider error wrapped", err)
	}

	// The user message survives for the retry.
	history, _ := agent.store.History(context.Background(), "conv-1", 0)
	if len(history) != 1 || history[0].Text() != "hello" {
		t.Errorf("history = %+v, want just the user message", history)
	}
}

func TestProcess_EmptyMessage(t *testing.T) {
	agent, _ := newTestAgent(t, &scriptedProvider{}, nil)
	if _, err := agent.Process(context.Background(), &Input{}, nil); err == nil {
		t.Fatal("Process() with empty message succeeded, want error")
	}
}

func TestProcess_GeneratesConversationID(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: textFragments("hi")},
		{fragments: textFragments("again")},
	}}
	agent, _ := newTestAgent(t, provider, nil)

	first, err := agent.Process(context.Background(), &Input{Message: "hello"}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if first.ConversationID == "" {
		t.Fatal("ConversationID is empty, want a generated id")
	}

	// Continuing under the returned id carries the history forward.
	if _, err := agent.Process(context.Background(), &Input{ConversationID: first.ConversationID, Message: "more"}, nil); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	reqs := provider.requests()
	if len(reqs[1].Messages) != 3 {
		t.Errorf("second request carries %d messages, want 3 (prior exchange plus new user message)", len(reqs[1].Messages))
	}
}

func TestProcess_DroppedCallStillAnswers(t *testing.T) {
	// A call with malformed arguments is dropped at parse; the turn must
	// continue with the surviving call only.
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: []llm.Fragment{
			callFragment(0, "call_1", "get_entity_state", `{not json`),
			callFragment(1, "call_2", "get_entity_state", `{"entity":"light.porch"}`),
		}},
		{fragments: textFragments("done")},
	}}
	reader := &fakeTool{name: "get_entity_state", class: tools.ClassReadOnly}
	agent, _ := newTestAgent(t, provider, nil, reader)

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "check lights"}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Message != "done" {
		t.Errorf("Message = %q, want %q", resp.Message, "done")
	}
	if reader.callCount() != 1 {
		t.Errorf("tool executed %d times, want 1 (malformed call dropped)", reader.callCount())
	}
}

func TestResumeApproved(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{fragments: []llm.Fragment{callFragment(0, "call_1", "control_entity", `{"entity":"light.kitchen","state":"off"}`)}},
	}}
	control := &fakeTool{name: "control_entity", class: tools.ClassMutating, run: func(_ context.Context, _ *execctx.Context, params map[string]any) (*tools.Result, error) {
		return &tools.Result{Output: fmt.Sprintf("%s set to %s", params["entity"], params["state"]), Success: true}, nil
	}}
	agent, approvals := newTestAgent(t, provider, nil, control)

	resp, err := agent.Process(context.Background(), &Input{ConversationID: "conv-1", Message: "lights off"}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	id := resp.PendingApprovals[0]
	if err := approvals.Approve(context.Background(), id, "isha"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	res, err := agent.ResumeApproved(context.Background(), id)
	if err != nil {
		t.Fatalf("ResumeApproved() error = %v", err)
	}
	if !res.Success || res.Output != "light.kitchen set to off" {
		t.Errorf("result = %+v, want the executed control output", res)
	}
	if control.callCount() != 1 {
		t.Errorf("tool executed %d times, want 1", control.callCount())
	}

	// The stored placeholder now holds the real outcome.
	history, _ := agent.store.History(context.Background(), "conv-1", 0)
	var found bool
	for _, m := range history {
		for _, b := range m.Blocks {
			if b.Type == "tool_result" && b.ToolUseID == "call_1" {
				found = true
				if b.Text != "light.kitchen set to off" || b.IsError {
					t.Errorf("replaced block = %+v, want the successful output", b)
				}
			}
		}
	}
	if !found {
		t.Error("no tool_result for call_1 in history after resume")
	}
}

func TestResumeApproved_NotApproved(t *testing.T) {
	control := &fakeTool{name: "control_entity", class: tools.ClassMutating}
	agent, approvals := newTestAgent(t, &scriptedProvider{}, nil, control)

	id, err := approvals.Create("conv-1", "call_1", "control_entity", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = agent.ResumeApproved(context.Background(), id)
	if err == nil || !strings.Contains(err.Error(), "not approved") {
		t.Fatalf("ResumeApproved() error = %v, want not-approved rejection", err)
	}
	if control.callCount() != 0 {
		t.Errorf("tool executed %d times, want 0", control.callCount())
	}
}

func TestResumeApproved_ToolGone(t *testing.T) {
	agent, approvals := newTestAgent(t, &scriptedProvider{}, nil)

	id, err := approvals.Create("conv-1", "call_1", "vanished_tool", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := approvals.Approve(context.Background(), id, "isha"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := agent.ResumeApproved(context.Background(), id); err == nil || !strings.Contains(err.Error(), "no longer available") {
		t.Fatalf("ResumeApproved() error = %v, want tool-gone rejection", err)
	}
}

func TestResumeApproved_PanicContained(t *testing.T) {
	control := &fakeTool{name: "control_entity", class: tools.ClassMutating, run: func(context.Context, *execctx.Context, map[string]any) (*tools.Result, error) {
		panic("wiring fault")
	}}
	agent, approvals := newTestAgent(t, &scriptedProvider{}, nil, control)

	id, _ := approvals.Create("conv-1", "call_1", "control_entity", nil)
	if err := approvals.Approve(context.Background(), id, "isha"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	_, err := agent.ResumeApproved(context.Background(), id)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("ResumeApproved() error = %v, want contained panic", err)
	}
}
