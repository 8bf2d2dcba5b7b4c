// Package dispatch routes parsed tool calls to execution. Read-only and
// analysis calls run inside a child execution context with their own
// progress queue, raced against completion and a per-class deadline.
// Mutating calls never execute here: they are parked with the approval
// manager and answered with a placeholder result. One bad call never
// sinks its batch, and a panicking tool is contained to its own call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/progress"
	"github.com/jkaninda/nyumba/internal/tools"
)

// CallOutcome pairs one parsed call with what dispatch produced for it.
type CallOutcome struct {
	Call       ParsedCall
	Result     *tools.Result
	ApprovalID string // Set when the call was parked for approval.
}

// Outcome aggregates a dispatched batch.
type Outcome struct {
	// Calls holds per-call outcomes in dispatch order.
	Calls []CallOutcome
	// Results maps call id to result for feeding back to the model.
	// Parked calls map to their placeholder.
	Results map[string]*tools.Result
}

// PendingApprovals returns the approval ids created for this batch, in
// call order.
func (o *Outcome) PendingApprovals() []string {
	var ids []string
	for _, c := range o.Calls {
		if c.ApprovalID != "" {
			ids = append(ids, c.ApprovalID)
		}
	}
	return ids
}

// Dispatcher executes tool call batches.
type Dispatcher struct {
	registry  *tools.Registry
	approvals *approval.Manager
	cfg       *config.DispatchConfig
	logger    *slog.Logger
}

// New creates a dispatcher.
func New(registry *tools.Registry, approvals *approval.Manager, cfg *config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		approvals: approvals,
		cfg:       cfg,
		logger:    logger,
	}
}

// Dispatch runs the batch sequentially. Progress events from the running
// call are relayed to emit between completion checks, so long analysis
// calls stay observable.
func (d *Dispatcher) Dispatch(ctx context.Context, ectx *execctx.Context, calls []ParsedCall, emit Emitter) *Outcome {
	if emit == nil {
		emit = discard
	}
	if ectx == nil {
		ectx = execctx.New("", "")
	}

	outcome := newOutcome(len(calls))
	for _, call := range calls {
		tool, parked := d.route(ectx, call, emit, outcome)
		if tool == nil || parked {
			continue
		}
		res := d.runSequential(ctx, ectx, tool, call, emit)
		outcome.add(CallOutcome{Call: call, Result: res})
	}
	return outcome
}

// DispatchParallel runs executable calls concurrently, one goroutine and
// one progress queue per call, with the muxer merging all queues into the
// emitter until every call lands. Mutating calls are parked up front in
// batch order.
func (d *Dispatcher) DispatchParallel(ctx context.Context, ectx *execctx.Context, calls []ParsedCall, emit Emitter) *Outcome {
	if emit == nil {
		emit = discard
	}
	if ectx == nil {
		ectx = execctx.New("", "")
	}

	var emitMu sync.Mutex
	safeEmit := func(ev Event) {
		emitMu.Lock()
		emit(ev)
		emitMu.Unlock()
	}

	results := make([]CallOutcome, len(calls))
	taken := make([]bool, len(calls))
	var queues []*progress.Queue
	var wg sync.WaitGroup
	var active int32

	for i, call := range calls {
		tool := d.registry.Get(call.Name)
		if tool == nil {
			results[i] = d.unavailable(call)
			taken[i] = true
			continue
		}
		if tool.Class() == tools.ClassMutating {
			results[i] = d.park(ectx, call, safeEmit)
			taken[i] = true
			continue
		}

		queue := progress.NewQueue()
		queues = append(queues, queue)
		child := ectx.Child(call.Name, queue)
		taken[i] = true
		wg.Add(1)
		atomic.AddInt32(&active, 1)
		go func(i int, call ParsedCall, tool tools.Tool, child *execctx.Context) {
			defer wg.Done()
			defer atomic.AddInt32(&active, -1)
			safeEmit(Event{Kind: KindToolStart, CallID: call.ID, Tool: call.Name})
			res, errText := d.execute(ctx, child, tool, call, nil)
			safeEmit(Event{Kind: KindToolEnd, CallID: call.ID, Tool: call.Name, Success: res.Success, Error: errText})
			results[i] = CallOutcome{Call: call, Result: res}
		}(i, call, tool, child)
	}

	muxer := progress.NewMuxer(queues, d.cfg.PollInterval())
	muxer.Drain(ctx,
		func() bool { return atomic.LoadInt32(&active) == 0 },
		func(ev progress.Event) { safeEmit(Event{Kind: KindProgress, Progress: &ev}) },
	)
	wg.Wait()

	outcome := newOutcome(len(calls))
	for i := range results {
		if taken[i] {
			outcome.add(results[i])
		}
	}
	return outcome
}

// route resolves the call's tool, parking mutating calls and answering
// unknown ones with a failure result. Returns the tool to execute, or
// nil when the call was already settled.
func (d *Dispatcher) route(ectx *execctx.Context, call ParsedCall, emit Emitter, outcome *Outcome) (tools.Tool, bool) {
	tool := d.registry.Get(call.Name)
	if tool == nil {
		outcome.add(d.unavailable(call))
		return nil, false
	}
	if tool.Class() == tools.ClassMutating {
		outcome.add(d.park(ectx, call, emit))
		return nil, true
	}
	return tool, false
}

// unavailable settles a call whose tool is unknown or disabled.
func (d *Dispatcher) unavailable(call ParsedCall) CallOutcome {
	d.logger.Warn("tool not available", slog.String("tool", call.Name), slog.String("call_id", call.ID))
	return CallOutcome{
		Call: call,
		Result: &tools.Result{
			Output:  fmt.Sprintf("tool %q is not available", call.Name),
			Success: false,
		},
	}
}

// park creates a pending approval for a mutating call and returns the
// placeholder result. The tool is not executed.
func (d *Dispatcher) park(ectx *execctx.Context, call ParsedCall, emit Emitter) CallOutcome {
	id, err := d.approvals.Create(ectx.ConversationID, call.ID, call.Name, call.Params)
	if err != nil {
		d.logger.Error("creating approval",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return CallOutcome{
			Call: call,
			Result: &tools.Result{
				Output:  fmt.Sprintf("could not request approval for %s: %v", call.Name, err),
				Success: false,
			},
		}
	}

	emit(Event{Kind: KindApprovalRequired, CallID: call.ID, Tool: call.Name, ApprovalID: id})

	return CallOutcome{
		Call:       call,
		ApprovalID: id,
		Result: &tools.Result{
			Output: fmt.Sprintf(
				"This action changes the home and needs operator approval before it runs (approval id: %s). It has not been executed.", id),
			Success: false,
			Metadata: map[string]any{
				"approval_id": id,
				"status":      approval.StatusPending.String(),
			},
		},
	}
}

// runSequential executes one call while draining its progress queue
// between completion checks, then makes a final drain pass so nothing
// pushed just before completion is lost.
func (d *Dispatcher) runSequential(ctx context.Context, ectx *execctx.Context, tool tools.Tool, call ParsedCall, emit Emitter) *tools.Result {
	queue := progress.NewQueue()
	child := ectx.Child(call.Name, queue)

	emit(Event{Kind: KindToolStart, CallID: call.ID, Tool: call.Name})
	res, errText := d.execute(ctx, child, tool, call, func() {
		drainQueue(queue, emit)
	})
	drainQueue(queue, emit)
	emit(Event{Kind: KindToolEnd, CallID: call.ID, Tool: call.Name, Success: res.Success, Error: errText})
	return res
}

type callResult struct {
	res *tools.Result
	err error
}

// execute races the tool against its per-class deadline, containing
// panics to the call. onProgress, when non-nil, runs each time the
// child's queue signals; parallel dispatch passes nil because the muxer
// owns draining there.
func (d *Dispatcher) execute(ctx context.Context, child *execctx.Context, tool tools.Tool, call ParsedCall, onProgress func()) (*tools.Result, string) {
	timeout := child.CallTimeout()
	if tool.Class() == tools.ClassAnalysis {
		timeout = child.AnalysisCallTimeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("tool panicked",
					slog.String("tool", call.Name),
					slog.String("call_id", call.ID),
					slog.Any("panic", rec),
				)
				resCh <- callResult{err: fmt.Errorf("internal error: tool %s panicked", call.Name)}
			}
		}()
		res, err := tool.Execute(callCtx, child, call.Params)
		resCh <- callResult{res: res, err: err}
	}()

	var outcome callResult
	received := false
	for !received {
		select {
		case outcome = <-resCh:
			received = true
		case <-callCtx.Done():
			return d.deadlineResult(call, callCtx, timeout)
		case <-waitOrNever(child.Progress, onProgress):
			onProgress()
		}
	}

	switch {
	case outcome.err != nil:
		d.logger.Warn("tool call failed",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("error", outcome.err.Error()),
		)
		return &tools.Result{
			Output:  fmt.Sprintf("error: %v", outcome.err),
			Success: false,
		}, outcome.err.Error()
	case outcome.res == nil:
		return &tools.Result{Output: "tool returned no result", Success: false}, "no result"
	default:
		return outcome.res, ""
	}
}

// deadlineResult settles a call whose context ended before the tool
// returned. The spawned goroutine finishes into its buffered channel.
func (d *Dispatcher) deadlineResult(call ParsedCall, callCtx context.Context, timeout time.Duration) (*tools.Result, string) {
	var text string
	if callCtx.Err() == context.DeadlineExceeded {
		text = fmt.Sprintf("tool call timed out after %v", timeout)
	} else {
		text = "tool call canceled"
	}
	d.logger.Warn("tool call did not complete",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("reason", text),
	)
	return &tools.Result{Output: text, Success: false}, text
}

// waitOrNever returns the queue's wakeup channel when progress relaying
// is active, or nil (blocks forever in select) when it is not.
func waitOrNever(q *progress.Queue, onProgress func()) <-chan struct{} {
	if onProgress == nil {
		return nil
	}
	return q.Wait()
}

// drainQueue relays every queued progress event to the emitter.
func drainQueue(q *progress.Queue, emit Emitter) {
	for {
		ev, ok := q.TryPop()
		if !ok {
			return
		}
		emit(Event{Kind: KindProgress, Progress: &ev})
	}
}

func newOutcome(capacity int) *Outcome {
	return &Outcome{
		Calls:   make([]CallOutcome, 0, capacity),
		Results: make(map[string]*tools.Result, capacity),
	}
}

func (o *Outcome) add(c CallOutcome) {
	o.Calls = append(o.Calls, c)
	if c.Call.ID != "" {
		o.Results[c.Call.ID] = c.Result
	}
}
