package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nyumba/internal/llm"
	"github.com/jkaninda/nyumba/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.StreamingProvider with metrics, tracing,
// and anomaly detection. It implements StreamingProvider itself so wrapping
// does not demote a native streaming provider to buffered delivery.
type InstrumentedProvider struct {
	inner   llm.StreamingProvider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.StreamingProvider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	var usage *llm.Usage
	if resp != nil {
		usage = &resp.Usage
	}
	p.record(ctx, provider, duration, usage, err)
	return resp, err
}

func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request, fragments chan<- llm.Fragment) (*llm.Usage, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.stream_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	usage, err := p.inner.StreamMessage(ctx, req, fragments)
	duration := time.Since(start).Seconds()

	p.record(ctx, provider, duration, usage, err)
	return usage, err
}

func (p *InstrumentedProvider) record(ctx context.Context, provider string, duration float64, usage *llm.Usage, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, "", status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, "").Observe(duration)

		if usage != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "", "input").Add(float64(usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "", "output").Add(float64(usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.ScriptRunner with metrics, tracing,
// and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.ScriptRunner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a script runner with observability.
func NewInstrumentedRunner(inner sandbox.ScriptRunner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	policy := ""
	if req.Policy != nil {
		policy = req.Policy.Name
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.policy", policy),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.TimedOut:
		status = "timeout"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.SandboxRunsTotal.WithLabelValues(policy, status).Inc()
		r.metrics.SandboxRunDuration.WithLabelValues(policy).Observe(duration)
	}

	if r.anomaly != nil {
		if err != nil {
			r.anomaly.RecordError("sandbox_run")
		} else {
			r.anomaly.RecordSuccess("sandbox_run")
		}
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ llm.StreamingProvider = (*InstrumentedProvider)(nil)
	_ sandbox.ScriptRunner  = (*InstrumentedRunner)(nil)
)
