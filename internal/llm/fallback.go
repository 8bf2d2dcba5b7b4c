package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackProvider wraps multiple providers and tries them in order until
// one succeeds or all have failed.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each backend in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{providers: providers, logger: logger}
}

// SendMessage tries each provider in order, returning the first
// successful response.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// StreamMessage streams from the first provider that produces output.
// Fallback only happens while nothing has been forwarded yet: once a
// fragment reached the caller an error is final, since tokens cannot be
// unsent.
func (f *FallbackProvider) StreamMessage(ctx context.Context, req *Request, fragments chan<- Fragment) (*Usage, error) {
	defer close(fragments)

	var lastErr error
	for i, p := range f.providers {
		inner := make(chan Fragment, 16)
		forwarded := 0
		done := make(chan struct{})
		go func() {
			defer close(done)
			for frag := range inner {
				fragments <- frag
				forwarded++
			}
		}()

		usage, err := AsStreaming(p).StreamMessage(ctx, req, inner)
		<-done
		if err == nil {
			return usage, nil
		}
		lastErr = err
		if forwarded > 0 {
			return nil, fmt.Errorf("provider %s failed mid-stream: %w", p.Name(), err)
		}
		f.logger.WarnContext(ctx, "provider failed before streaming, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
