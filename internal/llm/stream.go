package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Fragment is one raw model-stream delta: optional text content and/or
// incremental tool-call chunks, exactly as the backend emitted them.
type Fragment struct {
	Content        string
	ToolCallChunks []ToolCallChunk
}

// ToolCallChunk is an incremental piece of one tool call. Index ties
// chunks of the same call together; Name and ID arrive on the first chunk
// for most backends, ArgsDelta accumulates across all of them.
type ToolCallChunk struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// StreamingProvider extends Provider with true streaming. StreamMessage
// writes raw fragments to the channel and closes it when the stream ends,
// whether normally or with an error. Usage is reported only when the
// backend sent it.
type StreamingProvider interface {
	Provider
	StreamMessage(ctx context.Context, req *Request, fragments chan<- Fragment) (*Usage, error)
}

// AsStreaming returns p itself when it streams natively, or wraps it so
// the whole response is delivered as buffered fragments.
func AsStreaming(p Provider) StreamingProvider {
	if sp, ok := p.(StreamingProvider); ok {
		return sp
	}
	return &NonStreamingAdapter{Provider: p}
}

// NonStreamingAdapter makes a buffered Provider usable where a
// StreamingProvider is required.
type NonStreamingAdapter struct {
	Provider
}

// StreamMessage calls SendMessage and replays the response as fragments:
// one text fragment, then one fragment per tool_use block carrying a
// single complete chunk.
func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, fragments chan<- Fragment) (*Usage, error) {
	defer close(fragments)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	if text := resp.Text(); text != "" {
		select {
		case fragments <- Fragment{Content: text}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for i, block := range resp.ToolUses() {
		args, _ := json.Marshal(block.Input)
		frag := Fragment{ToolCallChunks: []ToolCallChunk{{
			Index:     i,
			ID:        block.ID,
			Name:      block.Name,
			ArgsDelta: string(args),
		}}}
		select {
		case fragments <- frag:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	usage := resp.Usage
	return &usage, nil
}

// BufferedCall is one fully-accumulated tool call: the raw argument text
// is still unparsed, that is the parser's job.
type BufferedCall struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// CallBuffer merges tool-call chunks by index across the stream.
type CallBuffer struct {
	calls map[int]*callState
	order []int
}

type callState struct {
	id   string
	name string
	args strings.Builder
}

// Merge folds one chunk into the buffer. Name and ID stick once seen;
// argument deltas are concatenated as raw text.
func (b *CallBuffer) Merge(chunk ToolCallChunk) {
	if b.calls == nil {
		b.calls = make(map[int]*callState)
	}
	st, ok := b.calls[chunk.Index]
	if !ok {
		st = &callState{}
		b.calls[chunk.Index] = st
		b.order = append(b.order, chunk.Index)
	}
	if chunk.ID != "" {
		st.id = chunk.ID
	}
	if chunk.Name != "" {
		st.name = chunk.Name
	}
	st.args.WriteString(chunk.ArgsDelta)
}

// Len returns the number of distinct calls buffered so far.
func (b *CallBuffer) Len() int {
	return len(b.order)
}

// Calls returns the accumulated calls in the order their indexes first
// appeared in the stream.
func (b *CallBuffer) Calls() []BufferedCall {
	out := make([]BufferedCall, 0, len(b.order))
	for _, idx := range b.order {
		st := b.calls[idx]
		out = append(out, BufferedCall{Index: idx, ID: st.id, Name: st.name, Args: st.args.String()})
	}
	return out
}

// Accumulated is the outcome of consuming one full stream: the visible
// text, and the raw tool-call buffer ready for parsing.
type Accumulated struct {
	Text  string
	Calls []BufferedCall
}

// Consumer turns raw fragments into immediate token events plus a final
// accumulation.
//
// A fragment carrying tool-call chunks has its text suppressed entirely:
// some backends leak partial argument JSON alongside tool calls, and that
// leakage is neither a token nor part of the final text.
type Consumer struct {
	logger *slog.Logger
	text   strings.Builder
	buffer CallBuffer
}

// NewConsumer creates a stream consumer.
func NewConsumer(logger *slog.Logger) *Consumer {
	return &Consumer{logger: logger}
}

// Feed processes one fragment. The returned token, when ok, must be
// surfaced immediately; it is already part of the final accumulation.
func (c *Consumer) Feed(f Fragment) (string, bool) {
	if len(f.ToolCallChunks) > 0 {
		for _, chunk := range f.ToolCallChunks {
			c.buffer.Merge(chunk)
		}
		if f.Content != "" && c.logger != nil {
			c.logger.Debug("suppressing text co-located with tool-call chunks",
				slog.Int("bytes", len(f.Content)),
			)
		}
		return "", false
	}
	if f.Content == "" {
		return "", false
	}
	c.text.WriteString(f.Content)
	return f.Content, true
}

// Finish returns the accumulation of everything fed so far.
func (c *Consumer) Finish() *Accumulated {
	return &Accumulated{Text: c.text.String(), Calls: c.buffer.Calls()}
}

// Consume drains the fragment channel, invoking onToken for every
// immediate token, and returns the final accumulation once the channel
// closes. Cancellation returns what was accumulated so far with the
// context error.
func (c *Consumer) Consume(ctx context.Context, fragments <-chan Fragment, onToken func(string)) (*Accumulated, error) {
	for {
		select {
		case <-ctx.Done():
			return c.Finish(), ctx.Err()
		case f, ok := <-fragments:
			if !ok {
				return c.Finish(), nil
			}
			if token, yield := c.Feed(f); yield && onToken != nil {
				onToken(token)
			}
		}
	}
}
