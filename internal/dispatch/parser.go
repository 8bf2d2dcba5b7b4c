package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/jkaninda/nyumba/internal/llm"
)

// ParsedCall is one well-formed tool invocation ready for dispatch.
type ParsedCall struct {
	ID     string
	Name   string
	Params map[string]any
}

// ParseCalls converts buffered tool calls into dispatchable ones. A call
// missing its name or id, or carrying arguments that are not a JSON
// object, is dropped with a log line; the rest of the batch survives.
// Order is preserved. ParseCalls never fails: the worst input yields an
// empty batch.
func ParseCalls(calls []llm.BufferedCall, logger *slog.Logger) []ParsedCall {
	parsed := make([]ParsedCall, 0, len(calls))
	for _, call := range calls {
		if call.Name == "" {
			logger.Warn("dropping tool call with empty name",
				slog.Int("index", call.Index),
				slog.String("id", call.ID),
			)
			continue
		}
		if call.ID == "" {
			// Without the model's call id there is nothing to attach the
			// result to.
			logger.Warn("dropping tool call with empty id",
				slog.Int("index", call.Index),
				slog.String("tool", call.Name),
			)
			continue
		}

		params, err := parseArgs(call.Args)
		if err != nil {
			logger.Warn("dropping tool call with malformed arguments",
				slog.String("tool", call.Name),
				slog.String("id", call.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		parsed = append(parsed, ParsedCall{ID: call.ID, Name: call.Name, Params: params})
	}
	return parsed
}

// parseArgs decodes an arguments string. Empty input means a tool with no
// parameters, not an error.
func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
