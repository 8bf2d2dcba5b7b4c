package dispatch

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/jkaninda/nyumba/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCalls(t *testing.T) {
	calls := []llm.BufferedCall{
		{Index: 0, ID: "call_1", Name: "get_entity_state", Args: `{"entity":"light.kitchen"}`},
		{Index: 1, ID: "call_2", Name: "list_entities", Args: ""},
	}

	parsed := ParseCalls(calls, discardLogger())
	if len(parsed) != 2 {
		t.Fatalf("ParseCalls() returned %d calls, want 2", len(parsed))
	}
	want := ParsedCall{ID: "call_1", Name: "get_entity_state", Params: map[string]any{"entity": "light.kitchen"}}
	if !reflect.DeepEqual(parsed[0], want) {
		t.Errorf("parsed[0] = %+v, want %+v", parsed[0], want)
	}
	// Empty arguments mean a tool with no parameters.
	if parsed[1].Params == nil || len(parsed[1].Params) != 0 {
		t.Errorf("parsed[1].Params = %v, want empty map", parsed[1].Params)
	}
}

func TestParseCallsDropsBadKeepsGood(t *testing.T) {
	calls := []llm.BufferedCall{
		{Index: 0, ID: "call_1", Name: "", Args: `{}`},                          // no name
		{Index: 1, ID: "", Name: "get_entity_state", Args: `{}`},                // no id
		{Index: 2, ID: "call_3", Name: "get_entity_state", Args: `{"entity":`}, // truncated JSON
		{Index: 3, ID: "call_4", Name: "list_entities", Args: `[1,2]`},          // not an object
		{Index: 4, ID: "call_5", Name: "get_entity_state", Args: `{"entity":"light.porch"}`},
	}

	parsed := ParseCalls(calls, discardLogger())
	if len(parsed) != 1 {
		t.Fatalf("ParseCalls() returned %d calls, want 1 survivor", len(parsed))
	}
	if parsed[0].ID != "call_5" {
		t.Errorf("survivor = %q, want call_5", parsed[0].ID)
	}
}

func TestParseCallsOrderPreserved(t *testing.T) {
	calls := []llm.BufferedCall{
		{Index: 2, ID: "call_b", Name: "tool_b", Args: `{}`},
		{Index: 0, ID: "call_a", Name: "tool_a", Args: `{}`},
		{Index: 1, ID: "call_c", Name: "tool_c", Args: `{}`},
	}

	parsed := ParseCalls(calls, discardLogger())
	got := []string{parsed[0].ID, parsed[1].ID, parsed[2].ID}
	want := []string{"call_b", "call_a", "call_c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want input order %v", got, want)
	}
}

func TestParseCallsAllBad(t *testing.T) {
	calls := []llm.BufferedCall{
		{ID: "call_1", Name: "", Args: `{}`},
		{ID: "call_2", Name: "x", Args: `not json`},
	}

	parsed := ParseCalls(calls, discardLogger())
	if len(parsed) != 0 {
		t.Errorf("ParseCalls() returned %d calls, want 0", len(parsed))
	}
}

func TestParseCallsNullArgs(t *testing.T) {
	calls := []llm.BufferedCall{
		{ID: "call_1", Name: "list_entities", Args: `null`},
	}

	parsed := ParseCalls(calls, discardLogger())
	if len(parsed) != 1 {
		t.Fatalf("ParseCalls() returned %d calls, want 1", len(parsed))
	}
	if parsed[0].Params == nil {
		t.Error("Params = nil, want empty map for JSON null")
	}
}
