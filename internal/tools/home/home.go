// Package home exposes the smart-home entity tools. Reading state is
// immediate; control_entity mutates the home and therefore only runs
// after an operator approves it.
package home

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/home"
	"github.com/jkaninda/nyumba/internal/tools"
)

// Register adds the entity tools to the registry.
func Register(reg *tools.Registry, provider home.Provider, logger *slog.Logger) {
	reg.Register(NewStateTool(provider, logger))
	reg.Register(NewListTool(provider, logger))
	reg.Register(NewControlTool(provider, logger))
}

// StateTool reads the current state of a single entity.
type StateTool struct {
	provider home.Provider
	logger   *slog.Logger
}

var _ tools.Tool = (*StateTool)(nil)

// NewStateTool creates the get_entity_state tool.
func NewStateTool(provider home.Provider, logger *slog.Logger) *StateTool {
	return &StateTool{provider: provider, logger: logger}
}

func (t *StateTool) Name() string { return "get_entity_state" }

func (t *StateTool) Description() string {
	return "Get the current state and attributes of a smart-home entity by its id, for example light.kitchen or sensor.hall_temp."
}

func (t *StateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entity": map[string]any{
				"type":        "string",
				"description": "Entity id, such as light.kitchen",
			},
		},
		"required": []string{"entity"},
	}
}

func (t *StateTool) Class() tools.Class { return tools.ClassReadOnly }

func (t *StateTool) Execute(ctx context.Context, _ *execctx.Context, params map[string]any) (*tools.Result, error) {
	id, err := tools.RequireString(params, "entity")
	if err != nil {
		return nil, err
	}
	e, err := t.provider.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding entity: %w", err)
	}
	return &tools.Result{
		Output:  string(out),
		Success: true,
		Metadata: map[string]any{
			"entity": e.ID,
			"state":  e.State,
		},
	}, nil
}

// ListTool enumerates known entities, optionally filtered by domain.
type ListTool struct {
	provider home.Provider
	logger   *slog.Logger
}

var _ tools.Tool = (*ListTool)(nil)

// NewListTool creates the list_entities tool.
func NewListTool(provider home.Provider, logger *slog.Logger) *ListTool {
	return &ListTool{provider: provider, logger: logger}
}

func (t *ListTool) Name() string { return "list_entities" }

func (t *ListTool) Description() string {
	return "List smart-home entities with their current states. Optionally filter by domain, such as light, sensor or climate."
}

func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"domain": map[string]any{
				"type":        "string",
				"description": "Optional domain filter, such as light",
			},
		},
	}
}

func (t *ListTool) Class() tools.Class { return tools.ClassReadOnly }

func (t *ListTool) Execute(ctx context.Context, _ *execctx.Context, params map[string]any) (*tools.Result, error) {
	domain := tools.OptionalString(params, "domain", "")
	entities, err := t.provider.List(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return &tools.Result{
			Output:   "no entities found",
			Success:  true,
			Metadata: map[string]any{"count": 0},
		}, nil
	}
	out, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding entities: %w", err)
	}
	return &tools.Result{
		Output:  string(out),
		Success: true,
		Metadata: map[string]any{
			"count": len(entities),
		},
	}, nil
}

// ControlTool changes an entity's state. It is classified mutating, so
// the dispatcher never executes it directly; it runs on approved resume.
type ControlTool struct {
	provider home.Provider
	logger   *slog.Logger
}

var _ tools.Tool = (*ControlTool)(nil)

// NewControlTool creates the control_entity tool.
func NewControlTool(provider home.Provider, logger *slog.Logger) *ControlTool {
	return &ControlTool{provider: provider, logger: logger}
}

func (t *ControlTool) Name() string { return "control_entity" }

func (t *ControlTool) Description() string {
	return "Change the state of a smart-home entity, for example turning a light on or setting a thermostat target. Requires operator approval before it runs."
}

func (t *ControlTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entity": map[string]any{
				"type":        "string",
				"description": "Entity id, such as light.kitchen",
			},
			"state": map[string]any{
				"type":        "string",
				"description": "Target state, such as on, off or locked",
			},
			"attributes": map[string]any{
				"type":        "object",
				"description": "Optional attributes to set alongside the state, such as brightness",
			},
		},
		"required": []string{"entity", "state"},
	}
}

func (t *ControlTool) Class() tools.Class { return tools.ClassMutating }

func (t *ControlTool) Execute(ctx context.Context, _ *execctx.Context, params map[string]any) (*tools.Result, error) {
	id, err := tools.RequireString(params, "entity")
	if err != nil {
		return nil, err
	}
	state, err := tools.RequireString(params, "state")
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if raw, ok := params["attributes"]; ok && raw != nil {
		attrs, ok = raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter attributes must be an object")
		}
	}

	e, err := t.provider.SetState(ctx, id, state, attrs)
	if err != nil {
		return nil, err
	}
	t.logger.Info("entity state changed",
		slog.String("entity", e.ID),
		slog.String("state", e.State),
	)
	return &tools.Result{
		Output:  fmt.Sprintf("%s set to %s", e.ID, e.State),
		Success: true,
		Metadata: map[string]any{
			"entity": e.ID,
			"state":  e.State,
		},
	}, nil
}
