// Package home models the smart-home entities the agent reads and, after
// approval, mutates. The in-memory provider stands in for a real
// home-automation backend and can be seeded from a YAML inventory.
package home

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEntityNotFound is returned for lookups of unknown entity ids.
var ErrEntityNotFound = errors.New("entity not found")

// Entity is one controllable or observable device/sensor.
type Entity struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Domain     string         `json:"domain" yaml:"domain"`
	State      string         `json:"state" yaml:"state"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"-"`
}

// Provider is the home-state backend the tools talk to.
type Provider interface {
	// Get returns the entity with the given id.
	Get(ctx context.Context, id string) (Entity, error)
	// List returns entities, filtered by domain when non-empty, sorted by id.
	List(ctx context.Context, domain string) ([]Entity, error)
	// SetState updates an entity's state and merges the given attributes,
	// returning the updated entity.
	SetState(ctx context.Context, id, state string, attributes map[string]any) (Entity, error)
}

// Recorder receives every committed state change, so queries over history
// have data to read.
type Recorder interface {
	RecordEntityState(ctx context.Context, e Entity) error
}

// MemoryProvider is a concurrency-safe in-memory Provider.
type MemoryProvider struct {
	mu       sync.RWMutex
	entities map[string]Entity
	recorder Recorder
	logger   *slog.Logger
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(logger *slog.Logger) *MemoryProvider {
	return &MemoryProvider{
		entities: make(map[string]Entity),
		logger:   logger,
	}
}

// SetRecorder installs the state-change recorder. A failing recorder
// never rolls back a change; the write is logged and lost to history.
func (p *MemoryProvider) SetRecorder(r Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// Seed inserts or replaces entities. The domain is derived from the id
// prefix when absent ("light.kitchen" belongs to "light").
func (p *MemoryProvider) Seed(entities ...Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, e := range entities {
		if e.Domain == "" {
			e.Domain = domainOf(e.ID)
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		p.entities[e.ID] = e
	}
}

// seedFile is the YAML inventory layout.
type seedFile struct {
	Entities []Entity `yaml:"entities"`
}

// LoadSeed seeds the provider from a YAML inventory file.
func (p *MemoryProvider) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading entity seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing entity seed: %w", err)
	}
	p.Seed(seed.Entities...)
	p.logger.Info("entity inventory loaded",
		slog.String("path", path),
		slog.Int("entities", len(seed.Entities)),
	)
	return nil
}

// Get returns the entity with the given id.
func (p *MemoryProvider) Get(_ context.Context, id string) (Entity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%q: %w", id, ErrEntityNotFound)
	}
	return cloneEntity(e), nil
}

// List returns entities sorted by id, filtered by domain when non-empty.
func (p *MemoryProvider) List(_ context.Context, domain string) ([]Entity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entity, 0, len(p.entities))
	for _, e := range p.entities {
		if domain != "" && e.Domain != domain {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetState updates an entity's state, merges attributes, stamps the
// update time and records the change.
func (p *MemoryProvider) SetState(ctx context.Context, id, state string, attributes map[string]any) (Entity, error) {
	p.mu.Lock()
	e, ok := p.entities[id]
	if !ok {
		p.mu.Unlock()
		return Entity{}, fmt.Errorf("%q: %w", id, ErrEntityNotFound)
	}
	e.State = state
	if len(attributes) > 0 {
		merged := make(map[string]any, len(e.Attributes)+len(attributes))
		for k, v := range e.Attributes {
			merged[k] = v
		}
		for k, v := range attributes {
			merged[k] = v
		}
		e.Attributes = merged
	}
	e.UpdatedAt = time.Now()
	p.entities[id] = e
	recorder := p.recorder
	p.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordEntityState(ctx, e); err != nil {
			p.logger.Warn("recording entity state change",
				slog.String("entity", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return cloneEntity(e), nil
}

func domainOf(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return ""
}

// cloneEntity copies the attribute map so callers cannot mutate stored
// state through the returned value.
func cloneEntity(e Entity) Entity {
	if e.Attributes != nil {
		attrs := make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		e.Attributes = attrs
	}
	return e
}
