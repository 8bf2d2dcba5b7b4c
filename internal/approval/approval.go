// Package approval implements the in-memory approval workflow for
// mutating tool calls: the dispatcher parks the call here, an operator
// approves or denies it, and the agent resumes approved calls.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Pending stores the full context needed to resume a tool call after an
// operator signs off.
type Pending struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ToolCallID     string         `json:"tool_call_id"` // Model-assigned call id; its placeholder result gets replaced on resume.
	ToolName       string         `json:"tool_name"`
	Params         map[string]any `json:"params"`
	Status         Status         `json:"-"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolvedAt     time.Time      `json:"resolved_at,omitzero"`
}

// Manager stores pending approvals in memory. Thread-safe; entries expire
// after the configured TTL.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	logger  *slog.Logger
}

// NewManager creates an approval manager with the given TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		logger:  logger,
	}
}

// Create parks a mutating tool call and returns its approval id.
func (m *Manager) Create(conversationID, toolCallID, toolName string, params map[string]any) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval id: %w", err)
	}

	now := time.Now().UTC()
	pa := &Pending{
		ID:             id,
		ConversationID: conversationID,
		ToolCallID:     toolCallID,
		ToolName:       toolName,
		Params:         params,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}

	m.mu.Lock()
	m.pending[id] = pa
	m.mu.Unlock()

	m.logger.Info("approval created",
		slog.String("approval_id", id),
		slog.String("conversation_id", conversationID),
		slog.String("tool", toolName),
	)

	return id, nil
}

// Approve marks a pending approval as approved by the given operator.
func (m *Manager) Approve(_ context.Context, id, operator string) error {
	return m.resolve(id, operator, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(_ context.Context, id, operator string) error {
	return m.resolve(id, operator, StatusDenied)
}

func (m *Manager) resolve(id, operator string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}

	if time.Now().UTC().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
		return ErrExpired
	}

	if pa.Status != StatusPending {
		return ErrAlreadyResolved
	}

	pa.Status = status
	pa.ResolvedBy = operator
	pa.ResolvedAt = time.Now().UTC()

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("operator", operator),
		slog.String("status", status.String()),
		slog.String("tool", pa.ToolName),
	)

	return nil
}

// Get retrieves an approval by id. A pending entry past its TTL flips to
// expired on access.
func (m *Manager) Get(_ context.Context, id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}

	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}

	snapshot := *pa
	return &snapshot, nil
}

// ListPending returns unexpired pending approvals, oldest first.
func (m *Manager) ListPending(_ context.Context) []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []*Pending
	for _, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
		}
		if pa.Status != StatusPending {
			continue
		}
		snapshot := *pa
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup expires overdue entries and drops anything resolved or expired
// more than one TTL past its deadline.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
		}
		if pa.Status != StatusPending && now.After(pa.ExpiresAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
}

// StartCleanup runs Cleanup on the given interval until the returned stop
// function is called or the context ends.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
