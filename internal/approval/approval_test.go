package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(ttl time.Duration) *Manager {
	return NewManager(ttl, discardLogger())
}

func create(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.Create("conv-1", "call_1", "control_entity", map[string]any{"entity": "light.kitchen", "state": "on"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return id
}

func TestCreateAndGet(t *testing.T) {
	m := newManager(time.Minute)
	id := create(t, m)

	pa, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pa.Status != StatusPending {
		t.Errorf("Status = %v, want pending", pa.Status)
	}
	if pa.ToolName != "control_entity" {
		t.Errorf("ToolName = %q, want control_entity", pa.ToolName)
	}
	if pa.ConversationID != "conv-1" || pa.ToolCallID != "call_1" {
		t.Errorf("resume context = %s/%s, want conv-1/call_1", pa.ConversationID, pa.ToolCallID)
	}
	if !pa.ExpiresAt.After(pa.CreatedAt) {
		t.Error("ExpiresAt not after CreatedAt")
	}
}

func TestGetUnknown(t *testing.T) {
	m := newManager(time.Minute)

	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestApprove(t *testing.T) {
	m := newManager(time.Minute)
	id := create(t, m)

	if err := m.Approve(context.Background(), id, "operator-1"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	pa, _ := m.Get(context.Background(), id)
	if pa.Status != StatusApproved {
		t.Errorf("Status = %v, want approved", pa.Status)
	}
	if pa.ResolvedBy != "operator-1" {
		t.Errorf("ResolvedBy = %q, want operator-1", pa.ResolvedBy)
	}
	if pa.ResolvedAt.IsZero() {
		t.Error("ResolvedAt is zero after approval")
	}
}

func TestDeny(t *testing.T) {
	m := newManager(time.Minute)
	id := create(t, m)

	if err := m.Deny(context.Background(), id, "operator-2"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	pa, _ := m.Get(context.Background(), id)
	if pa.Status != StatusDenied {
		t.Errorf("Status = %v, want denied", pa.Status)
	}
}

func TestDoubleResolve(t *testing.T) {
	m := newManager(time.Minute)
	id := create(t, m)

	if err := m.Approve(context.Background(), id, "op"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := m.Deny(context.Background(), id, "op"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
}

func TestExpiry(t *testing.T) {
	m := newManager(10 * time.Millisecond)
	id := create(t, m)

	time.Sleep(25 * time.Millisecond)

	if err := m.Approve(context.Background(), id, "op"); !errors.Is(err, ErrExpired) {
		t.Errorf("Approve() after TTL error = %v, want ErrExpired", err)
	}
	pa, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pa.Status != StatusExpired {
		t.Errorf("Status = %v, want expired", pa.Status)
	}
}

func TestListPending(t *testing.T) {
	m := newManager(time.Minute)
	first := create(t, m)
	second, err := m.Create("conv-2", "call_2", "control_entity", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Approve(context.Background(), second, "op"); err != nil {
		t.Fatal(err)
	}

	pending := m.ListPending(context.Background())
	if len(pending) != 1 {
		t.Fatalf("ListPending() returned %d, want 1", len(pending))
	}
	if pending[0].ID != first {
		t.Errorf("pending id = %q, want %q", pending[0].ID, first)
	}
}

func TestCleanup(t *testing.T) {
	m := newManager(10 * time.Millisecond)
	id := create(t, m)

	// Past expiry plus one full TTL: cleanup should drop the entry.
	time.Sleep(30 * time.Millisecond)
	m.Cleanup(context.Background())

	if _, err := m.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after cleanup error = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := newManager(time.Minute)
	id := create(t, m)

	pa, _ := m.Get(context.Background(), id)
	pa.Status = StatusDenied

	again, _ := m.Get(context.Background(), id)
	if again.Status != StatusPending {
		t.Errorf("Status = %v after caller mutation, want pending", again.Status)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "pending"},
		{StatusApproved, "approved"},
		{StatusDenied, "denied"},
		{StatusExpired, "expired"},
		{Status(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}
