package dispatch

import (
	"github.com/jkaninda/nyumba/internal/progress"
)

// EventKind classifies an item in the live feed of an agent turn.
type EventKind string

const (
	// KindToken is a streamed text token from the model.
	KindToken EventKind = "token"
	// KindToolStart marks a tool call beginning execution.
	KindToolStart EventKind = "tool_start"
	// KindToolEnd marks a tool call finishing, successfully or not.
	KindToolEnd EventKind = "tool_end"
	// KindApprovalRequired marks a mutating call parked for sign-off.
	KindApprovalRequired EventKind = "approval_required"
	// KindProgress relays an out-of-band event from a running call.
	KindProgress EventKind = "progress"
	// KindError reports a failed turn. Emitted by transports relaying a
	// feed to clients, never by the dispatcher itself.
	KindError EventKind = "error"
	// KindDone closes a turn's feed.
	KindDone EventKind = "done"
)

// Event is one item in the live feed. Only the fields relevant to its
// Kind are set.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Token      string          `json:"token,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Progress   *progress.Event `json:"progress,omitempty"`
}

// Emitter receives feed events. Implementations must tolerate concurrent
// calls when used with DispatchParallel.
type Emitter func(Event)

// discard is the no-op emitter used when the caller passes nil.
func discard(Event) {}
