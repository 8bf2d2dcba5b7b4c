// Package progress carries out-of-band status events from long-running
// tool calls back to the caller while the call is still in flight.
// Producers push into a Queue owned by the dispatching side; the
// dispatcher drains one queue per call, and the Muxer merges the queues
// of concurrently running calls into a single stream.
package progress

import "time"

// Kind classifies a progress event.
type Kind string

const (
	KindAgentStart Kind = "agent_start"
	KindAgentEnd   Kind = "agent_end"
	KindStatus     Kind = "status"
	KindDelegation Kind = "delegation"
)

// Event is a single out-of-band notification from a running call.
type Event struct {
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id"`
	TargetID  string    `json:"target_id,omitempty"` // delegation target
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStart reports a sub-agent beginning work.
func AgentStart(agentID, message string) Event {
	return Event{Kind: KindAgentStart, AgentID: agentID, Message: message, Timestamp: time.Now()}
}

// AgentEnd reports a sub-agent finishing work.
func AgentEnd(agentID, message string) Event {
	return Event{Kind: KindAgentEnd, AgentID: agentID, Message: message, Timestamp: time.Now()}
}

// Status reports an intermediate step of a running call.
func Status(agentID, message string) Event {
	return Event{Kind: KindStatus, AgentID: agentID, Message: message, Timestamp: time.Now()}
}

// Delegation reports one agent handing a task to another.
func Delegation(agentID, targetID, message string) Event {
	return Event{Kind: KindDelegation, AgentID: agentID, TargetID: targetID, Message: message, Timestamp: time.Now()}
}
