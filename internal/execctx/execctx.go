// Package execctx carries per-request execution state down the dispatch
// chain as an explicit parameter. One Context is created per top-level
// request; nested calls derive children that share the communication log,
// the team analysis handle, and the persistence callback by reference,
// while swapping in their own progress queue. Because children are copies,
// the parent context is untouched when a nested call returns.
package execctx

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/nyumba/internal/progress"
)

const (
	defaultCallTimeout     = 30 * time.Second
	defaultAnalysisTimeout = 3 * time.Minute
)

// SessionFunc yields a request-scoped persistence handle.
type SessionFunc func(ctx context.Context) (*gorm.DB, error)

// Context is the per-request execution state. Pointer fields are shared
// across the request's derived children; value fields are per-child.
type Context struct {
	ConversationID string
	TaskLabel      string

	// Progress is the sink for out-of-band events from this call.
	// Nil means no consumer; pushes are discarded.
	Progress *progress.Queue

	// AcquireSession yields a database session for tools that persist.
	// Nil means persistence is unavailable in this request.
	AcquireSession SessionFunc

	// Timeout defaults for dispatched calls. Zero falls back to package
	// defaults via the accessors.
	ToolTimeout     time.Duration
	AnalysisTimeout time.Duration

	comm     *CommLog
	analysis *analysisHolder
}

// New creates the root context for a top-level request.
func New(conversationID, taskLabel string) *Context {
	return &Context{
		ConversationID: conversationID,
		TaskLabel:      taskLabel,
		comm:           NewCommLog(),
		analysis:       &analysisHolder{},
	}
}

// Child derives a context for a nested call. The given task label replaces
// the parent's (empty keeps it); the progress queue is replaced so the
// caller can drain the child's events independently. Everything shared by
// reference (comm log, team analysis, session callback) stays shared.
func (c *Context) Child(taskLabel string, queue *progress.Queue) *Context {
	child := *c
	if taskLabel != "" {
		child.TaskLabel = taskLabel
	}
	child.Progress = queue
	return &child
}

// CallTimeout returns the per-call deadline with a 30s default.
func (c *Context) CallTimeout() time.Duration {
	if c != nil && c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return defaultCallTimeout
}

// AnalysisCallTimeout returns the deadline for analysis-class calls with
// a 3m default. Analysis scripts routinely outlive ordinary tool calls.
func (c *Context) AnalysisCallTimeout() time.Duration {
	if c != nil && c.AnalysisTimeout > 0 {
		return c.AnalysisTimeout
	}
	return defaultAnalysisTimeout
}

// Comm returns the shared communication log, never nil for a context
// built with New.
func (c *Context) Comm() *CommLog {
	if c == nil {
		return nil
	}
	return c.comm
}

// TeamAnalysis returns the shared analysis handle, or nil when no
// analysis has started in this request.
func (c *Context) TeamAnalysis() *TeamAnalysis {
	if c == nil || c.analysis == nil {
		return nil
	}
	c.analysis.mu.Lock()
	defer c.analysis.mu.Unlock()
	return c.analysis.ta
}

// EnsureTeamAnalysis returns the shared analysis handle, creating it on
// first use. Concurrent callers observe the same handle; the report id of
// the first caller wins.
func (c *Context) EnsureTeamAnalysis(reportID string) *TeamAnalysis {
	if c == nil || c.analysis == nil {
		return nil
	}
	c.analysis.mu.Lock()
	defer c.analysis.mu.Unlock()
	if c.analysis.ta == nil {
		c.analysis.ta = NewTeamAnalysis(reportID)
	}
	return c.analysis.ta
}

type analysisHolder struct {
	mu sync.Mutex
	ta *TeamAnalysis
}

// CommLog is an ordered, append-only record of inter-agent messages.
// Multiple specialists append concurrently during a team analysis.
type CommLog struct {
	mu      sync.Mutex
	entries []CommEntry
}

// CommEntry is one inter-agent message.
type CommEntry struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NewCommLog creates an empty communication log.
func NewCommLog() *CommLog {
	return &CommLog{}
}

// Append records a message. Safe under concurrent writers.
func (l *CommLog) Append(from, to, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, CommEntry{From: from, To: to, Message: message, At: time.Now()})
}

// Entries returns a snapshot copy in append order.
func (l *CommLog) Entries() []CommEntry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CommEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded messages.
func (l *CommLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// TeamAnalysis accumulates findings from specialist sub-agents working on
// the same request. Artifacts produced during the analysis are stored
// under its report id.
type TeamAnalysis struct {
	reportID string

	mu       sync.Mutex
	findings []Finding
}

// Finding is one specialist's contribution to the analysis.
type Finding struct {
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Artifacts []string  `json:"artifacts,omitempty"`
	At        time.Time `json:"at"`
}

// NewTeamAnalysis creates an analysis handle bound to a report id.
func NewTeamAnalysis(reportID string) *TeamAnalysis {
	return &TeamAnalysis{reportID: reportID}
}

// ReportID returns the report this analysis stores artifacts under.
func (t *TeamAnalysis) ReportID() string {
	if t == nil {
		return ""
	}
	return t.reportID
}

// AddFinding records a specialist's result. Safe under concurrent writers.
func (t *TeamAnalysis) AddFinding(agent, summary string, artifacts ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.findings = append(t.findings, Finding{
		Agent:     agent,
		Summary:   summary,
		Artifacts: artifacts,
		At:        time.Now(),
	})
}

// Findings returns a snapshot copy in contribution order.
func (t *TeamAnalysis) Findings() []Finding {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Finding, len(t.findings))
	copy(out, t.findings)
	return out
}
