package storage

import "time"

// ReportModel maps to the "reports" table.
type ReportModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Artifacts      []ArtifactModel `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

func (ReportModel) TableName() string { return "reports" }

// ArtifactModel maps to the "artifacts" table. One row per validated
// file; report id plus filename is unique, matching the on-disk layout.
type ArtifactModel struct {
	ID        uint   `gorm:"primaryKey"`
	ReportID  string `gorm:"size:64;not null;uniqueIndex:idx_artifact_report_file"`
	Filename  string `gorm:"size:255;not null;uniqueIndex:idx_artifact_report_file"`
	MediaType string `gorm:"size:64"`
	SizeBytes int64
	CreatedAt time.Time
}

func (ArtifactModel) TableName() string { return "artifacts" }

// RunModel maps to the "sandbox_runs" table.
type RunModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ReportID       string `gorm:"index;size:64"`
	ConversationID string `gorm:"index;size:64"`
	Policy         string `gorm:"size:32"`
	Image          string `gorm:"size:255"`
	Sandboxed      bool
	Success        bool
	TimedOut       bool
	ExitCode       int
	DurationMS     int64
	CreatedAt      time.Time `gorm:"index"`
}

func (RunModel) TableName() string { return "sandbox_runs" }

// DecisionModel maps to the "approval_decisions" table.
type DecisionModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	ToolCallID     string `gorm:"size:64"`
	ToolName       string `gorm:"size:128;not null"`
	Params         string `gorm:"type:text"`
	Status         string `gorm:"size:16;index;not null"`
	ResolvedBy     string `gorm:"size:128"`
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

func (DecisionModel) TableName() string { return "approval_decisions" }

// EntityStateModel maps to the "entity_states" table. Appended by the
// home provider's recorder; read back by the history tool and the
// States sub-store.
type EntityStateModel struct {
	ID         uint   `gorm:"primaryKey"`
	EntityID   string `gorm:"size:128;not null;index:idx_state_entity_time,priority:1"`
	Domain     string `gorm:"size:32;index"`
	State      string `gorm:"size:255"`
	Attributes string `gorm:"type:text"`
	RecordedAt time.Time `gorm:"index:idx_state_entity_time,priority:2"`
}

func (EntityStateModel) TableName() string { return "entity_states" }

// ConversationModel maps to the "conversations" table.
type ConversationModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

// MessageModel maps to the "messages" table. Blocks holds the message's
// content blocks as JSON; Seq orders messages within a conversation.
type MessageModel struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"size:64;not null;uniqueIndex:idx_message_conv_seq"`
	Seq            int    `gorm:"not null;uniqueIndex:idx_message_conv_seq"`
	Role           string `gorm:"size:16;not null"`
	Blocks         string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (MessageModel) TableName() string { return "messages" }
