// Package storage persists reports, sandbox runs, approval decisions,
// entity-state history, and conversations behind one Store interface.
// Two backends share the same GORM models and repositories: SQLite
// (default, pure Go, zero config) and PostgreSQL. All GORM usage stays
// inside this package; domain types remain ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/home"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Report is one analysis report: the database side of an artifact
// directory on disk.
type Report struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ArtifactCount  int       `json:"artifact_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Artifact is one validated file attached to a report.
type Artifact struct {
	ReportID  string    `json:"report_id"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the audit row for one sandbox execution.
type Run struct {
	ID             string        `json:"id"`
	ReportID       string        `json:"report_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Policy         string        `json:"policy"`
	Image          string        `json:"image,omitempty"`
	Sandboxed      bool          `json:"sandboxed"`
	Success        bool          `json:"success"`
	TimedOut       bool          `json:"timed_out"`
	ExitCode       int           `json:"exit_code"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Decision is the audit row for a resolved approval.
type Decision struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	Params         map[string]any `json:"params,omitempty"`
	Status         string         `json:"status"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// EntityState is one recorded entity-state snapshot.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	Domain     string         `json:"domain"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// ReportStore persists reports and their artifact rows.
type ReportStore interface {
	// Ensure creates the report row on first use and bumps UpdatedAt on
	// every later call.
	Ensure(ctx context.Context, reportID, conversationID string) error
	// AttachArtifact upserts one artifact row; re-published filenames
	// replace the previous row the way the filesystem store replaces
	// the file.
	AttachArtifact(ctx context.Context, art Artifact) error
	Get(ctx context.Context, reportID string) (*Report, error)
	List(ctx context.Context, limit int) ([]Report, error)
	Artifacts(ctx context.Context, reportID string) ([]Artifact, error)
	// Delete removes the report row and all attached artifact rows.
	Delete(ctx context.Context, reportID string) error
	// OlderThan returns ids of reports last updated before the cutoff,
	// oldest first.
	OlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// RunStore records sandbox executions.
type RunStore interface {
	Record(ctx context.Context, run Run) error
	List(ctx context.Context, limit int) ([]Run, error)
	ListByReport(ctx context.Context, reportID string) ([]Run, error)
}

// DecisionStore records resolved approvals for audit listing.
type DecisionStore interface {
	Record(ctx context.Context, d Decision) error
	List(ctx context.Context, limit int) ([]Decision, error)
}

// StateStore appends entity-state snapshots and reads them back. It
// doubles as the home provider's change recorder, which is what gives
// history_query its data.
type StateStore interface {
	home.Recorder
	History(ctx context.Context, entityID string, limit int) ([]EntityState, error)
}

// Store is the unified persistence interface. Sub-store accessors share
// one underlying connection.
type Store interface {
	Reports() ReportStore
	Runs() RunStore
	Decisions() DecisionStore
	States() StateStore
	Conversations() agent.ConversationStore

	// GormDB exposes the shared handle for the per-request session
	// callback carried in execution contexts.
	GormDB() *gorm.DB

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// Open connects the configured backend and migrates the schema. A nil
// config opens SQLite at defaultPath.
func Open(cfg *config.StorageConfig, defaultPath string, slogger *slog.Logger) (Store, error) {
	driver := cfg.StorageDriver()
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg, defaultPath, slogger)
	case DriverPostgres:
		db, err = openPostgres(cfg, slogger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (want %q or %q)", driver, DriverSQLite, DriverPostgres)
	}
	if err != nil {
		return nil, err
	}

	s := &store{db: db, driver: driver, logger: slogger}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrating %s schema: %w", driver, err)
	}
	return s, nil
}

// store implements Store over a GORM connection. Repositories are
// created lazily and shared.
type store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger

	mu            sync.Mutex
	reports       *reportRepo
	runs          *runRepo
	decisions     *decisionRepo
	states        *stateRepo
	conversations *conversationRepo
}

func (s *store) Reports() ReportStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = &reportRepo{db: s.db}
	}
	return s.reports
}

func (s *store) Runs() RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = &runRepo{db: s.db}
	}
	return s.runs
}

func (s *store) Decisions() DecisionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decisions == nil {
		s.decisions = &decisionRepo{db: s.db}
	}
	return s.decisions
}

func (s *store) States() StateStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = &stateRepo{db: s.db}
	}
	return s.states
}

func (s *store) Conversations() agent.ConversationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = &conversationRepo{db: s.db}
	}
	return s.conversations
}

func (s *store) GormDB() *gorm.DB {
	return s.db
}

func (s *store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&ReportModel{},
		&ArtifactModel{},
		&RunModel{},
		&DecisionModel{},
		&EntityStateModel{},
		&ConversationModel{},
		&MessageModel{},
	)
}

func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *store) Driver() string {
	return s.driver
}

// gormLogger adapts slog for GORM: slow queries and errors surface as
// warnings, record-not-found stays quiet.
func gormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ Store = (*store)(nil)
