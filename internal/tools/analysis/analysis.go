// Package analysis provides the run_analysis tool: it executes an
// LLM-written Python script inside the sandbox, then walks the run's
// output directory through egress validation and persists the surviving
// artifacts under the request's report id.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/nyumba/internal/artifact"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/progress"
	"github.com/jkaninda/nyumba/internal/sandbox"
	"github.com/jkaninda/nyumba/internal/tools"
	"github.com/jkaninda/nyumba/internal/workspace"
)

const (
	agentID    = "analysis"
	policyName = "analysis"
)

// RunRecord is the audit row written for one completed sandbox run.
type RunRecord struct {
	RunID          string
	ReportID       string
	ConversationID string
	Policy         string
	Image          string
	Sandboxed      bool
	Success        bool
	TimedOut       bool
	ExitCode       int
	Duration       time.Duration
}

// ArtifactRecord is the audit row written for one published artifact.
type ArtifactRecord struct {
	ReportID       string
	ConversationID string
	Filename       string
	MediaType      string
	SizeBytes      int64
}

// Recorder persists run and artifact records. Implementations must be
// safe for concurrent use. Failures are logged, never fatal to a run.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecordArtifact(ctx context.Context, rec ArtifactRecord) error
}

// Tool runs sandboxed analysis scripts and harvests their artifacts.
type Tool struct {
	runner    sandbox.ScriptRunner
	engine    *sandbox.Engine
	ws        *workspace.Workspace
	validator *artifact.Validator
	store     *artifact.Store
	recorder  Recorder // nil = no audit rows
	logger    *slog.Logger
}

var _ tools.Tool = (*Tool)(nil)

// New creates the run_analysis tool.
func New(runner sandbox.ScriptRunner, engine *sandbox.Engine, ws *workspace.Workspace, validator *artifact.Validator, store *artifact.Store, logger *slog.Logger) *Tool {
	return &Tool{
		runner:    runner,
		engine:    engine,
		ws:        ws,
		validator: validator,
		store:     store,
		logger:    logger,
	}
}

// WithRecorder attaches the audit recorder.
func (t *Tool) WithRecorder(rec Recorder) *Tool {
	t.recorder = rec
	return t
}

func (t *Tool) Name() string { return "run_analysis" }

func (t *Tool) Description() string {
	return "Run a Python script in an isolated sandbox to analyze smart-home data. " +
		"The script has no network access. Read input from the file named by the " +
		"NYUMBA_DATA_PATH environment variable and write charts or data files " +
		"(png, jpg, gif, webp, csv, json) into the directory named by " +
		"NYUMBA_OUTPUT_DIR; validated files are published as report artifacts."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "Python source to execute",
			},
			"data": map[string]any{
				"description": "Optional JSON payload made available to the script via NYUMBA_DATA_PATH",
			},
		},
		"required": []string{"script"},
	}
}

func (t *Tool) Class() tools.Class { return tools.ClassAnalysis }

func (t *Tool) Execute(ctx context.Context, ectx *execctx.Context, params map[string]any) (*tools.Result, error) {
	script, err := tools.RequireString(params, "script")
	if err != nil {
		return nil, err
	}

	var queue *progress.Queue
	if ectx != nil {
		queue = ectx.Progress
	}

	runID := uuid.NewString()
	outDir := t.ws.RunOutputDir(runID)
	defer os.RemoveAll(outDir)

	dataPath, err := t.writeDataPayload(runID, params["data"])
	if err != nil {
		return nil, err
	}
	if dataPath != "" {
		defer os.Remove(dataPath)
	}

	policy, err := t.engine.Policy(policyName)
	if err != nil {
		return nil, fmt.Errorf("resolving analysis policy: %w", err)
	}

	queue.Push(progress.Status(agentID, "executing analysis script"))
	res, err := t.runner.Run(ctx, sandbox.Request{
		Script:     script,
		Policy:     &policy,
		DataPath:   dataPath,
		OutputPath: outDir,
	})
	if err != nil {
		return nil, err
	}

	t.recordRun(ctx, ectx, runID, res)
	stored := t.publishArtifacts(ctx, ectx, runID, outDir)
	queue.Push(progress.Status(agentID, fmt.Sprintf("analysis finished: %d artifact(s)", len(stored))))

	return &tools.Result{
		Output:  t.renderOutput(res, stored),
		Success: res.Success,
		Metadata: map[string]any{
			"run_id":      res.ID,
			"report_id":   t.reportID(ectx, runID),
			"policy":      res.Policy,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
			"timed_out":   res.TimedOut,
			"artifacts":   stored,
		},
	}, nil
}

// writeDataPayload marshals the optional data parameter into the
// workspace data directory and returns the file path, or "" when absent.
func (t *Tool) writeDataPayload(runID string, data any) (string, error) {
	if data == nil {
		return "", nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding data payload: %w", err)
	}
	path := filepath.Join(t.ws.DataDir(), runID+".json")
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("writing data payload: %w", err)
	}
	return path, nil
}

// publishArtifacts validates everything the script left in the output
// directory and persists the survivors. A single bad artifact never sinks
// the batch.
func (t *Tool) publishArtifacts(ctx context.Context, ectx *execctx.Context, runID, outDir string) []string {
	reportID := t.reportID(ectx, runID)
	var stored []string
	for _, meta := range t.validator.ValidateDir(outDir) {
		if _, err := t.store.Persist(reportID, meta); err != nil {
			t.logger.Warn("persisting artifact",
				slog.String("report", reportID),
				slog.String("file", meta.Filename),
				slog.String("error", err.Error()),
			)
			continue
		}
		t.recordArtifact(ctx, ectx, reportID, meta)
		stored = append(stored, reportID+"/"+meta.Filename)
	}
	return stored
}

// recordRun writes the run audit row. Recording failures are logged and
// swallowed; the run itself already concluded.
func (t *Tool) recordRun(ctx context.Context, ectx *execctx.Context, runID string, res *sandbox.Result) {
	if t.recorder == nil {
		return
	}
	rec := RunRecord{
		RunID:          res.ID,
		ReportID:       t.reportID(ectx, runID),
		ConversationID: conversationID(ectx),
		Policy:         res.Policy,
		Image:          res.Image,
		Sandboxed:      res.Sandboxed,
		Success:        res.Success,
		TimedOut:       res.TimedOut,
		ExitCode:       res.ExitCode,
		Duration:       res.Duration,
	}
	if err := t.recorder.RecordRun(ctx, rec); err != nil {
		t.logger.Warn("recording sandbox run",
			slog.String("run_id", res.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tool) recordArtifact(ctx context.Context, ectx *execctx.Context, reportID string, meta *artifact.Meta) {
	if t.recorder == nil {
		return
	}
	rec := ArtifactRecord{
		ReportID:       reportID,
		ConversationID: conversationID(ectx),
		Filename:       meta.Filename,
		MediaType:      meta.ContentType,
		SizeBytes:      meta.Size,
	}
	if err := t.recorder.RecordArtifact(ctx, rec); err != nil {
		t.logger.Warn("recording artifact",
			slog.String("report", reportID),
			slog.String("file", meta.Filename),
			slog.String("error", err.Error()),
		)
	}
}

func conversationID(ectx *execctx.Context) string {
	if ectx == nil {
		return ""
	}
	return ectx.ConversationID
}

// reportID resolves where artifacts land: the shared team-analysis report
// when one is active for this request, otherwise the run's own id.
func (t *Tool) reportID(ectx *execctx.Context, runID string) string {
	if ta := ectx.TeamAnalysis(); ta != nil && ta.ReportID() != "" {
		return ta.ReportID()
	}
	return runID
}

func (t *Tool) renderOutput(res *sandbox.Result, stored []string) string {
	var b strings.Builder
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(res.Stderr)
	}
	if res.Error != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[error] ")
		b.WriteString(res.Error)
	}
	if len(stored) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[artifacts]\n")
		for _, name := range stored {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return tools.TruncateOutput(b.String(), tools.MaxOutputBytes)
}
