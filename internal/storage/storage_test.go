package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/home"
	"github.com/jkaninda/nyumba/internal/llm"
	"github.com/jkaninda/nyumba/internal/tools/analysis"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(nil, filepath.Join(t.TempDir(), "nyumba.db"), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != DriverSQLite {
		t.Errorf("Driver() = %q, want %q", s.Driver(), DriverSQLite)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(&config.StorageConfig{Driver: "oracle"}, "", logger)
	if err == nil {
		t.Fatal("Open() with unknown driver succeeded, want error")
	}
}

func TestReports_EnsureAttachGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reports := s.Reports()

	if err := reports.Ensure(ctx, "report-1", "conv-1"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	// Second ensure is an update, not a duplicate.
	if err := reports.Ensure(ctx, "report-1", "conv-1"); err != nil {
		t.Fatalf("Ensure() again error = %v", err)
	}

	if err := reports.AttachArtifact(ctx, Artifact{ReportID: "report-1", Filename: "chart.png", MediaType: "image/png", SizeBytes: 512}); err != nil {
		t.Fatalf("AttachArtifact() error = %v", err)
	}
	if err := reports.AttachArtifact(ctx, Artifact{ReportID: "report-1", Filename: "series.csv", MediaType: "text/csv", SizeBytes: 64}); err != nil {
		t.Fatalf("AttachArtifact() error = %v", err)
	}
	// Re-publishing a filename replaces the row.
	if err := reports.AttachArtifact(ctx, Artifact{ReportID: "report-1", Filename: "chart.png", MediaType: "image/png", SizeBytes: 1024}); err != nil {
		t.Fatalf("AttachArtifact() upsert error = %v", err)
	}

	report, err := reports.Get(ctx, "report-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if report.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", report.ConversationID)
	}
	if report.ArtifactCount != 2 {
		t.Errorf("ArtifactCount = %d, want 2", report.ArtifactCount)
	}

	arts, err := reports.Artifacts(ctx, "report-1")
	if err != nil {
		t.Fatalf("Artifacts() error = %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(arts))
	}
	if arts[0].Filename != "chart.png" || arts[0].SizeBytes != 1024 {
		t.Errorf("arts[0] = %+v, want the upserted chart.png of 1024 bytes", arts[0])
	}
}

func TestReports_GetUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Reports().Get(context.Background(), "missing")
	if !errors.Is(err, ErrReportNotFound) {
		t.Errorf("Get() error = %v, want ErrReportNotFound", err)
	}
}

func TestReports_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reports := s.Reports()

	if err := reports.Ensure(ctx, "report-1", ""); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := reports.AttachArtifact(ctx, Artifact{ReportID: "report-1", Filename: "a.txt", SizeBytes: 1}); err != nil {
		t.Fatalf("AttachArtifact() error = %v", err)
	}
	if err := reports.Delete(ctx, "report-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := reports.Get(ctx, "report-1"); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrReportNotFound", err)
	}
	arts, err := reports.Artifacts(ctx, "report-1")
	if err != nil {
		t.Fatalf("Artifacts() error = %v", err)
	}
	if len(arts) != 0 {
		t.Errorf("artifacts after delete = %d, want 0", len(arts))
	}
}

func TestReports_ListAndOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reports := s.Reports()

	for _, id := range []string{"report-old", "report-new"} {
		if err := reports.Ensure(ctx, id, ""); err != nil {
			t.Fatalf("Ensure(%s) error = %v", id, err)
		}
	}
	// Age one report artificially.
	old := time.Now().UTC().Add(-48 * time.Hour)
	db := s.GormDB()
	if err := db.Model(&ReportModel{}).Where("id = ?", "report-old").Update("updated_at", old).Error; err != nil {
		t.Fatalf("aging report: %v", err)
	}

	list, err := reports.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "report-new" {
		t.Errorf("List() = %+v, want report-new first", list)
	}

	ids, err := reports.OlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("OlderThan() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "report-old" {
		t.Errorf("OlderThan() = %v, want [report-old]", ids)
	}
}

func TestRuns_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runs := s.Runs()

	rec := Run{
		ID:             "run-1",
		ReportID:       "report-1",
		ConversationID: "conv-1",
		Policy:         "analysis",
		Image:          "nyumba-analysis:latest",
		Sandboxed:      true,
		Success:        true,
		ExitCode:       0,
		Duration:       1500 * time.Millisecond,
	}
	if err := runs.Record(ctx, rec); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := runs.Record(ctx, Run{ID: "run-2", ReportID: "report-1", Policy: "analysis", TimedOut: true, ExitCode: -1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	byReport, err := runs.ListByReport(ctx, "report-1")
	if err != nil {
		t.Fatalf("ListByReport() error = %v", err)
	}
	if len(byReport) != 2 {
		t.Fatalf("runs for report = %d, want 2", len(byReport))
	}
	if byReport[0].ID != "run-1" || byReport[0].Duration != 1500*time.Millisecond || !byReport[0].Sandboxed {
		t.Errorf("byReport[0] = %+v, want run-1 round-tripped", byReport[0])
	}
	if !byReport[1].TimedOut {
		t.Errorf("byReport[1].TimedOut = false, want true")
	}

	all, err := runs.List(ctx, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List(1) = %d rows, want 1", len(all))
	}
}

func TestDecisions_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	decisions := s.Decisions()

	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	resolved := time.Now().UTC().Truncate(time.Second)
	d := Decision{
		ID:             "appr-1",
		ConversationID: "conv-1",
		ToolCallID:     "call_1",
		ToolName:       "control_entity",
		Params:         map[string]any{"entity": "lock.front_door", "state": "unlocked"},
		Status:         "approved",
		ResolvedBy:     "isha",
		CreatedAt:      created,
		ResolvedAt:     resolved,
	}
	if err := decisions.Record(ctx, d); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	list, err := decisions.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("decisions = %d, want 1", len(list))
	}
	got := list[0]
	if got.ToolName != "control_entity" || got.Status != "approved" || got.ResolvedBy != "isha" {
		t.Errorf("decision = %+v, want the recorded resolution", got)
	}
	if got.Params["entity"] != "lock.front_door" {
		t.Errorf("params = %v, want the original entity", got.Params)
	}
}

func TestDecisions_RecordTwiceKeepsLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	decisions := s.Decisions()

	base := Decision{ID: "appr-1", ToolName: "control_entity", Status: "approved", ResolvedBy: "first"}
	if err := decisions.Record(ctx, base); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	base.Status = "denied"
	base.ResolvedBy = "second"
	if err := decisions.Record(ctx, base); err != nil {
		t.Fatalf("Record() again error = %v", err)
	}

	list, err := decisions.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].Status != "denied" || list[0].ResolvedBy != "second" {
		t.Errorf("decisions = %+v, want one row with the latest resolution", list)
	}
}

func TestStates_RecorderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	states := s.States()

	// The sub-store is the provider's recorder.
	var recorder home.Recorder = states
	if err := recorder.RecordEntityState(ctx, home.Entity{
		ID:         "light.kitchen",
		Domain:     "light",
		State:      "on",
		Attributes: map[string]any{"brightness": float64(200)},
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordEntityState() error = %v", err)
	}
	if err := recorder.RecordEntityState(ctx, home.Entity{ID: "light.kitchen", Domain: "light", State: "off"}); err != nil {
		t.Fatalf("RecordEntityState() error = %v", err)
	}

	history, err := states.History(ctx, "light.kitchen", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d rows, want 2", len(history))
	}
	if history[0].State != "off" {
		t.Errorf("history[0].State = %q, want the newest snapshot first", history[0].State)
	}
	if history[1].Attributes["brightness"] != float64(200) {
		t.Errorf("history[1].Attributes = %v, want brightness preserved", history[1].Attributes)
	}
}

func TestConversations_ImplementsAgentStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	convs := s.Conversations()

	msgs := []llm.Message{
		llm.UserText("turn on the porch light"),
		{Role: llm.RoleAssistant, Blocks: []llm.ContentBlock{
			llm.ToolUseBlock("call_1", "control_entity", map[string]any{"entity": "light.porch", "state": "on"}),
		}},
		{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
			llm.ToolResultBlock("call_1", "pending approval", true),
		}},
	}
	if err := convs.Append(ctx, "conv-1", msgs...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, err := convs.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[0].Text() != "turn on the porch light" {
		t.Errorf("history[0] = %q, want the user message first", history[0].Text())
	}
	toolUse := history[1].Blocks[0]
	if toolUse.Type != "tool_use" || toolUse.Name != "control_entity" || toolUse.Input["entity"] != "light.porch" {
		t.Errorf("tool_use block = %+v, want the original call round-tripped", toolUse)
	}

	if err := convs.ReplaceToolResult(ctx, "conv-1", "call_1", "light.porch set to on", false); err != nil {
		t.Fatalf("ReplaceToolResult() error = %v", err)
	}
	history, _ = convs.History(ctx, "conv-1", 0)
	block := history[2].Blocks[0]
	if block.Text != "light.porch set to on" || block.IsError {
		t.Errorf("replaced block = %+v, want the executed outcome", block)
	}
}

func TestConversations_HistoryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	convs := s.Conversations()

	for _, text := range []string{"a", "b", "c"} {
		if err := convs.Append(ctx, "conv-1", llm.UserText(text)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	history, err := convs.History(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Text() != "b" || history[1].Text() != "c" {
		t.Errorf("history = %+v, want the newest two in order", history)
	}
}

func TestConversations_ReplaceMissing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Conversations().ReplaceToolResult(context.Background(), "conv-1", "call_9", "x", false); err == nil {
		t.Fatal("ReplaceToolResult() for unknown id succeeded, want error")
	}
}

func TestConversations_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	convs := s.Conversations()

	if err := convs.Append(ctx, "conv-1", llm.UserText("hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := convs.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	history, err := convs.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history after delete = %d messages, want 0", len(history))
	}
}

func TestAnalysisRecorder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := NewAnalysisRecorder(s)

	err := rec.RecordRun(ctx, analysis.RunRecord{
		RunID:          "run-1",
		ReportID:       "report-1",
		ConversationID: "conv-1",
		Policy:         "analysis",
		Image:          "python:3.12-slim",
		Sandboxed:      true,
		Success:        true,
		Duration:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	err = rec.RecordArtifact(ctx, analysis.ArtifactRecord{
		ReportID:       "report-1",
		ConversationID: "conv-1",
		Filename:       "chart.png",
		MediaType:      "image/png",
		SizeBytes:      512,
	})
	if err != nil {
		t.Fatalf("RecordArtifact() error = %v", err)
	}

	// The report row was ensured by the artifact record.
	report, err := s.Reports().Get(ctx, "report-1")
	if err != nil {
		t.Fatalf("Get(report) error = %v", err)
	}
	if report.ArtifactCount != 1 || report.ConversationID != "conv-1" {
		t.Errorf("report = %+v, want one artifact under conv-1", report)
	}
	runs, err := s.Runs().ListByReport(ctx, "report-1")
	if err != nil {
		t.Fatalf("ListByReport() error = %v", err)
	}
	if len(runs) != 1 || !runs[0].Sandboxed || runs[0].Image != "python:3.12-slim" {
		t.Errorf("runs = %+v, want the recorded sandboxed run", runs)
	}
}
