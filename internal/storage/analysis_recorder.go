package storage

import (
	"context"
	"fmt"

	"github.com/jkaninda/nyumba/internal/tools/analysis"
)

// analysisRecorder adapts a Store to the analysis tool's Recorder.
type analysisRecorder struct {
	store Store
}

// NewAnalysisRecorder returns a Recorder that lands run and artifact
// audit rows in the store.
func NewAnalysisRecorder(s Store) analysis.Recorder {
	return &analysisRecorder{store: s}
}

func (a *analysisRecorder) RecordRun(ctx context.Context, rec analysis.RunRecord) error {
	return a.store.Runs().Record(ctx, Run{
		ID:             rec.RunID,
		ReportID:       rec.ReportID,
		ConversationID: rec.ConversationID,
		Policy:         rec.Policy,
		Image:          rec.Image,
		Sandboxed:      rec.Sandboxed,
		Success:        rec.Success,
		TimedOut:       rec.TimedOut,
		ExitCode:       rec.ExitCode,
		Duration:       rec.Duration,
	})
}

// RecordArtifact ensures the report row exists before attaching, so a
// report is listable the moment its first artifact lands.
func (a *analysisRecorder) RecordArtifact(ctx context.Context, rec analysis.ArtifactRecord) error {
	if err := a.store.Reports().Ensure(ctx, rec.ReportID, rec.ConversationID); err != nil {
		return fmt.Errorf("ensuring report %s: %w", rec.ReportID, err)
	}
	return a.store.Reports().AttachArtifact(ctx, Artifact{
		ReportID:  rec.ReportID,
		Filename:  rec.Filename,
		MediaType: rec.MediaType,
		SizeBytes: rec.SizeBytes,
	})
}
