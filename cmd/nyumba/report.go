package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nyumba/internal/artifact"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/storage"
	"github.com/jkaninda/nyumba/internal/workspace"
)

var reportListLimit int

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect and delete analysis reports",
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports",
	RunE:  runReportList,
}

var reportDeleteCmd = &cobra.Command{
	Use:   "delete <report-id>",
	Short: "Delete a report and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportDelete,
}

func init() {
	reportListCmd.Flags().IntVar(&reportListLimit, "limit", 50, "Maximum number of reports to list")
	reportCmd.AddCommand(reportListCmd, reportDeleteCmd)
}

// reportStores opens just the storage needed for report commands,
// skipping the full agent initialization.
func reportStores() (storage.Store, *artifact.Store, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Log)

	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing workspace: %w", err)
	}
	store, err := storage.Open(cfg.Storage, ws.DatabasePath(), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	artStore, err := artifact.NewStore(ws.ArtifactsDir(), logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("opening artifact store: %w", err)
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}
	return store, artStore, closeFn, nil
}

func runReportList(_ *cobra.Command, _ []string) error {
	store, _, closeFn, err := reportStores()
	if err != nil {
		return err
	}
	defer closeFn()

	reports, err := store.Reports().List(context.Background(), reportListLimit)
	if err != nil {
		return fmt.Errorf("listing reports: %w", err)
	}
	if len(reports) == 0 {
		fmt.Println("no reports")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tARTIFACTS\tUPDATED")
	for _, r := range reports {
		conv := r.ConversationID
		if conv == "" {
			conv = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			r.ID, conv, r.ArtifactCount, r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runReportDelete(_ *cobra.Command, args []string) error {
	reportID := args[0]
	store, artStore, closeFn, err := reportStores()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	if _, err := store.Reports().Get(ctx, reportID); err != nil {
		return fmt.Errorf("report %s: %w", reportID, err)
	}

	// Files first so a failure leaves the row pointing at whatever
	// remains on disk.
	if err := artStore.DeleteReport(reportID); err != nil {
		var invalid *artifact.InvalidNameError
		if !errors.As(err, &invalid) {
			return fmt.Errorf("deleting artifacts for %s: %w", reportID, err)
		}
	}
	if err := store.Reports().Delete(ctx, reportID); err != nil {
		return fmt.Errorf("deleting report %s: %w", reportID, err)
	}
	fmt.Printf("deleted report %s\n", reportID)
	return nil
}
