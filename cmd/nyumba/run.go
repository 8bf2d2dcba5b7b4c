package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/dispatch"
)

var runConversationID string

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single prompt without the gateway",
	Long: `Run sends one prompt through the agent and prints the streamed reply.
The prompt comes from the arguments, or from stdin when none are given.
Tool activity is reported on stderr; approval requests are printed with
their ids so they can be resolved through a running gateway.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConversationID, "conversation-id", "", "Continue an existing conversation")
}

func runOnce(_ *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Log)
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := sc.Agent.Process(ctx, &agent.Input{
		ConversationID: runConversationID,
		Message:        prompt,
	}, printEvent)
	if err != nil {
		return fmt.Errorf("processing prompt: %w", err)
	}
	fmt.Println()

	for _, id := range resp.PendingApprovals {
		fmt.Fprintf(os.Stderr, "approval pending: %s\n", id)
	}
	logger.Debug("turn complete",
		slog.Int("tools_used", len(resp.ToolsUsed)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return nil
}

// printEvent writes tokens to stdout and everything else to stderr, so
// piped output contains only the model's reply.
func printEvent(ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.KindToken:
		fmt.Print(ev.Token)
	case dispatch.KindToolStart:
		fmt.Fprintf(os.Stderr, "[tool] %s running...\n", ev.Tool)
	case dispatch.KindToolEnd:
		status := "ok"
		if !ev.Success {
			status = "failed"
		}
		fmt.Fprintf(os.Stderr, "[tool] %s %s\n", ev.Tool, status)
	case dispatch.KindApprovalRequired:
		fmt.Fprintf(os.Stderr, "[approval] %s requires approval (id: %s)\n", ev.Tool, ev.ApprovalID)
	case dispatch.KindProgress:
		if ev.Progress != nil {
			fmt.Fprintf(os.Stderr, "[progress] %s\n", ev.Progress.Message)
		}
	case dispatch.KindError:
		fmt.Fprintf(os.Stderr, "[error] %s\n", ev.Error)
	}
}
