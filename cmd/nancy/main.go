package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nancy/internal/config"
	"nancy/internal/logging"
	"nancy/internal/system"
	"nancy/internal/watcher"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nancy",
	Short: "Nancy - four-brain knowledge system",
	Long: `Nancy orchestrates four specialized backends over one knowledge base:
a vector brain for semantic recall, an analytical brain for structured
metadata and tables, a graph brain for entities and relationships, and a
linguistic brain for intent analysis and synthesis.

Ingestion runs files through supervised extractor workers into validated
knowledge packets; queries fan out to the relevant brains in parallel and
are fused into a single cited answer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask the knowledge base a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Extract and ingest files into the brains",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Watch a directory and re-ingest files as they change",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report per-brain and extractor fleet health",
	RunE:  runHealth,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "nancy.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(queryCmd, ingestCmd, watchCmd, healthCmd)
}

// bootSystem loads configuration and assembles the instance.
func bootSystem(ctx context.Context) (*system.System, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if err := logging.Initialize(".", logging.Options{
		Level:      cfg.Logging.Level,
		Structured: cfg.Logging.Structured,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}

	sys, err := system.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := sys.Start(ctx); err != nil {
		return nil, nil, err
	}
	return sys, cfg, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sys, _, err := bootSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Stop(context.Background())

	question := args[0]
	for _, a := range args[1:] {
		question += " " + a
	}

	answer, err := sys.Query(ctx, question, nil)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(answer)
	}

	fmt.Println(answer.Text)
	if verbose {
		fmt.Printf("\n[%s, confidence %.2f, %d results, %v]\n",
			answer.Intent.QueryType, answer.Intent.Confidence, len(answer.Results), answer.Elapsed.Round(time.Millisecond))
	}
	if answer.Cancelled {
		fmt.Fprintln(os.Stderr, "warning: query was cancelled; the answer is partial")
	}
	if answer.Timeout {
		fmt.Fprintln(os.Stderr, "warning: query deadline expired; the answer is partial")
	}
	for _, kind := range answer.TimedOut {
		fmt.Fprintf(os.Stderr, "warning: %s brain timed out\n", kind)
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sys, _, err := bootSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Stop(context.Background())

	failures := 0
	for _, path := range args {
		results, err := sys.IngestFile(ctx, path, nil)
		if err != nil {
			logger.Error("ingest failed", zap.String("path", path), zap.Error(err))
			failures++
			continue
		}
		for _, r := range results {
			if jsonOutput {
				_ = json.NewEncoder(os.Stdout).Encode(r)
				continue
			}
			fmt.Printf("%s: %s (doc %s)\n", path, r.Status, r.DocID)
			if r.Status != "completed" {
				for b, msg := range r.Errors {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", b, msg)
				}
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d file(s) failed", failures)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sys, cfg, err := bootSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Stop(context.Background())

	opts := watcher.Options{Root: args[0]}
	if cfg.Security != nil {
		opts.AllowedExtensions = cfg.Security.Sandbox.AllowedFileExtensions
		opts.MaxFileSize = int64(cfg.Security.Sandbox.MaxFileSizeMB) * 1024 * 1024
	}

	w, err := watcher.New(sys.Analytical, func(ctx context.Context, path string) (string, error) {
		results, err := sys.IngestFile(ctx, path, nil)
		if err != nil {
			return "", err
		}
		docID := ""
		for _, r := range results {
			if r.Status == "failed" {
				return "", fmt.Errorf("packet %s failed: %v", r.PacketID, r.Errors)
			}
			docID = r.DocID
		}
		return docID, nil
	}, opts)
	if err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	logger.Info("watching", zap.String("root", args[0]))

	<-ctx.Done()
	w.Stop()
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sys, _, err := bootSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Stop(context.Background())

	report := sys.Health(ctx)
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	fmt.Printf("status: %s\n", report.Status)
	for kind, h := range report.Brains {
		mark := "ok"
		if !h.OK {
			mark = "DOWN"
		}
		fmt.Printf("  %-11s %-5s %v", kind, mark, h.Latency.Round(time.Millisecond))
		if h.Details != "" {
			fmt.Printf("  (%s)", h.Details)
		}
		fmt.Println()
	}
	for _, ws := range report.Extractors {
		fmt.Printf("  extractor %-12s %s\n", ws.Name, ws.State)
	}
	if report.Status == system.StatusUnhealthy {
		return fmt.Errorf("system unhealthy")
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
