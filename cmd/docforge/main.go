package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/docforge/internal/api"
	"github.com/lamim/docforge/internal/config"
	"github.com/lamim/docforge/internal/metrics"
	"github.com/lamim/docforge/internal/orchestrator"
	"github.com/lamim/docforge/internal/session"
	"github.com/lamim/docforge/internal/snapshot"
	"github.com/lamim/docforge/internal/verify"
	"github.com/lamim/docforge/internal/writer"
	"github.com/lamim/docforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	formPath    string
	editsPath   string
	metricsAddr string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docforge",
		Short: "DocForge - speculative document generation for form wizards",
		Long: `DocForge drafts a document from structured form answers. Generation starts
in the background as soon as the form is complete, so the document step can
usually hand out a finished result instead of waiting for the model.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one form session and write the document",
		Long: `Run a complete form session:
1. Load the form answers and start speculative generation
2. Optional: apply JSON Patch edits (cancels the attempt if the form changes)
3. Open the document step: take the ready result, wait briefly, or generate in the foreground
4. Write document.md and document.json into the session directory`,
		RunE: runGenerate,
	}

	generateCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	generateCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	generateCmd.Flags().StringVar(&formPath, "form", "form.json", "Path to the form answers (JSON object)")
	generateCmd.Flags().StringVar(&editsPath, "edits", "", "Optional RFC 6902 patch applied after speculation starts")
	generateCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	generateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	hashCmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the snapshot hash of a form",
		RunE:  runHash,
	}
	hashCmd.Flags().StringVar(&formPath, "form", "form.json", "Path to the form answers (JSON object)")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(hashCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHash(cmd *cobra.Command, args []string) error {
	form, err := readForm(formPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), snapshot.Hash(form))
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	form, err := readForm(formPath)
	if err != nil {
		return err
	}
	edits, err := readEdits(editsPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := writer.NewSessionManager(slog.Default(), cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()

	logger.Info("DocForge starting",
		"version", Version,
		"config", configPath,
		"form", formPath,
		"session_dir", sessionMgr.GetSessionDir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	collector := metrics.NewCollector(logger)

	client := api.NewClient(cfg.Model, secrets.GetAPIKey(cfg.Model.BaseURL), cfg.PromptTemplates, logger,
		api.WithMetrics(collector),
		api.WithRateLimiterPool(api.NewRateLimiterPool(cfg.ProviderBurstPercent)))

	var reverifier verify.Reverifier
	if cfg.Verification.InteractiveEnabled() {
		reverifier = newLineReverifier(os.Stdin, os.Stderr).Reverify
	}
	gate := verify.NewGate(verify.EnvProvider{Var: cfg.Verification.TokenEnv}, reverifier, logger)

	orch := orchestrator.New(client, gate, collector, logger,
		orchestrator.WithBaseContext(ctx),
		orchestrator.WithInvalidation(orchestrator.InvalidationPolicy(cfg.Coordinator.Invalidation)),
		orchestrator.WithMaxReverifications(cfg.Coordinator.MaxReverifications))
	defer orch.Close()

	sess, err := session.New(orch, form, logger)
	if err != nil {
		return err
	}

	if cfg.Coordinator.SpeculationEnabled() {
		if _, err := sess.Speculate(); err != nil {
			return fmt.Errorf("failed to start speculative generation: %w", err)
		}
	}

	if len(edits) > 0 {
		if err := sess.ApplyPatch(edits); err != nil {
			return fmt.Errorf("failed to apply edits: %w", err)
		}
		logger.Info("Applied form edits", "operations", len(edits), "hash", sess.Hash())
		if cfg.Coordinator.SpeculationEnabled() {
			if _, err := sess.Speculate(); err != nil {
				return fmt.Errorf("failed to restart speculative generation: %w", err)
			}
		}
	}

	start := time.Now()
	stopSpinner := startSpinner("Drafting document")
	result, source, err := sess.Document(ctx, cfg.Coordinator.AwaitTimeout())
	stopSpinner()
	if err != nil {
		logger.Error("Document generation failed", "error", err, "state", orch.State().Status)
		return err
	}

	docWriter := writer.NewDocumentWriter(sessionMgr, logger)
	if _, err := docWriter.Write(result, sess.Hash(), string(source)); err != nil {
		return err
	}

	logger.Info("Session complete",
		"source", source,
		"wait", time.Since(start),
		"total_tokens", result.Usage.TotalTokens,
		"document", sessionMgr.GetDocumentPath())
	return nil
}

func readForm(path string) (models.FormData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read form file: %w", err)
	}
	form, err := snapshot.Decode(raw)
	if err != nil {
		return nil, err
	}
	return form, nil
}

func readEdits(path string) ([]session.PatchOperation, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edits file: %w", err)
	}
	ops, err := session.DecodePatch(raw)
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// startSpinner shows an indeterminate spinner on stderr until the returned func is called
func startSpinner(description string) func() {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
