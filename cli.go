package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

// NewRootCommand builds the council-engine command tree. Running the root
// command without a subcommand starts the server.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "council-engine",
		Short:         "LLM Council: ask several models, let them rank each other, synthesize one answer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (default $COUNCIL_CONFIG)")

	root.AddCommand(newServeCommand(&cfgFile), newAskCommand(&cfgFile), newVersionCommand())
	return root
}

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfgFile)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "council-engine %s\n", Version)
		},
	}
}

func runServe(ctx context.Context, cfgFile string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	logger := NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.OpenRouterAPIKey == "" {
		logger.Warn("OPENROUTER_API_KEY not set; runs fail until a key is stored via the settings API")
	}

	metrics := NewMetrics()
	store := NewFileStore(cfg.ConversationsDir(), logger)
	if err := store.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	settings := NewSettingsStore(cfg.SettingsPath(), cfg)
	newClient := NewOpenRouterClientFactory(cfg.OpenRouterBaseURL, logger, metrics)
	orchestrator := NewOrchestrator(cfg, store, newClient, logger, metrics)
	server := NewServer(cfg, store, settings, orchestrator, newClient, metrics, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting LLM Council backend", "addr", cfg.Addr, "council", cfg.CouncilModels, "chairman", cfg.ChairmanModel)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down, waiting for active council runs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ModelQueryTimeout*3)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("council runs still active at shutdown: %w", err)
	}
	return nil
}

func newAskCommand(cfgFile *string) *cobra.Command {
	var (
		asJSON bool
		files  []string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one council query and print the answer",
		Long: `Runs the three council stages against the configured backend without
storing a conversation.

Examples:
  council-engine ask "What is the CAP theorem?"
  council-engine ask --file notes.md "Summarize these notes"
  council-engine ask --json "Compare Go and Rust" > result.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*cfgFile)
			if err != nil {
				return err
			}
			logger := NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			attachments, err := loadAttachments(files)
			if err != nil {
				return err
			}

			settings, err := NewSettingsStore(cfg.SettingsPath(), cfg).Snapshot()
			if err != nil {
				return err
			}
			client, err := NewOpenRouterClient(cfg.OpenRouterBaseURL, settings.APIKey, logger, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			council := NewCouncil(client, settings, cfg, logger)
			progress := cmd.ErrOrStderr()
			if asJSON {
				progress = io.Discard
			}
			result := council.Run(ctx, strings.Join(args, " "), attachments, func(e Event) {
				printProgress(progress, e)
			})

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	return cmd
}

// loadAttachments reads local files into data URL attachments.
func loadAttachments(paths []string) ([]FileAttachment, error) {
	attachments := make([]FileAttachment, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		mimeType, _, _ = strings.Cut(mimeType, ";")

		attachments = append(attachments, FileAttachment{
			Name: filepath.Base(path),
			Type: mimeType,
			Size: len(data),
			Data: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		})
	}
	return attachments, nil
}

func printProgress(w io.Writer, e Event) {
	switch e.Type {
	case EventStage1Start:
		headerColor.Fprintln(w, "Stage 1: collecting individual responses...")
	case EventStage1Complete:
		results, _ := e.Data.([]Stage1Result)
		if len(results) == 0 {
			badColor.Fprintln(w, "  no council model responded")
			return
		}
		for _, r := range results {
			goodColor.Fprintf(w, "  ✓ %s\n", r.Model)
		}
	case EventStage2Start:
		headerColor.Fprintln(w, "Stage 2: peer rankings...")
	case EventStage2Complete:
		metadata, _ := e.Metadata.(*MessageMetadata)
		if metadata == nil {
			return
		}
		for i, agg := range metadata.AggregateRankings {
			fmt.Fprintf(w, "  %d. %s (avg %.2f, %d votes)\n", i+1, agg.Model, agg.AverageRank, agg.RankingsCount)
		}
	case EventStage3Start:
		headerColor.Fprintln(w, "Stage 3: chairman synthesis...")
	}
}

func printResult(w io.Writer, result CouncilResult) {
	fmt.Fprintln(w)
	switch {
	case result.Stage3.Model == "error":
		badColor.Fprintln(w, result.Stage3.Response)
		return
	case result.Stage3.Response == ChairmanFailureMessage:
		warnColor.Fprintln(w, result.Stage3.Response)
	default:
		labelColor.Fprintf(w, "Chairman (%s):\n", result.Stage3.Model)
		fmt.Fprintln(w, result.Stage3.Response)
	}

	if usage := result.Metadata.UsageSummary; usage != nil && !usage.GrandTotal.IsZero() {
		fmt.Fprintln(w)
		labelColor.Fprint(w, "Tokens: ")
		fmt.Fprintf(w, "%d prompt, %d completion, %d total\n",
			usage.GrandTotal.PromptTokens, usage.GrandTotal.CompletionTokens, usage.GrandTotal.TotalTokens)
	}
}
